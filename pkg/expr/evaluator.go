package expr

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/interpreter"
)

// Evaluator runs compiled conditions. It is safe for concurrent use.
type Evaluator struct {
	pool sync.Pool
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		pool: sync.Pool{
			New: func() any {
				return &activation{vars: make(map[string]any, 4)}
			},
		},
	}
}

// EvalBool evaluates cond against vars.
func (e *Evaluator) EvalBool(cond *Condition, vars map[string]any) (bool, error) {
	a := e.pool.Get().(*activation)
	a.reset(vars)
	defer func() {
		clear(a.vars)
		e.pool.Put(a)
	}()

	out, _, err := cond.program.Eval(a)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", cond.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: expected bool, got %T", cond.source, out.Value())
	}
	return b, nil
}

type activation struct {
	vars map[string]any
}

func (a *activation) ResolveName(name string) (any, bool) {
	v, ok := a.vars[name]
	return v, ok
}

func (a *activation) Parent() interpreter.Activation {
	return nil
}

func (a *activation) reset(vars map[string]any) {
	clear(a.vars)
	for k, v := range vars {
		a.vars[k] = v
	}
}

var _ interpreter.Activation = (*activation)(nil)
