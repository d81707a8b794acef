package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Condition is a compiled boolean expression.
type Condition struct {
	source  string
	program cel.Program
}

func (c *Condition) Source() string { return c.source }

type Compiler struct {
	env *cel.Env
}

func NewCompiler(env *cel.Env) *Compiler {
	return &Compiler{env: env}
}

// CompileBool compiles expr and rejects it unless it yields bool. Map fields
// are dyn, so a dyn result is accepted and checked at evaluation time.
func (c *Compiler) CompileBool(expr string) (*Condition, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile %q: expression must return bool, got %s", expr, out)
	}

	prog, err := c.env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Condition{source: expr, program: prog}, nil
}
