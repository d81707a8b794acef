package expr

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// RobotFuncs returns the helper functions available to conditions.
//
// Functions:
//   - lookup(map, key, default) -> dyn: map[key], or default when the key is absent
//   - between(value, low, high) -> bool: low <= value <= high for int or double
func RobotFuncs() cel.EnvOption {
	return cel.Lib(&robotLib{})
}

type robotLib struct{}

func (l *robotLib) LibraryName() string {
	return "botfsm.robot"
}

func (l *robotLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("lookup",
			cel.Overload("lookup_map_string_dyn",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType, cel.DynType},
				cel.DynType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					m, ok := args[0].(traits.Mapper)
					if !ok {
						return types.NewErr("lookup: expected map, got %s", args[0].Type().TypeName())
					}
					if v, found := m.Find(args[1]); found {
						return v
					}
					return args[2]
				}),
			),
		),
		cel.Function("between",
			cel.Overload("between_dyn_dyn_dyn",
				[]*cel.Type{cel.DynType, cel.DynType, cel.DynType},
				cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					vals := make([]float64, len(args))
					for i, arg := range args {
						f, ok := toFloat(arg)
						if !ok {
							return types.NewErr("between: expected number, got %s", arg.Type().TypeName())
						}
						vals[i] = f
					}
					return types.Bool(vals[1] <= vals[0] && vals[0] <= vals[2])
				}),
			),
		),
	}
}

func (l *robotLib) ProgramOptions() []cel.ProgramOption {
	return nil
}

func toFloat(v ref.Val) (float64, bool) {
	switch n := v.(type) {
	case types.Double:
		return float64(n), true
	case types.Int:
		return float64(n), true
	case types.Uint:
		return float64(n), true
	default:
		return 0, false
	}
}
