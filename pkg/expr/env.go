// Package expr compiles and evaluates the boolean conditions used by the
// rule engine and the mission executor.
//
// Conditions are CEL expressions over three map variables:
//
//	telemetry  the decoded telemetry.json object
//	sensors    the decoded sensors.json object
//	fsm        {"state": <current mode>, "last_event": <event>}
//
// For example:
//
//	telemetry.battery < 20.0 && fsm.state == "IDLE"
//	lookup(sensors, "obstacle", false) == true
//
// A condition that fails at evaluation time, typically because a key is
// missing, is treated as not matched by the callers.
package expr

import (
	"github.com/google/cel-go/cel"
)

// Variable names bound in every condition.
const (
	VarTelemetry = "telemetry"
	VarSensors   = "sensors"
	VarFSM       = "fsm"
)

type EnvBuilder struct {
	opts []cel.EnvOption
}

func NewEnvBuilder() *EnvBuilder {
	return &EnvBuilder{}
}

func (b *EnvBuilder) WithVariable(name string, t *cel.Type) *EnvBuilder {
	b.opts = append(b.opts, cel.Variable(name, t))
	return b
}

// WithSnapshot declares the telemetry, sensors and fsm maps.
func (b *EnvBuilder) WithSnapshot() *EnvBuilder {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	b.opts = append(b.opts,
		cel.Variable(VarTelemetry, mapType),
		cel.Variable(VarSensors, mapType),
		cel.Variable(VarFSM, mapType),
	)
	return b
}

func (b *EnvBuilder) WithOption(opt cel.EnvOption) *EnvBuilder {
	b.opts = append(b.opts, opt)
	return b
}

func (b *EnvBuilder) Build() (*cel.Env, error) {
	return cel.NewEnv(b.opts...)
}

// NewEnv returns the environment conditions are compiled against: the
// snapshot variables, mixed int/double comparisons and the helper functions
// from RobotFuncs.
func NewEnv() (*cel.Env, error) {
	return NewEnvBuilder().
		WithSnapshot().
		WithOption(cel.CrossTypeNumericComparisons(true)).
		WithOption(RobotFuncs()).
		Build()
}
