package expr

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/unijord/botfsm/pkg/statestore"
)

// Snapshot is the world a condition is evaluated against.
type Snapshot struct {
	Telemetry map[string]any
	Sensors   map[string]any
	FSM       map[string]any
}

// Vars returns the activation for Evaluator.EvalBool. Nil maps become empty.
func (s Snapshot) Vars() map[string]any {
	orEmpty := func(m map[string]any) map[string]any {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	return map[string]any{
		VarTelemetry: orEmpty(s.Telemetry),
		VarSensors:   orEmpty(s.Sensors),
		VarFSM:       orEmpty(s.FSM),
	}
}

// StateGetter returns the current state document. statestore.Store
// satisfies it.
type StateGetter interface {
	Get() statestore.Document
}

// FileSnapshotSource reads the telemetry and sensor files and the state
// document on every call.
type FileSnapshotSource struct {
	TelemetryPath string
	SensorsPath   string
	State         StateGetter
	Logger        *slog.Logger
}

// Snapshot never fails. Missing or corrupt files yield empty maps, and a
// state document that cannot be read yields fsm.state "error".
func (s *FileSnapshotSource) Snapshot() Snapshot {
	fsmVars := map[string]any{}
	if s.State != nil {
		doc := s.State.Get()
		fsmVars["state"] = doc.State()
		fsmVars["last_event"] = doc.LastEvent()
	}
	return Snapshot{
		Telemetry: s.readObject(s.TelemetryPath),
		Sensors:   s.readObject(s.SensorsPath),
		FSM:       fsmVars,
	}
}

func (s *FileSnapshotSource) readObject(path string) map[string]any {
	if path == "" {
		return map[string]any{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger().Warn("failed to read snapshot file", "path", path, "error", err)
		}
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		s.logger().Warn("snapshot file is not a json object", "path", path, "error", err)
		return map[string]any{}
	}
	return out
}

func (s *FileSnapshotSource) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
