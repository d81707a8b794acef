package statestore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaVersion selects which required-field set a document must carry.
type SchemaVersion string

const (
	// SchemaFull requires mode, task, status, last_event, timestamp, source
	// and context.
	SchemaFull SchemaVersion = "full"
	// SchemaCompact requires state, last_trigger, context and timestamp.
	SchemaCompact SchemaVersion = "compact"
)

// ParseSchemaVersion maps a config value to a SchemaVersion. Empty means full.
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	switch SchemaVersion(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemaFull:
		return SchemaFull, nil
	case SchemaCompact:
		return SchemaCompact, nil
	default:
		return "", fmt.Errorf("unknown schema version %q", s)
	}
}

// stateKey is the key holding the operating mode.
func (v SchemaVersion) stateKey() string {
	if v == SchemaCompact {
		return "state"
	}
	return "mode"
}

// triggerKey is the key holding the event that produced the document.
func (v SchemaVersion) triggerKey() string {
	if v == SchemaCompact {
		return "last_trigger"
	}
	return "last_event"
}

func (v SchemaVersion) definition(states []string) map[string]any {
	str := func() map[string]any { return map[string]any{"type": "string"} }

	mode := map[string]any{"type": "string", "minLength": 1}
	if len(states) > 0 {
		mode["enum"] = states
	}

	props := map[string]any{
		v.stateKey():   mode,
		v.triggerKey(): str(),
		"timestamp":    map[string]any{"type": "number"},
		"context":      map[string]any{"type": "object"},
	}
	required := []string{v.stateKey(), v.triggerKey(), "timestamp", "context"}

	if v == SchemaFull {
		props["task"] = str()
		props["status"] = str()
		props["source"] = str()
		required = []string{"mode", "task", "status", "last_event", "timestamp", "source", "context"}
	}

	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}

func compileSchema(version SchemaVersion, states []string) (*jsonschema.Schema, error) {
	def, err := json.Marshal(version.definition(states))
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	url := fmt.Sprintf("fsm_state_%s.json", version)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(def))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
