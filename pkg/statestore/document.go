package statestore

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/unijord/botfsm/pkg/fsm"
)

// Reasons carried by sentinel documents.
const (
	ReasonDecode = "json_decode_error"
	ReasonIO     = "io_error"
)

// Document is the state file's JSON object.
type Document map[string]any

// sentinel builds the document handed to readers when the file cannot be used.
func sentinel(reason string) Document {
	return Document{"state": "error", "reason": reason}
}

// IsSentinel reports whether d is an error placeholder rather than real state.
func (d Document) IsSentinel() bool {
	_, hasReason := d["reason"]
	return d["state"] == "error" && hasReason
}

// Reason returns the sentinel reason, or "".
func (d Document) Reason() string {
	s, _ := d["reason"].(string)
	return s
}

// State returns the operating mode under whichever key the document uses.
func (d Document) State() string {
	for _, key := range []string{"current_state", "mode", "state"} {
		if s, ok := d[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// LastEvent returns the triggering event under either schema.
func (d Document) LastEvent() string {
	for _, key := range []string{"last_event", "last_trigger"} {
		if s, ok := d[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Timestamp returns the write time, zero if absent.
func (d Document) Timestamp() time.Time {
	ts, ok := d["timestamp"].(float64)
	if !ok {
		return time.Time{}
	}
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9))
}

// Snapshot decodes the exported machine state carried by d.
func (d Document) Snapshot() (fsm.Snapshot, error) {
	var snap fsm.Snapshot
	data, err := json.Marshal(d)
	if err != nil {
		return snap, fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.CurrentState == "" {
		snap.CurrentState = d.State()
	}
	return snap, nil
}

// NewDocument lays out snap for version. context is the metadata of the
// request that caused the transition.
func NewDocument(version SchemaVersion, snap fsm.Snapshot, context map[string]any) (Document, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	ctx := maps.Clone(context)
	if ctx == nil {
		ctx = map[string]any{}
	}
	doc["context"] = ctx
	doc[version.stateKey()] = snap.CurrentState
	doc[version.triggerKey()] = snap.LastEvent

	if version == SchemaFull {
		task, _ := ctx["task"].(string)
		if task == "" {
			task = "none"
		}
		doc["task"] = task
		doc["status"] = "active"
	}
	return doc, nil
}

// initialDocument is written on first run, before any transition.
func initialDocument(version SchemaVersion, initial string, now time.Time) Document {
	doc := Document{
		"current_state":        initial,
		"possible_transitions": []any{},
		"history":              []any{},
		"context":              map[string]any{},
		"timestamp":            unixSeconds(now),
		version.stateKey():     initial,
		version.triggerKey():   "init",
	}
	if version == SchemaFull {
		doc["task"] = "none"
		doc["status"] = "initialized"
		doc["source"] = "statestore"
	}
	return doc
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
