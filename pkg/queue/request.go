package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedRequest marks a queue entry the gatekeeper must skip.
var ErrMalformedRequest = errors.New("malformed request")

// Request is one pending state-change request.
type Request struct {
	ID        string         `json:"id,omitempty"`
	Event     string         `json:"event"`
	From      string         `json:"from"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`

	// Raw is the entry as it appeared in the queue file.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts "source" as an alias of "from". Fields are decoded
// one by one: a field of the wrong type is dropped on its own and never
// costs the request its event. Only an entry that is not a JSON object fails.
func (r *Request) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*r = Request{Raw: append(json.RawMessage(nil), data...)}
	decodeField(fields["id"], &r.ID)
	decodeField(fields["event"], &r.Event)
	if !decodeField(fields["from"], &r.From) || r.From == "" {
		decodeField(fields["source"], &r.From)
	}
	decodeField(fields["metadata"], &r.Metadata)
	r.Timestamp = parseTimestamp(fields["timestamp"])
	return nil
}

// decodeField decodes raw into dst and reports whether it succeeded. dst
// keeps its zero value on a type mismatch.
func decodeField[T any](raw json.RawMessage, dst *T) bool {
	if len(raw) == 0 {
		return false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*dst = v
	return true
}

// naiveLayouts are ISO 8601 timestamps without a zone, as written by
// producers that stamp local time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339, a zoneless ISO 8601 timestamp in local
// time, or unix seconds. Anything else is the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	var str string
	if decodeField(raw, &str) {
		if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return ts
		}
		for _, layout := range naiveLayouts {
			if ts, err := time.ParseInLocation(layout, str, time.Local); err == nil {
				return ts
			}
		}
		return time.Time{}
	}

	var secs float64
	if decodeField(raw, &secs) && secs > 0 {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9))
	}
	return time.Time{}
}

// Validate reports ErrMalformedRequest for entries without an event.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Event) == "" {
		return fmt.Errorf("%w: missing event field", ErrMalformedRequest)
	}
	return nil
}

// Source returns the producer name, "unknown" when absent.
func (r Request) Source() string {
	if r.From == "" {
		return "unknown"
	}
	return r.From
}
