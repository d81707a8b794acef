package fsm

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	// ErrUnknownState is returned by Load when the snapshot's current state is
	// not part of the transition table.
	ErrUnknownState = errors.New("state not in transition table")
	// ErrEmptySnapshot is returned by Load for a snapshot without a current state.
	ErrEmptySnapshot = errors.New("snapshot has no current state")
)

// RegisterEntry records one stay in a state.
type RegisterEntry struct {
	EnterTime   time.Time      `json:"enter_time"`
	ExitTime    *time.Time     `json:"exit_time"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Transition is one history record.
type Transition struct {
	Timestamp time.Time      `json:"timestamp"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	Event     string         `json:"event"`
	Context   map[string]any `json:"context,omitempty"`
}

// Snapshot is the exported form of a Machine.
type Snapshot struct {
	CurrentState        string                   `json:"current_state"`
	LastEvent           string                   `json:"last_event"`
	LastEventTime       *time.Time               `json:"last_event_time"`
	StateDuration       float64                  `json:"state_duration"`
	PossibleTransitions []string                 `json:"possible_transitions"`
	Transitions         Table                    `json:"transitions"`
	StateRegister       map[string]RegisterEntry `json:"state_register"`
	History             []Transition             `json:"history"`
}

// DefaultMaxHistory is the history cap used by the gatekeeper when none is
// configured.
const DefaultMaxHistory = 500

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxHistory keeps only the newest n history records. 0 keeps all.
func WithMaxHistory(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.maxHistory = n
		}
	}
}

// Machine is the in-memory state machine. It is safe for concurrent use, but
// the gatekeeper drives it from a single goroutine.
type Machine struct {
	mu sync.RWMutex

	table    Table
	current  string
	register map[string]RegisterEntry
	history  []Transition

	lastEvent     string
	lastEventTime *time.Time

	maxHistory int
	now        func() time.Time
}

// New creates a Machine sitting in initial.
func New(table Table, initial string, opts ...Option) *Machine {
	m := &Machine{
		table:    table.Clone(),
		current:  initial,
		register: make(map[string]RegisterEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.register[initial] = RegisterEntry{EnterTime: m.now()}
	return m
}

// TriggerEvent applies event to the current state. It returns false, without
// changing anything, when the table has no such edge.
func (m *Machine) TriggerEvent(event string, meta map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.table.Next(m.current, event)
	if !ok {
		return false
	}

	now := m.now()
	prev := m.current
	if entry, ok := m.register[prev]; ok {
		exit := now
		entry.ExitTime = &exit
		m.register[prev] = entry
	}

	m.current = next
	m.lastEvent = event
	m.lastEventTime = &now
	m.register[next] = RegisterEntry{
		EnterTime:   now,
		TriggeredBy: event,
		Meta:        maps.Clone(meta),
	}
	m.history = append(m.history, Transition{
		Timestamp: now,
		FromState: prev,
		ToState:   next,
		Event:     event,
		Context:   maps.Clone(meta),
	})
	m.trimHistory()

	return true
}

func (m *Machine) trimHistory() {
	if m.maxHistory > 0 && len(m.history) > m.maxHistory {
		m.history = slices.Clone(m.history[len(m.history)-m.maxHistory:])
	}
}

// CurrentState returns the current state.
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// PossibleTransitions returns the events accepted from the current state.
func (m *Machine) PossibleTransitions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Events(m.current)
}

// CanTrigger reports whether event is currently legal.
func (m *Machine) CanTrigger(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.table.Next(m.current, event)
	return ok
}

// History returns a copy of the transition history, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// LastTransition returns the newest history record, or false before the
// first transition.
func (m *Machine) LastTransition() (Transition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Transition{}, false
	}
	return m.history[len(m.history)-1], true
}

// Table returns a copy of the transition table.
func (m *Machine) Table() Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Clone()
}

// Export returns the machine's full state.
func (m *Machine) Export() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var duration float64
	if entry, ok := m.register[m.current]; ok {
		duration = m.now().Sub(entry.EnterTime).Seconds()
	}

	var lastTime *time.Time
	if m.lastEventTime != nil {
		t := *m.lastEventTime
		lastTime = &t
	}

	return Snapshot{
		CurrentState:        m.current,
		LastEvent:           m.lastEvent,
		LastEventTime:       lastTime,
		StateDuration:       duration,
		PossibleTransitions: m.table.Events(m.current),
		Transitions:         m.table.Clone(),
		StateRegister:       maps.Clone(m.register),
		History:             slices.Clone(m.history),
	}
}

// Load replaces the machine's state with snap. A snapshot without a table
// keeps the machine's own table.
func (m *Machine) Load(snap Snapshot) error {
	if snap.CurrentState == "" {
		return ErrEmptySnapshot
	}

	table := m.Table()
	if len(snap.Transitions) > 0 {
		table = snap.Transitions.Clone()
	}
	if len(table) > 0 && !table.Has(snap.CurrentState) {
		return fmt.Errorf("%w: %q", ErrUnknownState, snap.CurrentState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.table = table
	m.current = snap.CurrentState
	m.lastEvent = snap.LastEvent
	m.lastEventTime = nil
	if snap.LastEventTime != nil {
		t := *snap.LastEventTime
		m.lastEventTime = &t
	}
	m.register = maps.Clone(snap.StateRegister)
	if m.register == nil {
		m.register = make(map[string]RegisterEntry)
	}
	if _, ok := m.register[m.current]; !ok {
		m.register[m.current] = RegisterEntry{EnterTime: m.now()}
	}
	m.history = slices.Clone(snap.History)
	m.trimHistory()

	return nil
}
