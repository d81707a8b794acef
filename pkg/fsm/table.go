package fsm

import (
	"fmt"
	"maps"
	"slices"
)

// Default state names.
const (
	StateIdle          = "IDLE"
	StateMissionActive = "MISSION_ACTIVE"
	StateCharging      = "CHARGING"
	StateAvoiding      = "AVOIDING"
	StateError         = "ERROR"
)

// Table maps state -> event -> next state. It is read-only once loaded.
type Table map[string]map[string]string

// DefaultTable returns the table used when no configuration supplies one.
func DefaultTable() Table {
	return Table{
		StateIdle: {
			"START_MISSION": StateMissionActive,
			"CHARGE":        StateCharging,
			"FAULT":         StateError,
		},
		StateMissionActive: {
			"PAUSE_MISSION":     StateIdle,
			"END_MISSION":       StateIdle,
			"OBSTACLE_DETECTED": StateAvoiding,
			"FAULT":             StateError,
		},
		StateCharging: {
			"CHARGE_COMPLETE": StateIdle,
			"FAULT":           StateError,
		},
		StateAvoiding: {
			"OBSTACLE_CLEARED": StateMissionActive,
			"FAULT":            StateError,
		},
		StateError: {
			"RESET": StateIdle,
		},
	}
}

// Next returns the state reached from state on event.
func (t Table) Next(state, event string) (string, bool) {
	edges, ok := t[state]
	if !ok {
		return "", false
	}
	next, ok := edges[event]
	return next, ok
}

// Events returns the sorted events leaving state.
func (t Table) Events(state string) []string {
	return slices.Sorted(maps.Keys(t[state]))
}

// States returns every state named by the table, as a source or a target.
func (t Table) States() []string {
	seen := make(map[string]struct{}, len(t))
	for from, edges := range t {
		seen[from] = struct{}{}
		for _, to := range edges {
			seen[to] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Has reports whether state is named anywhere in the table.
func (t Table) Has(state string) bool {
	if _, ok := t[state]; ok {
		return true
	}
	for _, edges := range t {
		for _, to := range edges {
			if to == state {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for from, edges := range t {
		out[from] = maps.Clone(edges)
	}
	return out
}

// IssueKind classifies a table configuration problem.
type IssueKind string

const (
	IssueUndeclaredInitial IssueKind = "undeclared_initial"
	IssueTerminalState     IssueKind = "terminal_state"
	IssueUnreachableState  IssueKind = "unreachable_state"
	IssueEmptyTarget       IssueKind = "empty_target"
)

// Issue is a configuration warning found by Check.
type Issue struct {
	Kind  IssueKind
	State string
	Event string
}

func (i Issue) String() string {
	switch i.Kind {
	case IssueUndeclaredInitial:
		return fmt.Sprintf("initial state %q has no transitions", i.State)
	case IssueTerminalState:
		return fmt.Sprintf("state %q is a target but has no outgoing transitions", i.State)
	case IssueUnreachableState:
		return fmt.Sprintf("state %q is not reachable from the initial state", i.State)
	case IssueEmptyTarget:
		return fmt.Sprintf("event %q from %q has an empty target state", i.Event, i.State)
	default:
		return fmt.Sprintf("%s: %s", i.Kind, i.State)
	}
}

// Check reports orphaned or dead-end states relative to initial. Issues are
// warnings; a table with issues is still usable.
func (t Table) Check(initial string) []Issue {
	var issues []Issue

	if _, ok := t[initial]; !ok {
		issues = append(issues, Issue{Kind: IssueUndeclaredInitial, State: initial})
	}

	for _, from := range slices.Sorted(maps.Keys(t)) {
		for _, ev := range t.Events(from) {
			if t[from][ev] == "" {
				issues = append(issues, Issue{Kind: IssueEmptyTarget, State: from, Event: ev})
			}
		}
	}

	for _, s := range t.States() {
		if s == "" {
			continue
		}
		if _, ok := t[s]; !ok {
			issues = append(issues, Issue{Kind: IssueTerminalState, State: s})
		}
	}

	reached := map[string]bool{initial: true}
	frontier := []string{initial}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		for _, next := range t[s] {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	for _, s := range t.States() {
		if s != "" && !reached[s] {
			issues = append(issues, Issue{Kind: IssueUnreachableState, State: s})
		}
	}

	return issues
}
