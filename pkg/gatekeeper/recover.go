package gatekeeper

import (
	"log/slog"
	"time"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/journal"
	"github.com/unijord/botfsm/pkg/statestore"
)

// RecoverySource names where the starting state came from.
type RecoverySource string

const (
	FromStateFile RecoverySource = "state_file"
	FromJournal   RecoverySource = "journal"
	FromInitial   RecoverySource = "initial"
)

// StateReader reads the persisted document.
type StateReader interface {
	Read() (statestore.Document, error)
}

// JournalReader returns the newest journal entries, oldest first.
type JournalReader interface {
	Last(n int) ([]journal.Entry, error)
}

// RecoverConfig holds the inputs to Recover. Table and Initial are required;
// Store and Journal may be nil.
type RecoverConfig struct {
	Store      StateReader
	Journal    JournalReader
	Table      fsm.Table
	Initial    string
	MaxHistory int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Recover builds the machine the gatekeeper starts with. The state file is
// preferred. The journal wins when the file is unusable, or when its newest
// entry records a transition whose state write never succeeded. Otherwise
// the machine starts in the initial state.
//
// The configured table always replaces the table stored in the file.
func Recover(cfg RecoverConfig) (*fsm.Machine, RecoverySource) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "recovery")

	for _, issue := range cfg.Table.Check(cfg.Initial) {
		logger.Warn("transition table issue", "issue", issue.String())
	}

	opts := []fsm.Option{fsm.WithMaxHistory(cfg.MaxHistory)}
	if cfg.Now != nil {
		opts = append(opts, fsm.WithClock(cfg.Now))
	}
	machine := fsm.New(cfg.Table, cfg.Initial, opts...)

	fileState, fileOK := loadStateFile(cfg, machine, logger)

	last, entries := lastJournalEntries(cfg, logger)
	if last != nil && !cfg.Table.Has(last.ToState) {
		logger.Warn("journal state not in transition table, ignoring journal", "state", last.ToState)
		last = nil
	}

	switch {
	case fileOK && (last == nil || last.Persisted || last.ToState == fileState):
		logger.Info("recovered state", "source", FromStateFile, "state", fileState)
		return machine, FromStateFile
	case last != nil:
		if err := machine.Load(snapshotFromJournal(cfg.Table, last, entries)); err != nil {
			logger.Error("failed to load journal state", "state", last.ToState, "error", err)
			break
		}
		logger.Warn("recovered state from journal",
			"source", FromJournal,
			"state", last.ToState,
			"seq", last.Seq,
			"state_file_state", fileState)
		return machine, FromJournal
	}

	machine = fsm.New(cfg.Table, cfg.Initial, opts...)
	logger.Info("starting from initial state", "source", FromInitial, "state", cfg.Initial)
	return machine, FromInitial
}

func loadStateFile(cfg RecoverConfig, machine *fsm.Machine, logger *slog.Logger) (string, bool) {
	if cfg.Store == nil {
		return "", false
	}
	doc, err := cfg.Store.Read()
	if err != nil {
		logger.Warn("state file unreadable", "error", err)
		return "", false
	}
	snap, err := doc.Snapshot()
	if err != nil {
		logger.Warn("state file does not hold a machine snapshot", "error", err)
		return "", false
	}
	snap.Transitions = cfg.Table
	if err := machine.Load(snap); err != nil {
		logger.Warn("state file state rejected", "state", snap.CurrentState, "error", err)
		return "", false
	}
	return snap.CurrentState, true
}

func lastJournalEntries(cfg RecoverConfig, logger *slog.Logger) (*journal.Entry, []journal.Entry) {
	if cfg.Journal == nil {
		return nil, nil
	}
	n := cfg.MaxHistory
	if n <= 0 {
		n = fsm.DefaultMaxHistory
	}
	entries, err := cfg.Journal.Last(n)
	if err != nil {
		logger.Warn("journal unreadable", "error", err)
		return nil, nil
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[len(entries)-1], entries
}

func snapshotFromJournal(table fsm.Table, last *journal.Entry, entries []journal.Entry) fsm.Snapshot {
	history := make([]fsm.Transition, 0, len(entries))
	for _, e := range entries {
		history = append(history, fsm.Transition{
			Timestamp: e.Timestamp,
			FromState: e.FromState,
			ToState:   e.ToState,
			Event:     e.Event,
			Context:   e.Context,
		})
	}
	ts := last.Timestamp
	return fsm.Snapshot{
		CurrentState:  last.ToState,
		LastEvent:     last.Event,
		LastEventTime: &ts,
		Transitions:   table,
		StateRegister: map[string]fsm.RegisterEntry{
			last.ToState: {EnterTime: ts, TriggeredBy: last.Event},
		},
		History: history,
	}
}

// Resync rewrites the state file after a journal recovery, when the file is
// behind or unreadable. Other sources need nothing. A failed write leaves the
// gatekeeper dirty and the next ProcessOnce retries it.
func (g *Gatekeeper) Resync(source RecoverySource) error {
	if source != FromJournal {
		return nil
	}
	last, _ := g.machine.LastTransition()
	return g.Sync(last.Event, "recovery", last.Context)
}
