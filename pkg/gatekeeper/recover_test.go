package gatekeeper

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/journal"
	"github.com/unijord/botfsm/pkg/statestore"
)

type stubJournal struct {
	entries []journal.Entry
	err     error
}

func (s stubJournal) Last(n int) ([]journal.Entry, error) {
	if s.err != nil {
		return nil, s.err
	}
	if n < len(s.entries) {
		return s.entries[len(s.entries)-n:], nil
	}
	return s.entries, nil
}

func TestRecover_FromStateFile(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	h.enqueue(t, "START", "PAUSE")
	require.Equal(t, 2, h.gk.ProcessOnce())

	m, source := Recover(RecoverConfig{
		Store:   h.store,
		Journal: h.journal,
		Table:   scenarioTable(),
		Initial: "IDLE",
	})
	assert.Equal(t, FromStateFile, source)
	assert.Equal(t, "PAUSED", m.CurrentState())
	assert.Len(t, m.History(), 2)
	assert.ElementsMatch(t, []string{"RESUME", "STOP"}, m.PossibleTransitions())
}

func TestRecover_FreshStateFile(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaCompact)

	m, source := Recover(RecoverConfig{Store: h.store, Table: scenarioTable(), Initial: "IDLE"})
	assert.Equal(t, FromStateFile, source)
	assert.Equal(t, "IDLE", m.CurrentState())
	assert.Empty(t, m.History())
}

func TestRecover_ConfiguredTableWins(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	h.enqueue(t, "START")
	require.Equal(t, 1, h.gk.ProcessOnce())

	table := scenarioTable()
	table["RUNNING"]["FAULT"] = "ERROR"
	table["ERROR"] = map[string]string{"RESET": "IDLE"}

	m, source := Recover(RecoverConfig{Store: h.store, Table: table, Initial: "IDLE"})
	assert.Equal(t, FromStateFile, source)
	assert.True(t, m.CanTrigger("FAULT"))
}

func TestRecover_CorruptStateFileFallsBackToJournal(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	h.enqueue(t, "START", "PAUSE")
	require.Equal(t, 2, h.gk.ProcessOnce())
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("{broken"), 0o644))

	m, source := Recover(RecoverConfig{
		Store:   h.store,
		Journal: h.journal,
		Table:   scenarioTable(),
		Initial: "IDLE",
	})
	assert.Equal(t, FromJournal, source)
	assert.Equal(t, "PAUSED", m.CurrentState())

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, "START", history[0].Event)
	assert.Equal(t, "PAUSE", m.Export().LastEvent)
}

func TestGatekeeper_ResyncAfterJournalRecovery(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	h.enqueue(t, "START", "PAUSE")
	require.Equal(t, 2, h.gk.ProcessOnce())
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("{broken"), 0o644))

	m, source := Recover(RecoverConfig{Store: h.store, Journal: h.journal, Table: scenarioTable(), Initial: "IDLE"})
	require.Equal(t, FromJournal, source)

	flaky := &flakyStore{inner: h.store, fails: 1}
	gk, err := New(Config{Queue: h.queue, Store: flaky, Machine: m})
	require.NoError(t, err)

	require.Error(t, gk.Resync(source))
	assert.True(t, gk.Dirty())
	_, err = h.store.Read()
	require.ErrorIs(t, err, statestore.ErrDecode)

	gk.ProcessOnce()
	assert.False(t, gk.Dirty())

	doc, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "PAUSED", doc.State())
	assert.Equal(t, "PAUSE", doc.LastEvent())
	assert.Equal(t, "recovery", doc["source"])

	snap, err := doc.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.History, 2)
}

func TestGatekeeper_ResyncIgnoresOtherSources(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	flaky := &flakyStore{inner: h.store}
	gk, err := New(Config{Queue: h.queue, Store: flaky, Machine: fsm.New(scenarioTable(), "IDLE")})
	require.NoError(t, err)

	require.NoError(t, gk.Resync(FromStateFile))
	require.NoError(t, gk.Resync(FromInitial))
	assert.Zero(t, flaky.calls)
}

func TestRecover_UnpersistedJournalEntryWins(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	j := stubJournal{entries: []journal.Entry{
		{Seq: 1, FromState: "IDLE", ToState: "RUNNING", Event: "START", Timestamp: time.Unix(10, 0), Persisted: false},
	}}

	m, source := Recover(RecoverConfig{Store: h.store, Journal: j, Table: scenarioTable(), Initial: "IDLE"})
	assert.Equal(t, FromJournal, source)
	assert.Equal(t, "RUNNING", m.CurrentState())
}

func TestRecover_RetriedJournalEntryKeepsStateFile(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	j := stubJournal{entries: []journal.Entry{
		{Seq: 1, FromState: "RUNNING", ToState: "IDLE", Event: "STOP", Persisted: false},
	}}

	m, source := Recover(RecoverConfig{Store: h.store, Journal: j, Table: scenarioTable(), Initial: "IDLE"})
	assert.Equal(t, FromStateFile, source)
	assert.Equal(t, "IDLE", m.CurrentState())
}

func TestRecover_Initial(t *testing.T) {
	tests := []struct {
		name    string
		journal JournalReader
	}{
		{name: "no journal"},
		{name: "empty journal", journal: stubJournal{}},
		{name: "journal error", journal: stubJournal{err: errors.New("busy")}},
		{name: "unknown journal state", journal: stubJournal{entries: []journal.Entry{{Seq: 1, ToState: "FLYING"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, source := Recover(RecoverConfig{
				Journal: tt.journal,
				Table:   scenarioTable(),
				Initial: "IDLE",
			})
			assert.Equal(t, FromInitial, source)
			assert.Equal(t, "IDLE", m.CurrentState())
		})
	}
}

func TestRecover_RejectsUnknownStateInFile(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	require.NoError(t, os.WriteFile(h.store.Path(),
		[]byte(`{"current_state":"FLYING","mode":"FLYING","context":{}}`), 0o644))

	m, source := Recover(RecoverConfig{Store: h.store, Table: scenarioTable(), Initial: "IDLE"})
	assert.Equal(t, FromInitial, source)
	assert.Equal(t, fsm.StateIdle, m.CurrentState())
}
