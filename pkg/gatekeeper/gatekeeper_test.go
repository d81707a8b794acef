package gatekeeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/journal"
	"github.com/unijord/botfsm/pkg/metrics"
	"github.com/unijord/botfsm/pkg/queue"
	"github.com/unijord/botfsm/pkg/statestore"
)

type harness struct {
	dir     string
	queue   *queue.Queue
	store   *statestore.Store
	journal *journal.Journal
	metrics *metrics.Metrics
	gk      *Gatekeeper
}

func scenarioTable() fsm.Table {
	return fsm.Table{
		"IDLE":    {"START": "RUNNING"},
		"RUNNING": {"PAUSE": "PAUSED", "STOP": "IDLE"},
		"PAUSED":  {"RESUME": "RUNNING", "STOP": "IDLE"},
	}
}

func newHarness(t *testing.T, table fsm.Table, version statestore.SchemaVersion) *harness {
	t.Helper()
	dir := t.TempDir()

	q := queue.New(queue.Config{Path: filepath.Join(dir, "fsm_requests.json")})
	store, err := statestore.Open(statestore.Config{
		Path:         filepath.Join(dir, "fsm_state.json"),
		Schema:       version,
		InitialState: "IDLE",
		States:       table.States(),
	})
	require.NoError(t, err)

	j, err := journal.Open(journal.Config{Path: filepath.Join(dir, "fsm_journal.db")})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	m := metrics.New(prometheus.NewRegistry())

	gk, err := New(Config{
		Queue:   q,
		Store:   store,
		Machine: fsm.New(table, "IDLE"),
		Journal: j,
		Metrics: m,
	})
	require.NoError(t, err)

	return &harness{dir: dir, queue: q, store: store, journal: j, metrics: m, gk: gk}
}

func (h *harness) enqueue(t *testing.T, events ...string) {
	t.Helper()
	for _, e := range events {
		_, err := h.queue.Enqueue(e, "test", map[string]any{"task": "demo"})
		require.NoError(t, err)
	}
}

func TestGatekeeper_ScenarioSequence(t *testing.T) {
	for _, version := range []statestore.SchemaVersion{statestore.SchemaFull, statestore.SchemaCompact} {
		t.Run(string(version), func(t *testing.T) {
			h := newHarness(t, scenarioTable(), version)
			h.enqueue(t, "START", "PAUSE", "RESUME", "STOP")

			applied := h.gk.ProcessOnce()
			assert.Equal(t, 4, applied)
			assert.Equal(t, "IDLE", h.gk.Machine().CurrentState())

			doc, err := h.store.Read()
			require.NoError(t, err)
			assert.Equal(t, "IDLE", doc.State())
			assert.Equal(t, "STOP", doc.LastEvent())
			assert.Equal(t, "test", doc["source"])
			require.NoError(t, h.store.Validate(doc))

			snap, err := doc.Snapshot()
			require.NoError(t, err)
			require.Len(t, snap.History, 4)
			assert.Equal(t, "PAUSED", snap.History[1].ToState)

			entries, err := h.journal.Last(10)
			require.NoError(t, err)
			require.Len(t, entries, 4)
			for _, e := range entries {
				assert.True(t, e.Persisted)
				assert.NotEmpty(t, e.RequestID)
			}
			assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("applied")))
		})
	}
}

func TestGatekeeper_IllegalEventIsNoop(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	before, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)

	h.enqueue(t, "PAUSE")
	assert.Equal(t, 0, h.gk.ProcessOnce())
	assert.Equal(t, "IDLE", h.gk.Machine().CurrentState())

	after, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := h.journal.Last(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("rejected")))
}

func TestGatekeeper_SkipsMalformedEntries(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	require.NoError(t, os.WriteFile(h.queue.Path(),
		[]byte(`[42, {"from":"x"}, {"event":"START","from":"cli"}, {"event":"  "}]`), 0o644))

	assert.Equal(t, 1, h.gk.ProcessOnce())
	assert.Equal(t, "RUNNING", h.gk.Machine().CurrentState())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RequestsMalformed))

	doc, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "cli", doc["source"])
}

func TestGatekeeper_UnknownSourceDefault(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	require.NoError(t, os.WriteFile(h.queue.Path(), []byte(`[{"event":"START"}]`), 0o644))

	assert.Equal(t, 1, h.gk.ProcessOnce())
	doc, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "unknown", doc["source"])
}

func TestGatekeeper_BadlyTypedFieldsKeepTheEvent(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	require.NoError(t, os.WriteFile(h.queue.Path(),
		[]byte(`[{"event":"START","from":7,"metadata":"manual"}]`), 0o644))

	assert.Equal(t, 1, h.gk.ProcessOnce())
	assert.Equal(t, "RUNNING", h.gk.Machine().CurrentState())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.RequestsMalformed))

	doc, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "unknown", doc["source"])
	assert.Equal(t, map[string]any{}, doc["context"])
}

func TestGatekeeper_JournalUsesTransitionTime(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	transitionAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	gk, err := New(Config{
		Queue:   h.queue,
		Store:   h.store,
		Machine: fsm.New(scenarioTable(), "IDLE", fsm.WithClock(func() time.Time { return transitionAt })),
		Journal: h.journal,
		Now:     func() time.Time { return transitionAt.Add(time.Minute) },
	})
	require.NoError(t, err)

	h.enqueue(t, "START")
	require.Equal(t, 1, gk.ProcessOnce())

	entries, err := h.journal.Last(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, transitionAt.Equal(entries[0].Timestamp), "journal timestamp %v", entries[0].Timestamp)
	assert.True(t, gk.Machine().History()[0].Timestamp.Equal(entries[0].Timestamp))
}

type flakyStore struct {
	inner *statestore.Store
	fails int
	calls int
}

func (f *flakyStore) Set(doc statestore.Document, trigger, source string) error {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("disk full")
	}
	return f.inner.Set(doc, trigger, source)
}

func (f *flakyStore) Schema() statestore.SchemaVersion {
	return f.inner.Schema()
}

func TestGatekeeper_RetriesFailedWrite(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaFull)
	flaky := &flakyStore{inner: h.store, fails: 1}
	gk, err := New(Config{
		Queue:   h.queue,
		Store:   flaky,
		Machine: fsm.New(scenarioTable(), "IDLE"),
		Journal: h.journal,
	})
	require.NoError(t, err)

	h.enqueue(t, "START")
	assert.Equal(t, 1, gk.ProcessOnce())
	assert.Equal(t, "RUNNING", gk.Machine().CurrentState())
	assert.True(t, gk.Dirty())

	doc, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "IDLE", doc.State())

	entries, err := h.journal.Last(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Persisted)

	// no new requests, the retry alone brings the file up to date
	assert.Equal(t, 0, gk.ProcessOnce())
	assert.False(t, gk.Dirty())
	assert.Equal(t, 2, flaky.calls)

	doc, err = h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", doc.State())
	assert.Equal(t, "START", doc.LastEvent())
}

func TestGatekeeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, scenarioTable(), statestore.SchemaCompact)
	gk, err := New(Config{
		Queue:        h.queue,
		Store:        h.store,
		Machine:      fsm.New(scenarioTable(), "IDLE"),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gk.Run(ctx) }()

	h.enqueue(t, "START")
	require.Eventually(t, func() bool {
		doc, err := h.store.Read()
		return err == nil && doc.State() == "RUNNING"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Queue: queue.New(queue.Config{Path: "x"})})
	require.Error(t, err)
}
