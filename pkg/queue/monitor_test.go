package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PendingLeavesEntries(t *testing.T) {
	q := newTestQueue(t)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = q.Enqueue("CHARGE", "rule_engine", nil)
	require.NoError(t, err)

	pending, err = q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "CHARGE", pending[0].Event)

	drained, err := q.Drain()
	require.NoError(t, err)
	assert.Len(t, drained, 1)
}

func TestStallMonitor_Check(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base

	q := New(Config{
		Path: filepath.Join(t.TempDir(), "fsm_requests.json"),
		Now:  func() time.Time { return now },
	})

	var stalls atomic.Int32
	var lastWaiting int
	m := NewStallMonitor(q, StallMonitorConfig{
		StallTimeout: time.Minute,
		Now:          func() time.Time { return now },
		OnStall: func(oldest Request, waiting int, age time.Duration) {
			stalls.Add(1)
			lastWaiting = waiting
			assert.Equal(t, "PAUSE", oldest.Event)
		},
	})

	assert.False(t, m.Check(), "missing queue file")

	_, err := q.Enqueue("PAUSE", "operator_cli", nil)
	require.NoError(t, err)
	now = base.Add(30 * time.Second)
	_, err = q.Enqueue("RESUME", "operator_cli", nil)
	require.NoError(t, err)

	assert.False(t, m.Check())

	now = base.Add(2 * time.Minute)
	assert.True(t, m.Check())
	assert.EqualValues(t, 1, stalls.Load())
	assert.Equal(t, 2, lastWaiting)

	_, err = q.Drain()
	require.NoError(t, err)
	assert.False(t, m.Check())
	assert.EqualValues(t, 1, stalls.Load())
}

func TestStallMonitor_ForceCheckHonoursContext(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("PAUSE", "p", nil)
	require.NoError(t, err)

	m := NewStallMonitor(q, StallMonitorConfig{
		StallTimeout: time.Nanosecond,
		Now:          func() time.Time { return time.Now().Add(time.Hour) },
	})
	assert.True(t, m.ForceCheck(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, m.ForceCheck(ctx))
}

func TestStallMonitor_StartStop(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("PAUSE", "p", nil)
	require.NoError(t, err)

	var stalls atomic.Int32
	m := NewStallMonitor(q, StallMonitorConfig{
		StallTimeout:  time.Nanosecond,
		CheckInterval: 5 * time.Millisecond,
		Now:           func() time.Time { return time.Now().Add(time.Hour) },
		OnStall: func(Request, int, time.Duration) {
			stalls.Add(1)
		},
	})
	m.Start()

	assert.Eventually(t, func() bool { return stalls.Load() > 0 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestStallMonitor_ZonelessProducerTimestamps(t *testing.T) {
	q := newTestQueue(t)
	content := `[{"event":"START_MISSION","from":"mission_executor","timestamp":"2020-01-01T12:00:00.123456"}]`
	require.NoError(t, os.WriteFile(q.Path(), []byte(content), 0o644))

	var oldestEvent string
	m := NewStallMonitor(q, StallMonitorConfig{
		StallTimeout: time.Second,
		OnStall: func(oldest Request, waiting int, age time.Duration) {
			oldestEvent = oldest.Event
		},
	})

	assert.True(t, m.Check())
	assert.Equal(t, "START_MISSION", oldestEvent)
}
