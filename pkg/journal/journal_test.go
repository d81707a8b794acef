package journal

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsm_journal.db")
	j, err := Open(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func appendN(t *testing.T, j *Journal, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		seq, err := j.Append(Entry{
			FromState: fmt.Sprintf("S%d", i-1),
			ToState:   fmt.Sprintf("S%d", i),
			Event:     fmt.Sprintf("E%d", i),
			Source:    "test",
			Timestamp: time.Unix(int64(i), 0).UTC(),
			Persisted: true,
		})
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}
}

func TestJournal_AppendAndLast(t *testing.T) {
	j, _ := openJournal(t)
	appendN(t, j, 5)

	last, err := j.Last(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(4), last[0].Seq)
	assert.Equal(t, "E4", last[0].Event)
	assert.Equal(t, "S5", last[1].ToState)

	all, err := j.Last(100)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := j.Last(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournal_Since(t *testing.T) {
	j, _ := openJournal(t)
	appendN(t, j, 6)

	got, err := j.Since(3, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)

	rest, err := j.Since(3, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestJournal_SurvivesReopen(t *testing.T) {
	j, path := openJournal(t)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	seq, err := reopened.Append(Entry{Event: "E4", FromState: "S3", ToState: "S4"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestJournal_ReadOnlyBusyWhileWriterOpen(t *testing.T) {
	j, path := openJournal(t)
	appendN(t, j, 1)

	_, err := Open(Config{Path: path, ReadOnly: true, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, j.Close())

	ro, err := Open(Config{Path: path, ReadOnly: true, Timeout: time.Second})
	require.NoError(t, err)
	defer ro.Close()

	last, err := ro.Last(1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "E1", last[0].Event)
}

func TestJournal_Closed(t *testing.T) {
	j, _ := openJournal(t)
	require.NoError(t, j.Close())

	_, err := j.Append(Entry{Event: "E"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Last(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, j.Close())
}
