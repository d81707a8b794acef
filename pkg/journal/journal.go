// Package journal keeps the gatekeeper's transition audit trail in BoltDB.
//
// Every accepted transition is appended under a monotonically increasing
// sequence number, whether or not the state file write that followed it
// succeeded. The journal is what a restarted gatekeeper falls back to when
// the state file is unreadable.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// key is the big-endian sequence, value is the JSON Entry.
	bucketTransitions = []byte("transitions")
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal is closed")
	// ErrBusy is returned by OpenReadOnly when a writer holds the database.
	ErrBusy = errors.New("journal is locked by another process")
)

// Entry is one journaled transition.
type Entry struct {
	Seq       uint64         `json:"seq"`
	RequestID string         `json:"request_id,omitempty"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	Event     string         `json:"event"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	// Persisted is false when the state file write for this transition failed.
	Persisted bool `json:"persisted"`
}

// Encode serializes the Entry to JSON bytes.
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses a stored Entry.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) == 0 {
		return nil, errors.New("empty journal entry")
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Config holds Journal options.
type Config struct {
	Path   string
	Logger *slog.Logger
	// ReadOnly opens with a shared lock and fails with ErrBusy after
	// Timeout if a writer holds the file.
	ReadOnly bool
	Timeout  time.Duration
}

// Journal is an append-only transition log.
type Journal struct {
	db     *bolt.DB
	path   string
	logger *slog.Logger
}

// Open opens or creates the journal database.
func Open(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := &bolt.Options{Timeout: cfg.Timeout, ReadOnly: cfg.ReadOnly}
	db, err := bolt.Open(cfg.Path, 0600, opts)
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketTransitions)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}

	return &Journal{
		db:     db,
		path:   cfg.Path,
		logger: cfg.Logger.With("component", "journal"),
	}, nil
}

// Append stores e and returns its sequence number. e.Seq is ignored.
func (j *Journal) Append(e Entry) (uint64, error) {
	if j.db == nil {
		return 0, ErrClosed
	}

	var seq uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = next
		data, err := e.Encode()
		if err != nil {
			return err
		}
		seq = next
		return b.Put(encodeSeq(next), data)
	})
	if err != nil {
		j.logger.Error("failed to append transition",
			"event", e.Event,
			"error", err)
		return 0, fmt.Errorf("append journal entry: %w", err)
	}
	return seq, nil
}

// Last returns up to n newest entries, oldest first.
func (j *Journal) Last(n int) ([]Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}

	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			e, err := DecodeEntry(v)
			if err != nil {
				j.logger.Warn("skipping undecodable journal entry",
					"seq", decodeSeq(k),
					"error", err)
				continue
			}
			out = append(out, *e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Since returns up to limit entries with a sequence greater than seq.
// limit <= 0 means no limit.
func (j *Journal) Since(seq uint64, limit int) ([]Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}

	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(encodeSeq(seq + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			e, err := DecodeEntry(v)
			if err != nil {
				continue
			}
			out = append(out, *e)
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func encodeSeq(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeSeq(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
