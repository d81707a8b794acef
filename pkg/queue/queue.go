// Package queue is the file-backed request queue between producers and the
// gatekeeper.
//
// The queue file holds a JSON array. Producers append under a blocking
// exclusive lock. The gatekeeper drains under a non-blocking exclusive lock
// and truncates to an empty array before releasing it, so each entry is
// handed out at most once.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/unijord/botfsm/pkg/filelock"
)

const fileMode = 0o644

var emptyArray = []byte("[]")

// Config holds queue options.
type Config struct {
	Path   string
	Logger *slog.Logger
	// Now replaces time.Now when stamping requests.
	Now func() time.Time
}

// Queue reads and writes one queue file. A Queue value holds no open file
// between calls and may be shared.
type Queue struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue for cfg.Path.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		path:   cfg.Path,
		logger: cfg.Logger.With("component", "queue"),
		now:    cfg.Now,
	}
}

// Path returns the queue file path.
func (q *Queue) Path() string {
	return q.path
}

// EnsureFile creates the queue file holding an empty array if it is missing.
func (q *Queue) EnsureFile() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create queue file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(emptyArray); err != nil {
		return fmt.Errorf("init queue file: %w", err)
	}
	return f.Sync()
}

// Enqueue appends a request. It waits for the queue lock. A corrupt queue
// file is replaced by an array holding only this request.
func (q *Queue) Enqueue(event, source string, metadata map[string]any) (Request, error) {
	req := Request{
		ID:        uuid.NewString(),
		Event:     event,
		From:      source,
		Timestamp: q.now(),
		Metadata:  metadata,
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return Request{}, fmt.Errorf("encode request: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return Request{}, fmt.Errorf("create queue dir: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return Request{}, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	if err := filelock.Lock(f, filelock.Exclusive); err != nil {
		return Request{}, err
	}
	defer filelock.Unlock(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return Request{}, fmt.Errorf("read queue: %w", err)
	}
	entries, err := decodeEntries(data)
	if err != nil {
		q.logger.Warn("queue file corrupt, overwriting with new request",
			"path", q.path,
			"error", err)
		entries = nil
	}
	entries = append(entries, encoded)

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return Request{}, fmt.Errorf("encode queue: %w", err)
	}
	if err := rewrite(f, out); err != nil {
		return Request{}, err
	}

	q.logger.Debug("request enqueued",
		"event", event,
		"source", source,
		"id", req.ID,
		"queue_size", len(entries))

	return req, nil
}

// Drain returns every queued request in file order and leaves an empty
// array behind. If another holder has the lock it returns nothing and no
// error; the caller polls again later.
func (q *Queue) Drain() ([]Request, error) {
	f, err := os.OpenFile(q.path, os.O_RDWR, fileMode)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	if err := filelock.TryLock(f, filelock.Exclusive); err != nil {
		if errors.Is(err, filelock.ErrWouldBlock) {
			q.logger.Debug("queue busy, skipping drain")
			return nil, nil
		}
		return nil, err
	}
	defer filelock.Unlock(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	entries, decodeErr := decodeEntries(data)
	if decodeErr != nil {
		q.logger.Warn("queue file corrupt, clearing",
			"path", q.path,
			"error", decodeErr)
	}

	if len(entries) == 0 && decodeErr == nil && bytes.Equal(bytes.TrimSpace(data), emptyArray) {
		return nil, nil
	}

	if err := rewrite(f, emptyArray); err != nil {
		return nil, err
	}

	requests := make([]Request, 0, len(entries))
	for _, raw := range entries {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			req = Request{Raw: raw}
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// Pending returns the queued requests without removing them. It reads under
// a shared lock and waits for a writer to finish.
func (q *Queue) Pending() ([]Request, error) {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	if err := filelock.Lock(f, filelock.Shared); err != nil {
		return nil, err
	}
	defer filelock.Unlock(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	entries, err := decodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}

	requests := make([]Request, 0, len(entries))
	for _, raw := range entries {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			req = Request{Raw: raw}
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func decodeEntries(data []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func rewrite(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate queue: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek queue: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync queue: %w", err)
	}
	return nil
}
