// Package statestore is the only way components touch the FSM state file.
//
// Readers take a shared lock and writers an exclusive lock on a sidecar
// "<path>.lock" file. Writes go to a temp file in the same directory, get
// fsynced and are renamed over the document, so a reader sees either the
// old document or the new one. The lock lives on the sidecar because the
// rename swaps the document's inode.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/unijord/botfsm/pkg/filelock"
)

const fileMode = 0o644

var (
	// ErrInvalidDocument is returned when a document fails schema validation.
	ErrInvalidDocument = errors.New("invalid state document")
	// ErrDecode is returned by Read when the file is not valid JSON.
	ErrDecode = errors.New("state file is not valid json")
)

// Config holds Store options.
type Config struct {
	Path   string
	Schema SchemaVersion
	// InitialState is the mode written on first run.
	InitialState string
	// States, when set, restricts the mode to these values.
	States []string
	Logger *slog.Logger
	Now    func() time.Time
}

// Store reads and writes the state document.
type Store struct {
	path     string
	lockPath string
	version  SchemaVersion
	schema   *jsonschema.Schema
	logger   *slog.Logger
	now      func() time.Time
}

// Open prepares the store and writes the initial document if the state file
// does not exist yet.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schema == "" {
		cfg.Schema = SchemaFull
	}
	if cfg.InitialState == "" {
		return nil, errors.New("statestore: initial state is required")
	}

	schema, err := compileSchema(cfg.Schema, cfg.States)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:     cfg.Path,
		lockPath: cfg.Path + ".lock",
		version:  cfg.Schema,
		schema:   schema,
		logger:   cfg.Logger.With("component", "statestore"),
		now:      cfg.Now,
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := s.bootstrap(cfg.InitialState); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Schema returns the active schema version.
func (s *Store) Schema() SchemaVersion {
	return s.version
}

func (s *Store) bootstrap(initial string) error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}

	lock, err := s.lock(filelock.Exclusive)
	if err != nil {
		return err
	}
	defer release(lock)

	// another process may have won the race while we waited
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat state file: %w", err)
	}

	doc := initialDocument(s.version, initial, s.now())
	if err := s.writeLocked(doc); err != nil {
		s.logger.Error("failed to initialize state file", "path", s.path, "error", err)
		return err
	}
	s.logger.Info("initialized state file", "path", s.path, "state", initial)
	return nil
}

// Read returns the document or an error. Decode failures wrap ErrDecode.
func (s *Store) Read() (Document, error) {
	lock, err := s.lock(filelock.Shared)
	if err != nil {
		return nil, err
	}
	defer release(lock)

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is null", ErrDecode)
	}
	return doc, nil
}

// Get returns the document, or a sentinel {"state":"error","reason":...}
// when it cannot be read. It never fails.
func (s *Store) Get() Document {
	doc, err := s.Read()
	if err == nil {
		return doc
	}
	if errors.Is(err, ErrDecode) {
		s.logger.Error("state file corrupt, returning error state", "path", s.path, "error", err)
		return sentinel(ReasonDecode)
	}
	s.logger.Error("failed to read state file, returning error state", "path", s.path, "error", err)
	return sentinel(ReasonIO)
}

// Validate checks doc against the active schema.
func (s *Store) Validate(doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := s.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// Set stamps doc with the current time, source and trigger and writes it.
// doc itself is not modified.
func (s *Store) Set(doc Document, trigger, source string) error {
	stamped := Document(maps.Clone(doc))
	if stamped == nil {
		stamped = Document{}
	}
	stamped["timestamp"] = unixSeconds(s.now())
	if source != "" {
		stamped["source"] = source
	}
	if trigger != "" {
		stamped[s.version.triggerKey()] = trigger
	}
	return s.Put(stamped)
}

// Put validates doc and atomically replaces the state file with it. On any
// failure the previous document stays in place.
func (s *Store) Put(doc Document) error {
	if err := s.Validate(doc); err != nil {
		s.logger.Error("state validation failed, write rejected", "path", s.path, "error", err)
		return err
	}

	lock, err := s.lock(filelock.Exclusive)
	if err != nil {
		s.logger.Error("failed to lock state file", "path", s.path, "error", err)
		return err
	}
	defer release(lock)

	if err := s.writeLocked(doc); err != nil {
		s.logger.Error("failed to write state file", "path", s.path, "error", err)
		return err
	}
	return nil
}

func (s *Store) writeLocked(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *Store) lock(mode filelock.Mode) (*os.File, error) {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return nil, fmt.Errorf("open state lock: %w", err)
	}
	if err := filelock.Lock(f, mode); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func release(f *os.File) {
	_ = filelock.Unlock(f)
	_ = f.Close()
}
