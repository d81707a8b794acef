package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/journal"
	"github.com/unijord/botfsm/pkg/metrics"
	"github.com/unijord/botfsm/pkg/queue"
	"github.com/unijord/botfsm/pkg/statestore"
)

// DefaultPollInterval is the sleep between queue drains.
const DefaultPollInterval = 200 * time.Millisecond

// Drainer hands out pending requests.
type Drainer interface {
	Drain() ([]queue.Request, error)
}

// StateWriter persists state documents.
type StateWriter interface {
	Set(doc statestore.Document, trigger, source string) error
	Schema() statestore.SchemaVersion
}

// Recorder keeps the transition audit trail.
type Recorder interface {
	Append(e journal.Entry) (uint64, error)
}

// Config holds Gatekeeper dependencies. Queue, Store and Machine are required.
type Config struct {
	Queue   Drainer
	Store   StateWriter
	Machine *fsm.Machine
	Journal Recorder
	Metrics *metrics.Metrics

	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// pendingWrite is a state write that failed and must be retried.
type pendingWrite struct {
	event   string
	source  string
	context map[string]any
}

// Gatekeeper applies queued requests to the machine and persists the result.
// It is driven by a single goroutine.
type Gatekeeper struct {
	queue   Drainer
	store   StateWriter
	machine *fsm.Machine
	journal Recorder
	metrics *metrics.Metrics

	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	pending *pendingWrite
	states  []string
}

// New creates a Gatekeeper.
func New(cfg Config) (*Gatekeeper, error) {
	if cfg.Queue == nil {
		return nil, errors.New("gatekeeper: queue is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("gatekeeper: state store is required")
	}
	if cfg.Machine == nil {
		return nil, errors.New("gatekeeper: machine is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	g := &Gatekeeper{
		queue:        cfg.Queue,
		store:        cfg.Store,
		machine:      cfg.Machine,
		journal:      cfg.Journal,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.With("component", "gatekeeper"),
		now:          cfg.Now,
		states:       cfg.Machine.Table().States(),
	}
	g.metrics.SetState(g.machine.CurrentState(), g.states)
	return g, nil
}

// Run polls the queue until ctx is done. Every write is atomic, so
// cancellation needs no shutdown sequence.
func (g *Gatekeeper) Run(ctx context.Context) error {
	g.logger.Info("gatekeeper running",
		"state", g.machine.CurrentState(),
		"poll_interval", g.pollInterval)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		g.ProcessOnce()

		select {
		case <-ctx.Done():
			g.logger.Info("gatekeeper stopping", "state", g.machine.CurrentState())
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce retries a pending write, drains the queue once and applies
// every request. It returns the number of accepted transitions.
func (g *Gatekeeper) ProcessOnce() int {
	if g.pending != nil {
		p := g.pending
		g.logger.Info("retrying failed state write", "event", p.event)
		_ = g.Sync(p.event, p.source, p.context)
	}

	start := g.now()
	requests, err := g.queue.Drain()
	if err != nil {
		g.logger.Error("failed to drain request queue", "error", err)
		return 0
	}
	if len(requests) == 0 {
		return 0
	}
	g.metrics.RecordDrain(len(requests), g.now().Sub(start).Seconds())
	g.logger.Info("processing requests", "count", len(requests))

	applied := 0
	for _, req := range requests {
		if g.Apply(req) {
			applied++
		}
	}
	return applied
}

// Apply validates req, triggers it on the machine and, if accepted, writes
// the new state before returning.
func (g *Gatekeeper) Apply(req queue.Request) bool {
	if err := req.Validate(); err != nil {
		g.metrics.RecordMalformed()
		g.logger.Warn("skipping malformed request",
			"request", string(req.Raw),
			"error", err)
		return false
	}

	source := req.Source()
	from := g.machine.CurrentState()
	if !g.machine.TriggerEvent(req.Event, req.Metadata) {
		g.metrics.RecordTransition(false)
		g.logger.Debug("event not valid from current state",
			"event", req.Event,
			"state", from,
			"source", source)
		return false
	}
	to := g.machine.CurrentState()
	g.metrics.RecordTransition(true)

	g.logger.Info("transition",
		"from", from,
		"to", to,
		"event", req.Event,
		"source", source,
		"request_id", req.ID)

	writeErr := g.Sync(req.Event, source, req.Metadata)

	if g.journal != nil {
		// the journal carries the machine's own transition time so history
		// rebuilt from it matches the persisted one
		at := g.now()
		if last, ok := g.machine.LastTransition(); ok {
			at = last.Timestamp
		}
		_, err := g.journal.Append(journal.Entry{
			RequestID: req.ID,
			FromState: from,
			ToState:   to,
			Event:     req.Event,
			Source:    source,
			Timestamp: at,
			Context:   req.Metadata,
			Persisted: writeErr == nil,
		})
		if err != nil {
			g.logger.Error("failed to journal transition", "event", req.Event, "error", err)
		}
	}
	return true
}

// Sync writes the machine's current state. On failure the gatekeeper stays
// dirty and ProcessOnce retries; the machine is not rolled back.
func (g *Gatekeeper) Sync(event, source string, meta map[string]any) error {
	err := g.sync(event, source, meta)
	g.metrics.RecordWrite(err)
	if err != nil {
		g.pending = &pendingWrite{event: event, source: source, context: maps.Clone(meta)}
		g.logger.Error("state write failed, in-memory state is ahead of the state file",
			"state", g.machine.CurrentState(),
			"event", event,
			"error", err)
		return err
	}
	g.pending = nil
	g.metrics.SetState(g.machine.CurrentState(), g.states)
	return nil
}

func (g *Gatekeeper) sync(event, source string, meta map[string]any) error {
	doc, err := statestore.NewDocument(g.store.Schema(), g.machine.Export(), meta)
	if err != nil {
		return err
	}
	return g.store.Set(doc, event, source)
}

// Dirty reports whether the last state write failed.
func (g *Gatekeeper) Dirty() bool {
	return g.pending != nil
}

// Machine returns the machine the gatekeeper drives.
func (g *Gatekeeper) Machine() *fsm.Machine {
	return g.machine
}
