package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StallMonitorConfig configures the stall monitor.
type StallMonitorConfig struct {
	// StallTimeout is how long a request may wait before the queue counts
	// as stalled.
	StallTimeout  time.Duration
	CheckInterval time.Duration
	// OnStall is called with the oldest waiting request on every check that
	// finds the queue stalled.
	OnStall func(oldest Request, waiting int, age time.Duration)
	Logger  *slog.Logger
	Now     func() time.Time
}

// DefaultStallMonitorConfig returns defaults sized for a gatekeeper polling
// every few hundred milliseconds.
func DefaultStallMonitorConfig() StallMonitorConfig {
	return StallMonitorConfig{
		StallTimeout:  30 * time.Second,
		CheckInterval: 10 * time.Second,
	}
}

// StallMonitor watches the queue from the producer side. Requests that
// stay queued past StallTimeout mean the gatekeeper is not draining.
type StallMonitor struct {
	config StallMonitorConfig
	queue  *Queue
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStallMonitor creates a stall monitor for q.
func NewStallMonitor(q *Queue, config StallMonitorConfig) *StallMonitor {
	if config.StallTimeout == 0 {
		config.StallTimeout = 30 * time.Second
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &StallMonitor{
		config: config,
		queue:  q,
		logger: config.Logger.With("component", "queue-stall-monitor"),
		stopCh: make(chan struct{}),
	}
}

func (m *StallMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *StallMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *StallMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-m.stopCh:
			return
		}
	}
}

// Check inspects the queue once and reports whether it is stalled.
func (m *StallMonitor) Check() bool {
	pending, err := m.queue.Pending()
	if err != nil {
		m.logger.Error("failed to read queue", "error", err)
		return false
	}

	var (
		oldest Request
		found  bool
	)
	for _, req := range pending {
		if req.Timestamp.IsZero() {
			continue
		}
		if !found || req.Timestamp.Before(oldest.Timestamp) {
			oldest = req
			found = true
		}
	}
	if !found {
		return false
	}

	age := m.config.Now().Sub(oldest.Timestamp)
	if age < m.config.StallTimeout {
		return false
	}

	m.logger.Error("requests are not being drained, is the gatekeeper running?",
		"waiting", len(pending),
		"oldest_event", oldest.Event,
		"oldest_source", oldest.Source(),
		"age", age)
	if m.config.OnStall != nil {
		m.config.OnStall(oldest, len(pending), age)
	}
	return true
}

// ForceCheck runs Check unless ctx is already done.
func (m *StallMonitor) ForceCheck(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		return m.Check()
	}
}
