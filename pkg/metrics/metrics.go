package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "botfsm"
)

// Metrics groups the gatekeeper's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestsDrained   prometheus.Counter
	RequestsMalformed prometheus.Counter
	Transitions       *prometheus.CounterVec
	StateWrites       *prometheus.CounterVec
	QueueBatchSize    prometheus.Gauge
	DrainDuration     prometheus.Histogram
	CurrentState      *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsDrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_drained_total",
			Help:      "Total number of requests drained from the queue",
		}),
		RequestsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_malformed_total",
			Help:      "Total number of queue entries skipped as malformed",
		}),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of events applied to the state machine",
			},
			[]string{"result"}, // applied/rejected
		),
		StateWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_writes_total",
				Help:      "Total number of state file writes",
			},
			[]string{"result"}, // ok/error
		),
		QueueBatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_batch_size",
			Help:      "Number of requests in the last drained batch",
		}),
		DrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Queue drain latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		CurrentState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_state",
				Help:      "1 for the state the machine is in, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// RecordDrain records one drain call.
func (m *Metrics) RecordDrain(n int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsDrained.Add(float64(n))
	m.QueueBatchSize.Set(float64(n))
	m.DrainDuration.Observe(seconds)
}

// RecordMalformed counts a skipped queue entry.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.RequestsMalformed.Inc()
}

// RecordTransition counts an applied or rejected event.
func (m *Metrics) RecordTransition(applied bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if applied {
		result = "applied"
	}
	m.Transitions.WithLabelValues(result).Inc()
}

// RecordWrite counts a state file write.
func (m *Metrics) RecordWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StateWrites.WithLabelValues(result).Inc()
}

// SetState marks state as current and every other known state as not.
func (m *Metrics) SetState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		m.CurrentState.WithLabelValues(s).Set(0)
	}
	m.CurrentState.WithLabelValues(state).Set(1)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
