package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// Prometheus records command and outbox activity as Prometheus collectors.
type Prometheus struct {
	submitted       *prometheus.CounterVec
	processed       *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	outbox          *prometheus.CounterVec
}

var _ ports.Metrics = (*Prometheus)(nil)

// NewPrometheus registers the collectors on registerer, or on the default
// registerer when nil.
func NewPrometheus(registerer prometheus.Registerer) *Prometheus {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Prometheus{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentinbox_commands_submitted_total",
			Help: "Commands received by intake by type and outcome.",
		}, []string{"type", "outcome"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentinbox_commands_processed_total",
			Help: "Command processing attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incidentinbox_command_process_duration_seconds",
			Help:    "Command processing latency including row lock waits.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"type"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incidentinbox_outbox_events_total",
			Help: "Outbox publish results.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.submitted, m.processed, m.processDuration, m.outbox)
	return m
}

func (m *Prometheus) CommandSubmitted(t domain.CommandType, outcome string) {
	m.submitted.WithLabelValues(string(t), outcome).Inc()
}

func (m *Prometheus) CommandProcessed(t domain.CommandType, outcome string, elapsed time.Duration) {
	m.processed.WithLabelValues(string(t), outcome).Inc()
	m.processDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

func (m *Prometheus) OutboxDispatched(outcome string) {
	m.outbox.WithLabelValues(outcome).Inc()
}
