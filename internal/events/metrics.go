package events

import (
	"context"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "silo_control"

type MetricsSink struct {
	events    *prometheus.CounterVec
	roundTrip prometheus.Histogram
	outcomes  *prometheus.CounterVec
	status    *prometheus.GaugeVec
}

// NewMetricsSink registers its collectors on reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Control plane events by kind.",
		}, []string{"kind"}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_round_trip_seconds",
			Help:      "Time between command delivery and acknowledgement.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 180, 600},
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Completed commands by outcome.",
		}, []string{"outcome"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_status",
			Help:      "Last computed agent status: 0 ok, 1 warn, 2 error.",
		}, []string{"agent_id"}),
	}

	for _, c := range []prometheus.Collector{s.events, s.roundTrip, s.outcomes, s.status} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Emit(_ context.Context, ev Event) {
	s.events.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case CommandAcked:
		if ev.RoundTrip > 0 {
			s.roundTrip.Observe(ev.RoundTrip.Seconds())
		}
	case CommandCompleted:
		outcome := "failure"
		if ev.Success != nil && *ev.Success {
			outcome = "success"
		}
		s.outcomes.WithLabelValues(outcome).Inc()
	case AgentStatus:
		s.status.WithLabelValues(ev.AgentID).Set(statusValue(ev.Status))
	}
}

func statusValue(code store.StatusCode) float64 {
	switch code {
	case store.StatusOK:
		return 0
	case store.StatusWarn:
		return 1
	default:
		return 2
	}
}
