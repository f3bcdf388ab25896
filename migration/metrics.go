package migration

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the work done by a Runner.
type Metrics struct {
	MigrationsApplied  prometheus.Counter
	MigrationsReverted prometheus.Counter
	ActionsRun         *prometheus.CounterVec
	ActionDuration     *prometheus.HistogramVec
}

// NewMetrics creates the runner metrics and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const namespace = "docmigrate"
	const subsystem = "runner"

	m := &Metrics{
		MigrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "migrations_applied_total",
			Help:      "Number of migrations applied",
		}),
		MigrationsReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "migrations_reverted_total",
			Help:      "Number of migrations reverted",
		}),
		ActionsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_total",
			Help:      "Number of actions run by type and direction",
		}, []string{"action", "direction"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "action_duration_seconds",
			Help:      "Time spent running the data step of an action",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"action", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.MigrationsApplied, m.MigrationsReverted, m.ActionsRun, m.ActionDuration)
	}
	return m
}

func (m *Metrics) migrated(d Direction) {
	if m == nil {
		return
	}
	if d == Up {
		m.MigrationsApplied.Inc()
	} else {
		m.MigrationsReverted.Inc()
	}
}

func (m *Metrics) actionRun(name string, d Direction, seconds float64) {
	if m != nil {
		m.ActionsRun.WithLabelValues(name, string(d)).Inc()
		m.ActionDuration.WithLabelValues(name, string(d)).Observe(seconds)
	}
}
