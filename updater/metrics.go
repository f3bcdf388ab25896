package updater

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the work done by document updaters.
type Metrics struct {
	DocumentsScanned   *prometheus.CounterVec
	DocumentsRewritten *prometheus.CounterVec
	BulkWrites         *prometheus.CounterVec
}

// NewMetrics creates the updater counters and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const namespace = "docmigrate"
	const subsystem = "updater"

	m := &Metrics{
		DocumentsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "documents_scanned_total",
			Help:      "Number of documents read by by-document updates",
		}, []string{"collection"}),
		DocumentsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "documents_rewritten_total",
			Help:      "Number of documents written back after a by-document update changed them",
		}, []string{"collection"}),
		BulkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bulk_writes_total",
			Help:      "Number of unordered bulk replace batches sent",
		}, []string{"collection"}),
	}
	if reg != nil {
		reg.MustRegister(m.DocumentsScanned, m.DocumentsRewritten, m.BulkWrites)
	}
	return m
}

func (m *Metrics) scanned(collection string) {
	if m != nil {
		m.DocumentsScanned.WithLabelValues(collection).Inc()
	}
}

func (m *Metrics) flushed(collection string, docs int) {
	if m != nil {
		m.BulkWrites.WithLabelValues(collection).Inc()
		m.DocumentsRewritten.WithLabelValues(collection).Add(float64(docs))
	}
}
