// Package hbmetrics provides Prometheus metrics for the sealing engine.
package hbmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine and audit pipeline.
type Metrics struct {
	// Router metrics
	MessagesDispatched   prometheus.Counter
	SealSharesDispatched prometheus.Counter
	MalformedMessages    prometheus.Counter

	// Block production metrics
	BatchesProcessed prometheus.Counter
	BatchSize        prometheus.Histogram
	SealsCompleted   prometheus.Counter

	// Audit pipeline metrics
	AuditQueueDepth  prometheus.Gauge
	AuditPersisted   prometheus.Counter
	AuditWriteErrors prometheus.Counter
}

// NewMetrics creates a new Metrics instance with the given namespace,
// registering all collectors with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total number of consensus messages dispatched to peers",
		}),
		SealSharesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seal_shares_dispatched_total",
			Help:      "Total number of signature share messages dispatched to peers",
		}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Total number of inbound messages dropped as undecodable",
		}),

		BatchesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Total number of agreed batches turned into block proposals",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of transactions per agreed batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		SealsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seals_completed_total",
			Help:      "Total number of block seals assembled from threshold shares",
		}),

		AuditQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Number of audit records waiting for the persistence worker",
		}),
		AuditPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_persisted_total",
			Help:      "Total number of audit records written to disk",
		}),
		AuditWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Total number of audit records dropped due to I/O or serialization errors",
		}),
	}
}
