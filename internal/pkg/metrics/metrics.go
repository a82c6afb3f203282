package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. The registry is owned by
// the caller; there is no HTTP exposition here.
type Metrics struct {
	RecordsProcessed *prometheus.CounterVec
	MatchesByTier    *prometheus.CounterVec
	ErrorsByType     *prometheus.CounterVec
	GroupsByStatus   *prometheus.GaugeVec
	BytesCopied      prometheus.Counter
	CheckpointWrites prometheus.Counter
}

// New creates and registers the engine collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "records_processed_total",
			Help:      "Records processed per phase.",
		}, []string{"phase", "outcome"}),
		MatchesByTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "matches_total",
			Help:      "Link repair matches per strategy tier.",
		}, []string{"strategy"}),
		ErrorsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "errors_total",
			Help:      "Errors recorded in the budget per operation type.",
		}, []string{"operation"}),
		GroupsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reconcile",
			Name:      "duplicate_groups",
			Help:      "Duplicate groups per lifecycle status.",
		}, []string{"status"}),
		BytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "bytes_copied_total",
			Help:      "Bytes copied between storage backends.",
		}),
		CheckpointWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint persistence operations.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsProcessed,
			m.MatchesByTier,
			m.ErrorsByType,
			m.GroupsByStatus,
			m.BytesCopied,
			m.CheckpointWrites,
		)
	}

	return m
}

// NewNop returns unregistered collectors, for tests
func NewNop() *Metrics {
	return New(nil)
}
