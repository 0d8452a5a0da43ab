package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the access list engine.
type Metrics struct {
	EventsCommitted                *prometheus.CounterVec
	ConcurrencyConflicts           prometheus.Counter
	PaginationPreconditionFailures prometheus.Counter
	ApplyDuration                  prometheus.Histogram
	LoadDuration                   prometheus.Histogram
}

// New creates and registers all access list metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		EventsCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regledger_accesslist_events_committed_total",
			Help: "Total number of events appended to the access list event log",
		}, []string{"kind"}),
		ConcurrencyConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regledger_accesslist_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts detected at commit time",
		}),
		PaginationPreconditionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regledger_accesslist_pagination_precondition_failures_total",
			Help: "Total number of continuation tokens rejected because the aggregate moved",
		}),
		ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "regledger_accesslist_apply_duration_seconds",
			Help:    "Duration of ApplyChanges transactions",
			Buckets: prometheus.DefBuckets,
		}),
		LoadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "regledger_accesslist_load_duration_seconds",
			Help:    "Duration of full event-stream aggregate loads",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordCommit counts one committed event of the given kind.
func (m *Metrics) RecordCommit(kind string) {
	if m == nil {
		return
	}
	m.EventsCommitted.WithLabelValues(kind).Inc()
}

// RecordConflict counts one concurrency conflict.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConcurrencyConflicts.Inc()
}

// RecordPreconditionFailure counts one rejected continuation token.
func (m *Metrics) RecordPreconditionFailure() {
	if m == nil {
		return
	}
	m.PaginationPreconditionFailures.Inc()
}

// ObserveApply records the duration of one ApplyChanges call.
func (m *Metrics) ObserveApply(seconds float64) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(seconds)
}

// ObserveLoad records the duration of one aggregate load.
func (m *Metrics) ObserveLoad(seconds float64) {
	if m == nil {
		return
	}
	m.LoadDuration.Observe(seconds)
}
