package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for verification. A nil *Metrics
// records nothing.
type Metrics struct {
	RecordsResolved   *prometheus.CounterVec
	SourceLatency     *prometheus.HistogramVec
	SourceAttempts    *prometheus.CounterVec
	CompositeScore    prometheus.Histogram
	AggregateStatus   *prometheus.CounterVec
	SchedulerRuns     *prometheus.CounterVec
	SchedulerFlagged  prometheus.Counter
	SchedulerConflict prometheus.Counter
	SchedulerDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_verification_records_resolved_total",
			Help: "Verification records that reached a terminal status",
		}, []string{"type", "status"}),
		SourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driver_verification_source_latency_seconds",
			Help:    "Latency of verification source calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		SourceAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_verification_source_attempts_total",
			Help: "Verification source calls by outcome",
		}, []string{"type", "outcome"}),
		CompositeScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "driver_verification_composite_score",
			Help:    "Composite trust scores attached to approved records",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		AggregateStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_verification_aggregate_status_total",
			Help: "Subject-level verification outcomes",
		}, []string{"status"}),
		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_verification_scheduler_runs_total",
			Help: "Reverification scheduler runs by result",
		}, []string{"result"}),
		SchedulerFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "driver_verification_scheduler_flagged_total",
			Help: "Records flagged for reverification",
		}),
		SchedulerConflict: f.NewCounter(prometheus.CounterOpts{
			Name: "driver_verification_scheduler_conflicts_total",
			Help: "Concurrent modifications seen while flagging records",
		}),
		SchedulerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "driver_verification_scheduler_run_duration_seconds",
			Help:    "Duration of reverification scheduler runs",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ObserveResolved(verificationType, status string) {
	if m == nil {
		return
	}
	m.RecordsResolved.WithLabelValues(verificationType, status).Inc()
}

func (m *Metrics) ObserveSourceCall(verificationType, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.SourceAttempts.WithLabelValues(verificationType, outcome).Inc()
	m.SourceLatency.WithLabelValues(verificationType).Observe(latency.Seconds())
}

func (m *Metrics) ObserveCompositeScore(score float64) {
	if m == nil {
		return
	}
	m.CompositeScore.Observe(score)
}

func (m *Metrics) ObserveAggregate(status string) {
	if m == nil {
		return
	}
	m.AggregateStatus.WithLabelValues(status).Inc()
}

// ObserveSchedulerRun records one tick; result is "completed", "failed",
// "overlap" or "locked".
func (m *Metrics) ObserveSchedulerRun(result string, flagged, conflicts int, d time.Duration) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(result).Inc()
	m.SchedulerFlagged.Add(float64(flagged))
	m.SchedulerConflict.Add(float64(conflicts))
	if d > 0 {
		m.SchedulerDuration.Observe(d.Seconds())
	}
}
