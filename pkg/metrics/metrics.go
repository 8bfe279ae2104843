package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_events_published_total",
			Help: "Total number of events accepted by the pipeline by source and type",
		},
		[]string{"source", "type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_events_dropped_total",
			Help: "Total number of events dropped by the pipeline by reason",
		},
		[]string{"reason"},
	)

	PipelineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickerd_pipeline_queue_depth",
			Help: "Current number of undrained events in the pipeline queue",
		},
	)

	SinkBatchesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickerd_sink_batches_written_total",
			Help: "Total number of batches handed to the sink",
		},
	)

	SinkBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickerd_sink_batch_size",
			Help:    "Number of events per sink batch",
			Buckets: []float64{1, 8, 32, 64, 128, 256, 512},
		},
	)

	SinkWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickerd_sink_write_duration_seconds",
			Help:    "Time taken to write a batch to the sink in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SinkWriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_sink_write_errors_total",
			Help: "Total number of sink write errors by class",
		},
		[]string{"class"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickerd_pipeline_flush_duration_seconds",
			Help:    "Time taken for a pipeline flush barrier in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickerd_session_state",
			Help: "Current session state per provider (1 = in state)",
		},
		[]string{"provider", "state"},
	)

	SessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_session_reconnects_total",
			Help: "Total number of reconnect attempts per provider",
		},
		[]string{"provider"},
	)

	HeartbeatsMissed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_heartbeats_missed_total",
			Help: "Total number of missed heartbeats per connection",
		},
		[]string{"connection"},
	)

	// Subscription metrics
	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickerd_active_subscriptions",
			Help: "Current number of active subscriptions by kind",
		},
		[]string{"kind"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickerd_reconcile_duration_seconds",
			Help:    "Time taken for a subscription reconciliation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SubscriptionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_subscription_errors_total",
			Help: "Total number of per-symbol subscription errors by kind",
		},
		[]string{"kind"},
	)

	// Failover metrics
	FailoversTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_failovers_triggered_total",
			Help: "Total number of failovers triggered per rule",
		},
		[]string{"rule"},
	)

	FailoversRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_failovers_recovered_total",
			Help: "Total number of recoveries to primary per rule",
		},
		[]string{"rule"},
	)

	ProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_provider_failures_total",
			Help: "Total number of recorded provider failures",
		},
		[]string{"provider"},
	)

	ProviderLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickerd_provider_latency_ms",
			Help: "Rolling average provider latency in milliseconds",
		},
		[]string{"provider"},
	)

	// Backfill metrics
	BackfillRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_backfill_runs_total",
			Help: "Total number of backfill runs by outcome",
		},
		[]string{"outcome"},
	)

	BackfillBarsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickerd_backfill_bars_written_total",
			Help: "Total number of historical bars published by backfill runs",
		},
	)

	BackfillDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickerd_backfill_duration_seconds",
			Help:    "Backfill run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Integrity metrics
	IntegrityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickerd_integrity_events_total",
			Help: "Total number of integrity events emitted by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(PipelineQueueDepth)
	prometheus.MustRegister(SinkBatchesWritten)
	prometheus.MustRegister(SinkBatchSize)
	prometheus.MustRegister(SinkWriteDuration)
	prometheus.MustRegister(SinkWriteErrors)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(SessionState)
	prometheus.MustRegister(SessionReconnects)
	prometheus.MustRegister(HeartbeatsMissed)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(SubscriptionErrors)
	prometheus.MustRegister(FailoversTriggered)
	prometheus.MustRegister(FailoversRecovered)
	prometheus.MustRegister(ProviderFailures)
	prometheus.MustRegister(ProviderLatency)
	prometheus.MustRegister(BackfillRuns)
	prometheus.MustRegister(BackfillBarsWritten)
	prometheus.MustRegister(BackfillDuration)
	prometheus.MustRegister(IntegrityEvents)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
