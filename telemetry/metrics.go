package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RequestBuckets span sub-millisecond local reads up to slow proxied batches
	RequestBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// SyncBuckets for replica syncs
	SyncBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Routing Metrics
var (
	// RequestsTotal counts inbound batches by endpoint (pipeline, query) and route (local, proxy, rejected)
	RequestsTotal CounterVec = noopCounterVec{}

	// RequestDurationSeconds measures batch handling latency by route
	RequestDurationSeconds HistogramVec = noopHistogramVec{}

	// ProxyResponsesTotal counts origin responses by status code
	ProxyResponsesTotal CounterVec = noopCounterVec{}

	// StatementsTotal counts locally executed statements by kind
	StatementsTotal CounterVec = noopCounterVec{}

	// ClassifierCacheTotal counts classifier cache lookups by result (hit, miss)
	ClassifierCacheTotal CounterVec = noopCounterVec{}
)

// Sync Metrics
var (
	// SyncTotal counts sync attempts by source (interval, pubsub, api) and result (success, failed, skipped)
	SyncTotal CounterVec = noopCounterVec{}

	// SyncDurationSeconds measures sync primitive duration by source
	SyncDurationSeconds HistogramVec = noopHistogramVec{}

	// SecondsSinceSync tracks replica staleness, refreshed by the Collector
	SecondsSinceSync Gauge = NoopStat{}

	// WriteNotificationsTotal counts write fan-out by strategy (publish, self_sync) and result
	WriteNotificationsTotal CounterVec = noopCounterVec{}

	// PubSubMessagesTotal counts received pub/sub messages by result (accepted, ignored)
	PubSubMessagesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	RequestsTotal = NewCounterVec(
		"requests_total",
		"Inbound batches by endpoint and route",
		[]string{"endpoint", "route"},
	)
	RequestDurationSeconds = NewHistogramVec(
		"request_duration_seconds",
		"Batch handling duration in seconds",
		[]string{"route"},
		RequestBuckets,
	)
	ProxyResponsesTotal = NewCounterVec(
		"proxy_responses_total",
		"Origin responses by status code",
		[]string{"status"},
	)
	StatementsTotal = NewCounterVec(
		"statements_total",
		"Locally executed statements by kind",
		[]string{"kind"},
	)
	ClassifierCacheTotal = NewCounterVec(
		"classifier_cache_total",
		"Classifier cache lookups by result",
		[]string{"result"},
	)

	SyncTotal = NewCounterVec(
		"sync_total",
		"Replica sync attempts by source and result",
		[]string{"source", "result"},
	)
	SyncDurationSeconds = NewHistogramVec(
		"sync_duration_seconds",
		"Replica sync duration in seconds",
		[]string{"source"},
		SyncBuckets,
	)
	SecondsSinceSync = NewGauge(
		"seconds_since_sync",
		"Seconds since the last successful replica sync",
	)
	WriteNotificationsTotal = NewCounterVec(
		"write_notifications_total",
		"Local write notifications by strategy and result",
		[]string{"strategy", "result"},
	)
	PubSubMessagesTotal = NewCounterVec(
		"pubsub_messages_total",
		"Received pub/sub messages by result",
		[]string{"result"},
	)
}
