// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bonding-curve-feed/internal/solana"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Webhook metrics
	WebhookDeliveries     *prometheus.CounterVec
	InstructionsDecoded   *prometheus.CounterVec
	InstructionsSkipped   *prometheus.CounterVec
	VolumeEvents          prometheus.Counter
	DuplicateTransactions prometheus.Counter

	// Live feed metrics
	LiveConnections    prometheus.Gauge
	Broadcasts         *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	ConnectionsEvicted *prometheus.CounterVec

	// RPC metrics
	RPCCallLatency  *prometheus.HistogramVec
	RPCCallErrors   *prometheus.CounterVec
	RPCQueueDepth   prometheus.Gauge
	RPCRateLimited  prometheus.Counter
	RPCJobsRejected *prometheus.CounterVec

	// Dedupe / batch metrics
	DedupeRequests *prometheus.CounterVec
	BatchSize      prometheus.Histogram

	// Volume and state metrics
	TrackedPools  prometheus.Gauge
	VolumeEntries prometheus.Gauge
	PoolPulls     *prometheus.CounterVec

	// Ingestion metrics
	LogNotifications       prometheus.Counter
	BackfilledTransactions prometheus.Counter

	// Health metrics
	LastWebhookTimestamp prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bonding_curve_feed"
	}
	f := promauto.With(reg)

	return &Metrics{
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by response status",
		}, []string{"status"}),
		InstructionsDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "instructions_decoded_total",
			Help:      "Program instructions decoded by name",
		}, []string{"instruction"}),
		InstructionsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "instructions_skipped_total",
			Help:      "Program instructions skipped by reason",
		}, []string{"reason"}),
		VolumeEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "volume_events_total",
			Help:      "Trades appended to the volume aggregator",
		}),
		DuplicateTransactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duplicate_transactions_total",
			Help:      "Transactions skipped because their signature was already processed",
		}),

		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "connections",
			Help:      "Open live feed connections",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "broadcasts_total",
			Help:      "Broadcast calls by event type",
		}, []string{"event_type"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "delivery_failures_total",
			Help:      "Failed deliveries by event type",
		}, []string{"event_type"}),
		ConnectionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "connections_evicted_total",
			Help:      "Connections removed by reason",
		}, []string{"reason"}),

		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_errors_total",
			Help:      "Solana RPC call errors by method and kind",
		}, []string{"method", "kind"}),
		RPCQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpcqueue",
			Name:      "depth",
			Help:      "Jobs waiting in the RPC scheduler",
		}),
		RPCRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpcqueue",
			Name:      "rate_limited_total",
			Help:      "Jobs requeued after a rate-limit response",
		}),
		RPCJobsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpcqueue",
			Name:      "jobs_rejected_total",
			Help:      "Jobs rejected by reason",
		}, []string{"reason"}),

		DedupeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedupe",
			Name:      "requests_total",
			Help:      "Deduplicated requests by result",
		}, []string{"result"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dedupe",
			Name:      "batch_size",
			Help:      "Items per dispatched batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 200},
		}),

		TrackedPools: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "volume",
			Name:      "tracked_pools",
			Help:      "Pools with trades inside the retention window",
		}),
		VolumeEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "volume",
			Name:      "entries",
			Help:      "Trades held inside the retention window",
		}),
		PoolPulls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "pool_pulls_total",
			Help:      "Pool account pulls by status",
		}, []string{"status"}),

		LogNotifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "log_notifications_total",
			Help:      "Program log notifications received",
		}),
		BackfilledTransactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "backfilled_transactions_total",
			Help:      "Transactions fetched by the log watcher that the webhook had not delivered",
		}),

		LastWebhookTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_webhook_timestamp",
			Help:      "Unix timestamp of the last accepted webhook delivery",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordWebhookDelivery records a webhook response status and, on success, its time.
func RecordWebhookDelivery(status string) {
	DefaultMetrics.WebhookDeliveries.WithLabelValues(status).Inc()
	if status == "ok" {
		DefaultMetrics.LastWebhookTimestamp.SetToCurrentTime()
	}
}

// RecordInstructionDecoded increments the decoded counter for an instruction.
func RecordInstructionDecoded(name string) {
	DefaultMetrics.InstructionsDecoded.WithLabelValues(name).Inc()
}

// RecordInstructionSkipped increments the skipped counter for a reason.
func RecordInstructionSkipped(reason string) {
	DefaultMetrics.InstructionsSkipped.WithLabelValues(reason).Inc()
}

// RecordVolumeEvent increments the volume events counter.
func RecordVolumeEvent() {
	DefaultMetrics.VolumeEvents.Inc()
}

// RecordDuplicateTransaction increments the duplicate transactions counter.
func RecordDuplicateTransaction() {
	DefaultMetrics.DuplicateTransactions.Inc()
}

// SetLiveConnections updates the open connections gauge.
func SetLiveConnections(n int) {
	DefaultMetrics.LiveConnections.Set(float64(n))
}

// RecordBroadcast records one broadcast and its failed deliveries.
func RecordBroadcast(eventType string, failed int) {
	DefaultMetrics.Broadcasts.WithLabelValues(eventType).Inc()
	if failed > 0 {
		DefaultMetrics.DeliveryFailures.WithLabelValues(eventType).Add(float64(failed))
	}
}

// RecordConnectionEvicted records a removed connection.
func RecordConnectionEvicted(reason string) {
	DefaultMetrics.ConnectionsEvicted.WithLabelValues(reason).Inc()
}

// RecordRPCCall records latency and, on failure, the error kind of one RPC call.
// Its signature matches solana.CallObserver.
func RecordRPCCall(method string, elapsed time.Duration, err error) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(elapsed.Seconds())
	if err != nil {
		DefaultMetrics.RPCCallErrors.WithLabelValues(method, ErrorKind(err)).Inc()
	}
}

// ErrorKind classifies an RPC error for metric labels.
func ErrorKind(err error) string {
	var (
		rl       *solana.RateLimitedError
		netErr   *solana.NetworkError
		upstream *solana.UpstreamError
		rpcErr   *solana.RPCError
	)
	switch {
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &upstream):
		return "upstream"
	case errors.As(err, &rpcErr):
		return "rpc"
	default:
		return "other"
	}
}

// SetRPCQueueDepth updates the scheduler depth gauge.
func SetRPCQueueDepth(n int) {
	DefaultMetrics.RPCQueueDepth.Set(float64(n))
}

// RecordRPCRateLimited increments the rate-limited counter.
func RecordRPCRateLimited() {
	DefaultMetrics.RPCRateLimited.Inc()
}

// RecordRPCJobRejected records a job the scheduler gave up on.
func RecordRPCJobRejected(reason string) {
	DefaultMetrics.RPCJobsRejected.WithLabelValues(reason).Inc()
}

// RecordDedupe records a deduplicator lookup.
func RecordDedupe(hit bool) {
	if hit {
		DefaultMetrics.DedupeRequests.WithLabelValues("hit").Inc()
		return
	}
	DefaultMetrics.DedupeRequests.WithLabelValues("miss").Inc()
}

// RecordBatch records the size of a dispatched batch.
func RecordBatch(size int) {
	DefaultMetrics.BatchSize.Observe(float64(size))
}

// SetVolumeStats updates the volume gauges.
func SetVolumeStats(pools, entries int) {
	DefaultMetrics.TrackedPools.Set(float64(pools))
	DefaultMetrics.VolumeEntries.Set(float64(entries))
}

// RecordPoolPull records a pool account pull.
func RecordPoolPull(status string) {
	DefaultMetrics.PoolPulls.WithLabelValues(status).Inc()
}

// RecordLogNotification increments the log notifications counter.
func RecordLogNotification() {
	DefaultMetrics.LogNotifications.Inc()
}

// RecordBackfill increments the back-filled transactions counter.
func RecordBackfill() {
	DefaultMetrics.BackfilledTransactions.Inc()
}
