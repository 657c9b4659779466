package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 任务投递延迟（毫秒），从入队到 worker 拿到
	JobPickupLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_pickup_latency_ms",
			Help:    "Delay between a job becoming due and a worker receiving it, in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"kind"},
	)

	JobOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_outcome_count",
			Help: "Finished job attempts by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: completed, retried, failed
	)

	JobsEnqueuedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_count",
			Help: "Jobs inserted, excluding idempotent no-ops",
		},
		[]string{"kind"},
	)

	JobsDispatchedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_count",
			Help: "Jobs published to the broker",
		},
		[]string{"kind", "status"}, // status: ok, error
	)

	// 执行器调用延迟（毫秒）
	ExecutorCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "executor_call_latency_ms",
			Help:    "Unsubscribe executor call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50ms to ~25s
		},
		[]string{"channel", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	ScanMessagesCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_messages_count",
			Help: "Messages examined by scans",
		},
		[]string{"result"}, // result: parsed, skipped, error
	)

	TasksCreatedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unsubscribe_tasks_created_count",
			Help: "Unsubscribe tasks created by scans",
		},
	)
)

func RecordJobPickupLatency(kind string, d time.Duration) {
	JobPickupLatency.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
}

func IncrementJobOutcome(kind, outcome string) {
	JobOutcomeCount.WithLabelValues(kind, outcome).Inc()
}

func IncrementJobsEnqueued(kind string) {
	JobsEnqueuedCount.WithLabelValues(kind).Inc()
}

func IncrementJobsDispatched(kind, status string) {
	JobsDispatchedCount.WithLabelValues(kind, status).Inc()
}

// RecordExecutorCallLatency 记录执行器调用延迟
func RecordExecutorCallLatency(channel, status string, d time.Duration) {
	ExecutorCallLatency.WithLabelValues(channel, status).Observe(float64(d.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, d time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(d.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

func IncrementScanMessages(result string, n int) {
	ScanMessagesCount.WithLabelValues(result).Add(float64(n))
}

func IncrementTasksCreated(n int) {
	TasksCreatedCount.Add(float64(n))
}
