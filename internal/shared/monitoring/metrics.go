package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the collector.
// Scraped from the admin listener (/metrics) and visualized in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_connections_total",
		Help: "Total number of agent connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_connections_active",
		Help: "Current number of open agent connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_connections_rejected_total",
		Help: "Connections closed at accept time, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_disconnects_total",
		Help: "Total closed connections by reason (normal, timeout, peer)",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collector_connection_duration_seconds",
		Help:    "Connection lifetime before close",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}, // 100ms to 15min
	}, []string{"reason"})

	handshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_tls_handshake_failures_total",
		Help: "TLS handshakes or peer verifications that aborted a connection",
	})

	// Request metrics
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_requests_total",
		Help: "Responses written, by status code class",
	}, []string{"class"})

	dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collector_dispatch_duration_seconds",
		Help:    "Time spent in parser + controller inside the worker pool",
		Buckets: prometheus.DefBuckets,
	})

	dispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_dispatch_failures_total",
		Help: "Dispatches converted into a 500 response",
	})

	lateCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_late_completions_total",
		Help: "Dispatch completions discarded because the connection was already closed",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_bytes_sent_total",
		Help: "Total number of response bytes written to agents",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_bytes_received_total",
		Help: "Total number of request bytes read from agents",
	})

	// Worker pool metrics
	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_worker_queue_depth",
		Help: "Current number of tasks waiting in worker pool queue",
	})

	workerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_worker_queue_capacity",
		Help: "Maximum capacity of worker pool queue",
	})

	workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_workers_busy",
		Help: "Workers currently executing a task",
	})

	workerRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_worker_rejected_total",
		Help: "Tasks refused because the worker queue was full or the pool stopped",
	})

	panicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_panics_recovered_total",
		Help: "Recovered panics by goroutine",
	}, []string{"goroutine"})

	// Scheduler metrics
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_job_runs_total",
		Help: "Scheduled job executions by job and outcome (ok, error, skipped, rejected)",
	}, []string{"job", "outcome"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collector_job_duration_seconds",
		Help:    "Scheduled job body duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// Collaborator metrics
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_sessions_active",
		Help: "Agent sessions currently tracked",
	})

	sessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_sessions_expired_total",
		Help: "Agent sessions removed by the sweep",
	})

	targetReachable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_network_target_up",
		Help: "Network check result per target (1=reachable, 0=unreachable)",
	}, []string{"target"})

	heartbeatsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_heartbeats_total",
		Help: "Heartbeats emitted by sink",
	}, []string{"sink"})

	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_nats_connected",
		Help: "NATS connection state (1=connected, 0=disconnected)",
	})

	natsReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_nats_reconnects_total",
		Help: "NATS reconnections",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)
	prometheus.MustRegister(handshakeFailures)

	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(dispatchDuration)
	prometheus.MustRegister(dispatchFailures)
	prometheus.MustRegister(lateCompletions)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerQueueCapacity)
	prometheus.MustRegister(workersBusy)
	prometheus.MustRegister(workerRejected)
	prometheus.MustRegister(panicsTotal)

	prometheus.MustRegister(jobRuns)
	prometheus.MustRegister(jobDuration)

	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsExpired)
	prometheus.MustRegister(targetReachable)
	prometheus.MustRegister(heartbeatsSent)
	prometheus.MustRegister(natsConnected)
	prometheus.MustRegister(natsReconnects)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Job outcomes
const (
	JobOutcomeOK       = "ok"
	JobOutcomeError    = "error"
	JobOutcomeSkipped  = "skipped"  // previous run still in flight
	JobOutcomeRejected = "rejected" // worker pool refused the task
)

// RecordConnectionOpened counts an accepted connection in Prometheus and Stats.
func RecordConnectionOpened(stats *types.Stats) {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	if stats != nil {
		atomic.AddInt64(&stats.TotalConnections, 1)
		atomic.AddInt64(&stats.CurrentConnections, 1)
	}
}

// RecordDisconnectWithStats records a close in both Prometheus and Stats.
func RecordDisconnectWithStats(stats *types.Stats, reason string, duration time.Duration) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	if stats != nil {
		atomic.AddInt64(&stats.CurrentConnections, -1)
		stats.RecordDisconnect(reason)
	}
}

// IncrementConnectionRejection records a socket refused at accept time.
func IncrementConnectionRejection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// IncrementHandshakeFailures records an aborted TLS handshake.
func IncrementHandshakeFailures() {
	handshakeFailures.Inc()
}

// RecordResponse records one response written with the given status.
func RecordResponse(status int) {
	requestsTotal.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// ObserveDispatch records the time spent producing one response.
func ObserveDispatch(d time.Duration, failed bool) {
	dispatchDuration.Observe(d.Seconds())
	if failed {
		dispatchFailures.Inc()
	}
}

// RecordLateCompletion records a completion that found its connection closed.
func RecordLateCompletion(stats *types.Stats) {
	lateCompletions.Inc()
	if stats != nil {
		atomic.AddInt64(&stats.LateCompletions, 1)
	}
}

// UpdateBytesMetrics updates byte counters
func UpdateBytesMetrics(stats *types.Stats, sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
	if stats != nil {
		atomic.AddInt64(&stats.BytesSent, sent)
		atomic.AddInt64(&stats.BytesReceived, received)
	}
}

// UpdateWorkerPoolMetrics publishes the pool's queue state.
func UpdateWorkerPoolMetrics(depth, capacity, busy int) {
	workerQueueDepth.Set(float64(depth))
	workerQueueCapacity.Set(float64(capacity))
	workersBusy.Set(float64(busy))
}

// IncrementWorkerRejected records a refused Submit.
func IncrementWorkerRejected() {
	workerRejected.Inc()
}

// RecordPanic records a recovered panic.
func RecordPanic(goroutine string) {
	panicsTotal.WithLabelValues(goroutine).Inc()
}

// RecordJobRun records a scheduled job outcome and, for executed runs, its duration.
func RecordJobRun(job, outcome string, d time.Duration) {
	jobRuns.WithLabelValues(job, outcome).Inc()
	if outcome == JobOutcomeOK || outcome == JobOutcomeError {
		jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// SetSessionsActive publishes the session count.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// AddSessionsExpired counts sessions removed by a sweep.
func AddSessionsExpired(n int) {
	sessionsExpired.Add(float64(n))
}

// SetTargetReachable records one network check result.
func SetTargetReachable(target string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	targetReachable.WithLabelValues(target).Set(v)
}

// IncrementHeartbeats counts a heartbeat delivered to sink.
func IncrementHeartbeats(sink string) {
	heartbeatsSent.WithLabelValues(sink).Inc()
}

// SetNATSConnected records the NATS connection state.
func SetNATSConnected(up bool) {
	if up {
		natsConnected.Set(1)
		return
	}
	natsConnected.Set(0)
}

// IncrementNATSReconnects counts a NATS reconnection.
func IncrementNATSReconnects() {
	natsReconnects.Inc()
}

// UpdateSystemMetrics publishes a SystemMetrics sample.
func UpdateSystemMetrics(m SystemMetrics) {
	memoryUsageBytes.Set(float64(m.MemoryBytes))
	cpuUsagePercent.Set(m.CPUPercent)
	goroutinesActive.Set(float64(m.Goroutines))
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
