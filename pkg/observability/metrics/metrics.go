package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the channel integration collectors.
	Registry = prometheus.NewRegistry()

	apiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "channel",
			Name:      "api_calls_total",
			Help:      "Outbound channel provider calls by operation and HTTP status.",
		},
		[]string{"operation", "status"},
	)

	apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roomsync",
			Subsystem: "channel",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of outbound channel provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10), // 25ms to ~13s
		},
		[]string{"operation"},
	)

	creditsRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "channel",
			Name:      "credits_remaining",
			Help:      "Last provider-reported remaining credits per connection.",
		},
		[]string{"connection_id"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "channel",
			Name:      "retries_total",
			Help:      "Retried outbound calls by reason.",
		},
		[]string{"reason"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "token",
			Name:      "refreshes_total",
			Help:      "Access token refreshes by result.",
		},
		[]string{"result"},
	)

	auditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Audit entries waiting to be written.",
		},
	)

	auditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit entries that could not be written.",
		},
	)

	keepAliveResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "keepalive",
			Name:      "connections_total",
			Help:      "Keep-alive refresh outcomes per connection.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		apiCalls,
		apiDuration,
		creditsRemaining,
		retries,
		tokenRefreshes,
		auditQueueDepth,
		auditFailures,
		keepAliveResults,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ObserveCall(operation string, statusCode int, duration time.Duration) {
	status := "transport_error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	apiCalls.WithLabelValues(operation, status).Inc()
	apiDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func ObserveCredits(connectionID string, remaining int) {
	creditsRemaining.WithLabelValues(connectionID).Set(float64(remaining))
}

func ObserveRetry(reason string) {
	retries.WithLabelValues(reason).Inc()
}

func ObserveTokenRefresh(success bool) {
	if success {
		tokenRefreshes.WithLabelValues("success").Inc()
		return
	}
	tokenRefreshes.WithLabelValues("failure").Inc()
}

func SetAuditQueueDepth(n int) {
	auditQueueDepth.Set(float64(n))
}

func IncAuditFailure() {
	auditFailures.Inc()
}

func ObserveKeepAlive(success bool) {
	if success {
		keepAliveResults.WithLabelValues("refreshed").Inc()
		return
	}
	keepAliveResults.WithLabelValues("failed").Inc()
}
