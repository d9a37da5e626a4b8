package metrics

//
// Prometheus collectors shared by every engine in the process.
//

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// metricRequestsCount counts completed requests by method and final status.
	metricRequestsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplerest_requests_total",
		Help: "Total number of completed requests",
	}, []string{"method", "code"})

	// metricAttemptsCount counts issued attempts by outcome.
	metricAttemptsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplerest_attempts_total",
		Help: "Total number of HTTP attempts issued",
	}, []string{"outcome"})

	// metricRetriesCount counts retries triggered by server errors.
	metricRetriesCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simplerest_retries_total",
		Help: "Total number of retries after a server error",
	})

	// metricSessionsOpen gauges the number of pooled sessions.
	metricSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simplerest_sessions_open",
		Help: "The number of pooled sessions currently open",
	})

	// metricLimiterWaits counts admissions that had to wait for a refill.
	metricLimiterWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplerest_limiter_waits_total",
		Help: "Total number of admissions that waited for a limiter refill",
	}, []string{"kind"})

	// metricBridgeInflight gauges operations submitted through the bridge and not yet finished.
	metricBridgeInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simplerest_bridge_inflight",
		Help: "The number of bridge operations currently inflight",
	})

	// metricExchangeDurationSeconds summarizes the end-to-end duration of requests.
	metricExchangeDurationSeconds = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "simplerest_exchange_duration_seconds",
		Help: "Summarizes the time to complete a request including retries (in seconds)",
		Objectives: map[float64]float64{
			0.5:  0.010,
			0.9:  0.010,
			0.99: 0.001,
		},
	})
)

// ObserveExchange records a completed exchange
func ObserveExchange(m *ExchangeMetrics) {
	metricRequestsCount.WithLabelValues(m.Method, strconv.Itoa(m.FinalCode)).Inc()
	metricExchangeDurationSeconds.Observe(m.TotalDurationSeconds)
}

// ObserveAttempt records one issued attempt; outcome is "response" or "transport_error"
func ObserveAttempt(outcome string) {
	metricAttemptsCount.WithLabelValues(outcome).Inc()
}

// ObserveRetry records a retry
func ObserveRetry() {
	metricRetriesCount.Inc()
}

// SessionOpened and SessionClosed track the pool size
func SessionOpened() { metricSessionsOpen.Inc() }

// SessionClosed decrements the pool size gauge
func SessionClosed() { metricSessionsOpen.Dec() }

// ObserveLimiterWait records an admission that had to wait; kind is "sync" or "async"
func ObserveLimiterWait(kind string) {
	metricLimiterWaits.WithLabelValues(kind).Inc()
}

// BridgeTaskStarted and BridgeTaskFinished track inflight bridge operations
func BridgeTaskStarted() { metricBridgeInflight.Inc() }

// BridgeTaskFinished decrements the inflight bridge gauge
func BridgeTaskFinished() { metricBridgeInflight.Dec() }

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
