package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsRecorder holds every Prometheus collector a Provider call touches.
// Labeled by role (coordinator/executor/tester/documenter/structurer) and
// model rather than by story/agent id, since this system has no per-story
// concept — a role's subtasks share one rate-limited model slot.
type metricsRecorder struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec
}

//nolint:gochecknoglobals // promauto registers against the default registry exactly once
var recorder = newMetricsRecorder()

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Total number of Provider Adapter calls by role, model and outcome",
			},
			[]string{"role", "model", "status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Duration of Provider Adapter calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "model"},
		),
		retryTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_retry_total",
				Help: "Total number of Provider Adapter retries by role and reason",
			},
			[]string{"role", "reason"},
		),
	}
}

// WithMetrics wraps client so every Complete call is counted and timed under
// role, the role this client instance serves (coordinator, executor, tester,
// documenter or structurer).
func WithMetrics(role string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				model := next.GetDefaultConfig().Name
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				recorder.requestDuration.WithLabelValues(role, model).Observe(time.Since(start).Seconds())
				status := "success"
				if err != nil {
					status = "error"
				}
				recorder.requestsTotal.WithLabelValues(role, model, status).Inc()
				return resp, err
			},
			next.Stream,
			next.GetDefaultConfig,
		)
	}
}

// RecordRetry increments the retry counter for role, for callers (worker,
// coordinator, structurer rate-limit/backoff loops) that retry outside the
// single Complete call WithMetrics wraps.
func RecordRetry(role, reason string) {
	recorder.retryTotal.WithLabelValues(role, reason).Inc()
}
