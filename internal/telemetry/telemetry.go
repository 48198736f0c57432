// Package telemetry provides Prometheus metrics for the gateway.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Bonito.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Token metrics
	TokensInput  *prometheus.CounterVec
	TokensOutput *prometheus.CounterVec

	// Cost metrics
	CostUSD *prometheus.CounterVec

	// Provider metrics
	ProviderErrors  *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	// Admission metrics
	RateLimitRejections *prometheus.CounterVec
	QuotaRejections     *prometheus.CounterVec

	// Routing metrics
	RoutingDecisions *prometheus.CounterVec
	FallbackAdvances *prometheus.CounterVec

	// Recorder metrics
	RecorderQueueDepth prometheus.Gauge
	RecorderOverflows  prometheus.Counter
	RecorderDrops      prometheus.Counter
}

// NewMetrics creates and registers all metrics. A nil registry uses the
// default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_requests_total",
				Help: "Total number of gateway requests",
			},
			[]string{"kind", "model", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bonito_request_duration_seconds",
				Help:    "Gateway request duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind", "model"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bonito_requests_in_flight",
				Help: "Number of gateway requests currently being processed",
			},
		),

		TokensInput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_tokens_input_total",
				Help: "Total input tokens processed",
			},
			[]string{"model", "provider"},
		),

		TokensOutput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_tokens_output_total",
				Help: "Total output tokens generated",
			},
			[]string{"model", "provider"},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_cost_usd_total",
				Help: "Total upstream cost in USD",
			},
			[]string{"model", "provider"},
		),

		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_provider_errors_total",
				Help: "Total upstream provider errors",
			},
			[]string{"provider", "category"},
		),

		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bonito_provider_latency_seconds",
				Help:    "Upstream provider latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "model"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_rate_limit_rejections_total",
				Help: "Total requests rejected by the per-key rate limiter",
			},
			[]string{"key_id"},
		),

		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_quota_rejections_total",
				Help: "Total requests rejected by tier quota checks",
			},
			[]string{"quota"},
		),

		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_routing_decisions_total",
				Help: "Total routing decisions by strategy",
			},
			[]string{"strategy"},
		),

		FallbackAdvances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonito_fallback_advances_total",
				Help: "Total candidate advances after an upstream failure",
			},
			[]string{"provider", "category"},
		),

		RecorderQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bonito_recorder_queue_depth",
				Help: "Usage recorder queue depth",
			},
		),

		RecorderOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bonito_recorder_overflows_total",
				Help: "Usage records written synchronously after queue overflow",
			},
		),

		RecorderDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bonito_recorder_drops_total",
				Help: "Usage records dropped after a failed write",
			},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestRecorder tracks one gateway request's metrics lifecycle.
type RequestRecorder struct {
	metrics   *Metrics
	kind      string
	model     string
	provider  string
	startTime time.Time
}

// NewRequestRecorder starts tracking a request.
func (m *Metrics) NewRequestRecorder(kind, model string) *RequestRecorder {
	m.RequestsInFlight.Inc()
	return &RequestRecorder{
		metrics:   m,
		kind:      kind,
		model:     model,
		startTime: time.Now(),
	}
}

// SetProvider records which provider ultimately served the request.
func (r *RequestRecorder) SetProvider(provider string) { r.provider = provider }

// Success records a completed request.
func (r *RequestRecorder) Success(inputTokens, outputTokens int64, costUSD float64) {
	duration := time.Since(r.startTime).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.kind, r.model, "success").Inc()
	r.metrics.RequestDuration.WithLabelValues(r.kind, r.model).Observe(duration)

	r.metrics.TokensInput.WithLabelValues(r.model, r.provider).Add(float64(inputTokens))
	r.metrics.TokensOutput.WithLabelValues(r.model, r.provider).Add(float64(outputTokens))
	r.metrics.CostUSD.WithLabelValues(r.model, r.provider).Add(costUSD)

	r.metrics.ProviderLatency.WithLabelValues(r.provider, r.model).Observe(duration)
}

// Error records a failed request.
func (r *RequestRecorder) Error(status string) {
	duration := time.Since(r.startTime).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.kind, r.model, status).Inc()
	r.metrics.RequestDuration.WithLabelValues(r.kind, r.model).Observe(duration)
}
