// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// The llm_edge_* metric family is the mandated domain metric set; it carries
// exact names and labels so downstream dashboards and alerts built against
// them never need to change across implementations. Everything else
// (gateway_*) is ambient HTTP/ops observability in the same style.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec
	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec
	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec
	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// llm_edge_requests_total{provider,model,status}
	requestsTotal *prometheus.CounterVec
	// llm_edge_request_duration_ms{provider,model}
	requestDurationMs *prometheus.HistogramVec
	// llm_edge_cache_hits_total{tier} / llm_edge_cache_misses_total{tier}
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	// llm_edge_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec
	// llm_edge_cost_usd_total{provider,model}
	costUSDTotal *prometheus.CounterVec
	// llm_edge_provider_available{provider}
	providerAvailable *prometheus.GaugeVec
	// llm_edge_circuit_state{provider}
	circuitState *prometheus.GaugeVec

	// gateway_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec
	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec
	// gateway_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// gateway_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec
	// gateway_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec
	// gateway_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_pricing_version{version}
	pricingVersion *prometheus.GaugeVec
	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	latencyBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_http_requests_total", Help: "Total HTTP requests handled by the gateway"},
			[]string{"route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "gateway_http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: latencyBuckets},
			[]string{"route"},
		),
		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "gateway_http_request_size_bytes", Help: "HTTP request body size in bytes", Buckets: prometheus.ExponentialBuckets(256, 2, 12)},
			[]string{"route"},
		),
		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "gateway_http_response_size_bytes", Help: "HTTP response body size in bytes", Buckets: prometheus.ExponentialBuckets(256, 2, 14)},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_edge_requests_total", Help: "Total proxy requests"},
			[]string{"provider", "model", "status"},
		),
		requestDurationMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_edge_request_duration_ms",
				Help:    "End-to-end request duration in milliseconds",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"provider", "model"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_edge_cache_hits_total", Help: "Total cache hits by tier"},
			[]string{"tier"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_edge_cache_misses_total", Help: "Total cache misses by tier"},
			[]string{"tier"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_edge_tokens_total", Help: "Token usage totals"},
			[]string{"provider", "model", "direction"},
		),
		costUSDTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_edge_cost_usd_total", Help: "Cumulative cost in USD"},
			[]string{"provider", "model"},
		),
		providerAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "llm_edge_provider_available", Help: "Provider availability (1=available, 0=unavailable)"},
			[]string{"provider"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "llm_edge_circuit_state", Help: "Circuit breaker state (0=CLOSED,1=HALF_OPEN,2=OPEN)"},
			[]string{"provider"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_upstream_attempts_total", Help: "Total upstream provider attempts (includes failovers)"},
			[]string{"provider", "route", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "gateway_upstream_attempt_duration_seconds", Help: "Upstream attempt duration in seconds", Buckets: latencyBuckets},
			[]string{"provider", "route", "outcome"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_cache_operations_total", Help: "Cache operations by type and result"},
			[]string{"op", "result"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "provider_errors_total", Help: "Total provider errors by type"},
			[]string{"provider", "error_type"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_circuit_breaker_transitions_total", Help: "Circuit breaker transitions to a new state"},
			[]string{"provider", "to_state"},
		),
		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_circuit_breaker_rejections_total", Help: "Requests rejected due to circuit breaker state"},
			[]string{"provider", "state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_failover_events_total", Help: "Failover events between providers"},
			[]string{"primary", "from", "to", "reason"},
		),
		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_failover_success_total", Help: "Successful failovers"},
			[]string{"primary", "to"},
		),
		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_failover_exhausted_total", Help: "Requests that exhausted failover attempts without success"},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_ratelimit_total", Help: "Rate limit decisions"},
			[]string{"result"},
		),

		pricingVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pricing_version", Help: "Active pricing table version"},
			[]string{"version"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_build_info", Help: "Build information"},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal, r.httpDuration, r.httpReqSize, r.httpRespSize,
		r.requestsTotal, r.requestDurationMs,
		r.cacheHits, r.cacheMisses,
		r.tokensTotal, r.costUSDTotal,
		r.providerAvailable, r.circuitState,
		r.upstreamAttempts, r.upstreamDuration,
		r.cacheOps,
		r.providerErrors,
		r.cbTransitions, r.cbRejections,
		r.failoverEvents, r.failoverSuccess, r.failoverExhausted,
		r.rateLimitTotal,
		r.pricingVersion,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// RecordRequest emits the mandated llm_edge_requests_total/duration pair for
// one inbound request answered with 200, whether served from cache or upstream.
func (r *Registry) RecordRequest(provider, model string, statusCode int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode)).Inc()
	r.requestDurationMs.WithLabelValues(provider, model).Observe(float64(dur.Milliseconds()))
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt (including
// retried/failed-over attempts, unlike RecordRequest which is once per
// inbound request).
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// CacheHit implements cache.MetricsRecorder.
func (r *Registry) CacheHit(tier string) {
	r.cacheHits.WithLabelValues(tier).Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

// CacheMiss implements cache.MetricsRecorder. Misses are recorded against
// the "none" tier, matching UnifiedResponse.observability_metadata.cache_tier.
func (r *Registry) CacheMiss() {
	r.cacheMisses.WithLabelValues("none").Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

// CacheWriteOK implements cache.MetricsRecorder.
func (r *Registry) CacheWriteOK() { r.cacheOps.WithLabelValues("set", "ok").Inc() }

// CacheWriteError implements cache.MetricsRecorder.
func (r *Registry) CacheWriteError() { r.cacheOps.WithLabelValues("set", "error").Inc() }

// AddTokens emits llm_edge_tokens_total for a completed (non-cached)
// upstream call.
func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// AddCost emits llm_edge_cost_usd_total for a completed, priced request (P6).
func (r *Registry) AddCost(provider, model string, usd float64) {
	if usd > 0 {
		r.costUSDTotal.WithLabelValues(provider, model).Add(usd)
	}
}

// SetProviderAvailable emits the llm_edge_provider_available gauge.
func (r *Registry) SetProviderAvailable(provider string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	r.providerAvailable.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) SetPricingVersion(version string) {
	r.pricingVersion.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitState emits the llm_edge_circuit_state gauge (0=CLOSED,
// 1=HALF_OPEN, 2=OPEN) and increments a transition counter when the state
// changes.
func (r *Registry) SetCircuitState(provider string, state float64) {
	r.circuitState.WithLabelValues(provider).Set(state)

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != state {
		r.lastCBState[provider] = state
		r.cbTransitions.WithLabelValues(provider, strconv.FormatFloat(state, 'f', 0, 64)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler          { return r.metricsHandler }
func (r *Registry) PromRegistry() *prometheus.Registry         { return r.reg }
