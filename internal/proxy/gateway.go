// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, fingerprints it
// for the cache, consults the two-tier cache, routes it to a provider via the
// configured strategy, dispatches it (with bounded retry and circuit-breaker
// admission), and on a miss stores the response for future identical
// requests.
//
// Key design constraints:
//   - Proxy overhead on a cache hit stays off the provider hot path entirely.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - stream=true is rejected at validation (see spec Non-goals); it is not
//     wired into dispatch.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/cachekey"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/routing"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and routing
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig breaker.Config

	// RoutingStrategy selects the provider selection policy. Default:
	// routing.PriorityFailover.
	RoutingStrategy routing.Strategy

	// FallbackOrder is the priority/round-robin cycle order passed to the
	// routing engine. Default: providers.DefaultFallbackOrder.
	FallbackOrder []string

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored and
	// only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for newly stored cache entries.
	// Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider

	cacheMgr    *cache.Manager // nil disables caching entirely
	cachePolicy cachekey.Policy

	cb        *breaker.CircuitBreaker
	healthTr  *health.Tracker
	routing   *routing.Engine
	pricing   *pricing.Table
	prober    *HealthChecker // active background liveness probes

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. An empty slice and ["*"] both allow all origins.
	corsOrigins []string

	allowClientAPIKeys bool
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings and no cache.
func NewGateway(ctx context.Context, provs map[string]providers.Provider) *Gateway {
	return NewGatewayWithOptions(ctx, provs, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, routing
// strategy, or cache behavior.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	cacheMgr *cache.Manager,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	fallbackOrder := opts.FallbackOrder
	if len(fallbackOrder) == 0 {
		fallbackOrder = providers.DefaultFallbackOrder
	}

	cb := breaker.NewWithConfig(opts.CBConfig)
	healthTr := health.NewTracker()
	pricingTable := pricing.NewTable()

	descriptors := make([]routing.ProviderDescriptor, 0, len(provs))
	for name := range provs {
		descriptors = append(descriptors, routing.ProviderDescriptor{
			Name:            name,
			SupportedModels: modelsForProvider(name),
		})
	}

	strategy := opts.RoutingStrategy
	if strategy == "" {
		strategy = routing.PriorityFailover
	}
	engine := routing.NewEngine(strategy, fallbackOrder, descriptors, cb, healthTr, pricingTable)

	gw := &Gateway{
		providers:          provs,
		cacheMgr:           cacheMgr,
		cb:                 cb,
		healthTr:           healthTr,
		routing:            engine,
		pricing:            pricingTable,
		baseCtx:            baseCtx,
		log:                log,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
	}

	if gw.metrics != nil {
		for _, name := range fallbackOrder {
			gw.metrics.SetCircuitState(name, breaker.GaugeValue(cb.State(name)))
		}
		gw.metrics.SetPricingVersion(pricing.Version)
	}

	if len(provs) > 0 {
		gw.prober = NewHealthChecker(baseCtx, provs, gw.cacheReady, gw.metrics)
	}

	return gw
}

// modelsForProvider returns the set of models ModelAliases resolves to
// provider name, used to build the routing engine's static descriptors.
func modelsForProvider(provider string) map[string]struct{} {
	out := make(map[string]struct{})
	for model, p := range providers.ModelAliases {
		if p == provider {
			out[model] = struct{}{}
		}
	}
	return out
}

func (g *Gateway) cacheReady() bool {
	if g.cacheMgr == nil {
		return true
	}
	return g.cacheMgr.L2Healthy()
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache lookup and store.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundCachePolicy struct {
		Exclude               []string `json:"exclude"`
		AllowNonDeterministic bool     `json:"allow_non_deterministic"`
		OptOut                bool     `json:"opt_out"`
	}

	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string              `json:"model"`
		Messages    []inboundMessage    `json:"messages"`
		Stream      bool                `json:"stream"`
		Temperature float64             `json:"temperature"`
		MaxTokens   int                 `json:"max_tokens"`
		Metadata    map[string]string   `json:"metadata"`
		CachePolicy *inboundCachePolicy `json:"cache_policy"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	observabilityMetadata struct {
		Cached        bool    `json:"cached"`
		CacheTier     string  `json:"cache_tier"`
		Provider      string  `json:"provider"`
		LatencyMs     int64   `json:"latency_ms"`
		CostUSD       float64 `json:"cost_usd,omitempty"`
		RoutingReason string  `json:"routing_reason,omitempty"`
	}

	outboundResponse struct {
		ID                    string                `json:"id"`
		Object                string                `json:"object"`
		Created               int64                 `json:"created"`
		Model                 string                `json:"model"`
		Choices               []outboundChoice      `json:"choices"`
		Usage                 outboundUsage         `json:"usage"`
		ObservabilityMetadata observabilityMetadata `json:"observability_metadata"`
	}
)

func (p *inboundCachePolicy) toPolicy() cachekey.Policy {
	if p == nil {
		return cachekey.Policy{}
	}
	return cachekey.Policy{
		Exclude:               p.Exclude,
		AllowNonDeterministic: p.AllowNonDeterministic,
		OptOut:                p.OptOut,
	}
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	inputTokens, outputTokens := 0, 0
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	spanCtx, span := tracing.StartSpan(ctx, "proxy", "handle_chat_completions")
	span.SetAttributes(attribute.String("request_id", reqID))
	defer span.End()

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	span.SetAttributes(attribute.String("model", req.Model))

	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// Streaming is explicitly out of scope; reject rather than silently
	// buffering or dropping chunks.
	if req.Stream {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"stream=true is not supported",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	policy := req.CachePolicy.toPolicy()

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
	)

	if len(g.providers) == 0 {
		apierr.WriteProvidersUnavailable(ctx, "no providers configured")
		return
	}

	// 2. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Build the normalized ProxyRequest.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
	}

	// 4. Cache lookup — skip excluded models or an explicit opt-out.
	cacheEligible := g.cacheMgr != nil && !policy.OptOut &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))

	var key cachekey.Key
	if cacheEligible {
		key = cachekey.Compute(proxyReq, policy)
		if entry, tier := g.cacheMgr.Lookup(spanCtx, string(key)); tier != cache.TierNone {
			respBytes = g.writeCachedResponse(ctx, entry, tier, reqID, req.Model, start)
			inputTokens = entry.Usage.InputTokens
			outputTokens = entry.Usage.OutputTokens
			servedProvider = entry.OriginProvider
			return
		}
	}

	// 5. Route, dispatch (with bounded retry), and record the outcome against
	// the circuit breaker and health tracker.
	provCtx, cancel := context.WithTimeout(spanCtx, g.providerTimeout)
	defer cancel()

	resp, decision, err := g.route(provCtx, proxyReq, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		if _, ok := err.(*routing.ErrNoEligibleProvider); ok {
			apierr.WriteProvidersUnavailable(ctx, err.Error())
		} else {
			handleProviderError(ctx, err)
		}
		g.logRequest(reqID, decision.Primary.Name, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	servedProvider = decision.Primary.Name

	// 6. Build an OpenAI-compatible response envelope. Adapters map their
	// native stop-reason vocabulary onto ours; fall back to "stop" only if
	// the adapter left it unset.
	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	entry := cache.Entry{
		Content:        resp.Content,
		FinishReason:   finishReason,
		Usage:          resp.Usage,
		ModelUsed:      resp.Model,
		CreatedAt:      time.Now(),
		OriginProvider: servedProvider,
	}

	var costUSD float64
	if pe, ok := g.pricing.Lookup(servedProvider, resp.Model); ok {
		costUSD = pricing.CostUSD(pe, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		ObservabilityMetadata: observabilityMetadata{
			Cached:        false,
			CacheTier:     string(cache.TierNone),
			Provider:      servedProvider,
			LatencyMs:     time.Since(start).Milliseconds(),
			CostUSD:       costUSD,
			RoutingReason: string(decision.SelectedReason),
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 7. Store for future identical requests, subject to the cacheability gate.
	if cacheEligible && cachekey.Cacheable(finishReason, req.Temperature, policy, false) {
		g.cacheMgr.Store(spanCtx, string(key), entry, g.cacheTTL)
	}

	if g.metrics != nil {
		g.metrics.RecordRequest(servedProvider, resp.Model, fasthttp.StatusOK, time.Since(start))
		g.metrics.AddTokens(servedProvider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		g.metrics.AddCost(servedProvider, resp.Model, costUSD)
	}

	g.logRequest(reqID, servedProvider, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", servedProvider),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// writeCachedResponse replays a cache hit verbatim and returns the response
// body size for metrics.
func (g *Gateway) writeCachedResponse(ctx *fasthttp.RequestCtx, entry cache.Entry, tier cache.Tier, reqID, requestedModel string, start time.Time) int {
	finishReason := entry.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	out := outboundResponse{
		ID:      "cached-" + reqID,
		Object:  "chat.completion",
		Created: entry.CreatedAt.Unix(),
		Model:   entry.ModelUsed,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: entry.Content},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     entry.Usage.InputTokens,
			CompletionTokens: entry.Usage.OutputTokens,
			TotalTokens:      entry.Usage.InputTokens + entry.Usage.OutputTokens,
		},
		ObservabilityMetadata: observabilityMetadata{
			Cached:    true,
			CacheTier: string(tier),
			Provider:  entry.OriginProvider,
			LatencyMs: time.Since(start).Milliseconds(),
		},
	}

	body, _ := json.Marshal(out)

	g.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", reqID),
		slog.String("model", requestedModel),
		slog.String("tier", string(tier)),
	)

	if g.metrics != nil {
		g.metrics.RecordRequest(entry.OriginProvider, entry.ModelUsed, fasthttp.StatusOK, time.Since(start))
	}

	g.logRequest(reqID, entry.OriginProvider, entry.ModelUsed,
		entry.Usage.InputTokens, entry.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, true)

	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
	return len(body)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	statusCoder (including *providers.AdapterError) → apierr.WriteProviderError: 429 → 429, otherwise 502
//	all other errors                                 → 502 Bad Gateway
//
// *providers.AdapterError always implements statusCoder, so the timeout branch
// below is not reached for it and timed-out attempts are answered with 502.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	if sc, ok := err.(providers.StatusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if ae, ok := err.(*providers.AdapterError); ok && ae.Category == providers.CategoryTimeout {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}
