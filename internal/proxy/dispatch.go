package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/routing"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
)

// route asks the routing engine for a primary + fallback candidate list for
// req.Model, then walks the candidates in order, skipping any whose circuit
// breaker denies admission, until one succeeds or the list is exhausted.
// Each attempt is itself retried with bounded backoff by
// providers.RequestWithRetry before being treated as a failure here.
//
// Every admitted attempt's outcome is recorded against both the circuit
// breaker (trip/reset decisions) and the health tracker (latency
// percentiles feeding the lowest_latency strategy) before the loop moves to
// the next candidate.
func (g *Gateway) route(ctx context.Context, req *providers.ProxyRequest, httpRoute string) (*providers.ProxyResponse, routing.Decision, error) {
	estimatedInputTokens := estimateInputTokens(req)

	_, routeSpan := tracing.StartSpan(ctx, "routing", "routing_decision")
	decision, err := g.routing.Route(req.Model, estimatedInputTokens, req.MaxTokens)
	routeSpan.End()
	if err != nil {
		return nil, routing.Decision{}, err
	}

	candidates := append([]routing.ProviderDescriptor{decision.Primary}, decision.Fallbacks...)

	var lastErr error
	for i, d := range candidates {
		prov, ok := g.providers[d.Name]
		if !ok {
			continue
		}

		if !g.cb.Allow(d.Name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", d.Name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(d.Name, g.cb.StateLabel(d.Name))
			}
			continue
		}

		attemptCtx, attemptSpan := tracing.StartSpan(ctx, "proxy", "provider_request")
		_, sendSpan := tracing.StartSpan(attemptCtx, "proxy", "http_send")
		attemptStart := time.Now()
		resp, err := providers.RequestWithRetry(attemptCtx, prov, req)
		dur := time.Since(attemptStart)
		sendSpan.End()
		attemptSpan.End()

		if err == nil {
			g.cb.RecordSuccess(d.Name)
			g.healthTr.RecordSuccess(d.Name, dur)
			if g.metrics != nil {
				g.metrics.SetCircuitState(d.Name, breaker.GaugeValue(g.cb.State(d.Name)))
				g.metrics.ObserveUpstreamAttempt(d.Name, httpRoute, "success", dur)
			}
			if i > 0 {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", decision.Primary.Name),
					slog.String("to", d.Name),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(decision.Primary.Name, d.Name)
				}
			}
			decision.Primary = d
			return resp, decision, nil
		}

		g.cb.RecordFailure(d.Name)
		g.healthTr.RecordFailure(d.Name, dur)

		category := providers.ClassifyError(err)
		if g.metrics != nil {
			g.metrics.SetCircuitState(d.Name, breaker.GaugeValue(g.cb.State(d.Name)))
			g.metrics.ObserveUpstreamAttempt(d.Name, httpRoute, string(category), dur)
			g.metrics.RecordError(d.Name, string(category))
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", d.Name),
			slog.String("category", string(category)),
			slog.String("error", err.Error()),
		)

		lastErr = err
		if i+1 < len(candidates) && g.metrics != nil {
			g.metrics.RecordFailover(decision.Primary.Name, d.Name, candidates[i+1].Name, string(category))
		}
		if !providers.IsRetryable(category) {
			break
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(decision.Primary.Name)
	}
	if lastErr == nil {
		lastErr = &routing.ErrNoEligibleProvider{Model: req.Model}
	}
	return nil, decision, lastErr
}

// estimateInputTokens gives the lowest_cost strategy a cheap token estimate
// (≈4 characters per token) without invoking a provider-specific tokenizer.
func estimateInputTokens(req *providers.ProxyRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens := chars / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
