package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/routing"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
)

// initTracing installs the global OTel tracer provider. When tracing is
// disabled this is a cheap no-op — span calls throughout the gateway fall
// back to the OTel noop implementation.
func (a *App) initTracing(_ context.Context) error {
	t, err := tracing.Init(a.cfg.Tracing, a.log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.tracer = t
	return nil
}

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map and fails when no provider API key
// is configured. Config validation already rejects that case unless client
// API keys are allowed.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices builds the two-tier cache manager and the Prometheus metrics
// registry.
func (a *App) initServices(ctx context.Context) error {
	var l1 *npCache.MemoryCache
	var l2 *npCache.RemoteCache

	switch a.cfg.Cache.Mode {
	case "redis":
		var err error
		l1, err = npCache.NewMemoryCache(
			npCache.WithMaxEntries(a.cfg.Cache.L1MaxEntries),
			npCache.WithDefaultTTL(a.cfg.Cache.TTL),
		)
		if err != nil {
			return fmt.Errorf("l1 cache: %w", err)
		}
		l2 = npCache.NewRemoteCacheFromClient(a.rdb)
		a.log.Info("cache backend: memory (L1) + redis (L2)")

	case "memory":
		var err error
		l1, err = npCache.NewMemoryCache(
			npCache.WithMaxEntries(a.cfg.Cache.L1MaxEntries),
			npCache.WithDefaultTTL(a.cfg.Cache.TTL),
		)
		if err != nil {
			return fmt.Errorf("l1 cache: %w", err)
		}
		a.log.Info("cache backend: memory (L1 only)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if l1 != nil {
		a.cacheMgr = npCache.NewManager(l1, l2, npCache.WithMetrics(a.prom))
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, a.cfg.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		RoutingStrategy:    routing.Strategy(a.cfg.Routing.Strategy),
		FallbackOrder:      providers.DefaultFallbackOrder,
		CBConfig: breaker.Config{
			ErrorThreshold:   a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:       a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout:  a.cfg.CircuitBreaker.HalfOpenTimeout,
			SuccessThreshold: a.cfg.CircuitBreaker.SuccessThreshold,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, a.cacheMgr, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — always on; ClickHouse persistence within it is
	// conditional on a configured DSN (see internal/logger).
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{}
	if a.cfg.EnableMetrics {
		a.mgmt.Metrics = a.prom.Handler()
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
