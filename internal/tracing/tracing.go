// Package tracing wraps OTel SDK setup for request spans.
//
// When tracing is disabled, no exporter is created and the global tracer
// provider remains the OTel noop implementation, so span calls throughout
// the gateway stay cheap no-ops.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// Providers holds the OTel SDK TracerProvider. When tracing is disabled,
// tp is nil and Shutdown is a no-op.
type Providers struct {
	tp tracerProvider
}

// tracerProvider is the subset of *sdktrace.TracerProvider this package
// depends on, kept narrow so tests can supply a fake without pulling in the
// SDK's batching/export machinery.
type tracerProvider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

// Init installs the global OTel tracer provider per cfg. When cfg.Enabled is
// false it returns a noop Providers without dialing the collector.
func Init(cfg config.TracingConfig, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Enabled {
		log.Info("tracing disabled, using noop provider")
		return &Providers{}, nil
	}

	tp, err := newGRPCTracerProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	otel.SetTracerProvider(tp)

	log.Info("tracing initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.String("service_name", cfg.ServiceName),
		slog.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp}, nil
}

// Shutdown flushes pending spans and closes the exporter. Safe to call on a
// noop Providers (nil tp) or a nil *Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return errors.Join(fmt.Errorf("shutdown tracer provider: %w", err))
	}
	return nil
}

// Tracer returns a named tracer from the global provider — a noop tracer
// when tracing was never initialized.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// StartSpan is a thin convenience wrapper: start a span named `name` under
// tracer `component`, passing the given start options through. It attaches
// no attributes of its own.
func StartSpan(ctx context.Context, component, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, name, attrs...)
}
