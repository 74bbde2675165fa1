// Package tracing configures OpenTelemetry for the relay.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// AttrRoute is the span attribute carrying the request route. The sampler
// reads it to drop high-frequency operational endpoints.
const AttrRoute = "http.route"

// untracedRoutes are polled by monitoring and never sampled.
var untracedRoutes = map[string]struct{}{
	"/health":             {},
	"/status":             {},
	"/metrics":            {},
	"/metrics/prometheus": {},
}

// Provider wraps the tracer provider and the propagator used for commands.
type Provider struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Config configures tracing.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // empty disables export; spans are still created for propagation
}

// NewProvider builds a tracer provider. An OTLP HTTP exporter is attached when
// an endpoint is configured.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "build-relay"
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(RouteSampler(sdktrace.ParentBased(sdktrace.AlwaysSample()))),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(strings.TrimPrefix(strings.TrimPrefix(cfg.OTLPEndpoint, "http://"), "https://")),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)

	return &Provider{
		provider:   provider,
		tracer:     provider.Tracer(cfg.ServiceName),
		propagator: propagator,
	}, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Tracer returns the relay tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Inject writes the trace context of ctx into a string map suitable for a
// command's trace fields. It returns nil when ctx carries no span.
func (p *Provider) Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	p.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Middleware starts a server span per request. Operational routes are marked
// so the sampler drops them.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := p.tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String(AttrRoute, route),
					attribute.String("http.method", req.Method),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil || status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprint(err))
			}
			return err
		}
	}
}

type routeSampler struct {
	next sdktrace.Sampler
}

// RouteSampler never samples spans for operational routes and delegates all
// other decisions to next.
func RouteSampler(next sdktrace.Sampler) sdktrace.Sampler {
	return routeSampler{next: next}
}

func (s routeSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == AttrRoute {
			if _, skip := untracedRoutes[attr.Value.AsString()]; skip {
				return sdktrace.SamplingResult{
					Decision:   sdktrace.Drop,
					Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
				}
			}
		}
	}
	return s.next.ShouldSample(params)
}

func (s routeSampler) Description() string {
	return "RouteSampler{" + s.next.Description() + "}"
}
