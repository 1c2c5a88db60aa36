package libhttp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry
// tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "libhttp").
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g. health checks).
	SkipPaths []string
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "libhttp",
		SkipPaths:  []string{"/health", "/metrics"},
	}
}

// Tracing returns a middleware that opens an OpenTelemetry span per
// request.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a tracing middleware with explicit settings.
// Spans use whatever tracer provider is registered globally; without one
// the middleware is inert.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "libhttp"
	}

	skip := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = true
	}

	tracer := otel.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return func(req *Request) (*Response, error) {
			if skip[req.Path] {
				return next(req)
			}

			_, span := tracer.Start(context.Background(), req.Method+" "+req.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.target", req.Path),
				),
			)
			defer span.End()

			resp, err := next(req)

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case resp != nil:
				span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
				if resp.StatusCode >= 500 {
					span.SetStatus(codes.Error, "")
				}
			}
			return resp, err
		}
	}
}
