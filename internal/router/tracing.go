package router

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "dk-server")
	TracerName string
	// SkipPaths lists paths to skip tracing
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
	// Provider overrides the global tracer provider
	Provider trace.TracerProvider
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "dk-server",
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that opens one server span per request and
// continues any trace context carried in the request headers.
func Tracing(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "dk-server"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.Provider == nil {
		config.Provider = otel.GetTracerProvider()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := config.Provider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request) Response {
			if skipMap[req.Path] {
				return next.Serve(req)
			}

			parent := config.Propagator.Extract(req.Context(), headerCarrier{req})
			ctx, span := tracer.Start(parent, req.Method+" "+req.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.target", req.Path),
				attribute.String("http.flavor", req.Proto),
				attribute.Int("http.request_content_length", len(req.Body)),
			)

			resp := next.Serve(req.WithContext(ctx))

			span.SetAttributes(
				attribute.Int("http.status_code", resp.Status),
				attribute.Int("http.response_content_length", len(resp.Body)),
			)
			if resp.Status >= 500 {
				span.SetStatus(codes.Error, "HTTP error")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp
		})
	}
}

// headerCarrier adapts request headers to propagation.TextMapCarrier.
// Injection is not supported: Set is a no-op.
type headerCarrier struct {
	req *Request
}

func (hc headerCarrier) Get(key string) string {
	return hc.req.Header(key)
}

func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.req.Headers))
	for _, h := range hc.req.Headers {
		keys = append(keys, h.Name)
	}
	return keys
}
