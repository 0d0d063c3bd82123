package conduit

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/albertbausili/conduit"

// Tracing starts a server span per exchange. The span context is carried by
// the ctx the handler receives, parented on any trace context the client
// sent.
type Tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracing creates the exchange tracer. nil arguments select the global
// provider and W3C trace context.
func NewTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) *Tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}
	return &Tracing{tracer: tp.Tracer(tracerName), propagator: prop}
}

// ExchangeStarted implements the exchange observer.
func (t *Tracing) ExchangeStarted(ctx context.Context, req *Request) context.Context {
	parent := t.propagator.Extract(ctx, &headerCarrier{headers: &req.Header})

	path := req.URI
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	spanCtx, span := t.tracer.Start(parent, req.Method+" "+path, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.URI),
		attribute.String("http.scheme", req.Scheme),
		attribute.String("http.host", req.Authority),
		attribute.String("http.flavor", req.Proto.String()),
		attribute.String("net.peer.addr", req.RemoteAddr),
		attribute.String("conduit.conn_id", req.ConnID),
		attribute.Int64("conduit.request_id", int64(req.ID)),
	)
	return spanCtx
}

// ExchangeFinished implements the exchange observer.
func (t *Tracing) ExchangeFinished(ctx context.Context, _ *Request, res Result) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.Int("http.status_code", res.Status),
		attribute.Int64("http.response_content_length", res.Written),
	)
	if res.Encoding != "" {
		span.SetAttributes(attribute.String("http.response_content_encoding", string(res.Encoding)))
	}
	if res.Upgraded {
		span.SetAttributes(attribute.Bool("conduit.upgraded", true))
	}

	switch {
	case res.Err != nil:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	case res.Status >= 500:
		span.SetStatus(codes.Error, "HTTP error")
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// headerCarrier adapts Header to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *Header
}

func (hc *headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc *headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*hc.headers))
	for _, h := range *hc.headers {
		keys = append(keys, h[0])
	}
	return keys
}
