package otel

import (
	"context"
	"sync"
	"time"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/reqctx"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Subscribe(eventbus.Current(), tp.Tracer("planexec"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Subscribe records spans for the events published on b. Spans nest as
// http.request > plan.execute > node > store.execute or service.call.
func Subscribe(b *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	s := &subscriber{tracer: tracer}
	return s.register(b)
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // request token -> trace.Span
	planSpans sync.Map // request token -> trace.Span
	nodeSpans sync.Map // node seq -> trace.Span
}

func (s *subscriber) parentOf(ctx context.Context, token string, node uint64) context.Context {
	if v, ok := s.nodeSpans.Load(node); ok && node != 0 {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.planSpans.Load(token); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(token); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(b *eventbus.Bus) func() {
	offs := []func(){
		eventbus.On(b, func(ctx context.Context, e events.HTTPStart) {
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.String("http.route", e.Route),
			)
			s.httpSpans.Store(reqctx.Token(ctx), span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.HTTPFinish) {
			v, ok := s.httpSpans.LoadAndDelete(reqctx.Token(ctx))
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(e.Status),
				attribute.String("planexec.serialization_format", e.Format),
			)
			span.End()
		}),

		eventbus.On(b, func(ctx context.Context, e events.PlanStart) {
			_, span := s.tracer.Start(s.parentOf(ctx, e.RequestToken, 0), "plan.execute")
			span.SetAttributes(
				attribute.String("planexec.request_token", e.RequestToken),
				attribute.String("planexec.plan_kind", e.PlanKind),
				attribute.String("planexec.identity", e.Identity),
				attribute.Int("planexec.nodes", e.Nodes),
			)
			s.planSpans.Store(e.RequestToken, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.PlanFinish) {
			v, ok := s.planSpans.LoadAndDelete(e.RequestToken)
			if !ok {
				return
			}
			span := v.(trace.Span)
			if e.Failed {
				span.SetAttributes(attribute.Int("planexec.error_code", e.Code))
			}
			end(span, e.Err)
		}),

		eventbus.On(b, func(ctx context.Context, e events.PlanRejected) {
			_, span := s.tracer.Start(s.parentOf(ctx, e.RequestToken, 0), "plan.rejected")
			span.SetAttributes(attribute.String("planexec.stage", e.Stage))
			end(span, e.Err)
		}),

		eventbus.On(b, func(ctx context.Context, e events.NodeStart) {
			_, span := s.tracer.Start(s.parentOf(ctx, e.RequestToken, e.Parent), "node "+e.Kind)
			span.SetAttributes(
				attribute.String("planexec.node_kind", e.Kind),
				attribute.Int("planexec.depth", e.Depth),
			)
			s.nodeSpans.Store(e.Seq, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.NodeFinish) {
			v, ok := s.nodeSpans.LoadAndDelete(e.Seq)
			if !ok {
				return
			}
			end(v.(trace.Span), e.Err)
		}),

		// store and service spans are recorded once they are over
		eventbus.On(b, func(ctx context.Context, e events.StoreExecute) {
			start := time.Now().Add(-e.Duration)
			_, span := s.tracer.Start(s.parentOf(ctx, e.RequestToken, e.Node), "store.execute", trace.WithTimestamp(start))
			span.SetAttributes(
				attribute.String("planexec.store", e.StoreType),
				attribute.String("planexec.node_kind", e.Kind),
			)
			if e.ConnectionKey != "" {
				span.SetAttributes(attribute.String("planexec.connection", e.ConnectionKey))
			}
			end(span, e.Err)
		}),

		eventbus.On(b, func(ctx context.Context, e events.ServiceCallFinish) {
			start := time.Now().Add(-e.Duration)
			parent := s.parentOf(ctx, reqctx.Token(ctx), executor.NodeSeq(ctx))
			_, span := s.tracer.Start(parent, "service.call", trace.WithTimestamp(start), trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				semconv.RPCServiceKey.String(e.Service),
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
				attribute.String("grpc.code", e.Code.String()),
			)
			end(span, e.Err)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
