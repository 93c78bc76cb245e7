package otel

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/store"
)

func TestSpansNest(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	t.Cleanup(Subscribe(bus, tp.Tracer("test")))

	mock := store.NewMockExecutor("Relational", map[plan.NodeKind]store.MockHandler{
		plan.KindRelational: store.NewMockValue([]any{map[string]any{"id": 1}}),
	})
	exec, err := executor.New(executor.WithStores(mock), executor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	root := &plan.SequenceNode{NodeBase: plan.NodeBase{ExecutionNodes: plan.Nodes{&plan.RelationalNode{}}}}
	p := &plan.SingleExecutionPlan{RootExecutionNode: plan.NodeRef{Node: root}}
	r, err := exec.Execute(context.Background(), p, nil, authz.NewIdentity("alice"), reqctx.New("", ""))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = s
	}
	require.Len(t, byName, 4)
	planSpan := byName["plan.execute"]
	seq := byName["node sequence"]
	rel := byName["node relational"]
	st := byName["store.execute"]
	require.NotNil(t, planSpan)
	require.NotNil(t, st)

	require.Equal(t, planSpan.SpanContext().SpanID(), seq.Parent().SpanID())
	require.Equal(t, seq.SpanContext().SpanID(), rel.Parent().SpanID())
	require.Equal(t, rel.SpanContext().SpanID(), st.Parent().SpanID())
	require.Equal(t, planSpan.SpanContext().TraceID(), st.SpanContext().TraceID())
}

func TestRejectedPlan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	t.Cleanup(Subscribe(bus, tp.Tracer("test")))

	exec, err := executor.New(executor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	p := &plan.SingleExecutionPlan{RootExecutionNode: plan.NodeRef{Node: &plan.UnknownNode{Type: "mystery"}}}
	_, err = exec.Execute(context.Background(), p, nil, nil, nil)
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "plan.rejected", spans[0].Name())
	require.Equal(t, "Unsupported execution node type 'mystery'", spans[0].Status().Description)
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup("", "planexec")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
