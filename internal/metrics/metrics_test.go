package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/resultmgr"
)

func subscribed(t *testing.T) *Metrics {
	t.Helper()
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	m := New()
	t.Cleanup(m.Subscribe(bus))
	return m
}

func TestErrorCounter(t *testing.T) {
	m := subscribed(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec, err := executor.New(executor.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	ctx := context.Background()

	failing := &plan.SingleExecutionPlan{RootExecutionNode: plan.NodeRef{Node: &plan.ErrorNode{Message: "boom"}}}
	r, err := exec.Execute(ctx, failing, nil, authz.Anonymous(), reqctx.New("", ""))
	require.NoError(t, err)
	w := httptest.NewRecorder()
	require.NoError(t, resultmgr.New(logger).ManageResult(ctx, w, nil, r, resultmgr.FormatPure, "execute"))

	unknown := &plan.SingleExecutionPlan{RootExecutionNode: plan.NodeRef{Node: &plan.UnknownNode{Type: "mystery"}}}
	_, err = exec.Execute(ctx, unknown, nil, authz.Anonymous(), reqctx.New("", ""))
	require.ErrorIs(t, err, executor.ErrUnsupportedNode)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("execute", CategoryExecution)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues(SourceExecutor, "validate")))
	require.Equal(t, 1, testutil.CollectAndCount(m.Plans))
	require.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestObservations(t *testing.T) {
	m := subscribed(t)
	ctx := context.Background()
	eventbus.Publish(ctx, events.HTTPFinish{Route: "/r", Format: "PURE", Status: 200, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.StoreExecute{StoreType: "Relational", Kind: "relational", Err: errors.New("x")})
	eventbus.Publish(ctx, events.GraphFetchBatch{Parents: 5, CacheHits: 2})

	require.Equal(t, 1, testutil.CollectAndCount(m.Requests))
	require.Equal(t, 1, testutil.CollectAndCount(m.Stores, "planexec_store_execute_duration_seconds"))
	require.Equal(t, 2.0, testutil.ToFloat64(m.GraphFetch.WithLabelValues("hit")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.GraphFetch.WithLabelValues("miss")))
}

func TestHandler(t *testing.T) {
	m := subscribed(t)
	eventbus.Publish(context.Background(), events.ResultError{EventType: "executePlan", Code: 20, Message: "x"})

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), `planexec_error_total{category="execution",source="executePlan"} 1`), w.Body.String())
}

func TestUnsubscribe(t *testing.T) {
	bus := eventbus.New()
	m := New()
	off := m.Subscribe(bus)
	off()
	require.Equal(t, 0, eventbus.Len[events.PlanRejected](bus))
	require.Zero(t, testutil.CollectAndCount(m.Errors))
}
