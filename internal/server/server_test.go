package server

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/executor"
)

const constantPlan = `{"_type":"single","rootExecutionNode":{"_type":"constant","values":"hello"}}`

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	exec, err := executor.New(executor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h, err := New(exec, opts...)
	require.NoError(t, err)
	return h
}

func post(h http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		req.Header[k] = vs
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestExecutePlan(t *testing.T) {
	h := newTestHandler(t)
	w := post(h, RouteExecutePlan, constantPlan, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	want := `{"builder":{"_type":"dataType"},"values":"hello"}` + "\n"
	if diff := cmp.Diff(want, w.Body.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializationFormat(t *testing.T) {
	h := newTestHandler(t)

	w := post(h, RouteExecutePlan+"?serializationFormat=DEFAULT", constantPlan, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `"hello"`+"\n", w.Body.String())

	w = post(h, RouteExecutePlan+"?serializationFormat=XML", constantPlan, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteWithParameters(t *testing.T) {
	h := newTestHandler(t)
	body := `{
	  "plan": {"_type":"single","rootExecutionNode":{
	    "_type":"freeMarkerConditionalExecutionNode",
	    "freeMarkerBooleanExpression":"{{.flag}}",
	    "trueBlock":{"_type":"constant","values":"yes"},
	    "falseBlock":{"_type":"constant","values":"no"}}},
	  "parameters": {"flag": true}
	}`
	w := post(h, RouteExecute+"?serializationFormat=JSON", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, `"yes"`+"\n", w.Body.String())

	w = post(h, RouteExecute, `{"parameters":{}}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdentityFromHeader(t *testing.T) {
	h := newTestHandler(t)
	p := `{"_type":"single","rootExecutionNode":{
	  "_type":"freeMarkerConditionalExecutionNode",
	  "freeMarkerBooleanExpression":"{{eq .userId \"bob\"}}",
	  "trueBlock":{"_type":"constant","values":"bob"},
	  "falseBlock":{"_type":"constant","values":"someone else"}}}`

	w := post(h, RouteExecutePlan+"?serializationFormat=JSON", p, http.Header{HeaderUser: {"bob"}})
	require.Equal(t, `"bob"`+"\n", w.Body.String())

	w = post(h, RouteExecutePlan+"?serializationFormat=JSON", p, nil)
	require.Equal(t, `"someone else"`+"\n", w.Body.String())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		plan   string
		status int
		want   string
	}{
		{
			name:   "error node uses legacy code",
			plan:   `{"_type":"single","rootExecutionNode":{"_type":"errorExecutionNode","message":"boom"}}`,
			status: http.StatusInternalServerError,
			want:   `{"code":20,"message":"boom"}` + "\n",
		},
		{
			name:   "custom codes",
			opts:   []Option{WithCustomErrorCodes()},
			plan:   `{"_type":"single","rootExecutionNode":{"_type":"errorExecutionNode","message":"boom"}}`,
			status: http.StatusInternalServerError,
			want:   `{"code":1,"message":"boom"}` + "\n",
		},
		{
			name:   "unsupported node",
			plan:   `{"_type":"single","rootExecutionNode":{"_type":"mystery"}}`,
			status: http.StatusInternalServerError,
			want:   `{"code":20,"message":"Unsupported execution node type 'mystery'"}` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(newTestHandler(t, tt.opts...), RouteExecutePlan, tt.plan, nil)
			require.Equal(t, tt.status, w.Code)
			if diff := cmp.Diff(tt.want, w.Body.String()); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestZlibBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(constantPlan))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, RouteExecutePlan+"?serializationFormat=JSON", &buf)
	req.Header.Set("Content-Type", "application/zlib")
	w := httptest.NewRecorder()
	newTestHandler(t).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, `"hello"`+"\n", w.Body.String())

	req = httptest.NewRequest(http.MethodPost, RouteExecutePlan, strings.NewReader("not zlib"))
	req.Header.Set("Content-Type", "application/zlib")
	w = httptest.NewRecorder()
	newTestHandler(t).ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestLimits(t *testing.T) {
	h := newTestHandler(t, WithMaxBodyBytes(10))
	w := post(h, RouteExecutePlan, constantPlan, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req := httptest.NewRequest(http.MethodGet, RouteExecutePlan, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodPost, RouteExecutePlan, strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, WithCORS("https://example.com"))

	req := httptest.NewRequest(http.MethodOptions, RouteExecutePlan, nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "POST,OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))

	w = post(h, RouteExecutePlan, constantPlan, http.Header{"Origin": {"https://evil.example"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPEvents(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	var starts int
	var finish events.HTTPFinish
	eventbus.On(bus, func(_ context.Context, e events.HTTPStart) { starts++ })
	eventbus.On(bus, func(_ context.Context, e events.HTTPFinish) { finish = e })

	w := post(newTestHandler(t), RouteExecutePlan+"?serializationFormat=CSV", constantPlan, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, starts)
	require.Equal(t, RouteExecutePlan, finish.Route)
	require.Equal(t, "CSV", finish.Format)
	require.Equal(t, http.StatusOK, finish.Status)
}
