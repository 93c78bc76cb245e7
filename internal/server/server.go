package server

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/resultmgr"
)

// Routes served by Handler.
const (
	RouteExecutePlan = "/api/pure/v1/execution/executePlan"
	RouteExecute     = "/api/pure/v1/execution/execute"
)

// Headers read from incoming requests.
const (
	HeaderUser      = "X-Planexec-User"
	HeaderSession   = "X-Planexec-Session"
	HeaderReferer   = "Referer"
	HeaderRequestID = "X-Request-Id"
)

// Handler is an http.Handler that executes plans posted to it.
type Handler struct {
	exec    *executor.Executor
	results *resultmgr.Manager
	logger  *slog.Logger
	opt     Options
	mux     *http.ServeMux
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the (inflated) request body. 0 means
	// unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// CustomErrorCodes reports the code carried by error results instead of
	// the legacy code 20.
	CustomErrorCodes bool

	// Identify maps a request to the identity the plan runs as. The default
	// reads HeaderUser and falls back to the anonymous identity.
	Identify func(*http.Request) *authz.Identity

	Logger *slog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithCustomErrorCodes() Option { return func(o *Options) { o.CustomErrorCodes = true } }
func WithIdentify(f func(*http.Request) *authz.Identity) Option {
	return func(o *Options) { o.Identify = f }
}
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a handler serving RouteExecutePlan and RouteExecute.
func New(exec *executor.Executor, opts ...Option) (*Handler, error) {
	if exec == nil {
		return nil, errors.New("server: nil executor")
	}
	op := Options{Timeout: 30 * time.Second, Identify: identifyFromHeader}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	h := &Handler{
		exec:    exec,
		results: resultmgr.New(op.Logger, resultmgr.WithPretty(op.Pretty)),
		logger:  op.Logger.With("component", "server"),
		opt:     op,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc(RouteExecutePlan, h.route(RouteExecutePlan, h.executePlan))
	h.mux.HandleFunc(RouteExecute, h.route(RouteExecute, h.execute))
	return h, nil
}

func identifyFromHeader(r *http.Request) *authz.Identity {
	if u := r.Header.Get(HeaderUser); u != "" {
		return authz.NewIdentity(u)
	}
	return authz.Anonymous()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// statusWriter remembers the status code written.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

type routeFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, format resultmgr.Format)

func (h *Handler) route(name string, fn routeFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
			defer cancel()
		}
		rc := reqctx.WithToken(r.Header.Get(HeaderSession), r.Header.Get(HeaderReferer), r.Header.Get(HeaderRequestID))
		ctx = reqctx.NewContext(ctx, rc)
		// a client going away cancels running statements
		defer context.AfterFunc(ctx, rc.Cancel)()
		w := &statusWriter{ResponseWriter: rw}
		w.Header().Set(HeaderRequestID, rc.RequestToken())
		start := time.Now()
		format := resultmgr.FormatPure
		eventbus.Publish(ctx, events.HTTPStart{Request: r, Route: name})
		defer func() {
			eventbus.Publish(ctx, events.HTTPFinish{Request: r, Route: name, Format: string(format), Status: w.status, Duration: time.Since(start)})
		}()

		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			h.fail(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		f, err := resultmgr.ParseFormat(r.URL.Query().Get("serializationFormat"))
		if err != nil {
			h.fail(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
		body, status, err := readBody(r, h.opt.MaxBodyBytes)
		if err != nil {
			h.fail(ctx, w, status, err.Error())
			return
		}
		fn(ctx, w, r, body, format)
	}
}

func (h *Handler) executePlan(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, format resultmgr.Format) {
	p, err := plan.Decode(body)
	if err != nil {
		h.fail(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(ctx, w, r, p, nil, format)
}

// ExecuteInput is the body of RouteExecute.
type ExecuteInput struct {
	Plan       json.RawMessage `json:"plan"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

func (h *Handler) execute(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, format resultmgr.Format) {
	var in ExecuteInput
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		h.fail(ctx, w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(in.Plan) == 0 {
		h.fail(ctx, w, http.StatusBadRequest, "missing 'plan'")
		return
	}
	p, err := plan.Decode(in.Plan)
	if err != nil {
		h.fail(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(ctx, w, r, p, normalizeParams(in.Parameters), format)
}

func (h *Handler) run(ctx context.Context, w http.ResponseWriter, r *http.Request, p plan.ExecutionPlan, params map[string]any, format resultmgr.Format) {
	rc := reqctx.FromContext(ctx)
	res, err := h.exec.Execute(ctx, p, params, h.opt.Identify(r), rc)
	if err != nil {
		h.logger.Warn("execution rejected", "request", rc.RequestToken(), "error", err)
		if werr := h.results.WriteError(ctx, w, resultmgr.LegacyErrorCode, err.Error(), "executePlan"); werr != nil {
			h.logger.Warn("write response", "error", werr)
		}
		return
	}
	manage := h.results.ManageResult
	if h.opt.CustomErrorCodes {
		manage = h.results.ManageResultWithCustomErrorCode
	}
	if err := manage(ctx, w, nil, res, format, "executePlan"); err != nil {
		h.logger.Warn("write response", "request", rc.RequestToken(), "error", err)
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.logger.Warn("bad request", "status", status, "message", message)
	writeJSON(w, status, resultmgr.ErrorBody{Code: resultmgr.LegacyErrorCode, Message: message}, h.opt.Pretty)
}

// normalizeParams turns JSON numbers into int64 or float64.
func normalizeParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeNumber(v)
	}
	return out
}

func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, x := range t {
			t[i] = normalizeNumber(x)
		}
		return t
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeNumber(x)
		}
		return t
	}
	return v
}

// ------------------ Request parsing ------------------

const errBodyTooLargeMessage = "body too large"

// readBody reads the request body, inflating application/zlib bodies.
func readBody(r *http.Request, maxBody int64) ([]byte, int, error) {
	defer r.Body.Close()
	var reader io.Reader = r.Body
	ct := r.Header.Get("Content-Type")
	switch {
	case startsWith(ct, "application/zlib"):
		zr, err := zlib.NewReader(r.Body)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid zlib body: %w", err)
		}
		defer zr.Close()
		reader = zr
	case ct == "" || startsWith(ct, "application/json"):
	default:
		return nil, http.StatusUnsupportedMediaType, errors.New("unsupported Content-Type")
	}
	if maxBody > 0 {
		reader = io.LimitReader(reader, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to read body")
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, http.StatusRequestEntityTooLarge, errors.New(errBodyTooLargeMessage)
	}
	return body, 0, nil
}

// ------------------ Response formatting ------------------

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func startsWith(s, prefix string) bool { return strings.HasPrefix(s, prefix) }

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
