// Package resultmgr writes execution results to HTTP responses.
//
// Error results are answered with status 500 and a JSON body
// {"code": ..., "message": ...}. ManageResult reports every error with the
// legacy code 20, which existing clients match on; use
// ManageResultWithCustomErrorCode to expose the code the error carries.
// The result is always closed.
package resultmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/result"
)

// LegacyErrorCode is the code ManageResult reports for every error result.
const LegacyErrorCode = 20

// Format selects a serializer.
type Format string

const (
	// FormatPure wraps values with their builder.
	FormatPure Format = "PURE"
	// FormatJSON writes the bare values.
	FormatJSON Format = "DEFAULT"
	FormatCSV  Format = "CSV"
	// FormatRaw passes streams through untouched.
	FormatRaw Format = "RAW"
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("resultmgr: unknown serialization format")

// ParseFormat reads a serializationFormat query value. The empty string is
// FormatPure. JSON is accepted for FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(FormatPure):
		return FormatPure, nil
	case string(FormatJSON), "JSON":
		return FormatJSON, nil
	case string(FormatCSV):
		return FormatCSV, nil
	case string(FormatRaw):
		return FormatRaw, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ErrorBody is the JSON body of an error response.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Manager writes results. The zero value is not usable; use New.
type Manager struct {
	logger *slog.Logger
	pretty bool
}

type Option func(*Manager)

// WithPretty indents JSON output.
func WithPretty(b bool) Option { return func(m *Manager) { m.pretty = b } }

func New(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger.With("component", "resultmgr")}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ManageResult writes r in format. Error results are written with status
// 500 and LegacyErrorCode.
func (m *Manager) ManageResult(ctx context.Context, w http.ResponseWriter, extraHeaders http.Header, r result.Result, format Format, eventType string) error {
	return m.manage(ctx, w, extraHeaders, r, format, eventType, false)
}

// ManageResultWithCustomErrorCode is ManageResult keeping the code carried
// by error results.
func (m *Manager) ManageResultWithCustomErrorCode(ctx context.Context, w http.ResponseWriter, extraHeaders http.Header, r result.Result, format Format, eventType string) error {
	return m.manage(ctx, w, extraHeaders, r, format, eventType, true)
}

func (m *Manager) manage(ctx context.Context, w http.ResponseWriter, extraHeaders http.Header, r result.Result, format Format, eventType string, customCode bool) error {
	defer func() {
		if err := r.Close(); err != nil {
			m.logger.Warn("close result", "event", eventType, "error", err)
		}
	}()
	for k, vs := range extraHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if er, ok := r.(*result.ErrorResult); ok {
		code := LegacyErrorCode
		if customCode {
			code = er.Code
		}
		return m.WriteError(ctx, w, code, er.Message, eventType)
	}
	return m.serialize(ctx, w, r, format)
}

// WriteError writes a 500 error response and reports it.
func (m *Manager) WriteError(ctx context.Context, w http.ResponseWriter, code int, message, eventType string) error {
	eventbus.Publish(ctx, events.ResultError{EventType: eventType, Code: code, Message: message})
	m.logger.Error("execution error", "event", eventType, "code", code, "message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	return m.encode(w, ErrorBody{Code: code, Message: message})
}

func (m *Manager) encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if m.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (m *Manager) serialize(ctx context.Context, w http.ResponseWriter, r result.Result, format Format) error {
	switch format {
	case FormatRaw:
		return m.writeRaw(ctx, w, r)
	case FormatCSV:
		return m.writeCSV(ctx, w, r)
	case FormatJSON:
		return m.writeJSON(ctx, w, r, false)
	default:
		return m.writeJSON(ctx, w, r, true)
	}
}
