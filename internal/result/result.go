// Package result holds the closed set of values a plan execution produces.
// Results that own resources release them, and every closeable attached to
// them, on the first Close call.
package result

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Result is one of the variant types in this package.
type Result interface {
	io.Closer
	isResult()
}

// Owner is a result that accepts extra closeables.
type Owner interface {
	Result
	AddCloser(io.Closer)
}

// DefaultErrorCode is the code given to errors that carry none.
const DefaultErrorCode = 1

// Coded is implemented by errors that carry a numeric code.
type Coded interface {
	ErrorCode() int
}

// ErrorResult is a failed execution. It holds no resources.
type ErrorResult struct {
	Code    int
	Message string
	Trace   string
}

// NewError returns an ErrorResult with the given code.
func NewError(code int, message string) *ErrorResult {
	return &ErrorResult{Code: code, Message: message}
}

// FromError converts err, keeping its code when it has one.
func FromError(err error) *ErrorResult {
	var er *ErrorResult
	if errors.As(err, &er) {
		return er
	}
	code := DefaultErrorCode
	var c Coded
	if errors.As(err, &c) {
		code = c.ErrorCode()
	}
	return &ErrorResult{Code: code, Message: err.Error(), Trace: fmt.Sprintf("%+v", err)}
}

func (e *ErrorResult) Error() string  { return e.Message }
func (e *ErrorResult) ErrorCode() int { return e.Code }
func (*ErrorResult) Close() error     { return nil }
func (*ErrorResult) isResult()        {}

// ConstantResult is an in-memory value.
type ConstantResult struct {
	closer
	Value any
}

func NewConstant(v any) *ConstantResult { return &ConstantResult{Value: v} }
func (*ConstantResult) isResult()       {}

// StreamResult wraps a byte stream produced by a store.
type StreamResult struct {
	closer
	Stream  io.ReadCloser
	Builder Builder
}

// NewStream returns a result owning stream and extras.
func NewStream(stream io.ReadCloser, b Builder, extras ...io.Closer) *StreamResult {
	r := &StreamResult{Stream: stream, Builder: b}
	r.primary = stream.Close
	for _, x := range extras {
		r.AddCloser(x)
	}
	return r
}

func (*StreamResult) isResult() {}

// ClassInstancesResult holds materialised objects, usually graph fetch output.
type ClassInstancesResult struct {
	closer
	Objects []any
	Builder Builder
}

func NewClassInstances(objects []any, b Builder) *ClassInstancesResult {
	return &ClassInstancesResult{Objects: objects, Builder: b}
}

func (*ClassInstancesResult) isResult() {}

// ObjectIterator yields objects one at a time.
type ObjectIterator interface {
	Next() bool
	Object() any
	Err() error
	Close() error
}

// StreamingObjectResult yields objects from a live store cursor.
type StreamingObjectResult struct {
	closer
	Iter    ObjectIterator
	Builder Builder
}

func NewStreamingObjects(it ObjectIterator, b Builder, extras ...io.Closer) *StreamingObjectResult {
	r := &StreamingObjectResult{Iter: it, Builder: b}
	r.primary = it.Close
	for _, x := range extras {
		r.AddCloser(x)
	}
	return r
}

func (*StreamingObjectResult) isResult() {}

// Cursor is a document store cursor.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// CursorResult is backed by a document store cursor. No built-in store
// produces it: Mongo and Elasticsearch nodes run through an
// executor.ExtraExecutor, which returns a CursorResult so that realisation,
// serialization and closing work as for the other variants.
type CursorResult struct {
	closer
	Cursor  Cursor
	Builder Builder
}

func NewCursor(c Cursor, b Builder, extras ...io.Closer) *CursorResult {
	r := &CursorResult{Cursor: c, Builder: b}
	r.primary = func() error { return c.Close(context.Background()) }
	for _, x := range extras {
		r.AddCloser(x)
	}
	return r
}

func (*CursorResult) isResult() {}

// MultiResult holds named results. "@LAST" names the final one.
type MultiResult struct {
	closer
	Names   []string
	Results map[string]Result
}

// LastKey names the final child of a multi result sequence.
const LastKey = "@LAST"

func NewMulti() *MultiResult {
	m := &MultiResult{Results: map[string]Result{}}
	m.primary = func() error {
		var first error
		for _, n := range m.Names {
			if err := m.Results[n].Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return m
}

// Put adds r under name, keeping first-insertion order.
func (m *MultiResult) Put(name string, r Result) {
	if _, ok := m.Results[name]; !ok {
		m.Names = append(m.Names, name)
	}
	m.Results[name] = r
}

func (*MultiResult) isResult() {}

// Builder describes how to present a result's values.
type Builder struct {
	Kind    string   `json:"_type"`
	Type    string   `json:"type,omitempty"`
	Class   string   `json:"class,omitempty"`
	Columns []Column `json:"columns,omitempty"`
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

const (
	BuilderDataType = "dataType"
	BuilderClass    = "class"
	BuilderTDS      = "tdsBuilder"
	BuilderJSON     = "json"
	BuilderVoid     = "void"
)

// BuilderOf returns the builder of r, or a dataType builder.
func BuilderOf(r Result) Builder {
	switch t := r.(type) {
	case *StreamResult:
		return t.Builder
	case *ClassInstancesResult:
		return t.Builder
	case *StreamingObjectResult:
		return t.Builder
	case *CursorResult:
		return t.Builder
	}
	return Builder{Kind: BuilderDataType}
}
