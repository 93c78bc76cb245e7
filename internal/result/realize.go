package result

import (
	"context"
	"fmt"
	"io"
)

// SliceIterator iterates over an in-memory slice.
type SliceIterator struct {
	items  []any
	pos    int
	closed bool
}

func NewSliceIterator(items []any) *SliceIterator { return &SliceIterator{items: items, pos: -1} }

func (s *SliceIterator) Next() bool {
	if s.closed || s.pos+1 >= len(s.items) {
		return false
	}
	s.pos++
	return true
}

func (s *SliceIterator) Object() any  { return s.items[s.pos] }
func (s *SliceIterator) Err() error   { return nil }
func (s *SliceIterator) Close() error { s.closed = true; return nil }

// Realize reads r fully into memory. Streams become strings, cursors and
// iterators become slices. The result is not closed.
func Realize(ctx context.Context, r Result) (any, error) {
	switch t := r.(type) {
	case *ErrorResult:
		return nil, t
	case *ConstantResult:
		return t.Value, nil
	case *ClassInstancesResult:
		return t.Objects, nil
	case *StreamResult:
		b, err := io.ReadAll(t.Stream)
		if err != nil {
			return nil, fmt.Errorf("realize stream: %w", err)
		}
		return string(b), nil
	case *StreamingObjectResult:
		var out []any
		for t.Iter.Next() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out = append(out, t.Iter.Object())
		}
		if err := t.Iter.Err(); err != nil {
			return nil, fmt.Errorf("realize objects: %w", err)
		}
		return out, nil
	case *CursorResult:
		var out []any
		for t.Cursor.Next(ctx) {
			var doc map[string]any
			if err := t.Cursor.Decode(&doc); err != nil {
				return nil, fmt.Errorf("realize cursor: %w", err)
			}
			out = append(out, doc)
		}
		if err := t.Cursor.Err(); err != nil {
			return nil, fmt.Errorf("realize cursor: %w", err)
		}
		return out, nil
	case *MultiResult:
		out := make(map[string]any, len(t.Names))
		for _, n := range t.Names {
			v, err := Realize(ctx, t.Results[n])
			if err != nil {
				return nil, err
			}
			out[n] = v
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("realize: unsupported result %T", r)
}

// Objects realizes r as a list. Scalars become one-element lists and nil
// becomes an empty list.
func Objects(ctx context.Context, r Result) ([]any, error) {
	v, err := Realize(ctx, r)
	if err != nil {
		return nil, err
	}
	return AsList(v), nil
}

// AsList views v as a list.
func AsList(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return []any{v}
	}
}

// ToConstant realizes r into a ConstantResult and closes r.
func ToConstant(ctx context.Context, r Result) (*ConstantResult, error) {
	if c, ok := r.(*ConstantResult); ok {
		return c, nil
	}
	v, err := Realize(ctx, r)
	cerr := r.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, fmt.Errorf("close realized result: %w", cerr)
	}
	return NewConstant(v), nil
}
