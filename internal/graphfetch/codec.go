package graphfetch

import (
	"encoding/json"
	"fmt"
)

// Keys marking an encoded record.
const (
	wireClass = "@class"
	wireProps = "@props"
)

// Codec encodes cached graph fetch values for an out-of-process cache.
// Records keep their class through a round trip; JSON numbers come back as
// float64, which compares equal under Tuple.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(toWire(v))
}

func (Codec) Unmarshal(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("graphfetch: decode cached value: %w", err)
	}
	return fromWire(v), nil
}

func toWire(v any) any {
	switch t := v.(type) {
	case *Record:
		return map[string]any{wireClass: t.Class, wireProps: toWire(t.Props)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = toWire(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = toWire(x)
		}
		return out
	}
	return v
}

func fromWire(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if class, ok := t[wireClass].(string); ok {
			props, _ := fromWire(t[wireProps]).(map[string]any)
			return NewRecord(class, props)
		}
		for k, x := range t {
			t[k] = fromWire(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = fromWire(x)
		}
		return t
	}
	return v
}
