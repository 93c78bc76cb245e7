// Package extformat serializes graph fetch output to, and deserializes
// records from, external formats.
package extformat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hanpama/planexec/internal/checked"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

const StoreType = "ExternalFormat"

const (
	ContentJSON = "application/json"
	ContentCSV  = "text/csv"
	ContentYAML = "application/x-yaml"
)

// ErrUnsupportedContentType is returned for content types without a codec.
var ErrUnsupportedContentType = errors.New("extformat: unsupported content type")

func init() {
	store.Register(StoreType, func(store.Env) (store.Executor, error) { return New(), nil })
}

// Codec converts between records and one external format.
type Codec interface {
	Encode(w io.Writer, values []any, single bool) error
	Decode(data []byte) ([]map[string]any, error)
}

type Executor struct {
	codecs map[string]Codec
}

// New returns an executor with the JSON, CSV and YAML codecs.
func New() *Executor {
	return &Executor{codecs: map[string]Codec{
		ContentJSON: jsonCodec{},
		ContentCSV:  csvCodec{},
		ContentYAML: yamlCodec{},
	}}
}

// Codec returns the codec for a content type. Parameters after ';' are
// ignored.
func (e *Executor) Codec(contentType string) (Codec, error) {
	ct := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	c, ok := e.codecs[ct]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedContentType, contentType)
	}
	return c, nil
}

var _ store.Executor = (*Executor)(nil)

func (*Executor) StoreType() string { return StoreType }

func (*Executor) Kinds() []plan.NodeKind {
	return []plan.NodeKind{plan.KindExternalFormatSerialize, plan.KindExternalFormatDeserialize}
}

func (*Executor) NewState() state.StoreState { return stateless{} }

type stateless struct{}

func (stateless) StoreType() string        { return StoreType }
func (s stateless) Copy() state.StoreState { return s }

func (e *Executor) Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (result.Result, error) {
	switch t := n.(type) {
	case *plan.ExternalFormatSerializeNode:
		return e.serialize(ctx, t, st, run)
	case *plan.ExternalFormatDeserializeNode:
		return e.deserialize(ctx, t, st, run)
	}
	return nil, fmt.Errorf("extformat: unexpected node %s", n.Kind())
}

// runChild runs the single child of n and realizes it, closing the child
// result. An error result is returned as r.
func runChild(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (v any, r result.Result, err error) {
	children := n.Base().ExecutionNodes
	if len(children) != 1 {
		return nil, nil, fmt.Errorf("extformat: %s needs exactly one child, got %d", n.Kind(), len(children))
	}
	child, err := run.ExecuteNode(ctx, children[0], st)
	if err != nil {
		return nil, nil, err
	}
	if er, ok := child.(*result.ErrorResult); ok {
		return nil, er, nil
	}
	v, err = result.Realize(ctx, child)
	if cerr := child.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return v, nil, err
}

func (e *Executor) serialize(ctx context.Context, n *plan.ExternalFormatSerializeNode, st *state.ExecutionState, run state.Runner) (result.Result, error) {
	codec, err := e.Codec(n.ContentType)
	if err != nil {
		return nil, err
	}
	v, er, err := runChild(ctx, n, st, run)
	if err != nil || er != nil {
		return er, err
	}
	values := result.AsList(v)
	if !n.Checked {
		for i, x := range values {
			if c, ok := x.(*checked.Checked); ok {
				if values[i], err = c.Unwrap(); err != nil {
					return nil, err
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := codec.Encode(&buf, values, n.IsSingleRecord()); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", n.ContentType, err)
	}
	return result.NewStream(io.NopCloser(&buf), result.Builder{Kind: result.BuilderDataType, Type: n.ContentType}), nil
}

func (e *Executor) deserialize(ctx context.Context, n *plan.ExternalFormatDeserializeNode, st *state.ExecutionState, run state.Runner) (result.Result, error) {
	codec, err := e.Codec(n.ContentType)
	if err != nil {
		return nil, err
	}
	var data any
	if n.Source != "" {
		v, ok := st.Value(n.Source)
		if !ok {
			return nil, fmt.Errorf("extformat: source %q is not bound", n.Source)
		}
		data = v
	} else {
		v, er, err := runChild(ctx, n, st, run)
		if err != nil || er != nil {
			return er, err
		}
		data = v
	}
	var raw []byte
	switch t := data.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return nil, fmt.Errorf("extformat: cannot deserialize %T", data)
	}
	rows, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", n.ContentType, err)
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = graphfetch.NewRecord(n.Class, r)
	}
	return result.NewClassInstances(out, result.Builder{Kind: result.BuilderClass, Class: n.Class}), nil
}
