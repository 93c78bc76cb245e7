package extformat

import (
	"context"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/checked"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
)

type valueRunner struct{ r result.Result }

func (v valueRunner) ExecuteNode(context.Context, plan.Node, *state.ExecutionState) (result.Result, error) {
	return v.r, nil
}

func serializeNode(ct string, single, checkedMode bool) *plan.ExternalFormatSerializeNode {
	n := &plan.ExternalFormatSerializeNode{ContentType: ct, Checked: checkedMode}
	n.ExecutionNodes = plan.Nodes{&plan.ConstantNode{}}
	if single {
		n.ResultSizeRange = &plan.PureOne
	}
	return n
}

func readStream(t *testing.T, r result.Result) string {
	t.Helper()
	s := r.(*result.StreamResult)
	b, err := io.ReadAll(s.Stream)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return string(b)
}

func people() []any {
	return []any{
		graphfetch.NewRecord("model::Person", map[string]any{"name": "Ann", "age": 30}),
		graphfetch.NewRecord("model::Person", map[string]any{"name": "Bob", "tags": []any{"x"}}),
	}
}

func TestSerialize(t *testing.T) {
	tests := []struct {
		name   string
		ct     string
		single bool
		input  []any
		want   string
	}{
		{"json list", ContentJSON, false, people(), `[{"age":30,"name":"Ann"},{"name":"Bob","tags":["x"]}]` + "\n"},
		{"json single", ContentJSON, true, people()[:1], `{"age":30,"name":"Ann"}` + "\n"},
		{"csv", ContentCSV, false, people(), "age,name,tags\n30,Ann,\n,Bob,\"[\"\"x\"\"]\"\n"},
		{"yaml single", ContentYAML, true, people()[:1], "age: 30\nname: Ann\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := result.NewClassInstances(tt.input, result.Builder{})
			r, err := New().Execute(context.Background(), serializeNode(tt.ct, tt.single, false), state.New(nil, nil), valueRunner{src})
			require.NoError(t, err)
			require.Equal(t, tt.want, readStream(t, r))
			require.True(t, src.Closed())
		})
	}
}

func TestSerializeChecked(t *testing.T) {
	ok := checked.New(graphfetch.NewRecord("c", map[string]any{"a": 1}), nil)
	bad := checked.New(nil, nil)
	bad.AddDefect(checked.Missing("c", "a", 0, "[1]"))

	t.Run("unchecked unwraps", func(t *testing.T) {
		src := result.NewClassInstances([]any{ok}, result.Builder{})
		r, err := New().Execute(context.Background(), serializeNode(ContentJSON, false, false), state.New(nil, nil), valueRunner{src})
		require.NoError(t, err)
		require.Equal(t, `[{"a":1}]`+"\n", readStream(t, r))
	})

	t.Run("unchecked fails on defects", func(t *testing.T) {
		src := result.NewClassInstances([]any{bad}, result.Builder{})
		_, err := New().Execute(context.Background(), serializeNode(ContentJSON, false, false), state.New(nil, nil), valueRunner{src})
		require.ErrorIs(t, err, checked.ErrDefects)
	})

	t.Run("checked keeps defects", func(t *testing.T) {
		src := result.NewClassInstances([]any{bad}, result.Builder{})
		r, err := New().Execute(context.Background(), serializeNode(ContentJSON, false, true), state.New(nil, nil), valueRunner{src})
		require.NoError(t, err)
		require.Contains(t, readStream(t, r), `"Invalid Multiplicity for a: expected [1] found [0]"`)
	})
}

func TestDeserialize(t *testing.T) {
	tests := []struct {
		name string
		ct   string
		data string
		want []map[string]any
	}{
		{"json object", ContentJSON, `{"name":"Ann","age":30}`, []map[string]any{{"name": "Ann", "age": int64(30)}}},
		{"json list", ContentJSON, `[{"a":1.5},{"a":"x"}]`, []map[string]any{{"a": 1.5}, {"a": "x"}}},
		{"csv", ContentCSV + "; charset=utf-8", "a,b\n1,\n", []map[string]any{{"a": "1"}}},
		{"yaml", ContentYAML, "- name: Ann\n- name: Bob\n", []map[string]any{{"name": "Ann"}, {"name": "Bob"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := state.New(nil, nil)
			st.BindConstant("payload", tt.data)
			n := &plan.ExternalFormatDeserializeNode{ContentType: tt.ct, Source: "payload", Class: "model::Person"}
			r, err := New().Execute(context.Background(), n, st, nil)
			require.NoError(t, err)

			var got []map[string]any
			for _, o := range r.(*result.ClassInstancesResult).Objects {
				rec := o.(*graphfetch.Record)
				require.Equal(t, "model::Person", rec.Class)
				got = append(got, rec.Props)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeserializeErrors(t *testing.T) {
	st := state.New(nil, nil)
	_, err := New().Execute(context.Background(), &plan.ExternalFormatDeserializeNode{ContentType: "application/xml", Source: "x"}, st, nil)
	require.ErrorIs(t, err, ErrUnsupportedContentType)

	_, err = New().Execute(context.Background(), &plan.ExternalFormatDeserializeNode{ContentType: ContentJSON, Source: "x"}, st, nil)
	require.ErrorContains(t, err, `source "x" is not bound`)

	st.BindConstant("x", "[1]")
	_, err = New().Execute(context.Background(), &plan.ExternalFormatDeserializeNode{ContentType: ContentJSON, Source: "x"}, st, nil)
	require.ErrorContains(t, err, "element 0 is int64")
}
