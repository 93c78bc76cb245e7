// Package inmemory executes graph fetch roots whose source data is already
// in memory, such as service responses or deserialized documents.
package inmemory

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/planexec/internal/checked"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

const StoreType = "InMemory"

func init() {
	store.Register(StoreType, func(store.Env) (store.Executor, error) { return New(), nil })
}

// ErrInvalidMultiplicity is returned by unchecked fetches when a source
// object violates a property multiplicity.
var ErrInvalidMultiplicity = errors.New("inmemory: invalid multiplicity")

type Executor struct{}

func New() *Executor { return &Executor{} }

var _ store.Executor = (*Executor)(nil)

func (*Executor) StoreType() string          { return StoreType }
func (*Executor) Kinds() []plan.NodeKind     { return []plan.NodeKind{plan.KindInMemoryRootGraphFetch} }
func (*Executor) NewState() state.StoreState { return stateless{} }

type stateless struct{}

func (stateless) StoreType() string        { return StoreType }
func (s stateless) Copy() state.StoreState { return s }

func (e *Executor) Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, run state.Runner) (result.Result, error) {
	node, ok := n.(*plan.InMemoryRootGraphFetchNode)
	if !ok {
		return nil, fmt.Errorf("inmemory: unexpected node %s", n.Kind())
	}
	if len(node.ExecutionNodes) != 1 {
		return nil, fmt.Errorf("inmemory: root graph fetch needs exactly one child, got %d", len(node.ExecutionNodes))
	}
	src, err := run.ExecuteNode(ctx, node.ExecutionNodes[0], st)
	if err != nil {
		return nil, err
	}
	if er, ok := src.(*result.ErrorResult); ok {
		return er, nil
	}
	sources, err := result.Objects(ctx, src)
	cerr := src.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}

	class := st.Support.Class(node.Class)
	out := make([]any, 0, len(sources))
	for _, s := range sources {
		rec, defects := Project(node.Class, class, s)
		if node.Checked {
			c := checked.New(rec, s)
			for _, d := range defects {
				c.AddDefect(d)
			}
			out = append(out, c)
			continue
		}
		if len(defects) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMultiplicity, defects[0].Message)
		}
		out = append(out, rec)
	}
	return result.NewClassInstances(out, result.Builder{Kind: result.BuilderClass, Class: node.Class}), nil
}

// Project copies the properties of class from source into a new record
// and reports every multiplicity violation. Without a class definition all
// source properties are kept.
func Project(path string, class *plan.Class, source any) (*graphfetch.Record, []checked.Defect) {
	props := sourceProps(source)
	if class == nil {
		return graphfetch.NewRecord(path, graphfetch.DeepCopy(props).(map[string]any)), nil
	}
	rec := graphfetch.NewRecord(path, nil)
	var defects []checked.Defect
	for _, p := range class.Properties {
		v, ok := props[p.Name]
		if ok && v != nil {
			rec.Props[p.Name] = graphfetch.DeepCopy(v)
		}
		if n := rec.Count(p.Name); !p.Multiplicity.Allows(n) {
			defects = append(defects, checked.Missing(path, p.Name, n, p.Multiplicity.String()))
		}
	}
	return rec, defects
}

func sourceProps(v any) map[string]any {
	switch t := v.(type) {
	case *graphfetch.Record:
		return t.Props
	case map[string]any:
		return t
	case *checked.Checked:
		return sourceProps(t.Value)
	}
	return map[string]any{}
}
