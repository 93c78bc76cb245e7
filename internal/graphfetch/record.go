package graphfetch

import (
	"encoding/json"
	"sort"

	"github.com/hanpama/planexec/internal/plan"
)

// CrossStoreParent is an object that children from another store can be
// attached to.
type CrossStoreParent interface {
	// CrossStoreKeysValueForChildren returns the parent's values for the
	// cross keys in key order. ok is false when any of them is missing.
	CrossStoreKeysValueForChildren(d *plan.XStoreDetails) (values []any, ok bool)
	// AttemptAddingChildToParent attaches child when it matches the
	// relationship and the property still has room. It reports whether the
	// child was attached.
	AttemptAddingChildToParent(d *plan.XStoreDetails, child any) bool
}

// Record is a graph fetch object: a class path and its property values.
// To-many properties hold []any.
type Record struct {
	Class string
	Props map[string]any
}

func NewRecord(class string, props map[string]any) *Record {
	if props == nil {
		props = map[string]any{}
	}
	return &Record{Class: class, Props: props}
}

func (r *Record) Get(name string) any { return r.Props[name] }

// Count returns how many values the property holds.
func (r *Record) Count(name string) int {
	switch v := r.Props[name].(type) {
	case nil:
		return 0
	case []any:
		return len(v)
	default:
		return 1
	}
}

func (r *Record) CrossStoreKeysValueForChildren(d *plan.XStoreDetails) ([]any, bool) {
	values := make([]any, len(d.Keys))
	for i, k := range d.Keys {
		v, ok := r.Props[k.Parent]
		if !ok || v == nil {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func (r *Record) AttemptAddingChildToParent(d *plan.XStoreDetails, child any) bool {
	c, ok := child.(*Record)
	if !ok {
		return false
	}
	for _, k := range d.Keys {
		if !Equal(r.Props[k.Parent], c.Props[k.Child]) {
			return false
		}
	}
	if d.Multiplicity.IsToOne() {
		if r.Props[d.Property] != nil {
			return false
		}
		r.Props[d.Property] = c
		return true
	}
	list, _ := r.Props[d.Property].([]any)
	if d.Multiplicity.UpperBound != nil && len(list) >= *d.Multiplicity.UpperBound {
		return false
	}
	r.Props[d.Property] = append(list, c)
	return true
}

func (r *Record) DeepCopy() any {
	return &Record{Class: r.Class, Props: DeepCopy(r.Props).(map[string]any)}
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Props)
}

// PropertyNames returns the property names in sorted order.
func (r *Record) PropertyNames() []string {
	names := make([]string, 0, len(r.Props))
	for k := range r.Props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParentKeysBinding names the binding holding the parents' cross key tuples
// while a child level of a graph fetch runs. Each tuple is a map from child
// property name to value.
const ParentKeysBinding = "@parentKeys"

// ParentKeyTuples reads the tuples bound under ParentKeysBinding.
func ParentKeyTuples(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
