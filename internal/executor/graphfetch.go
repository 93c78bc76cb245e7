package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanpama/planexec/internal/checked"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
)

// rootObject is one object of a graph fetch root level.
type rootObject struct {
	raw any
	rec *graphfetch.Record
	chk *checked.Checked
}

// toRecord views v as a record of class. Checked values yield their inner
// record and the wrapper.
func toRecord(v any, class string) (*graphfetch.Record, *checked.Checked) {
	switch t := v.(type) {
	case *graphfetch.Record:
		return t, nil
	case map[string]any:
		return graphfetch.NewRecord(class, t), nil
	case *checked.Checked:
		rec, _ := toRecord(t.Value, class)
		return rec, t
	}
	return nil, nil
}

func (e *Executor) globalGraphFetch(ctx context.Context, n *plan.GlobalGraphFetchNode, st *state.ExecutionState) (result.Result, error) {
	local := n.LocalGraphFetchExecutionNode.Node
	if local == nil {
		return nil, fmt.Errorf("%w: %s has no local node", ErrNilNode, n.Kind())
	}
	class := n.ResultType.Class
	r, err := e.ExecuteNode(ctx, local, st)
	if err != nil {
		return nil, err
	}
	if er, ok := r.(*result.ErrorResult); ok {
		return er, nil
	}
	objects, err := result.Objects(ctx, r)
	cerr := r.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}

	roots := make([]rootObject, len(objects))
	for i, o := range objects {
		rec, chk := toRecord(o, class)
		roots[i] = rootObject{raw: o, rec: rec, chk: chk}
	}

	var rootCache *graphfetch.CacheByEqualityKeys
	if n.Cache != nil && len(n.Cache.EqualityKeys) > 0 {
		rootCache = st.Caches.EqualityCache(n.Cache)
	}

	size := n.BatchSize
	if size <= 0 {
		size = st.GraphFetchBatchSize
	}
	if size <= 0 {
		size = len(roots)
	}
	for lo := 0; lo < len(roots); lo += size {
		if err := st.Cancelled(ctx); err != nil {
			return nil, err
		}
		hi := min(lo+size, len(roots))
		if err := e.fetchBatch(ctx, n, roots[lo:hi], rootCache, st); err != nil {
			return nil, err
		}
	}

	out := make([]any, len(roots))
	for i, o := range roots {
		switch {
		case o.rec == nil:
			out[i] = o.raw
		case n.Checked:
			c := o.chk
			if c == nil {
				c = checked.New(o.rec, nil)
			}
			c.Value = o.rec
			for _, d := range crossStoreDefects(o.rec, n.Children) {
				c.AddDefect(d)
			}
			out[i] = c
		default:
			out[i] = o.rec
		}
	}
	return result.NewClassInstances(out, result.Builder{Kind: result.BuilderClass, Class: class}), nil
}

func rootCacheKey(d *plan.CacheDetails, rec *graphfetch.Record) (graphfetch.CacheKey, bool) {
	values := make([]any, len(d.EqualityKeys))
	for i, k := range d.EqualityKeys {
		v, ok := rec.Props[k]
		if !ok || v == nil {
			return graphfetch.CacheKey{}, false
		}
		values[i] = v
	}
	return graphfetch.NewCacheKey(d.MappingID, d.InstanceSetID, values...), true
}

// fetchBatch fills the cross-store properties of one batch of roots. Roots
// found in the root cache are replaced by the cached object and skip the
// child levels; the others are cached once complete.
func (e *Executor) fetchBatch(ctx context.Context, n *plan.GlobalGraphFetchNode, batch []rootObject, rootCache *graphfetch.CacheByEqualityKeys, st *state.ExecutionState) error {
	start := time.Now()
	hits := 0
	var pending []*rootObject
	var keys []graphfetch.CacheKey
	for i := range batch {
		o := &batch[i]
		if o.rec == nil {
			continue
		}
		if rootCache != nil {
			if k, ok := rootCacheKey(n.Cache, o.rec); ok {
				cached, found, err := rootCache.Get(k)
				if err != nil {
					return err
				}
				if rec, ok := cached.(*graphfetch.Record); found && ok {
					o.rec = rec
					hits++
					continue
				}
				keys = append(keys, k)
				pending = append(pending, o)
				continue
			}
		}
		keys = append(keys, graphfetch.CacheKey{})
		pending = append(pending, o)
	}

	if len(n.Children) > 0 && len(pending) > 0 {
		parents := make([]*graphfetch.Record, len(pending))
		for i, o := range pending {
			parents[i] = o.rec
		}
		if err := e.fetchChildren(ctx, n.Children, parents, st, &sync.Mutex{}); err != nil {
			return err
		}
	}
	if rootCache != nil {
		for i, o := range pending {
			if keys[i] == (graphfetch.CacheKey{}) {
				continue
			}
			if err := rootCache.Put(keys[i], o.rec); err != nil {
				return err
			}
		}
	}
	eventbus.Publish(ctx, events.GraphFetchBatch{
		RequestToken: st.Request.RequestToken(),
		Parents:      len(batch),
		CacheHits:    hits,
		Duration:     time.Since(start),
	})
	return nil
}

// fetchChildren runs every child level for parents. Sibling levels run on
// the pool; mu guards the parents' properties.
func (e *Executor) fetchChildren(ctx context.Context, children []*plan.GlobalGraphFetchNode, parents []*graphfetch.Record, st *state.ExecutionState, mu *sync.Mutex) error {
	if len(children) == 1 {
		return e.fetchChildLevel(ctx, children[0], parents, st, mu)
	}
	tasks := make([]Task, len(children))
	for i, c := range children {
		tasks[i] = func(ctx context.Context) error { return e.fetchChildLevel(ctx, c, parents, st, mu) }
	}
	return e.opts.Pool.Run(ctx, tasks)
}

// keyGroup is the set of parents sharing one cross key tuple.
type keyGroup struct {
	values   []any
	parents  []*graphfetch.Record
	children []any
	cached   bool
}

func (e *Executor) fetchChildLevel(ctx context.Context, n *plan.GlobalGraphFetchNode, parents []*graphfetch.Record, st *state.ExecutionState, mu *sync.Mutex) error {
	d := n.XStore
	if d == nil {
		return ErrMissingCrossStoreDetails
	}
	if err := st.Cancelled(ctx); err != nil {
		return err
	}

	groups := map[string]*keyGroup{}
	var order []*keyGroup
	mu.Lock()
	for _, p := range parents {
		values, ok := p.CrossStoreKeysValueForChildren(d)
		if !ok {
			continue
		}
		k := graphfetch.Tuple(values...)
		g, ok := groups[k]
		if !ok {
			g = &keyGroup{values: values}
			groups[k] = g
			order = append(order, g)
		}
		g.parents = append(g.parents, p)
	}
	mu.Unlock()
	if len(order) == 0 {
		return nil
	}

	cache := st.Caches.CrossKeyCache(d)
	var missing []*keyGroup
	for _, g := range order {
		if cache != nil {
			if children, ok := cache.Get(g.values); ok {
				g.children, g.cached = children, true
				continue
			}
		}
		missing = append(missing, g)
	}

	if len(missing) > 0 {
		fetched, err := e.fetchChildRecords(ctx, n, missing, st)
		if err != nil {
			return err
		}
		if len(n.Children) > 0 && len(fetched) > 0 {
			if err := e.fetchChildren(ctx, n.Children, fetched, st, &sync.Mutex{}); err != nil {
				return err
			}
		}
		for _, c := range fetched {
			values, ok := childKeyValues(c, d)
			if !ok {
				continue
			}
			if g := groups[graphfetch.Tuple(values...)]; g != nil && !g.cached {
				g.children = append(g.children, c)
			}
		}
		if cache != nil {
			for _, g := range missing {
				cache.Put(g.values, g.children)
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, g := range order {
		for i, p := range g.parents {
			for _, c := range g.children {
				if i > 0 {
					c = graphfetch.DeepCopy(c)
				}
				p.AttemptAddingChildToParent(d, c)
			}
		}
	}
	return nil
}

func childKeyValues(c *graphfetch.Record, d *plan.XStoreDetails) ([]any, bool) {
	values := make([]any, len(d.Keys))
	for i, k := range d.Keys {
		v, ok := c.Props[k.Child]
		if !ok || v == nil {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

// fetchChildRecords runs the level's local node for the groups. A
// non-batching cross-store node runs its child once per group.
func (e *Executor) fetchChildRecords(ctx context.Context, n *plan.GlobalGraphFetchNode, groups []*keyGroup, st *state.ExecutionState) ([]*graphfetch.Record, error) {
	local := n.LocalGraphFetchExecutionNode.Node
	if local == nil {
		return nil, fmt.Errorf("%w: %s has no local node", ErrNilNode, n.Kind())
	}
	class := n.ResultType.Class
	if xs, ok := local.(*plan.InMemoryCrossStoreFetchNode); ok && !xs.SupportsBatching {
		child, err := singleChild(xs)
		if err != nil {
			return nil, err
		}
		var out []*graphfetch.Record
		for _, g := range groups {
			cst := st.Copy()
			bindParentKeys(cst, n.XStore, []*keyGroup{g}, false)
			recs, err := e.runForRecords(ctx, child, cst, class)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
		return out, nil
	}
	cst := st.Copy()
	bindParentKeys(cst, n.XStore, groups, true)
	return e.runForRecords(ctx, local, cst, class)
}

// bindParentKeys binds the groups' key tuples under ParentKeysBinding and
// each child key property to its distinct values, as a list when batching
// and as the single value otherwise.
func bindParentKeys(st *state.ExecutionState, d *plan.XStoreDetails, groups []*keyGroup, batching bool) {
	tuples := make([]any, 0, len(groups))
	distinct := make([][]any, len(d.Keys))
	seen := make([]map[string]bool, len(d.Keys))
	for i := range seen {
		seen[i] = map[string]bool{}
	}
	for _, g := range groups {
		tuple := make(map[string]any, len(d.Keys))
		for i, k := range d.Keys {
			v := g.values[i]
			tuple[k.Child] = v
			if t := graphfetch.Tuple(v); !seen[i][t] {
				seen[i][t] = true
				distinct[i] = append(distinct[i], v)
			}
		}
		tuples = append(tuples, tuple)
	}
	st.BindConstant(graphfetch.ParentKeysBinding, tuples)
	for i, k := range d.Keys {
		if batching {
			st.BindConstant(k.Child, distinct[i])
		} else if len(distinct[i]) > 0 {
			st.BindConstant(k.Child, distinct[i][0])
		}
	}
}

// runForRecords runs n and reads its objects as records of class. The
// node's result is always closed.
func (e *Executor) runForRecords(ctx context.Context, n plan.Node, st *state.ExecutionState, class string) ([]*graphfetch.Record, error) {
	r, err := e.ExecuteNode(ctx, n, st)
	if err != nil {
		return nil, err
	}
	if er, ok := r.(*result.ErrorResult); ok {
		return nil, er
	}
	objects, err := result.Objects(ctx, r)
	cerr := r.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	out := make([]*graphfetch.Record, 0, len(objects))
	for _, o := range objects {
		if rec, _ := toRecord(o, class); rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// crossStoreDefects reports cross-store properties of rec, and of the
// children attached to it, holding fewer values than their lower bound.
func crossStoreDefects(rec *graphfetch.Record, levels []*plan.GlobalGraphFetchNode) []checked.Defect {
	var out []checked.Defect
	for _, l := range levels {
		d := l.XStore
		if d == nil {
			continue
		}
		if count := rec.Count(d.Property); count < d.Multiplicity.LowerBound {
			out = append(out, checked.Missing(rec.Class, d.Property, count, d.Multiplicity.String()))
		}
		if len(l.Children) == 0 {
			continue
		}
		for _, c := range attached(rec.Props[d.Property]) {
			out = append(out, crossStoreDefects(c, l.Children)...)
		}
	}
	return out
}

func attached(v any) []*graphfetch.Record {
	switch t := v.(type) {
	case *graphfetch.Record:
		return []*graphfetch.Record{t}
	case []any:
		out := make([]*graphfetch.Record, 0, len(t))
		for _, x := range t {
			if r, ok := x.(*graphfetch.Record); ok {
				out = append(out, r)
			}
		}
		return out
	}
	return nil
}
