package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/cache"
	"github.com/hanpama/planexec/internal/checked"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

// twoStores is a graph fetch fixture: firms come from a relational store and
// their employees from a service store.
type twoStores struct {
	firms  *store.MockExecutor
	people *store.MockExecutor
}

func newTwoStores() *twoStores {
	firms := store.NewMockExecutor("Relational", map[plan.NodeKind]store.MockHandler{
		plan.KindRelational: func(context.Context, plan.Node, *state.ExecutionState, state.Runner) (result.Result, error) {
			return result.NewConstant([]any{
				map[string]any{"id": 1, "name": "Acme"},
				map[string]any{"id": 2, "name": "Globex"},
				map[string]any{"id": 3, "name": "Initech"},
			}), nil
		},
	})
	people := store.NewMockExecutor("Service", map[plan.NodeKind]store.MockHandler{
		plan.KindServiceStore: func(_ context.Context, _ plan.Node, st *state.ExecutionState, _ state.Runner) (result.Result, error) {
			all := []map[string]any{
				{"name": "Alice", "firmId": 1},
				{"name": "Bob", "firmId": 1},
				{"name": "Carol", "firmId": 2},
				{"name": "Mallory", "firmId": 99},
			}
			v, _ := st.Value("firmId")
			wanted := map[string]bool{}
			for _, id := range result.AsList(v) {
				wanted[graphfetch.Tuple(id)] = true
			}
			var out []any
			for _, p := range all {
				if wanted[graphfetch.Tuple(p["firmId"])] || p["firmId"] == 99 {
					out = append(out, map[string]any{"name": p["name"], "firmId": p["firmId"]})
				}
			}
			return result.NewConstant(out), nil
		},
	})
	return &twoStores{firms: firms, people: people}
}

func employeesFetch(local plan.Node, xs func(*plan.XStoreDetails)) *plan.GlobalGraphFetchNode {
	d := &plan.XStoreDetails{
		Property:                "employees",
		TargetMappingID:         "people",
		TargetSetID:             "Person",
		TargetPropertiesOrdered: []string{"firmId"},
		SubTree:                 "{name}",
		Keys:                    []plan.CrossKey{{Parent: "id", Child: "firmId"}},
		Multiplicity:            plan.ZeroMany,
	}
	if xs != nil {
		xs(d)
	}
	return &plan.GlobalGraphFetchNode{
		NodeBase:                     plan.NodeBase{ResultType: plan.ResultType{Kind: "class", Class: "Person"}},
		LocalGraphFetchExecutionNode: plan.NodeRef{Node: local},
		XStore:                       d,
	}
}

func firmsFetch(children ...*plan.GlobalGraphFetchNode) *plan.GlobalGraphFetchNode {
	return &plan.GlobalGraphFetchNode{
		NodeBase:                     plan.NodeBase{ResultType: plan.ResultType{Kind: "class", Class: "Firm"}},
		LocalGraphFetchExecutionNode: plan.NodeRef{Node: &plan.RelationalNode{SQL: "select * from firm"}},
		Children:                     children,
	}
}

func TestCrossStoreMismatchIsDropped(t *testing.T) {
	fx := newTwoStores()
	e := newExecutor(t, WithStores(fx.firms, fx.people))

	r := run(t, e, single(firmsFetch(employeesFetch(&plan.ServiceStoreNode{Service: "people"}, nil))), nil)
	_, ok := r.(*result.ClassInstancesResult)
	require.True(t, ok)

	want := []any{
		map[string]any{"id": float64(1), "name": "Acme", "employees": []any{
			map[string]any{"name": "Alice", "firmId": float64(1)},
			map[string]any{"name": "Bob", "firmId": float64(1)},
		}},
		map[string]any{"id": float64(2), "name": "Globex", "employees": []any{
			map[string]any{"name": "Carol", "firmId": float64(2)},
		}},
		map[string]any{"id": float64(3), "name": "Initech"},
	}
	if diff := cmp.Diff(want, plain(t, r)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	calls := fx.people.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []any{1, 2, 3}, calls[0].Bindings["firmId"])
	require.Len(t, calls[0].Bindings[graphfetch.ParentKeysBinding], 3)
}

func TestNonBatchingCrossStoreFetch(t *testing.T) {
	fx := newTwoStores()
	e := newExecutor(t, WithStores(fx.firms, fx.people))

	local := &plan.InMemoryCrossStoreFetchNode{NodeBase: plan.NodeBase{ExecutionNodes: plan.Nodes{&plan.ServiceStoreNode{Service: "people"}}}}
	r := run(t, e, single(firmsFetch(employeesFetch(local, nil))), nil)

	calls := fx.people.Calls()
	require.Len(t, calls, 3)
	for i, c := range calls {
		require.Equal(t, i+1, c.Bindings["firmId"])
	}
	// Mallory comes back on every call and is never attached.
	objects, err := result.Objects(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, 2, objects[0].(*graphfetch.Record).Count("employees"))
	require.Equal(t, 1, objects[1].(*graphfetch.Record).Count("employees"))
	require.Equal(t, 0, objects[2].(*graphfetch.Record).Count("employees"))
}

func TestCheckedGraphFetchReportsMissingChildren(t *testing.T) {
	fx := newTwoStores()
	e := newExecutor(t, WithStores(fx.firms, fx.people))

	root := firmsFetch(employeesFetch(&plan.ServiceStoreNode{Service: "people"}, func(d *plan.XStoreDetails) {
		d.Multiplicity = plan.OneMany
	}))
	root.Checked = true
	r := run(t, e, single(root), nil)

	objects, err := result.Objects(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, objects, 3)
	for i, o := range objects[:2] {
		c := o.(*checked.Checked)
		require.Empty(t, c.Defects, "firm %d", i)
	}
	c := objects[2].(*checked.Checked)
	require.Len(t, c.Defects, 1)
	require.Equal(t, "Invalid Multiplicity for employees: expected [1..*] found [0]", c.Defects[0].Message)
	require.Equal(t, "Initech", c.Value.(*graphfetch.Record).Get("name"))
}

func TestCrossKeyCacheSkipsRefetch(t *testing.T) {
	fx := newTwoStores()
	registry := graphfetch.NewRegistry(cache.NewMap[graphfetch.CacheKey, any](), nil)
	e := newExecutor(t, WithStores(fx.firms, fx.people), WithCaches(state.Caches{Registry: registry}))

	p := single(firmsFetch(employeesFetch(&plan.ServiceStoreNode{Service: "people"}, func(d *plan.XStoreDetails) {
		d.SupportsCaching = true
	})))
	first := plain(t, run(t, e, p, nil))
	second := plain(t, run(t, e, p, nil))

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, fx.people.Calls(), 1)
}

func TestRootCacheSkipsChildren(t *testing.T) {
	fx := newTwoStores()
	registry := graphfetch.NewRegistry(cache.NewLRU[graphfetch.CacheKey, any](100, 0), nil)
	e := newExecutor(t, WithStores(fx.firms, fx.people), WithCaches(state.Caches{Registry: registry}))

	root := firmsFetch(employeesFetch(&plan.ServiceStoreNode{Service: "people"}, nil))
	root.Cache = &plan.CacheDetails{MappingID: "firms", InstanceSetID: "Firm", SubTree: "{employees{name}}", EqualityKeys: []string{"id"}}
	root.BatchSize = 2

	first := plain(t, run(t, e, single(root), nil))
	require.Len(t, fx.people.Calls(), 2)

	second := plain(t, run(t, e, single(root), nil))
	require.Len(t, fx.people.Calls(), 2)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRootCacheIsPerSubTree(t *testing.T) {
	fx := newTwoStores()
	registry := graphfetch.NewRegistry(cache.NewMap[graphfetch.CacheKey, any](), nil)
	e := newExecutor(t, WithStores(fx.firms, fx.people), WithCaches(state.Caches{Registry: registry}))

	names := firmsFetch()
	names.Cache = &plan.CacheDetails{MappingID: "firms", InstanceSetID: "Firm", SubTree: "{name}", EqualityKeys: []string{"id"}}
	run(t, e, single(names), nil)
	require.Empty(t, fx.people.Calls())

	withEmployees := firmsFetch(employeesFetch(&plan.ServiceStoreNode{Service: "people"}, nil))
	withEmployees.Cache = &plan.CacheDetails{MappingID: "firms", InstanceSetID: "Firm", SubTree: "{name,employees{name}}", EqualityKeys: []string{"id"}}
	r := run(t, e, single(withEmployees), nil)
	require.Len(t, fx.people.Calls(), 1)

	objects, err := result.Objects(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, 2, objects[0].(*graphfetch.Record).Count("employees"))
	require.Equal(t, 1, objects[1].(*graphfetch.Record).Count("employees"))
}

func TestSiblingLevelsRunConcurrently(t *testing.T) {
	var mu sync.Mutex
	services := map[string]int{}
	firms := store.NewMockExecutor("Relational", map[plan.NodeKind]store.MockHandler{
		plan.KindRelational: func(context.Context, plan.Node, *state.ExecutionState, state.Runner) (result.Result, error) {
			return result.NewConstant([]any{map[string]any{"id": 1}, map[string]any{"id": 2}}), nil
		},
	})
	other := store.NewMockExecutor("Service", map[plan.NodeKind]store.MockHandler{
		plan.KindServiceStore: func(_ context.Context, n plan.Node, st *state.ExecutionState, _ state.Runner) (result.Result, error) {
			svc := n.(*plan.ServiceStoreNode).Service
			mu.Lock()
			services[svc]++
			mu.Unlock()
			var out []any
			for _, id := range result.AsList(st.Values()["firmId"]) {
				out = append(out, map[string]any{"firmId": id, "source": svc})
			}
			return result.NewConstant(out), nil
		},
	})
	e := newExecutor(t, WithStores(firms, other), WithPool(NewPool(4)))

	addresses := employeesFetch(&plan.ServiceStoreNode{Service: "addresses"}, func(d *plan.XStoreDetails) {
		d.Property = "address"
		d.Multiplicity = plan.ZeroOne
	})
	staff := employeesFetch(&plan.ServiceStoreNode{Service: "staff"}, nil)
	r := run(t, e, single(firmsFetch(addresses, staff)), nil)

	want := []any{
		map[string]any{"id": float64(1), "address": map[string]any{"firmId": float64(1), "source": "addresses"},
			"employees": []any{map[string]any{"firmId": float64(1), "source": "staff"}}},
		map[string]any{"id": float64(2), "address": map[string]any{"firmId": float64(2), "source": "addresses"},
			"employees": []any{map[string]any{"firmId": float64(2), "source": "staff"}}},
	}
	if diff := cmp.Diff(want, plain(t, r)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, map[string]int{"addresses": 1, "staff": 1}, services)
}

func TestChildErrorFailsTheFetch(t *testing.T) {
	fx := newTwoStores()
	broken := store.NewMockExecutor("Service", map[plan.NodeKind]store.MockHandler{
		plan.KindServiceStore: store.NewMockError(codedError{code: 7}),
	})
	e := newExecutor(t, WithStores(fx.firms, broken))

	r := run(t, e, single(firmsFetch(employeesFetch(&plan.ServiceStoreNode{}, nil))), nil)
	er, ok := r.(*result.ErrorResult)
	require.True(t, ok)
	require.Equal(t, 7, er.Code)
}
