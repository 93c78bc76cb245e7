package executor

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
)

// AllocationSuccess is the value returned by allocations and by
// conditionals without a matching block.
const AllocationSuccess = "success"

func (e *Executor) sequence(ctx context.Context, n *plan.SequenceNode, st *state.ExecutionState) (result.Result, error) {
	children := n.ExecutionNodes
	if len(children) == 0 {
		return result.NewConstant(nil), nil
	}
	first := 0
	if n.Parallel && len(children) > 1 && allAllocations(children[:len(children)-1]) {
		if err := e.parallelAllocations(ctx, children[:len(children)-1], st); err != nil {
			if er, ok := asErrorResult(err); ok {
				return er, nil
			}
			return nil, err
		}
		first = len(children) - 1
	}
	for i := first; i < len(children); i++ {
		c := children[i]
		r, err := e.ExecuteNode(ctx, c, st)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s) failed: %w", i, c.Kind(), err)
		}
		if i == len(children)-1 {
			return r, nil
		}
		if er, ok := r.(*result.ErrorResult); ok {
			return er, nil
		}
		if err := r.Close(); err != nil {
			return nil, fmt.Errorf("node %d (%s) failed: %w", i, c.Kind(), err)
		}
	}
	return nil, nil
}

func allAllocations(nodes []plan.Node) bool {
	for _, n := range nodes {
		if _, ok := n.(*plan.AllocationNode); !ok {
			return false
		}
	}
	return true
}

func (e *Executor) parallelAllocations(ctx context.Context, nodes []plan.Node, st *state.ExecutionState) error {
	tasks := make([]Task, len(nodes))
	for i, c := range nodes {
		tasks[i] = func(ctx context.Context) error {
			r, err := e.ExecuteNode(ctx, c, st)
			if err != nil {
				return fmt.Errorf("node %d (%s) failed: %w", i, c.Kind(), err)
			}
			if er, ok := r.(*result.ErrorResult); ok {
				return er
			}
			return r.Close()
		}
	}
	return e.opts.Pool.Run(ctx, tasks)
}

// allocation binds its child's result under VarName. The bound result is
// released with the request.
func (e *Executor) allocation(ctx context.Context, n *plan.AllocationNode, st *state.ExecutionState) (result.Result, error) {
	child, err := singleChild(n)
	if err != nil {
		return nil, err
	}
	r, err := e.ExecuteNode(ctx, child, st.ForAllocation())
	if err != nil {
		return nil, err
	}
	if er, ok := r.(*result.ErrorResult); ok {
		return er, nil
	}
	if n.RealizeInMemory {
		c, err := result.ToConstant(ctx, r)
		if err != nil {
			return nil, err
		}
		r = c
	}
	r = unwrapValues(r)
	st.Bind(n.VarName, r)
	st.Own(r)
	return result.NewConstant(AllocationSuccess), nil
}

// unwrapValues turns a constant {"values": [x, ...]} into x.
func unwrapValues(r result.Result) result.Result {
	c, ok := r.(*result.ConstantResult)
	if !ok {
		return r
	}
	m, ok := c.Value.(map[string]any)
	if !ok || len(m) != 1 {
		return r
	}
	values, ok := m["values"].([]any)
	if !ok || len(values) == 0 {
		return r
	}
	return result.NewConstant(values[0])
}

func (e *Executor) conditional(ctx context.Context, n *plan.ConditionalNode, st *state.ExecutionState) (result.Result, error) {
	ok, err := e.evaluate(n.Condition, st.Values())
	if err != nil {
		return nil, err
	}
	block := n.FalseBlock.Node
	if ok {
		block = n.TrueBlock.Node
	}
	if block == nil {
		return result.NewConstant(AllocationSuccess), nil
	}
	return e.ExecuteNode(ctx, block, st)
}

// evaluate renders cond as a text/template over values. Parsed templates
// are kept for the life of the executor.
func (e *Executor) evaluate(cond string, values map[string]any) (bool, error) {
	var tmpl *template.Template
	if cached, ok := e.conditions.Load(cond); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("condition").Option("missingkey=zero").Parse(cond)
		if err != nil {
			return false, fmt.Errorf("parse condition %q: %w", cond, err)
		}
		e.conditions.Store(cond, parsed)
		tmpl = parsed
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, values); err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", cond, err)
	}
	switch out := strings.TrimSpace(b.String()); out {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q rendered %q", ErrNotBoolean, cond, out)
	}
}

func (e *Executor) multiResultSequence(ctx context.Context, n *plan.MultiResultSequenceNode, st *state.ExecutionState) (result.Result, error) {
	m := result.NewMulti()
	children := n.ExecutionNodes
	for i, c := range children {
		r, err := e.ExecuteNode(ctx, c, st)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("node %d (%s) failed: %w", i, c.Kind(), err)
		}
		if er, ok := r.(*result.ErrorResult); ok {
			_ = m.Close()
			return er, nil
		}
		if a, ok := c.(*plan.AllocationNode); ok {
			if bound, ok := st.Result(a.VarName); ok {
				m.Put(a.VarName, bound)
			}
		}
		if i == len(children)-1 {
			m.Put(result.LastKey, r)
			continue
		}
		_ = r.Close()
	}
	return m, nil
}
