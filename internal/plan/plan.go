package plan

import (
	"fmt"
	"sort"
	"strings"
)

// ExecutionPlan is either a *SingleExecutionPlan or a *CompositeExecutionPlan.
type ExecutionPlan interface {
	isExecutionPlan()
}

// SingleExecutionPlan is a root node plus what the runtime needs around it.
type SingleExecutionPlan struct {
	SerializationFormat         string                 `json:"serializationFormat,omitempty"`
	RootExecutionNode           NodeRef                `json:"rootExecutionNode"`
	GlobalImplementationSupport *ImplementationSupport `json:"globalImplementationSupport,omitempty"`
	Authorizations              []Authorization        `json:"authorizations,omitempty"`
	AuthDependent               bool                   `json:"authDependent,omitempty"`
}

// CompositeExecutionPlan selects one single plan using the value bound to
// ExecutionKeyName.
type CompositeExecutionPlan struct {
	ExecutionPlans   map[string]*SingleExecutionPlan `json:"executionPlans"`
	ExecutionKeyName string                          `json:"executionKeyName"`
	ExecutionKeys    []string                        `json:"executionKeys"`
}

func (*SingleExecutionPlan) isExecutionPlan()    {}
func (*CompositeExecutionPlan) isExecutionPlan() {}

// Authorization names a connection the caller must be allowed to use.
type Authorization struct {
	ConnectionKey string `json:"connectionKey"`
	Store         string `json:"store,omitempty"`
}

// ImplementationSupport carries the class definitions records are projected
// onto at runtime.
type ImplementationSupport struct {
	Classes []*Class `json:"classes,omitempty"`
}

// Class looks up a class by path. It returns nil when absent.
func (s *ImplementationSupport) Class(path string) *Class {
	if s == nil {
		return nil
	}
	for _, c := range s.Classes {
		if c.Path == path {
			return c
		}
	}
	return nil
}

type Class struct {
	Path       string      `json:"path"`
	Properties []*Property `json:"properties"`
}

type Property struct {
	Name         string       `json:"name"`
	Type         string       `json:"type,omitempty"`
	Multiplicity Multiplicity `json:"multiplicity"`
}

// ResolutionError reports an execution key value with no matching plan.
type ResolutionError struct {
	KeyName   string
	Value     string
	Available []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("Execution plan not found for %s '%s'. Available keys: %s",
		e.KeyName, e.Value, strings.Join(e.Available, ", "))
}

// Resolve returns the single plan to run for p. Composite plans are resolved
// through bindings[ExecutionKeyName].
func Resolve(p ExecutionPlan, bindings map[string]any) (*SingleExecutionPlan, error) {
	switch t := p.(type) {
	case *SingleExecutionPlan:
		return t, nil
	case *CompositeExecutionPlan:
		return t.Resolve(bindings)
	case nil:
		return nil, fmt.Errorf("plan: nil execution plan")
	default:
		return nil, fmt.Errorf("plan: unsupported execution plan %T", p)
	}
}

// Resolve picks the plan keyed by the execution key value in bindings.
func (c *CompositeExecutionPlan) Resolve(bindings map[string]any) (*SingleExecutionPlan, error) {
	value := ""
	if v, ok := bindings[c.ExecutionKeyName]; ok && v != nil {
		value = fmt.Sprint(v)
	}
	if sp, ok := c.ExecutionPlans[value]; ok && sp != nil {
		return sp, nil
	}
	available := make([]string, 0, len(c.ExecutionPlans))
	for k := range c.ExecutionPlans {
		available = append(available, k)
	}
	sort.Strings(available)
	return nil, &ResolutionError{KeyName: c.ExecutionKeyName, Value: value, Available: available}
}
