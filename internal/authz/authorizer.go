package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/hanpama/planexec/internal/plan"
)

// Decision is the outcome for one connection.
type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// ConnectionDecision records the decision for one required connection.
type ConnectionDecision struct {
	ConnectionKey string   `json:"connectionKey"`
	Decision      Decision `json:"decision"`
	Reason        string   `json:"reason,omitempty"`
}

// Authorizer decides whether identity may run p. It may return a rewritten
// plan to execute instead of p.
type Authorizer interface {
	Authorize(ctx context.Context, identity *Identity, p *plan.SingleExecutionPlan) (*plan.SingleExecutionPlan, []ConnectionDecision, error)
}

// DeniedError is returned when any required connection is denied.
type DeniedError struct {
	Identity  string
	Decisions []ConnectionDecision
}

func (e *DeniedError) Error() string {
	var denied []string
	for _, d := range e.Decisions {
		if d.Decision == Deny {
			denied = append(denied, d.ConnectionKey)
		}
	}
	return fmt.Sprintf("authorization denied for %s on connections: %s", e.Identity, strings.Join(denied, ", "))
}

// RequiredConnections lists the connection keys p needs: its declared
// authorizations followed by the connections its nodes use, without
// duplicates.
func RequiredConnections(p *plan.SingleExecutionPlan) []string {
	seen := map[string]bool{}
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, a := range p.Authorizations {
		add(a.ConnectionKey)
	}
	for _, c := range plan.Connections(p.RootExecutionNode.Node) {
		add(c.Key())
	}
	return keys
}

// AllowAll allows every connection.
type AllowAll struct{}

func (AllowAll) Authorize(_ context.Context, _ *Identity, p *plan.SingleExecutionPlan) (*plan.SingleExecutionPlan, []ConnectionDecision, error) {
	keys := RequiredConnections(p)
	out := make([]ConnectionDecision, len(keys))
	for i, k := range keys {
		out[i] = ConnectionDecision{ConnectionKey: k, Decision: Allow}
	}
	return p, out, nil
}

// Rewriter transforms an allowed plan for an identity.
type Rewriter func(p *plan.SingleExecutionPlan, identity *Identity) *plan.SingleExecutionPlan

// Policy allows a connection when the identity is listed for its key, or
// "*" is. Connections absent from the policy are denied.
type Policy struct {
	allow    map[string]map[string]bool
	rewriter Rewriter
}

// NewPolicy builds a policy from connection key to identity names. The key
// "*" applies to every connection.
func NewPolicy(allow map[string][]string, rewriter Rewriter) *Policy {
	p := &Policy{allow: map[string]map[string]bool{}, rewriter: rewriter}
	for k, names := range allow {
		set := map[string]bool{}
		for _, n := range names {
			set[n] = true
		}
		p.allow[k] = set
	}
	return p
}

func (p *Policy) decide(key, name string) ConnectionDecision {
	for _, k := range []string{key, "*"} {
		set, ok := p.allow[k]
		if !ok {
			continue
		}
		if set[name] || set["*"] {
			return ConnectionDecision{ConnectionKey: key, Decision: Allow}
		}
	}
	return ConnectionDecision{ConnectionKey: key, Decision: Deny, Reason: name + " is not allowed"}
}

func (p *Policy) Authorize(ctx context.Context, identity *Identity, sp *plan.SingleExecutionPlan) (*plan.SingleExecutionPlan, []ConnectionDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	name := NameOf(identity)
	keys := RequiredConnections(sp)
	decisions := make([]ConnectionDecision, len(keys))
	denied := false
	for i, k := range keys {
		decisions[i] = p.decide(k, name)
		denied = denied || decisions[i].Decision == Deny
	}
	if denied {
		return nil, decisions, &DeniedError{Identity: name, Decisions: decisions}
	}
	if p.rewriter != nil {
		sp = p.rewriter(sp, identity)
	}
	return sp, decisions, nil
}
