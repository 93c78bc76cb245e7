// Package authz holds the caller identity consumed by the executor and the
// per-connection authorization performed before a plan runs.
package authz

import (
	"errors"
	"fmt"

	"github.com/hanpama/planexec/internal/plan"
)

// AnonymousName is the identity name used when none was supplied.
const AnonymousName = "Anonymous_NoAuth"

// Credential is resolved by the authentication subsystem; the executor only
// reads it.
type Credential interface {
	CredentialKind() string
}

type PasswordCredential struct {
	User     string
	Password string
}

type KerberosCredential struct {
	Principal string
	Ticket    []byte
}

func (PasswordCredential) CredentialKind() string { return "password" }
func (KerberosCredential) CredentialKind() string { return "kerberos" }

// Identity is the authenticated caller.
type Identity struct {
	Name        string
	Credentials []Credential
}

func NewIdentity(name string, creds ...Credential) *Identity {
	return &Identity{Name: name, Credentials: creds}
}

// Anonymous returns the identity used for unauthenticated calls.
func Anonymous() *Identity { return &Identity{Name: AnonymousName} }

// NameOf returns id's name or AnonymousName for nil.
func NameOf(id *Identity) string {
	if id == nil || id.Name == "" {
		return AnonymousName
	}
	return id.Name
}

// Credential returns the first credential of the given kind.
func (id *Identity) Credential(kind string) (Credential, bool) {
	if id == nil {
		return nil, false
	}
	for _, c := range id.Credentials {
		if c.CredentialKind() == kind {
			return c, true
		}
	}
	return nil, false
}

// ErrMissingCredential is returned when an identity lacks the credential an
// authentication strategy needs.
var ErrMissingCredential = errors.New("authz: identity has no suitable credential")

// CredentialFor picks the identity's credential for strategy s. Default
// authentication needs none and returns nil.
func CredentialFor(id *Identity, s plan.AuthStrategy) (Credential, error) {
	switch s.(type) {
	case nil, *plan.DefaultAuth:
		return nil, nil
	case *plan.UserNamePasswordAuth:
		if c, ok := id.Credential("password"); ok {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %s needs a password credential for %s", ErrMissingCredential, NameOf(id), s.StrategyKind())
	case *plan.DelegatedKerberosAuth:
		if c, ok := id.Credential("kerberos"); ok {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %s needs a kerberos credential for %s", ErrMissingCredential, NameOf(id), s.StrategyKind())
	}
	return nil, fmt.Errorf("authz: unsupported authentication strategy %T", s)
}
