// Package reqctx carries per-request identity and cooperative cancellation.
package reqctx

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrCancelled is the signal passed to cancellation handlers.
var ErrCancelled = errors.New("reqctx: request cancelled")

// Handler is called once when the request is cancelled.
type Handler func(reason error)

// RequestContext describes the caller of one execution. All getters are
// safe on a nil *RequestContext and return empty values.
type RequestContext struct {
	sessionID string
	referral  string
	token     string

	mu        sync.Mutex
	cancelled bool
	reason    error
	handlers  []Handler
}

// New returns a context with a freshly generated request token.
func New(sessionID, referral string) *RequestContext {
	return &RequestContext{sessionID: sessionID, referral: referral, token: uuid.NewString()}
}

// WithToken returns a context using a caller supplied request token.
func WithToken(sessionID, referral, token string) *RequestContext {
	if token == "" {
		token = uuid.NewString()
	}
	return &RequestContext{sessionID: sessionID, referral: referral, token: token}
}

func (rc *RequestContext) SessionID() string {
	if rc == nil {
		return ""
	}
	return rc.sessionID
}

func (rc *RequestContext) Referral() string {
	if rc == nil {
		return ""
	}
	return rc.referral
}

func (rc *RequestContext) RequestToken() string {
	if rc == nil {
		return ""
	}
	return rc.token
}

// RegisterCancellationHandler adds h. If the request is already cancelled h
// runs immediately on the calling goroutine.
func (rc *RequestContext) RegisterCancellationHandler(h Handler) {
	if rc == nil || h == nil {
		return
	}
	rc.mu.Lock()
	if rc.cancelled {
		reason := rc.reason
		rc.mu.Unlock()
		h(reason)
		return
	}
	rc.handlers = append(rc.handlers, h)
	rc.mu.Unlock()
}

// Cancel runs every registered handler in registration order, once. Later
// calls do nothing.
func (rc *RequestContext) Cancel() {
	rc.CancelWithReason(ErrCancelled)
}

// CancelWithReason is Cancel with a custom signal.
func (rc *RequestContext) CancelWithReason(reason error) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	if rc.cancelled {
		rc.mu.Unlock()
		return
	}
	rc.cancelled = true
	rc.reason = reason
	handlers := rc.handlers
	rc.handlers = nil
	rc.mu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (rc *RequestContext) IsCancelled() bool {
	if rc == nil {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelled
}

// Bind returns a child of ctx that is cancelled when rc is cancelled. The
// returned stop function releases the child.
func (rc *RequestContext) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancelCause(ctx)
	rc.RegisterCancellationHandler(func(reason error) { cancel(reason) })
	return child, func() { cancel(context.Canceled) }
}

type key struct{}

// NewContext returns a copy of parent carrying rc.
func NewContext(parent context.Context, rc *RequestContext) context.Context {
	return context.WithValue(parent, key{}, rc)
}

// FromContext returns the RequestContext stored in ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(key{}).(*RequestContext)
	return rc
}

// Token returns the request token in ctx, or "".
func Token(ctx context.Context) string {
	return FromContext(ctx).RequestToken()
}
