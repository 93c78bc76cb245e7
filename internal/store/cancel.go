package store

import (
	"context"

	"github.com/hanpama/planexec/internal/session"
	"github.com/hanpama/planexec/internal/state"
)

// CancelScope returns a context for one store call. It is cancelled when the
// request is cancelled or when the caller's session is cancelled through
// the session manager. release undoes the session registration and cancels
// the context; call it once the call's resources are released.
func CancelScope(ctx context.Context, st *state.ExecutionState) (scoped context.Context, release func()) {
	scoped, cancel := context.WithCancel(ctx)
	st.Request.RegisterCancellationHandler(func(error) { cancel() })
	sessionID := st.Request.SessionID()
	if st.Sessions == nil || sessionID == "" {
		return scoped, cancel
	}
	exe := session.ExecutableFunc(cancel)
	st.Sessions.Add(sessionID, &exe)
	return scoped, func() {
		st.Sessions.Remove(sessionID, &exe)
		cancel()
	}
}
