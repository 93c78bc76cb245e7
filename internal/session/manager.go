// Package session tracks the store executables running for each session so
// that all of a session's work can be cancelled together.
package session

import (
	"sync"
	"sync/atomic"
)

// Executable is in-flight store work that can be cancelled.
type Executable interface {
	Cancel()
}

// ExecutableFunc adapts a function to Executable. Compare registrations by
// pointer: wrap it as *ExecutableFunc.
type ExecutableFunc func()

func (f *ExecutableFunc) Cancel() { (*f)() }

// Manager maps session ids to their in-flight executables. It does nothing
// until Register is called; Reset returns it to that state.
type Manager struct {
	registered atomic.Bool
	sessions   sync.Map // session id -> *set
}

// Sessions returns how many sessions have executables recorded.
func (m *Manager) Sessions() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool { n++; return true })
	return n
}

type set struct {
	mu    sync.Mutex
	items map[Executable]struct{}
	// gone is set once the set is dropped from the map; Add then retries
	// with a fresh set.
	gone bool
}

func NewManager() *Manager { return &Manager{} }

// Register enables tracking.
func (m *Manager) Register() { m.registered.Store(true) }

// IsRegistered reports whether tracking is enabled.
func (m *Manager) IsRegistered() bool { return m.registered.Load() }

// Reset disables tracking and forgets every session.
func (m *Manager) Reset() {
	m.registered.Store(false)
	m.sessions.Range(func(k, _ any) bool {
		m.sessions.Delete(k)
		return true
	})
}

// Add records e for sessionID and returns the session's executables.
func (m *Manager) Add(sessionID string, e Executable) []Executable {
	if !m.IsRegistered() || sessionID == "" || e == nil {
		return nil
	}
	for {
		v, _ := m.sessions.LoadOrStore(sessionID, &set{items: map[Executable]struct{}{}})
		s := v.(*set)
		s.mu.Lock()
		if s.gone {
			s.mu.Unlock()
			continue
		}
		s.items[e] = struct{}{}
		out := s.list()
		s.mu.Unlock()
		return out
	}
}

// Remove forgets e for sessionID and returns the session's remaining
// executables. A session left with none is forgotten.
func (m *Manager) Remove(sessionID string, e Executable) []Executable {
	if !m.IsRegistered() {
		return nil
	}
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	s := v.(*set)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, e)
	if len(s.items) == 0 && !s.gone {
		s.gone = true
		m.sessions.CompareAndDelete(sessionID, s)
	}
	return s.list()
}

// Executables returns the executables recorded for sessionID.
func (m *Manager) Executables(sessionID string) []Executable {
	if !m.IsRegistered() {
		return nil
	}
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	s := v.(*set)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

// CancelSession cancels and forgets every executable of sessionID. It
// returns how many were cancelled.
func (m *Manager) CancelSession(sessionID string) int {
	if !m.IsRegistered() {
		return 0
	}
	v, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return 0
	}
	s := v.(*set)
	s.mu.Lock()
	items := s.list()
	s.items = map[Executable]struct{}{}
	s.gone = true
	s.mu.Unlock()
	for _, e := range items {
		e.Cancel()
	}
	return len(items)
}

func (s *set) list() []Executable {
	out := make([]Executable, 0, len(s.items))
	for e := range s.items {
		out = append(out, e)
	}
	return out
}
