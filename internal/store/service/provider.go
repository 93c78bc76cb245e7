package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// EndpointProvider lists reachable endpoints (host:port) for a service.
// Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// Wildcard maps every service without its own endpoints.
const Wildcard = "*"

// ParseBackends reads "Service=host:port" mappings. A service may be given
// more than once; Wildcard sets the default.
func ParseBackends(specs []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, v := range specs {
		svc, ep, ok := strings.Cut(v, "=")
		svc, ep = strings.TrimSpace(svc), strings.TrimSpace(ep)
		if !ok || svc == "" || ep == "" {
			return nil, fmt.Errorf("invalid backend %q", v)
		}
		out[svc] = append(out[svc], ep)
	}
	return out, nil
}

// StaticEndpoints is a provider backed by an in-memory map.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = slices.Clone(v)
	}
	return &StaticEndpoints{data: cp}
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		arr = s.data[Wildcard]
	}
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	return slices.Clone(arr), nil
}

// Set replaces the endpoints of one service.
func (s *StaticEndpoints) Set(service string, endpoints []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[service] = slices.Clone(endpoints)
}

// Services returns the known services in sorted order.
func (s *StaticEndpoints) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}
