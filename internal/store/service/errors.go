package service

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("service: no endpoints available")
	// ErrClosed is returned by calls on a closed transport.
	ErrClosed = errors.New("service: transport closed")
	// ErrNoProvider is returned when no endpoint provider is configured.
	ErrNoProvider = errors.New("service: endpoint provider not configured")
	// ErrMissingParameter is returned when a required parameter is unbound.
	ErrMissingParameter = errors.New("service: missing required parameter")
)
