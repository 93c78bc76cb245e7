package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// ServiceCallStart is emitted before a service store RPC.
type ServiceCallStart struct {
	Service string
	Method  string
	Target  string
}

// ServiceCallFinish is emitted after a service store RPC completes.
type ServiceCallFinish struct {
	Service  string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
