package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an execution request is received.
type HTTPStart struct {
	Request *http.Request
	Route   string
}

// HTTPFinish is emitted after the handler completes.
type HTTPFinish struct {
	Request  *http.Request
	Route    string
	Format   string
	Status   int
	Duration time.Duration
}
