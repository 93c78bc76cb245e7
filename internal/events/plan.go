package events

import "time"

// PlanStart is emitted before a plan's root node runs.
type PlanStart struct {
	RequestToken string
	PlanKind     string
	Identity     string
	Nodes        int
}

// PlanFinish is emitted after a plan has produced its result. Code is set
// when the result is an error result.
type PlanFinish struct {
	RequestToken string
	PlanKind     string
	Identity     string
	Failed       bool
	Code         int
	Err          error
	Duration     time.Duration
}

// PlanRejected is emitted when a plan fails before execution, during
// resolution, authorization or state setup.
type PlanRejected struct {
	RequestToken string
	Stage        string
	Err          error
}
