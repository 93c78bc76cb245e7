package events

// ResultError is emitted when an error result is written to a client.
type ResultError struct {
	EventType string
	Code      int
	Message   string
}
