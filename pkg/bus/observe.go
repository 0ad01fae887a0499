package bus

import "time"

// EventKind classifies a delivery outcome.
type EventKind string

const (
	// EventDelivered marks a consumer invocation that returned nil.
	EventDelivered EventKind = "delivered"
	// EventFailed marks a consumer invocation that returned an error or
	// panicked.
	EventFailed EventKind = "failed"
	// EventFiltered marks a delivery suppressed by the filter chain.
	EventFiltered EventKind = "filtered"
	// EventResolveFailed marks a type registration whose consumer could not
	// be resolved.
	EventResolveFailed EventKind = "resolve_failed"
)

// Event describes the outcome of one delivery attempt, including work that
// completed after its publisher stopped waiting.
type Event struct {
	Kind          EventKind
	Consumer      string
	Message       string
	CorrelationID string
	Err           error
	Duration      time.Duration
}

// Observer receives delivery outcomes from the bus.
type Observer interface {
	Observe(ev Event)
}

// NoOpObserver is an Observer that does nothing (the default).
type NoOpObserver struct{}

// Observe is a no-op.
func (o *NoOpObserver) Observe(Event) {}

// CallbackObserver is an Observer that calls a callback function (for
// testing).
type CallbackObserver struct {
	callback func(ev Event)
}

// NewCallbackObserver creates a new CallbackObserver.
func NewCallbackObserver(cb func(ev Event)) *CallbackObserver {
	return &CallbackObserver{callback: cb}
}

// Observe calls the callback.
func (o *CallbackObserver) Observe(ev Event) {
	o.callback(ev)
}
