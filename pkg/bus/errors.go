package bus

import "errors"

var (
	// ErrClosed is returned by Publish and Send after Close.
	ErrClosed = errors.New("bus: closed")
	// ErrNoHandler is wrapped into the Send error when no handler is
	// registered for the request type.
	ErrNoHandler = errors.New("bus: no handler")
	// ErrHandlerConflict is wrapped into the RegisterHandler error when a
	// different handler is already bound to the request type.
	ErrHandlerConflict = errors.New("bus: handler conflict")
)
