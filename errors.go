package keel

import "errors"

var (
	// ErrComponentNotFound is returned when an operation names a component
	// that was never registered.
	ErrComponentNotFound = errors.New("keel: component not found")

	// ErrComponentExists is returned when registering a duplicate name.
	ErrComponentExists = errors.New("keel: component already registered")

	// ErrEmptyComponentName is returned when registering with an empty name.
	ErrEmptyComponentName = errors.New("keel: component name is empty")

	// ErrNilConnector is returned when registering a nil connector.
	ErrNilConnector = errors.New("keel: connector is nil")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("keel: handler is nil")

	// ErrAlreadyRunning is returned by Initialize on a running orchestrator.
	ErrAlreadyRunning = errors.New("keel: orchestrator already running")

	// ErrNotRunning is returned by Shutdown on a stopped orchestrator.
	ErrNotRunning = errors.New("keel: orchestrator not running")

	// ErrUnhealthy marks a health probe where the connector answered but
	// reported itself unhealthy.
	ErrUnhealthy = errors.New("keel: component reported unhealthy")
)
