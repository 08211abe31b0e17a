package keel

import (
	"time"

	"github.com/keelmq/keel-go/resilience"
)

// Observer receives orchestrator events for export to an external metrics
// system. The observe package provides an OpenTelemetry implementation; the
// core never imports a metrics SDK itself.
//
// Callbacks run on orchestrator goroutines and must not block.
type Observer interface {
	// ObserveOperation is invoked once per executed publish or consume with
	// the component name, the operation label, and its outcome.
	ObserveOperation(component, operation string, outcome resilience.Outcome, elapsed time.Duration)

	// ObserveHealth is invoked after every health probe with the resulting
	// component status.
	ObserveHealth(component string, status Status)

	// ObserveCircuitTransition is invoked when a component's circuit breaker
	// changes state.
	ObserveCircuitTransition(component string, from, to resilience.State)
}
