// Package contracts defines the unit of work and the shared error taxonomy
// that flow between connectors, the resilience engine, and the orchestrator.
//
// The central type is Message: an envelope carrying the payload, routing
// topic, correlation metadata, and the retry budget the resilience layer
// consults when deciding between requeueing and dead-lettering.
//
// Error types here describe connector-level failures:
//   - ConnectionError: transport connectivity failures, eligible for reconnect
//   - PublishError: failures delivering a message to a topic
//   - ConsumptionError: failures while consuming or handling a delivery
//
// All typed errors wrap an underlying cause and support errors.Is/errors.As.
package contracts
