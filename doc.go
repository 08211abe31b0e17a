// Package keel orchestrates broker and dependency connectors for
// message-passing services, running every operation through per-component
// resilience machinery (circuit breaking, retries, deduplication,
// dead-lettering, rolling metrics).
//
// Typical wiring:
//
//	orch := keel.NewOrchestrator(keel.WithLogger(logger))
//	orch.Register("rabbit", keel.KindBroker, amqpConnector,
//		keel.WithBreakerConfig(resilience.CircuitBreakerConfig{FailureThreshold: 5}),
//		keel.WithDeduplication(resilience.DedupConfig{Window: 5 * time.Minute}),
//	)
//	if err := orch.Initialize(ctx); err != nil {
//		return err
//	}
//	defer orch.Shutdown(context.Background())
//
//	outcome, err := orch.Publish(ctx, "rabbit", "orders.created", msg)
//
// Connector implementations for AMQP, Kafka, Redis, and in-process testing
// live under connectors/.
package keel
