package keel

import (
	"context"

	"github.com/keelmq/keel-go/contracts"
)

// MessageHandler processes one delivered message. Returning an error tells
// the connector the delivery was not handled and may be redelivered.
type MessageHandler func(ctx context.Context, msg *contracts.Message) error

// Connector is the capability set a broker or dependency adapter implements
// to be managed by the orchestrator. Implementations live in the connectors
// subpackages; any transport that can publish, subscribe, and report its own
// health can participate.
//
// All methods must be safe for concurrent use.
type Connector interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and releases resources.
	Disconnect(ctx context.Context) error

	// Publish sends msg to topic.
	Publish(ctx context.Context, topic string, msg *contracts.Message) error

	// Subscribe registers handler for deliveries on topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// Unsubscribe removes the subscription on topic.
	Unsubscribe(ctx context.Context, topic string) error

	// HealthCheck reports whether the connector is healthy. detail carries
	// transport-specific diagnostics for logging; err is set when the check
	// itself could not run.
	HealthCheck(ctx context.Context) (healthy bool, detail map[string]any, err error)
}

// Status describes a managed component's last known condition.
type Status string

const (
	// StatusInitialized: registered but not yet connected or checked.
	StatusInitialized Status = "initialized"
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
)

// ComponentKind orders components for startup. Discovery components start
// first, then brokers, then dependent higher-level components; shutdown
// runs in reverse.
type ComponentKind int

const (
	KindDiscovery ComponentKind = iota
	KindBroker
	KindDependency
)

func (k ComponentKind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindBroker:
		return "broker"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// ComponentSummary is a point-in-time view of one registered component.
type ComponentSummary struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Status    Status `json:"status"`
	Connected bool   `json:"connected"`
}
