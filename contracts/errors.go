package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrNotConnected     = errors.New("contracts: connector is not connected")
	ErrAlreadyConnected = errors.New("contracts: connector is already connected")
	ErrConnectionClosed = errors.New("contracts: connection is closed")

	// Subscription errors
	ErrAlreadySubscribed = errors.New("contracts: topic already has a subscription")
	ErrNotSubscribed     = errors.New("contracts: no subscription for topic")

	// Message errors
	ErrNilMessage   = errors.New("contracts: message is nil")
	ErrEmptyTopic   = errors.New("contracts: topic is empty")
	ErrEmptyPayload = errors.New("contracts: payload is empty")
)

// ConnectionError represents a connector-level connectivity failure. It
// flips the component unhealthy and makes it eligible for reconnection.
type ConnectionError struct {
	Component string    // Component name or transport kind
	Op        string    // Operation that failed (connect, disconnect, ping)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s failed for %s: %v", e.Op, e.Component, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError for the given component
// and operation.
func NewConnectionError(component, op string, err error) *ConnectionError {
	return &ConnectionError{
		Component: component,
		Op:        op,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// PublishError represents a failure delivering a message to a topic.
// Retryable unless the underlying error is explicitly marked otherwise.
type PublishError struct {
	Topic     string    // Target topic
	MessageID string    // ID of the message that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("publish error: message %s to topic %s: %v", e.MessageID, e.Topic, e.Err)
	}
	return fmt.Sprintf("publish error: topic %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NewPublishError wraps err as a PublishError for the given topic.
func NewPublishError(topic, messageID string, err error) *PublishError {
	return &PublishError{
		Topic:     topic,
		MessageID: messageID,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// ConsumptionError represents a failure while consuming or handling a
// delivery. Retryable unless the underlying error is explicitly marked
// otherwise.
type ConsumptionError struct {
	Topic     string    // Source topic
	MessageID string    // ID of the delivery that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConsumptionError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("consumption error: message %s from topic %s: %v", e.MessageID, e.Topic, e.Err)
	}
	return fmt.Sprintf("consumption error: topic %s: %v", e.Topic, e.Err)
}

func (e *ConsumptionError) Unwrap() error {
	return e.Err
}

// NewConsumptionError wraps err as a ConsumptionError for the given topic.
func NewConsumptionError(topic, messageID string, err error) *ConsumptionError {
	return &ConsumptionError{
		Topic:     topic,
		MessageID: messageID,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
