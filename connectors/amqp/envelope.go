package amqp

import (
	"time"

	"github.com/google/uuid"
	"github.com/keelmq/keel-go/contracts"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Retry bookkeeping rides in headers so it survives broker round trips.
// Everything else maps onto native AMQP properties.
const (
	retryCountHeader = "x-keel-retry-count"
	maxRetriesHeader = "x-keel-max-retries"
)

func toPublishing(msg *contracts.Message) amqp091.Publishing {
	headers := make(amqp091.Table, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(msg.RetryCount)
	headers[maxRetriesHeader] = int32(msg.MaxRetries)

	return amqp091.Publishing{
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.CreatedAt,
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp091.Persistent,
		Headers:       headers,
		Body:          msg.Payload,
	}
}

// fromDelivery rebuilds a message from a broker delivery. Deliveries from
// foreign producers may lack an ID or timestamp, so both get defaults.
func fromDelivery(d amqp091.Delivery) *contracts.Message {
	msg := &contracts.Message{
		ID:            d.MessageId,
		Topic:         d.RoutingKey,
		Payload:       d.Body,
		Headers:       make(map[string]string),
		CorrelationID: d.CorrelationId,
		CreatedAt:     d.Timestamp,
		MaxRetries:    contracts.DefaultMaxRetries,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	for k, v := range d.Headers {
		switch k {
		case retryCountHeader:
			if n, ok := tableInt(v); ok {
				msg.RetryCount = n
			}
		case maxRetriesHeader:
			if n, ok := tableInt(v); ok {
				msg.MaxRetries = n
			}
		default:
			if s, ok := tableString(v); ok {
				msg.Headers[k] = s
			}
		}
	}
	return msg
}

// tableInt coerces the integer widths AMQP clients use for header values.
func tableInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

func tableString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
