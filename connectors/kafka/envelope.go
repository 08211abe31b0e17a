package kafka

import (
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/keelmq/keel-go/contracts"
)

// Kafka records have no message-id or correlation-id properties, so identity
// and retry bookkeeping ride in record headers. The message ID doubles as the
// partition key.
const (
	correlationHeader = "x-keel-correlation-id"
	retryCountHeader  = "x-keel-retry-count"
	maxRetriesHeader  = "x-keel-max-retries"
)

func toProducerMessage(topic string, msg *contracts.Message) *sarama.ProducerMessage {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	if msg.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(correlationHeader),
			Value: []byte(msg.CorrelationID),
		})
	}
	headers = append(headers,
		sarama.RecordHeader{
			Key:   []byte(retryCountHeader),
			Value: []byte(strconv.Itoa(msg.RetryCount)),
		},
		sarama.RecordHeader{
			Key:   []byte(maxRetriesHeader),
			Value: []byte(strconv.Itoa(msg.MaxRetries)),
		},
	)

	pm := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(msg.ID),
		Headers:   headers,
		Timestamp: msg.CreatedAt,
	}
	if msg.Payload != nil {
		pm.Value = sarama.ByteEncoder(msg.Payload)
	}
	return pm
}

// fromConsumerMessage rebuilds a message from a consumed record. Records from
// foreign producers may lack a key, timestamp, or the keel headers, so
// everything gets defaults.
func fromConsumerMessage(cm *sarama.ConsumerMessage) *contracts.Message {
	msg := &contracts.Message{
		ID:         string(cm.Key),
		Topic:      cm.Topic,
		Payload:    cm.Value,
		Headers:    make(map[string]string),
		CreatedAt:  cm.Timestamp,
		MaxRetries: contracts.DefaultMaxRetries,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	for _, h := range cm.Headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		switch string(h.Key) {
		case correlationHeader:
			msg.CorrelationID = string(h.Value)
		case retryCountHeader:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
				msg.RetryCount = n
			}
		case maxRetriesHeader:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
				msg.MaxRetries = n
			}
		default:
			msg.Headers[string(h.Key)] = string(h.Value)
		}
	}
	return msg
}
