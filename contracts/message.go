package contracts

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry budget assigned to messages that do not
// specify their own.
const DefaultMaxRetries = 3

// Message is the unit of work flowing through publish, consume, and
// reprocessing operations. RetryCount only ever increases and never exceeds
// MaxRetries before the message is declared terminal.
type Message struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Payload       []byte            `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
}

// MessageOption configures a message at construction time.
type MessageOption func(*Message)

// WithID overrides the generated message ID.
func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(correlationID string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = correlationID
	}
}

// WithHeader sets a single header value.
func WithHeader(key, value string) MessageOption {
	return func(m *Message) {
		m.Headers[key] = value
	}
}

// WithHeaders merges the given headers into the message.
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range headers {
			m.Headers[k] = v
		}
	}
}

// WithMaxRetries sets the retry budget. Negative values are treated as zero.
func WithMaxRetries(n int) MessageOption {
	return func(m *Message) {
		if n < 0 {
			n = 0
		}
		m.MaxRetries = n
	}
}

// WithRetryCount restores a retry count, used by connectors that rebuild
// messages from wire metadata after redelivery.
func WithRetryCount(n int) MessageOption {
	return func(m *Message) {
		if n < 0 {
			n = 0
		}
		m.RetryCount = n
	}
}

// NewMessage creates a message with a generated ID and a UTC creation
// timestamp.
func NewMessage(topic string, payload []byte, opts ...MessageOption) *Message {
	m := &Message{
		ID:         uuid.New().String(),
		Topic:      topic,
		Payload:    payload,
		Headers:    make(map[string]string),
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IncrementRetry bumps the retry count by one and returns the new value.
func (m *Message) IncrementRetry() int {
	m.RetryCount++
	return m.RetryCount
}

// Exhausted reports whether the retry budget is spent.
func (m *Message) Exhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// Header returns the header value for key and whether it was present.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets a header value, allocating the map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Clone returns a deep copy so concurrent consumers cannot observe each
// other's mutations.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	if m.Headers != nil {
		clone.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			clone.Headers[k] = v
		}
	}
	return &clone
}
