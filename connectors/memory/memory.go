// Package memory provides an in-process connector for tests, examples, and
// single-process deployments. Published messages are queued and dispatched
// to topic subscribers on a background goroutine, preserving publish order.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
)

const (
	defaultQueueSize       = 256
	defaultRedeliveryLimit = 3
	defaultRedeliveryDelay = 50 * time.Millisecond
)

// ErrQueueFull is returned by Publish when the delivery queue is at
// capacity.
var ErrQueueFull = errors.New("memory: delivery queue full")

// Connector is an in-process message bus implementing keel.Connector.
// Deliveries run on a single dispatcher goroutine, so messages on the same
// connector arrive in publish order. A delivery whose handler fails is
// redelivered up to the configured limit, then dropped with a log line.
type Connector struct {
	mu        sync.RWMutex
	connected bool
	handlers  map[string]keel.MessageHandler

	queue chan delivery
	done  chan struct{}
	wg    sync.WaitGroup

	queueSize       int
	redeliveryLimit int
	redeliveryDelay time.Duration
	logger          *slog.Logger

	delivered int64
	dropped   int64
}

type delivery struct {
	topic string
	msg   *contracts.Message
}

// Option configures the connector.
type Option func(*Connector)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueueSize sets the pending delivery queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithRedeliveryLimit sets how many times a failed delivery is retried
// before being dropped.
func WithRedeliveryLimit(n int) Option {
	return func(c *Connector) {
		if n >= 0 {
			c.redeliveryLimit = n
		}
	}
}

// WithRedeliveryDelay sets the pause between redeliveries of a failed
// message.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(c *Connector) {
		if d >= 0 {
			c.redeliveryDelay = d
		}
	}
}

// New creates a disconnected in-process connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		handlers:        make(map[string]keel.MessageHandler),
		queueSize:       defaultQueueSize,
		redeliveryLimit: defaultRedeliveryLimit,
		redeliveryDelay: defaultRedeliveryDelay,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the dispatcher.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return contracts.ErrAlreadyConnected
	}
	c.connected = true
	c.queue = make(chan delivery, c.queueSize)
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.dispatchLoop(c.queue, c.done)
	return nil
}

// Disconnect stops the dispatcher and clears subscriptions. Queued but
// undispatched messages are dropped.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return contracts.ErrNotConnected
	}
	c.connected = false
	done := c.done
	c.handlers = make(map[string]keel.MessageHandler)
	c.mu.Unlock()

	close(done)
	c.wg.Wait()
	return nil
}

// Publish queues msg for delivery to the topic's subscriber. Messages on
// topics without a subscriber are dropped, as a broker would drop an
// unrouted publish.
func (c *Connector) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}
	if topic == "" {
		return contracts.ErrEmptyTopic
	}

	c.mu.RLock()
	connected := c.connected
	queue := c.queue
	c.mu.RUnlock()
	if !connected {
		return contracts.ErrNotConnected
	}

	select {
	case queue <- delivery{topic: topic, msg: msg.Clone()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return contracts.NewPublishError(topic, msg.ID, ErrQueueFull)
	}
}

// Subscribe registers handler as the topic's subscriber. One subscriber per
// topic; a second Subscribe on the same topic fails.
func (c *Connector) Subscribe(ctx context.Context, topic string, handler keel.MessageHandler) error {
	if topic == "" {
		return contracts.ErrEmptyTopic
	}
	if handler == nil {
		return keel.ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return contracts.ErrNotConnected
	}
	if _, ok := c.handlers[topic]; ok {
		return contracts.ErrAlreadySubscribed
	}
	c.handlers[topic] = handler
	return nil
}

// Unsubscribe removes the topic's subscriber.
func (c *Connector) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[topic]; !ok {
		return contracts.ErrNotSubscribed
	}
	delete(c.handlers, topic)
	return nil
}

// HealthCheck reports connectivity and queue pressure.
func (c *Connector) HealthCheck(ctx context.Context) (bool, map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	detail := map[string]any{
		"subscriptions": len(c.handlers),
		"delivered":     c.delivered,
		"dropped":       c.dropped,
	}
	if c.connected {
		detail["queued"] = len(c.queue)
	}
	return c.connected, detail, nil
}

func (c *Connector) dispatchLoop(queue chan delivery, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case d := <-queue:
			c.dispatch(d, done)
		}
	}
}

// dispatch invokes the topic handler, redelivering on failure up to the
// limit. The handler runs detached from the publisher's context, the way a
// broker delivery would.
func (c *Connector) dispatch(d delivery, done chan struct{}) {
	for attempt := 0; ; attempt++ {
		c.mu.RLock()
		handler := c.handlers[d.topic]
		c.mu.RUnlock()
		if handler == nil {
			return
		}

		err := handler(context.Background(), d.msg)
		if err == nil {
			c.mu.Lock()
			c.delivered++
			c.mu.Unlock()
			return
		}

		if attempt >= c.redeliveryLimit {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			c.logger.Warn("dropping message after redelivery limit",
				"topic", d.topic, "messageId", d.msg.ID,
				"attempts", attempt+1, "error", err)
			return
		}

		select {
		case <-done:
			return
		case <-time.After(c.redeliveryDelay):
		}
	}
}

var _ keel.Connector = (*Connector)(nil)
