// Package redis provides a broker connector backed by Redis pub/sub.
// Messages travel as JSON envelopes on the topic channel, so identity,
// correlation, and retry bookkeeping survive the round trip. Redis pub/sub
// is fire-and-forget: publishes to channels without a subscriber are
// dropped, and failed deliveries are requeued by republishing.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
	"github.com/keelmq/keel-go/resilience"
	"github.com/redis/go-redis/v9"
)

const defaultRedeliveryDelay = 100 * time.Millisecond

// Connector is a Redis-backed connector implementing keel.Connector. Each
// subscription owns its PubSub and receive goroutine. The connector does not
// reconnect on its own; a lost server flips it unhealthy so the owning
// orchestrator can drive recovery.
type Connector struct {
	addr   string
	logger *slog.Logger

	password        string
	db              int
	baseOptions     *redis.Options
	redeliveryDelay time.Duration

	mu        sync.Mutex
	connected bool
	client    *redis.Client
	subs      map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
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

// WithPassword sets the server password.
func WithPassword(password string) Option {
	return func(c *Connector) {
		c.password = password
	}
}

// WithDB selects the logical database.
func WithDB(db int) Option {
	return func(c *Connector) {
		if db >= 0 {
			c.db = db
		}
	}
}

// WithOptions supplies preconfigured client options. They are cloned
// internally so the caller retains ownership; the connector address wins
// over the one in the options.
func WithOptions(opts *redis.Options) Option {
	return func(c *Connector) {
		if opts != nil {
			c.baseOptions = opts
		}
	}
}

// WithRedeliveryDelay sets the pause before a failed delivery is
// republished.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(c *Connector) {
		if d >= 0 {
			c.redeliveryDelay = d
		}
	}
}

// New creates a disconnected Redis connector for the given address.
func New(addr string, opts ...Option) *Connector {
	c := &Connector{
		addr:            addr,
		logger:          slog.Default(),
		redeliveryDelay: defaultRedeliveryDelay,
		subs:            make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect creates the client and verifies the server with a ping.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return contracts.ErrAlreadyConnected
	}

	var options *redis.Options
	if c.baseOptions != nil {
		cloned := *c.baseOptions
		options = &cloned
	} else {
		options = &redis.Options{Password: c.password, DB: c.db}
	}
	options.Addr = c.addr

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return contracts.NewConnectionError("redis", "connect", err)
	}

	c.client = client
	c.connected = true

	c.logger.Info("connected to server", "addr", c.addr, "db", options.DB)
	return nil
}

// Disconnect stops all subscriptions and closes the client.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return contracts.ErrNotConnected
	}
	c.connected = false
	client := c.client
	c.client = nil
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for topic, sub := range subs {
		if err := c.stopSubscription(ctx, topic, sub); err != nil {
			c.logger.Warn("failed to stop subscription",
				"topic", topic, "error", err)
		}
	}

	if err := client.Close(); err != nil {
		return contracts.NewConnectionError("redis", "disconnect", err)
	}

	c.logger.Info("disconnected from server", "addr", c.addr)
	return nil
}

// Publish sends the message to the topic channel as a JSON envelope.
// Channels without a subscriber drop the publish, as Redis pub/sub does.
func (c *Connector) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}
	if topic == "" {
		return contracts.ErrEmptyTopic
	}

	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return contracts.NewPublishError(topic, msg.ID, contracts.ErrNotConnected)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return contracts.NewPublishError(topic, msg.ID, resilience.NonRetryable(err))
	}
	if err := client.Publish(ctx, topic, data).Err(); err != nil {
		return contracts.NewPublishError(topic, msg.ID, err)
	}
	return nil
}

// Subscribe opens a PubSub on the topic channel and feeds deliveries to the
// handler. One subscription per topic.
func (c *Connector) Subscribe(ctx context.Context, topic string, handler keel.MessageHandler) error {
	if topic == "" {
		return contracts.ErrEmptyTopic
	}
	if handler == nil {
		return keel.ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return contracts.ErrNotConnected
	}
	if _, exists := c.subs[topic]; exists {
		return contracts.ErrAlreadySubscribed
	}

	pubsub := c.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return contracts.NewConsumptionError(topic, "", err)
	}

	// The subscription outlives the Subscribe call, so its context is
	// detached from the caller's and cancelled by Unsubscribe or
	// Disconnect.
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.subs[topic] = sub

	go c.receive(subCtx, topic, pubsub.Channel(), handler, sub.done)

	c.logger.Info("subscribed to channel", "topic", topic)
	return nil
}

// Unsubscribe closes the topic's PubSub and waits for its loop to drain.
func (c *Connector) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if !ok {
		return contracts.ErrNotSubscribed
	}
	return c.stopSubscription(ctx, topic, sub)
}

// HealthCheck pings the server and reports pool pressure.
func (c *Connector) HealthCheck(ctx context.Context) (bool, map[string]any, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	subscriptions := len(c.subs)
	c.mu.Unlock()

	detail := map[string]any{
		"addr":          c.addr,
		"subscriptions": subscriptions,
	}
	if !connected || client == nil {
		return false, detail, nil
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return false, detail, contracts.NewConnectionError("redis", "ping", err)
	}

	stats := client.PoolStats()
	detail["poolHits"] = stats.Hits
	detail["poolMisses"] = stats.Misses
	detail["poolTotalConns"] = stats.TotalConns
	detail["poolIdleConns"] = stats.IdleConns
	return true, detail, nil
}

func (c *Connector) stopSubscription(ctx context.Context, topic string, sub *subscription) error {
	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		c.logger.Warn("failed to close pubsub",
			"topic", topic, "error", err)
	}

	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Connector) receive(ctx context.Context, topic string, msgs <-chan *redis.Message, handler keel.MessageHandler, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				c.logger.Debug("pubsub channel closed", "topic", topic)
				return
			}
			c.handleDelivery(ctx, topic, []byte(m.Payload), handler)
		}
	}
}

// handleDelivery runs the handler and settles the delivery. Redis cannot
// redeliver, so failed messages are requeued by republishing with the
// advanced retry count. Circuit rejections spend no retry budget and are
// replayed after a pause so an open circuit does not spin the channel.
func (c *Connector) handleDelivery(ctx context.Context, topic string, payload []byte, handler keel.MessageHandler) {
	msg := decodeMessage(topic, payload)
	seen := msg.RetryCount

	err := handler(ctx, msg)
	if err == nil {
		return
	}

	if resilience.IsCircuitOpen(err) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.redeliveryDelay):
		}
		if pubErr := c.Publish(ctx, topic, msg); pubErr != nil {
			c.logger.Error("failed to replay delivery",
				"topic", topic, "messageId", msg.ID, "error", pubErr)
		}
		return
	}

	if msg.RetryCount == seen {
		msg.IncrementRetry()
	}
	if msg.RetryCount > msg.MaxRetries {
		c.logger.Warn("dropping delivery with exhausted retry budget",
			"topic", topic, "messageId", msg.ID, "retryCount", msg.RetryCount)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.redeliveryDelay):
	}
	if pubErr := c.Publish(ctx, topic, msg); pubErr != nil {
		c.logger.Error("failed to requeue delivery",
			"topic", topic, "messageId", msg.ID, "error", pubErr)
		return
	}
	c.logger.Debug("requeued delivery for retry",
		"topic", topic, "messageId", msg.ID, "retryCount", msg.RetryCount)
}

// decodeMessage rebuilds a message from a channel payload. Payloads from
// foreign publishers that are not keel envelopes are wrapped as opaque
// message bodies.
func decodeMessage(topic string, payload []byte) *contracts.Message {
	var msg contracts.Message
	if err := json.Unmarshal(payload, &msg); err == nil && msg.ID != "" {
		if msg.Topic == "" {
			msg.Topic = topic
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		return &msg
	}

	return &contracts.Message{
		ID:         uuid.New().String(),
		Topic:      topic,
		Payload:    payload,
		Headers:    make(map[string]string),
		CreatedAt:  time.Now().UTC(),
		MaxRetries: contracts.DefaultMaxRetries,
	}
}

var _ keel.Connector = (*Connector)(nil)
