// Package amqp provides a broker connector backed by RabbitMQ. Messages are
// published to a durable topic exchange with broker confirmations, and
// subscriptions consume from durable per-topic queues with explicit
// acknowledgment. The connector does not reconnect on its own; a lost
// connection flips it unhealthy so the owning orchestrator can drive
// recovery.
package amqp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange       = "keel.topic"
	defaultQueuePrefix    = "keel"
	defaultPrefetchCount  = 10
	defaultConfirmTimeout = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultHeartbeat      = 10 * time.Second
)

var (
	// ErrPublishNacked is returned when the broker refuses a publish.
	ErrPublishNacked = errors.New("amqp: broker rejected publish")
	// ErrConfirmTimeout is returned when no broker confirmation arrives
	// within the configured window.
	ErrConfirmTimeout = errors.New("amqp: timed out waiting for publish confirmation")
	// ErrChannelClosed is returned when the publish channel dies before a
	// confirmation arrives.
	ErrChannelClosed = errors.New("amqp: publish channel closed")
)

// Connector is a RabbitMQ-backed connector implementing keel.Connector.
// Publishes go through a confirm-mode channel, one confirmation per publish.
// Each subscription owns its channel and a durable queue named
// "<prefix>.<topic>" bound to the topic exchange with the topic as routing
// key.
type Connector struct {
	url    string
	logger *slog.Logger

	exchange       string
	queuePrefix    string
	prefetchCount  int
	confirmTimeout time.Duration
	dialTimeout    time.Duration
	heartbeat      time.Duration

	mu        sync.Mutex
	conn      *amqp091.Connection
	connected bool
	subs      map[string]*subscription

	// pubMu serializes publishes so confirmations can be matched to the
	// publish that is waiting for them.
	pubMu    sync.Mutex
	pubCh    *amqp091.Channel
	pubConn  *amqp091.Connection
	confirms chan amqp091.Confirmation
}

type subscription struct {
	queue  string
	tag    string
	ch     *amqp091.Channel
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

// WithExchange sets the topic exchange messages are published to.
func WithExchange(name string) Option {
	return func(c *Connector) {
		if name != "" {
			c.exchange = name
		}
	}
}

// WithQueuePrefix sets the prefix for subscription queue names.
func WithQueuePrefix(prefix string) Option {
	return func(c *Connector) {
		if prefix != "" {
			c.queuePrefix = prefix
		}
	}
}

// WithPrefetchCount sets the per-subscription prefetch count.
func WithPrefetchCount(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.prefetchCount = n
		}
	}
}

// WithConfirmTimeout sets how long Publish waits for a broker confirmation.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithDialTimeout sets the connection dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHeartbeat sets the AMQP heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// New creates a disconnected RabbitMQ connector for the given broker URL.
func New(url string, opts ...Option) *Connector {
	c := &Connector{
		url:            url,
		logger:         slog.Default(),
		exchange:       defaultExchange,
		queuePrefix:    defaultQueuePrefix,
		prefetchCount:  defaultPrefetchCount,
		confirmTimeout: defaultConfirmTimeout,
		dialTimeout:    defaultDialTimeout,
		heartbeat:      defaultHeartbeat,
		subs:           make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the broker and declares the topic exchange.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return contracts.ErrAlreadyConnected
	}

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := amqp091.DialConfig(c.url, amqp091.Config{
		Heartbeat: c.heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return contracts.NewConnectionError("amqp", "connect", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return contracts.NewConnectionError("amqp", "open channel", err)
	}
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return contracts.NewConnectionError("amqp", "declare exchange", err)
	}
	ch.Close()

	c.conn = conn
	c.connected = true

	closes := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go c.watchClose(conn, closes)

	c.logger.Info("connected to broker",
		"url", SanitizeURL(c.url),
		"exchange", c.exchange)
	return nil
}

// Disconnect cancels all subscriptions and closes the connection. Messages
// already delivered but not yet acknowledged are requeued by the broker.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return contracts.ErrNotConnected
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for topic, sub := range subs {
		if err := c.stopSubscription(ctx, topic, sub); err != nil {
			c.logger.Warn("failed to stop subscription",
				"topic", topic, "error", err)
		}
	}

	c.pubMu.Lock()
	c.closePublishChannelLocked()
	c.pubMu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return contracts.NewConnectionError("amqp", "disconnect", err)
	}

	c.logger.Info("disconnected from broker", "url", SanitizeURL(c.url))
	return nil
}

// HealthCheck reports whether the broker connection is alive.
func (c *Connector) HealthCheck(ctx context.Context) (bool, map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := c.connected && c.conn != nil && !c.conn.IsClosed()
	detail := map[string]any{
		"url":           SanitizeURL(c.url),
		"exchange":      c.exchange,
		"subscriptions": len(c.subs),
	}
	return healthy, detail, nil
}

// watchClose marks the connector disconnected when the broker drops the
// connection. Deliberate Disconnect closes the notification channel without
// an error and is ignored here.
func (c *Connector) watchClose(conn *amqp091.Connection, closes <-chan *amqp091.Error) {
	closeErr, ok := <-closes
	if !ok || closeErr == nil {
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
		c.conn = nil
	}
	c.mu.Unlock()

	c.logger.Warn("connection closed by broker",
		"url", SanitizeURL(c.url),
		"error", closeErr)
}

// SanitizeURL redacts the password portion of a broker URL so it can be
// logged safely.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

var _ keel.Connector = (*Connector)(nil)
