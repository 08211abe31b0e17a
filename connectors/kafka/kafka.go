// Package kafka provides a broker connector backed by Apache Kafka. Records
// publish through an idempotent sync producer that waits for acknowledgment
// from all in-sync replicas, and each subscription consumes its topic
// through its own consumer group member. The connector does not reconnect on
// its own; a lost cluster flips it unhealthy so the owning orchestrator can
// drive recovery.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
)

const (
	defaultGroupID          = "keel"
	defaultClientID         = "keel-connector"
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	consumeBackoff          = time.Second
)

// ErrNoBrokers is returned by Connect when the broker list is empty.
var ErrNoBrokers = errors.New("kafka: at least one broker is required")

// Connector is a Kafka-backed connector implementing keel.Connector. Each
// subscription runs its own consumer group member, so topics can be added
// and removed at runtime without disturbing each other.
type Connector struct {
	brokers []string
	logger  *slog.Logger

	groupID    string
	clientID   string
	baseConfig *sarama.Config

	mu        sync.Mutex
	connected bool
	config    *sarama.Config
	client    sarama.Client
	producer  sarama.SyncProducer
	subs      map[string]*subscription
}

type subscription struct {
	topic    string
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
	done     chan struct{}
	errsDone chan struct{}
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

// WithGroupID sets the consumer group ID subscriptions join.
func WithGroupID(id string) Option {
	return func(c *Connector) {
		if id != "" {
			c.groupID = id
		}
	}
}

// WithClientID sets the Kafka client ID.
func WithClientID(id string) Option {
	return func(c *Connector) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithConfig supplies a preconfigured Sarama config. It is cloned internally
// so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(c *Connector) {
		if cfg != nil {
			c.baseConfig = cfg
		}
	}
}

// New creates a disconnected Kafka connector for the given brokers.
func New(brokers []string, opts ...Option) *Connector {
	c := &Connector{
		brokers:  append([]string(nil), brokers...),
		logger:   slog.Default(),
		groupID:  defaultGroupID,
		clientID: defaultClientID,
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect creates the cluster client and the sync producer.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return contracts.ErrAlreadyConnected
	}
	if len(c.brokers) == 0 {
		return contracts.NewConnectionError("kafka", "connect", ErrNoBrokers)
	}

	cfg := cloneConfig(c.baseConfig)
	if cfg == nil {
		cfg = defaultConfig(c.clientID)
	}

	client, err := sarama.NewClient(c.brokers, cfg)
	if err != nil {
		return contracts.NewConnectionError("kafka", "connect", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return contracts.NewConnectionError("kafka", "create producer", err)
	}

	c.config = cfg
	c.client = client
	c.producer = producer
	c.connected = true

	c.logger.Info("connected to cluster",
		"brokers", strings.Join(c.brokers, ","),
		"groupId", c.groupID)
	return nil
}

// Disconnect stops all subscriptions and closes the producer and client.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return contracts.ErrNotConnected
	}
	c.connected = false
	client := c.client
	producer := c.producer
	c.client = nil
	c.producer = nil
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for topic, sub := range subs {
		if err := c.stopSubscription(ctx, sub); err != nil {
			c.logger.Warn("failed to stop subscription",
				"topic", topic, "error", err)
		}
	}

	var errs []error
	if err := producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return contracts.NewConnectionError("kafka", "disconnect", errors.Join(errs...))
	}

	c.logger.Info("disconnected from cluster")
	return nil
}

// Publish sends the message to the topic keyed by message ID and waits for
// acknowledgment from all in-sync replicas.
func (c *Connector) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}
	if topic == "" {
		return contracts.ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	producer := c.producer
	connected := c.connected
	c.mu.Unlock()

	if !connected || producer == nil {
		return contracts.NewPublishError(topic, msg.ID, contracts.ErrNotConnected)
	}

	partition, offset, err := producer.SendMessage(toProducerMessage(topic, msg))
	if err != nil {
		return contracts.NewPublishError(topic, msg.ID, err)
	}

	c.logger.Debug("published record",
		"topic", topic, "messageId", msg.ID,
		"partition", partition, "offset", offset)
	return nil
}

// HealthCheck refreshes cluster metadata to verify the brokers are
// reachable.
func (c *Connector) HealthCheck(ctx context.Context) (bool, map[string]any, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	subscriptions := len(c.subs)
	c.mu.Unlock()

	detail := map[string]any{
		"groupId":       c.groupID,
		"subscriptions": subscriptions,
	}
	if !connected || client == nil {
		return false, detail, nil
	}

	if err := client.RefreshMetadata(); err != nil {
		return false, detail, contracts.NewConnectionError("kafka", "refresh metadata", err)
	}
	detail["brokers"] = len(client.Brokers())
	return true, detail, nil
}

func (c *Connector) stopSubscription(ctx context.Context, sub *subscription) error {
	sub.cancel()
	if err := sub.group.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
		c.logger.Warn("failed to close consumer group",
			"topic", sub.topic, "error", err)
	}

	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-sub.errsDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// defaultConfig mirrors the delivery guarantees the rest of the module
// assumes: idempotent publishes acknowledged by all in-sync replicas, and
// consumer groups that commit only after the handler settles a record.
func defaultConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = clientID

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = true

	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

var _ keel.Connector = (*Connector)(nil)
