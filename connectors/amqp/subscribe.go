package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
	"github.com/keelmq/keel-go/resilience"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Subscribe declares a durable queue bound to the topic and starts a
// consumer feeding deliveries to the handler. One subscription per topic.
func (c *Connector) Subscribe(ctx context.Context, topic string, handler keel.MessageHandler) error {
	if topic == "" {
		return contracts.ErrEmptyTopic
	}
	if handler == nil {
		return keel.ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return contracts.ErrNotConnected
	}
	if _, exists := c.subs[topic]; exists {
		return contracts.ErrAlreadySubscribed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return contracts.NewConnectionError("amqp", "open channel", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return contracts.NewConsumptionError(topic, "", err)
	}

	queue := c.queuePrefix + "." + topic
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return contracts.NewConsumptionError(topic, "", err)
	}
	if err := ch.QueueBind(queue, topic, c.exchange, false, nil); err != nil {
		ch.Close()
		return contracts.NewConsumptionError(topic, "", err)
	}

	tag := fmt.Sprintf("%s.%s", queue, uuid.New().String()[:8])
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return contracts.NewConsumptionError(topic, "", err)
	}

	// The subscription outlives the Subscribe call, so its context is
	// detached from the caller's and cancelled by Unsubscribe or
	// Disconnect.
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		queue:  queue,
		tag:    tag,
		ch:     ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.subs[topic] = sub

	go c.consume(subCtx, deliveries, topic, handler, sub.done)

	c.logger.Info("subscribed to topic",
		"topic", topic, "queue", queue, "consumerTag", tag)
	return nil
}

// Unsubscribe cancels the topic's consumer and waits for its loop to drain.
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

func (c *Connector) stopSubscription(ctx context.Context, topic string, sub *subscription) error {
	if err := sub.ch.Cancel(sub.tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer",
			"topic", topic, "consumerTag", sub.tag, "error", err)
	}
	sub.cancel()

	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := sub.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		c.logger.Warn("failed to close subscription channel",
			"topic", topic, "error", err)
	}
	return nil
}

func (c *Connector) consume(ctx context.Context, deliveries <-chan amqp091.Delivery, topic string, handler keel.MessageHandler, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Debug("delivery channel closed", "topic", topic)
				return
			}
			c.handleDelivery(ctx, d, topic, handler)
		}
	}
}

// handleDelivery runs the handler and settles the delivery. Failed messages
// are requeued by republishing with the advanced retry count so the count
// survives the round trip through the broker. Circuit rejections spend no
// retry budget and go back via plain requeue.
func (c *Connector) handleDelivery(ctx context.Context, d amqp091.Delivery, topic string, handler keel.MessageHandler) {
	msg := fromDelivery(d)
	seen := msg.RetryCount

	err := handler(ctx, msg)
	if err == nil {
		c.ack(d, topic, msg.ID)
		return
	}

	if resilience.IsCircuitOpen(err) {
		c.nack(d, topic, msg.ID)
		return
	}

	if msg.RetryCount == seen {
		msg.IncrementRetry()
	}
	if msg.RetryCount > msg.MaxRetries {
		c.logger.Warn("dropping delivery with exhausted retry budget",
			"topic", topic, "messageId", msg.ID, "retryCount", msg.RetryCount)
		c.ack(d, topic, msg.ID)
		return
	}

	if pubErr := c.Publish(ctx, topic, msg); pubErr != nil {
		c.logger.Error("failed to requeue delivery",
			"topic", topic, "messageId", msg.ID, "error", pubErr)
		c.nack(d, topic, msg.ID)
		return
	}
	c.ack(d, topic, msg.ID)
	c.logger.Debug("requeued delivery for retry",
		"topic", topic, "messageId", msg.ID, "retryCount", msg.RetryCount)
}

func (c *Connector) ack(d amqp091.Delivery, topic, messageID string) {
	if err := d.Ack(false); err != nil {
		c.logger.Warn("failed to ack delivery",
			"topic", topic, "messageId", messageID, "error", err)
	}
}

func (c *Connector) nack(d amqp091.Delivery, topic, messageID string) {
	if err := d.Nack(false, true); err != nil {
		c.logger.Warn("failed to nack delivery",
			"topic", topic, "messageId", messageID, "error", err)
	}
}
