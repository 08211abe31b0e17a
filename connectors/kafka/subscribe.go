package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
	"github.com/keelmq/keel-go/resilience"
)

// Subscribe joins the consumer group for the topic and feeds records to the
// handler. One subscription per topic, each with its own group member.
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
	if _, exists := c.subs[topic]; exists {
		return contracts.ErrAlreadySubscribed
	}

	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, cloneConfig(c.config))
	if err != nil {
		return contracts.NewConsumptionError(topic, "", err)
	}

	// The subscription outlives the Subscribe call, so its context is
	// detached from the caller's and cancelled by Unsubscribe or
	// Disconnect.
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		topic:    topic,
		group:    group,
		cancel:   cancel,
		done:     make(chan struct{}),
		errsDone: make(chan struct{}),
	}
	c.subs[topic] = sub

	go c.consume(subCtx, sub, handler)
	go c.drainErrors(sub)

	c.logger.Info("subscribed to topic", "topic", topic, "groupId", c.groupID)
	return nil
}

// Unsubscribe leaves the topic's consumer group and waits for its loops to
// drain.
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
	return c.stopSubscription(ctx, sub)
}

// consume rejoins the group after every session until the subscription is
// cancelled. Session errors back off briefly before rejoining.
func (c *Connector) consume(ctx context.Context, sub *subscription, handler keel.MessageHandler) {
	defer close(sub.done)

	h := &groupHandler{c: c, topic: sub.topic, handler: handler}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := sub.group.Consume(ctx, []string{sub.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Warn("consumer session ended",
				"topic", sub.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeBackoff):
			}
		}
	}
}

func (c *Connector) drainErrors(sub *subscription) {
	defer close(sub.errsDone)
	for err := range sub.group.Errors() {
		if err != nil {
			c.logger.Warn("consumer group error",
				"topic", sub.topic, "error", err)
		}
	}
}

type groupHandler struct {
	c       *Connector
	topic   string
	handler keel.MessageHandler
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.c.logger.Debug("consumer group session ready",
		"topic", h.topic, "claims", session.Claims())
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.c.logger.Debug("consumer group session cleanup", "topic", h.topic)
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for cm := range claim.Messages() {
		if err := h.c.handleRecord(session, cm, h.topic, h.handler); err != nil {
			return err
		}
	}
	return nil
}

// handleRecord runs the handler and settles the record. Failed records are
// requeued by republishing with the advanced retry count, since Kafka has no
// broker-side requeue. Circuit rejections spend no retry budget; the record
// stays unmarked and the session backs out so it is redelivered after the
// group rejoins.
func (c *Connector) handleRecord(session sarama.ConsumerGroupSession, cm *sarama.ConsumerMessage, topic string, handler keel.MessageHandler) error {
	msg := fromConsumerMessage(cm)
	seen := msg.RetryCount

	err := handler(session.Context(), msg)
	if err == nil {
		session.MarkMessage(cm, "")
		return nil
	}

	if resilience.IsCircuitOpen(err) {
		return err
	}

	if msg.RetryCount == seen {
		msg.IncrementRetry()
	}
	if msg.RetryCount > msg.MaxRetries {
		c.logger.Warn("dropping record with exhausted retry budget",
			"topic", topic, "messageId", msg.ID, "retryCount", msg.RetryCount)
		session.MarkMessage(cm, "")
		return nil
	}

	if pubErr := c.Publish(session.Context(), topic, msg); pubErr != nil {
		c.logger.Error("failed to requeue record",
			"topic", topic, "messageId", msg.ID, "error", pubErr)
		return pubErr
	}
	session.MarkMessage(cm, "")
	c.logger.Debug("requeued record for retry",
		"topic", topic, "messageId", msg.ID, "retryCount", msg.RetryCount)
	return nil
}
