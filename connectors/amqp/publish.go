package amqp

import (
	"context"
	"time"

	"github.com/keelmq/keel-go/contracts"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Publish sends the message to the topic exchange with the topic as routing
// key and waits for the broker confirmation. Publishes are serialized so
// each confirmation is unambiguously matched to its publish.
func (c *Connector) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}
	if topic == "" {
		return contracts.ErrEmptyTopic
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	ch, confirms, err := c.publishChannelLocked()
	if err != nil {
		return contracts.NewPublishError(topic, msg.ID, err)
	}

	if err := ch.PublishWithContext(ctx, c.exchange, topic, false, false, toPublishing(msg)); err != nil {
		c.closePublishChannelLocked()
		return contracts.NewPublishError(topic, msg.ID, err)
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			c.closePublishChannelLocked()
			return contracts.NewPublishError(topic, msg.ID, ErrChannelClosed)
		}
		if !confirm.Ack {
			return contracts.NewPublishError(topic, msg.ID, ErrPublishNacked)
		}
		return nil

	case <-time.After(c.confirmTimeout):
		// The channel is out of sync once a confirmation is missed, so
		// drop it and let the next publish open a fresh one.
		c.closePublishChannelLocked()
		return contracts.NewPublishError(topic, msg.ID, ErrConfirmTimeout)

	case <-ctx.Done():
		c.closePublishChannelLocked()
		return ctx.Err()
	}
}

// publishChannelLocked returns the confirm-mode publish channel, opening one
// on the current connection if needed. Callers hold pubMu.
func (c *Connector) publishChannelLocked() (*amqp091.Channel, <-chan amqp091.Confirmation, error) {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil, nil, contracts.ErrNotConnected
	}

	if c.pubCh != nil && c.pubConn == conn {
		return c.pubCh, c.confirms, nil
	}
	c.closePublishChannelLocked()

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, nil, err
	}

	c.pubCh = ch
	c.pubConn = conn
	c.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	return ch, c.confirms, nil
}

// closePublishChannelLocked drops the publish channel so the next publish
// reopens a fresh one. Callers hold pubMu.
func (c *Connector) closePublishChannelLocked() {
	if c.pubCh != nil {
		c.pubCh.Close()
	}
	c.pubCh = nil
	c.pubConn = nil
	c.confirms = nil
}
