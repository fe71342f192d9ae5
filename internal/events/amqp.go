package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPNotifier publishes events to a durable topic exchange, routed by
// event type.
type AMQPNotifier struct {
	url      string
	exchange string
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPNotifier(url, exchange string, logger *zap.Logger) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url, exchange: exchange, logger: logger}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

// connect must be called with mu held or before the notifier is shared.
func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", n.exchange, err)
	}
	n.conn = conn
	n.channel = ch
	return nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, evt Event) error {
	msg, err := publishing(evt)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.channel == nil || n.channel.IsClosed() {
		n.logger.Warn("AMQP channel closed, reconnecting")
		n.closeLocked()
		if err := n.connect(); err != nil {
			return err
		}
	}

	if err := n.channel.PublishWithContext(ctx, n.exchange, string(evt.Type), false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", evt.Type, n.exchange, err)
	}
	return nil
}

func publishing(evt Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Type:         string(evt.Type),
		Body:         body,
	}, nil
}

func (n *AMQPNotifier) closeLocked() {
	if n.channel != nil {
		_ = n.channel.Close()
		n.channel = nil
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked()
	return nil
}
