package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/avolkov/order-fulfillment/internal/events"
	"github.com/avolkov/order-fulfillment/pkg/config"
)

// Publisher sends domain events to the topic exchange. Delivery is
// persistent; the routing key is derived from the event type so consumers
// bind per type without knowing who publishes.
type Publisher struct {
	c *connection
}

func NewPublisher(cfg config.RabbitMQConfig) (*Publisher, error) {
	c, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to connect publisher: %w", err)
	}
	return &Publisher{c: c}, nil
}

func (p *Publisher) Publish(ctx context.Context, e events.Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to marshal envelope: %w", err)
	}

	err = p.c.channel().PublishWithContext(
		ctx,
		p.c.exchange,
		events.RoutingKey(e.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  events.ContentType,
			MessageId:    e.ID,
			Type:         e.Type,
			Timestamp:    e.Time,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to publish %s: %w", e.Type, err)
	}

	return nil
}

func (p *Publisher) Close() {
	p.c.close()
}
