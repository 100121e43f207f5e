package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/events"
	"github.com/avolkov/order-fulfillment/pkg/config"
)

// HandlerFunc processes one parsed envelope. Returning an error drops the
// delivery without requeue; the bus has no dead-letter queue in this setup,
// so a rejected event is gone and only the log remembers it.
type HandlerFunc func(ctx context.Context, e events.Envelope) error

// errDeliveriesClosed signals that the broker closed the delivery channel,
// which happens on every connection loss. Run treats it as a resubscribe
// trigger, never as a terminal error.
var errDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

const resubscribeBackoff = 2 * time.Second

// Consumer owns one durable queue bound to the routing keys a service cares
// about and pumps deliveries through a handler.
type Consumer struct {
	c           *connection
	queue       string
	routingKeys []string
}

func NewConsumer(cfg config.RabbitMQConfig, queue string, routingKeys []string) (*Consumer, error) {
	c, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to connect consumer: %w", err)
	}

	cs := &Consumer{c: c, queue: queue, routingKeys: routingKeys}

	// Declare eagerly so a misconfigured queue or binding fails startup
	// instead of the first Run iteration.
	if err := cs.declare(); err != nil {
		c.close()
		return nil, err
	}

	return cs, nil
}

func (cs *Consumer) declare() error {
	ch := cs.c.channel()

	if _, err := ch.QueueDeclare(
		cs.queue, // name
		true,     // durable
		false,    // delete when unused
		false,    // exclusive
		false,    // no-wait
		nil,      // args
	); err != nil {
		return fmt.Errorf("rabbitmq: failed to declare queue %s: %w", cs.queue, err)
	}

	for _, key := range cs.routingKeys {
		if err := ch.QueueBind(cs.queue, key, cs.c.exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: failed to bind %s to %s: %w", cs.queue, key, err)
		}
	}

	return nil
}

// subscribe re-declares the queue and bindings on the current channel and
// starts a delivery stream. Declarations are idempotent, and after a
// reconnect they must run again because the fresh channel knows nothing
// about the old one's consumers.
func (cs *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	if err := cs.declare(); err != nil {
		return nil, err
	}

	deliveries, err := cs.c.channel().Consume(
		cs.queue, // queue
		"",       // consumer tag
		false,    // auto-ack
		false,    // exclusive
		false,    // no-local
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to start consuming %s: %w", cs.queue, err)
	}
	return deliveries, nil
}

// Run blocks consuming deliveries until the context is cancelled. A broker
// drop closes the delivery channel; Run then resubscribes (the reconnect
// goroutine restores the connection underneath) instead of returning, so a
// bus outage never silently stops consumption.
func (cs *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		deliveries, err := cs.subscribe()
		if err != nil {
			log.Warn().Err(err).Str("queue", cs.queue).Msg("Failed to subscribe, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(resubscribeBackoff):
			}
			continue
		}

		log.Info().Str("queue", cs.queue).Msg("Consuming deliveries")

		if err := cs.pump(ctx, deliveries, handle); err != nil {
			if errors.Is(err, errDeliveriesClosed) {
				log.Warn().Str("queue", cs.queue).Msg("Delivery channel closed, resubscribing")
				continue
			}
			return err
		}
	}
}

// pump drains one delivery stream. Unparsable payloads are logged and acked
// away; they must never take the loop down.
func (cs *Consumer) pump(ctx context.Context, deliveries <-chan amqp.Delivery, handle HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}

			envelope, err := events.Parse(msg.Body)
			if err != nil {
				log.Error().Err(err).Str("queue", cs.queue).Msg("Dropping unparsable event")
				_ = msg.Ack(false)
				continue
			}

			if err := handle(ctx, envelope); err != nil {
				log.Error().Err(err).
					Str("event_id", envelope.ID).
					Str("event_type", envelope.Type).
					Msg("Event handler failed, dropping delivery")
				_ = msg.Nack(false, false)
				continue
			}

			_ = msg.Ack(false)
		}
	}
}

func (cs *Consumer) Close() {
	cs.c.close()
}
