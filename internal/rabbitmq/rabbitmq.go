// Package rabbitmq adapts the shared topic exchange for domain events:
// a publisher used after state-owning writes commit, and a consumer loop
// that feeds parsed envelopes to per-service handlers.
package rabbitmq

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/pkg/config"
)

// connection wraps one AMQP connection plus its channel. The reconnect
// goroutine replaces both after a broker drop, so all access goes through
// the mutex-guarded accessors.
type connection struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	url      string
	exchange string
	prefetch int
}

func dial(cfg config.RabbitMQConfig) (*connection, error) {
	c := &connection{
		url:      cfg.URL(),
		exchange: cfg.Exchange,
		prefetch: cfg.Prefetch,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.handleReconnect(5 * time.Second)
	return c, nil
}

func (c *connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(
		c.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // args
	); err != nil {
		conn.Close()
		return err
	}

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	log.Info().Str("exchange", c.exchange).Msg("Connected to RabbitMQ")
	return nil
}

// channel returns the current channel. After a connection drop it keeps
// returning the dead channel until the reconnect goroutine swaps in a fresh
// one; operations on the dead channel fail with amqp.ErrClosed, which
// callers treat as a retry signal.
func (c *connection) channel() *amqp.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func (c *connection) current() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *connection) handleReconnect(backoff time.Duration) {
	errs := make(chan *amqp.Error)
	c.current().NotifyClose(errs)
	for e := range errs {
		log.Warn().Str("reason", e.Error()).Msg("RabbitMQ connection closed, reconnecting")
		for {
			time.Sleep(backoff)
			if err := c.connect(); err != nil {
				log.Error().Err(err).Msg("RabbitMQ reconnect failed")
				continue
			}
			errs = make(chan *amqp.Error)
			c.current().NotifyClose(errs)
			log.Info().Msg("RabbitMQ reconnected")
			break
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
