package shipment

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/events"
)

// Consumer turns order.created events into pending shipments. Unknown event
// types are ignored for forward compatibility.
type Consumer struct {
	svc Service
}

func NewConsumer(svc Service) *Consumer {
	return &Consumer{svc: svc}
}

func (c *Consumer) Handle(ctx context.Context, e events.Envelope) error {
	switch e.Type {
	case events.TypeOrderCreated:
		return c.handleOrderCreated(ctx, e)
	default:
		log.Debug().Str("event_type", e.Type).Str("event_id", e.ID).Msg("Ignoring event type")
		return nil
	}
}

func (c *Consumer) handleOrderCreated(ctx context.Context, e events.Envelope) error {
	var data events.OrderCreatedData
	if err := e.DecodeData(&data); err != nil {
		log.Error().Err(err).Str("event_id", e.ID).Msg("Dropping malformed order.created event")
		return nil
	}

	// Defensive re-validation: the bus delivers whatever was published,
	// and a blank or negative field must not become a shipment.
	if data.OrderID == "" || data.ClientID == "" || len(data.Items) == 0 {
		log.Error().
			Str("event_id", e.ID).
			Str("order_id", data.OrderID).
			Msg("Dropping order.created event with missing fields")
		return nil
	}
	for _, item := range data.Items {
		if item.SKU == "" || item.Quantity <= 0 {
			log.Error().
				Str("event_id", e.ID).
				Str("order_id", data.OrderID).
				Str("sku", item.SKU).
				Msg("Dropping order.created event with invalid item")
			return nil
		}
	}

	return c.svc.RegisterOrderCreated(ctx, data)
}
