package order

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/events"
)

// Consumer applies shipment.dispatched events to orders. Event types it does
// not recognize are ignored so new producers can roll out first.
type Consumer struct {
	svc Service
}

func NewConsumer(svc Service) *Consumer {
	return &Consumer{svc: svc}
}

func (c *Consumer) Handle(ctx context.Context, e events.Envelope) error {
	switch e.Type {
	case events.TypeShipmentDispatched:
		return c.handleShipmentDispatched(ctx, e)
	default:
		log.Debug().Str("event_type", e.Type).Str("event_id", e.ID).Msg("Ignoring event type")
		return nil
	}
}

func (c *Consumer) handleShipmentDispatched(ctx context.Context, e events.Envelope) error {
	var data events.ShipmentDispatchedData
	if err := e.DecodeData(&data); err != nil {
		log.Error().Err(err).Str("event_id", e.ID).Msg("Dropping malformed shipment.dispatched event")
		return nil
	}

	// The bus is not trusted to carry well-formed data; bad events are
	// dropped here instead of becoming corrupt order state.
	if data.ShipmentID == "" || data.OrderID == "" || data.DispatchedAt.IsZero() {
		log.Error().
			Str("event_id", e.ID).
			Str("shipment_id", data.ShipmentID).
			Str("order_id", data.OrderID).
			Msg("Dropping shipment.dispatched event with missing fields")
		return nil
	}

	return c.svc.ApplyShipmentDispatched(ctx, data.ShipmentID, data.OrderID, data.DispatchedAt)
}
