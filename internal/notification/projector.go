package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/events"
)

// Projector consumes the fulfillment events plus client.registered and
// writes one notification per event. The unique constraint on event_id is
// what makes at-least-once delivery safe here.
type Projector struct {
	repo Repository
}

func NewProjector(repo Repository) *Projector {
	return &Projector{repo: repo}
}

func (p *Projector) Handle(ctx context.Context, e events.Envelope) error {
	n, ok := p.buildNotification(e)
	if !ok {
		return nil
	}

	inserted, err := p.repo.Insert(ctx, n)
	if err != nil {
		log.Error().Err(err).Str("event_id", e.ID).Msg("Failed to project notification")
		return fmt.Errorf("projector: failed to store notification: %w", err)
	}
	if !inserted {
		log.Info().Str("event_id", e.ID).Msg("Notification already projected, duplicate event ignored")
		return nil
	}

	log.Info().Str("event_id", e.ID).Str("kind", n.Kind).Str("recipient", n.Recipient).Msg("Notification projected")
	return nil
}

func (p *Projector) buildNotification(e events.Envelope) (*Notification, bool) {
	switch e.Type {
	case events.TypeOrderCreated:
		var data events.OrderCreatedData
		if err := e.DecodeData(&data); err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Msg("Dropping malformed order.created event")
			return nil, false
		}
		if data.OrderID == "" || data.ClientID == "" {
			log.Error().Str("event_id", e.ID).Msg("Dropping order.created event with missing fields")
			return nil, false
		}
		return &Notification{
			Recipient: data.ClientID,
			Kind:      "order_created",
			Body:      fmt.Sprintf("Your order %s has been received.", data.OrderID),
			EventID:   e.ID,
		}, true

	case events.TypeShipmentDispatched:
		var data events.ShipmentDispatchedData
		if err := e.DecodeData(&data); err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Msg("Dropping malformed shipment.dispatched event")
			return nil, false
		}
		if data.OrderID == "" || data.ShipmentID == "" {
			log.Error().Str("event_id", e.ID).Msg("Dropping shipment.dispatched event with missing fields")
			return nil, false
		}
		return &Notification{
			Recipient: data.OrderCreatedBy,
			Kind:      "shipment_dispatched",
			Body:      fmt.Sprintf("Shipment %s for order %s is on its way.", data.ShipmentID, data.OrderID),
			EventID:   e.ID,
		}, true

	case events.TypeClientRegistered:
		var data events.ClientRegisteredData
		if err := e.DecodeData(&data); err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Msg("Dropping malformed client.registered event")
			return nil, false
		}
		if data.ClientID == "" {
			log.Error().Str("event_id", e.ID).Msg("Dropping client.registered event with missing fields")
			return nil, false
		}
		return &Notification{
			Recipient: data.ClientID,
			Kind:      "welcome",
			Body:      "Welcome aboard! Your account is ready.",
			EventID:   e.ID,
		}, true

	default:
		log.Debug().Str("event_type", e.Type).Str("event_id", e.ID).Msg("Ignoring event type")
		return nil, false
	}
}
