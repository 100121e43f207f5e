package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/events"
)

const shipDateLayout = "2006-01-02"

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates the field errors of a rejected command. Nothing
// is written when a command fails validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

type CreateOrderCommand struct {
	ClientID          string
	RequestedShipDate string
	Items             []Item
	Notes             string
	CreatedBy         string
}

// Publisher is the slice of the event bus the order service needs.
type Publisher interface {
	Publish(ctx context.Context, e events.Envelope) error
}

type Service interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByClient(ctx context.Context, clientID string) ([]Order, error)
	GetTimeline(ctx context.Context, orderID string) ([]TimelineEvent, error)
	ApplyShipmentDispatched(ctx context.Context, shipmentID, orderID string, dispatchedAt time.Time) error
}

type service struct {
	repo      Repository
	publisher Publisher
}

func NewService(repo Repository, publisher Publisher) Service {
	return &service{repo: repo, publisher: publisher}
}

// CreateOrder validates and persists a new order, then announces it on the
// bus. The publish is best-effort on purpose: the order is the system of
// record and must not be rolled back because the broker is down. A lost
// order.created event has to be replayed by hand.
func (s *service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*Order, error) {
	shipDate, vErr := validateCreateOrder(cmd)
	if vErr != nil {
		log.Warn().Str("client_id", cmd.ClientID).Msg("service: create order command failed validation")
		return nil, vErr
	}

	o := &Order{
		ClientID:          cmd.ClientID,
		RequestedShipDate: shipDate,
		Items:             cmd.Items,
		Notes:             cmd.Notes,
		CreatedBy:         cmd.CreatedBy,
	}

	if err := s.repo.Create(ctx, o); err != nil {
		log.Error().Err(err).Str("client_id", cmd.ClientID).Msg("service: failed to create order in repository")
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	log.Info().Str("order_id", o.ID).Str("client_id", o.ClientID).Msg("service: order created")

	s.publishOrderCreated(ctx, o)

	return o, nil
}

func (s *service) publishOrderCreated(ctx context.Context, o *Order) {
	items := make([]events.OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, events.OrderItem{SKU: item.SKU, Quantity: item.Quantity})
	}

	envelope, err := events.New(events.TypeOrderCreated, "/order-service", "orders/"+o.ID, events.OrderCreatedData{
		OrderID:           o.ID,
		ClientID:          o.ClientID,
		RequestedShipDate: o.RequestedShipDate.Format(shipDateLayout),
		Items:             items,
		CreatedBy:         o.CreatedBy,
		CreatedAt:         o.CreatedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("service: failed to build order.created event")
		return
	}

	if err := s.publisher.Publish(ctx, envelope); err != nil {
		// Swallowed: the order row already committed and stays committed.
		log.Error().Err(err).
			Str("order_id", o.ID).
			Str("event_id", envelope.ID).
			Msg("service: failed to publish order.created, order stands without event")
	}
}

func validateCreateOrder(cmd CreateOrderCommand) (time.Time, *ValidationError) {
	var fields []FieldError

	if strings.TrimSpace(cmd.ClientID) == "" {
		fields = append(fields, FieldError{Field: "clientId", Message: "must not be blank"})
	}

	shipDate, err := time.Parse(shipDateLayout, cmd.RequestedShipDate)
	if err != nil {
		fields = append(fields, FieldError{Field: "requestedShipDate", Message: "must be a date in YYYY-MM-DD format"})
	}

	if len(cmd.Items) == 0 {
		fields = append(fields, FieldError{Field: "items", Message: "must contain at least one item"})
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.SKU) == "" {
			fields = append(fields, FieldError{Field: fmt.Sprintf("items[%d].sku", i), Message: "must not be blank"})
		}
		if item.Quantity <= 0 {
			fields = append(fields, FieldError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be a positive integer"})
		}
	}

	if len(fields) > 0 {
		return time.Time{}, &ValidationError{Fields: fields}
	}
	return shipDate, nil
}

func (s *service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", id).Msg("service: failed to fetch order by id")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}

func (s *service) ListOrdersByClient(ctx context.Context, clientID string) ([]Order, error) {
	orders, err := s.repo.ListByClient(ctx, clientID)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("service: failed to fetch client orders")
		return nil, fmt.Errorf("service: failed to fetch client orders: %w", err)
	}
	return orders, nil
}

func (s *service) GetTimeline(ctx context.Context, orderID string) ([]TimelineEvent, error) {
	timeline, err := s.repo.GetTimeline(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("service: failed to fetch order timeline")
		return nil, fmt.Errorf("service: failed to fetch order timeline: %w", err)
	}
	return timeline, nil
}

// ApplyShipmentDispatched is invoked by the event consumer. The bus delivers
// at least once, so a second delivery of the same event must leave exactly
// one SHIPPED timeline row behind; the repository handles the dedup.
func (s *service) ApplyShipmentDispatched(ctx context.Context, shipmentID, orderID string, dispatchedAt time.Time) error {
	applied, err := s.repo.MarkShipped(ctx, orderID, shipmentID, dispatchedAt, "inventory-service")
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Str("shipment_id", shipmentID).Msg("service: failed to mark order shipped")
		return fmt.Errorf("service: failed to mark order shipped: %w", err)
	}

	if !applied {
		log.Info().Str("order_id", orderID).Str("shipment_id", shipmentID).Msg("service: order already shipped, duplicate event ignored")
		return nil
	}

	log.Info().Str("order_id", orderID).Str("shipment_id", shipmentID).Msg("service: order marked shipped")
	return nil
}
