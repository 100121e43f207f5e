// Package events defines the CloudEvents-shaped envelope and the typed
// payloads exchanged between the order and inventory services.
package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

const (
	SpecVersion = "1.0"
	ContentType = "application/cloudevents+json"

	// Full event types. The dotted suffix after the domain prefix doubles
	// as the routing key on the topic exchange.
	TypeOrderCreated       = "com.fulfillment.order.created.v1"
	TypeShipmentDispatched = "com.fulfillment.shipment.dispatched.v1"
	TypeClientRegistered   = "com.fulfillment.client.registered.v1"

	typePrefix = "com.fulfillment."
)

// Envelope is the wire format for every domain event.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// OrderCreatedData is the payload of order.created.v1, emitted by the order
// service after the order row commits.
type OrderCreatedData struct {
	OrderID           string      `json:"orderId"`
	ClientID          string      `json:"clientId"`
	RequestedShipDate string      `json:"requestedShipDate"`
	Items             []OrderItem `json:"items"`
	CreatedBy         string      `json:"createdBy"`
	CreatedAt         time.Time   `json:"createdAt"`
}

type OrderItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ShipmentDispatchedData is the payload of shipment.dispatched.v1, emitted by
// the inventory service only on a fresh dispatch, never on a replay.
type ShipmentDispatchedData struct {
	ShipmentID     string    `json:"shipmentId"`
	OrderID        string    `json:"orderId"`
	OrderCreatedBy string    `json:"orderCreatedBy"`
	DispatchedBy   string    `json:"dispatchedBy"`
	TruckID        string    `json:"truckId"`
	DispatchedAt   time.Time `json:"dispatchedAt"`
}

// ClientRegisteredData is unrelated to fulfillment; the notification
// projector consumes it alongside the fulfillment events.
type ClientRegisteredData struct {
	ClientID     string    `json:"clientId"`
	Email        string    `json:"email"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// New assembles an envelope around an already-marshalable payload. The id is
// unique per publish and is what consumers dedup on.
func New(eventType, source, subject string, data interface{}) (Envelope, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: failed to marshal event data: %w", err)
	}

	return Envelope{
		SpecVersion:     SpecVersion,
		ID:              newEventID(),
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            body,
	}, nil
}

// Parse decodes a raw message body into an envelope and checks the fields a
// consumer cannot work without.
func Parse(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("events: failed to unmarshal envelope: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return Envelope{}, fmt.Errorf("events: envelope missing id or type")
	}
	return e, nil
}

// DecodeData unmarshals the envelope's data into dst.
func (e Envelope) DecodeData(dst interface{}) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("events: failed to decode %s data: %w", e.Type, err)
	}
	return nil
}

// RoutingKey maps the full event type to the key used on the topic exchange:
// com.fulfillment.order.created.v1 -> order.created.v1. Types outside the
// domain prefix route under their full name.
func RoutingKey(eventType string) string {
	return strings.TrimPrefix(eventType, typePrefix)
}

func newEventID() string {
	id := uuid.Must(uuid.NewV4())
	return "evt_" + hex.EncodeToString(id.Bytes())
}
