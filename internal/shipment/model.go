package shipment

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusLoading    Status = "LOADING"
	StatusDispatched Status = "DISPATCHED"
	StatusFailed     Status = "FAILED"
)

func (s Status) String() string {
	return string(s)
}

// allowedTransitions encodes the shipment state machine. DISPATCHED and
// FAILED are sinks; nothing leaves them.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusLoading:    true,
		StatusDispatched: true,
		StatusFailed:     true,
	},
	StatusLoading: {
		StatusDispatched: true,
		StatusFailed:     true,
	},
	StatusDispatched: {},
	StatusFailed:     {},
}

func (s Status) CanTransitionTo(next Status) bool {
	return allowedTransitions[s][next]
}

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type Shipment struct {
	ID                string     `json:"id" db:"id"`
	OrderID           string     `json:"order_id" db:"order_id"`
	ClientID          string     `json:"client_id" db:"client_id"`
	RequestedShipDate time.Time  `json:"requested_ship_date" db:"requested_ship_date"`
	Items             []Item     `json:"items" db:"items"`
	Status            Status     `json:"status" db:"status"`
	OrderCreatedBy    string     `json:"order_created_by" db:"order_created_by"`
	CreatedBy         string     `json:"created_by" db:"created_by"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	DispatchedBy      string     `json:"dispatched_by,omitempty" db:"dispatched_by"`
	DispatchedAt      *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
	TruckID           string     `json:"truck_id,omitempty" db:"truck_id"`
}

// ScanRecord is one append-only row of the warehouse scan log.
type ScanRecord struct {
	ShipmentID string    `json:"shipment_id" db:"shipment_id"`
	Barcode    string    `json:"barcode" db:"barcode"`
	Quantity   int       `json:"quantity" db:"quantity"`
	ScannedBy  string    `json:"scanned_by" db:"scanned_by"`
	At         time.Time `json:"at" db:"at"`
}

// DeriveShipmentID maps an order id to its shipment id by prefix swap:
// ord_123 becomes ship_123. A pure function instead of a second sequence,
// so re-observing the same order.created event derives the same id and the
// insert's unique constraint turns redelivery into a no-op.
func DeriveShipmentID(orderID string) string {
	if rest, ok := strings.CutPrefix(orderID, "ord_"); ok {
		return "ship_" + rest
	}
	return "ship_" + orderID
}
