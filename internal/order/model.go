package order

import "time"

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusShipped Status = "SHIPPED"

	// Reserved for flows that are not wired up yet; kept so the column
	// check constraint and this list stay in sync.
	StatusCancelled Status = "CANCELLED"
	StatusOnHold    Status = "ON_HOLD"
)

func (s Status) String() string {
	return string(s)
}

type Item struct {
	SKU      string `json:"sku" db:"sku"`
	Quantity int    `json:"quantity" db:"quantity"`
}

type Order struct {
	ID                string    `json:"id" db:"id"`
	ClientID          string    `json:"client_id" db:"client_id"`
	RequestedShipDate time.Time `json:"requested_ship_date" db:"requested_ship_date"`
	Items             []Item    `json:"items" db:"-"`
	Notes             string    `json:"notes,omitempty" db:"notes"`
	CreatedBy         string    `json:"created_by" db:"created_by"`
	Status            Status    `json:"status" db:"status"`
	ShipmentID        string    `json:"shipment_id,omitempty" db:"shipment_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// TimelineEvent is one append-only audit row of an order's history. Rows are
// never mutated or deleted; seq breaks ties between events sharing a stamp.
type TimelineEvent struct {
	Status Status    `json:"status" db:"status"`
	At     time.Time `json:"at" db:"at"`
	Source string    `json:"source" db:"source"`
}
