package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var ErrOrderNotFound = errors.New("order not found")

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	ListByClient(ctx context.Context, clientID string) ([]Order, error)
	GetTimeline(ctx context.Context, orderID string) ([]TimelineEvent, error)
	MarkShipped(ctx context.Context, orderID, shipmentID string, dispatchedAt time.Time, source string) (bool, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

// Create allocates the next order id from the server-side sequence and
// persists the order, its items and the initial timeline row in one
// transaction. Either everything lands or nothing does.
func (r *postgresRepository) Create(ctx context.Context, o *Order) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback create order transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			}
		}
	}()

	var seq int64
	if err = tx.QueryRow(ctx, `SELECT nextval('order_service.order_id_seq')`).Scan(&seq); err != nil {
		return fmt.Errorf("repository: failed to allocate order id: %w", err)
	}
	o.ID = fmt.Sprintf("ord_%d", seq)
	o.CreatedAt = time.Now().UTC()
	o.Status = StatusCreated

	_, err = tx.Exec(ctx, `
		INSERT INTO order_service.orders (id, client_id, requested_ship_date, notes, created_by, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.ClientID, o.RequestedShipDate, o.Notes, o.CreatedBy, string(o.Status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order: %w", err)
	}

	for i, item := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_service.order_items (order_id, position, sku, quantity)
			VALUES ($1, $2, $3, $4)
		`, o.ID, i, item.SKU, item.Quantity)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_service.order_timeline (order_id, status, at, source)
		VALUES ($1, $2, $3, $4)
	`, o.ID, string(StatusCreated), o.CreatedAt, "order-service")
	if err != nil {
		return fmt.Errorf("repository: failed to insert timeline row for order %s: %w", o.ID, err)
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := r.db.QueryRow(ctx, `
		SELECT id, client_id, requested_ship_date, notes, created_by, status, COALESCE(shipment_id, ''), created_at
		FROM order_service.orders
		WHERE id = $1
	`, id).Scan(&o.ID, &o.ClientID, &o.RequestedShipDate, &o.Notes, &o.CreatedBy, &o.Status, &o.ShipmentID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	items, err := r.itemsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return &o, nil
}

func (r *postgresRepository) itemsFor(ctx context.Context, orderID string) ([]Item, error) {
	rows, err := r.db.Query(ctx, `
		SELECT sku, quantity
		FROM order_service.order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order %s: %w", orderID, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.SKU, &item.Quantity); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for order %s: %w", orderID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for order %s: %w", orderID, err)
	}

	return items, nil
}

func (r *postgresRepository) ListByClient(ctx context.Context, clientID string) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, client_id, requested_ship_date, notes, created_by, status, COALESCE(shipment_id, ''), created_at
		FROM order_service.orders
		WHERE client_id = $1
		ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for client %s: %w", clientID, err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		var o Order
		err := rows.Scan(&o.ID, &o.ClientID, &o.RequestedShipDate, &o.Notes, &o.CreatedBy, &o.Status, &o.ShipmentID, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order for client %s: %w", clientID, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating orders for client %s: %w", clientID, err)
	}

	for i := range orders {
		items, err := r.itemsFor(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

// GetTimeline returns the audit rows ordered by event time, then insertion
// order. Two rows can share a timestamp, so seq keeps the order stable.
func (r *postgresRepository) GetTimeline(ctx context.Context, orderID string) ([]TimelineEvent, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM order_service.orders WHERE id = $1)`, orderID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to check order %s: %w", orderID, err)
	}
	if !exists {
		return nil, ErrOrderNotFound
	}

	rows, err := r.db.Query(ctx, `
		SELECT status, at, source
		FROM order_service.order_timeline
		WHERE order_id = $1
		ORDER BY at, seq
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query timeline for order %s: %w", orderID, err)
	}
	defer rows.Close()

	timeline := make([]TimelineEvent, 0)
	for rows.Next() {
		var e TimelineEvent
		if err := rows.Scan(&e.Status, &e.At, &e.Source); err != nil {
			return nil, fmt.Errorf("repository: failed to scan timeline row for order %s: %w", orderID, err)
		}
		timeline = append(timeline, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating timeline for order %s: %w", orderID, err)
	}

	return timeline, nil
}

// MarkShipped applies the terminal transition driven by a dispatched event.
// The unique constraint on (order_id, status) makes a redelivered event a
// no-op: when the timeline insert hits the conflict nothing else runs, and
// the first delivery's facts stand. Returns whether this call applied it.
func (r *postgresRepository) MarkShipped(ctx context.Context, orderID, shipmentID string, dispatchedAt time.Time, source string) (applied bool, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback mark shipped transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
				applied = false
			}
		}
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO order_service.order_timeline (order_id, status, at, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id, status) DO NOTHING
	`, orderID, string(StatusShipped), dispatchedAt, source)
	if err != nil {
		return false, fmt.Errorf("repository: failed to insert shipped timeline row for order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE order_service.orders
		SET status = $1, shipment_id = $2
		WHERE id = $3
	`, string(StatusShipped), shipmentID, orderID)
	if err != nil {
		return false, fmt.Errorf("repository: failed to update order %s status: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrOrderNotFound
	}

	return true, nil
}
