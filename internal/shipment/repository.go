package shipment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrShipmentNotFound = errors.New("shipment not found")
	ErrShipmentExists   = errors.New("shipment already exists")
)

type Repository interface {
	Insert(ctx context.Context, s *Shipment) error
	GetByID(ctx context.Context, id string) (*Shipment, error)
	ListByStatus(ctx context.Context, status Status) ([]Shipment, error)
	RecordScan(ctx context.Context, scan ScanRecord, newStatus Status) error
	Dispatch(ctx context.Context, id, dispatchedBy, truckID string, dispatchedAt time.Time) (bool, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

// Insert persists a freshly derived shipment. A unique violation on the
// primary key or order_id surfaces as ErrShipmentExists so the caller can
// treat event redelivery as already-done.
func (r *postgresRepository) Insert(ctx context.Context, s *Shipment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO inventory_service.shipments
			(id, order_id, client_id, requested_ship_date, items, status, order_created_by, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.OrderID, s.ClientID, s.RequestedShipDate, s.Items, string(s.Status), s.OrderCreatedBy, s.CreatedBy, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrShipmentExists
		}
		return fmt.Errorf("repository: failed to insert shipment %s: %w", s.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id string) (*Shipment, error) {
	var s Shipment
	err := r.db.QueryRow(ctx, `
		SELECT id, order_id, client_id, requested_ship_date, items, status, order_created_by,
		       created_by, created_at, COALESCE(dispatched_by, ''), dispatched_at, COALESCE(truck_id, '')
		FROM inventory_service.shipments
		WHERE id = $1
	`, id).Scan(&s.ID, &s.OrderID, &s.ClientID, &s.RequestedShipDate, &s.Items, &s.Status,
		&s.OrderCreatedBy, &s.CreatedBy, &s.CreatedAt, &s.DispatchedBy, &s.DispatchedAt, &s.TruckID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShipmentNotFound
		}
		return nil, fmt.Errorf("repository: failed to select shipment by id %s: %w", id, err)
	}
	return &s, nil
}

func (r *postgresRepository) ListByStatus(ctx context.Context, status Status) ([]Shipment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, client_id, requested_ship_date, items, status, order_created_by,
		       created_by, created_at, COALESCE(dispatched_by, ''), dispatched_at, COALESCE(truck_id, '')
		FROM inventory_service.shipments
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query shipments by status %s: %w", status, err)
	}
	defer rows.Close()

	shipments := make([]Shipment, 0)
	for rows.Next() {
		var s Shipment
		err := rows.Scan(&s.ID, &s.OrderID, &s.ClientID, &s.RequestedShipDate, &s.Items, &s.Status,
			&s.OrderCreatedBy, &s.CreatedBy, &s.CreatedAt, &s.DispatchedBy, &s.DispatchedAt, &s.TruckID)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan shipment row: %w", err)
		}
		shipments = append(shipments, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating shipments by status %s: %w", status, err)
	}

	return shipments, nil
}

// RecordScan appends the scan row and updates the shipment status in one
// transaction. The status update is a no-op when the shipment is already in
// newStatus; the scan row is appended either way.
func (r *postgresRepository) RecordScan(ctx context.Context, scan ScanRecord, newStatus Status) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback record scan transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			}
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_service.shipment_scans (shipment_id, barcode, quantity, scanned_by, at)
		VALUES ($1, $2, $3, $4, $5)
	`, scan.ShipmentID, scan.Barcode, scan.Quantity, scan.ScannedBy, scan.At)
	if err != nil {
		return fmt.Errorf("repository: failed to insert scan for shipment %s: %w", scan.ShipmentID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE inventory_service.shipments
		SET status = $1
		WHERE id = $2 AND status <> $1
	`, string(newStatus), scan.ShipmentID)
	if err != nil {
		return fmt.Errorf("repository: failed to update shipment %s status: %w", scan.ShipmentID, err)
	}

	return nil
}

// Dispatch performs the terminal update. The status guard in the WHERE
// clause is the race arbiter: of two concurrent dispatch attempts only one
// sees a dispatchable row, the other gets updated=false and must re-read.
func (r *postgresRepository) Dispatch(ctx context.Context, id, dispatchedBy, truckID string, dispatchedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE inventory_service.shipments
		SET status = $1, dispatched_by = $2, truck_id = $3, dispatched_at = $4
		WHERE id = $5 AND status IN ($6, $7)
	`, string(StatusDispatched), dispatchedBy, truckID, dispatchedAt, id, string(StatusPending), string(StatusLoading))
	if err != nil {
		return false, fmt.Errorf("repository: failed to dispatch shipment %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
