// Package notification projects domain events into user-facing notification
// rows. It owns no domain state; redelivered events are deduplicated on the
// event id.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Notification struct {
	ID        int64     `json:"id" db:"id"`
	Recipient string    `json:"recipient" db:"recipient"`
	Kind      string    `json:"kind" db:"kind"`
	Body      string    `json:"body" db:"body"`
	EventID   string    `json:"event_id" db:"event_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

var ErrEmptyEventID = errors.New("notification requires an event id")

type Repository interface {
	// Insert stores the notification unless one for the same event id
	// already exists. Returns whether a row was written.
	Insert(ctx context.Context, n *Notification) (bool, error)
	ListByRecipient(ctx context.Context, recipient string) ([]Notification, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) Insert(ctx context.Context, n *Notification) (bool, error) {
	if n.EventID == "" {
		return false, ErrEmptyEventID
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO notification_service.notifications (recipient, kind, body, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, n.Recipient, n.Kind, n.Body, n.EventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("repository: failed to insert notification for event %s: %w", n.EventID, err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) ListByRecipient(ctx context.Context, recipient string) ([]Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, recipient, kind, body, event_id, created_at
		FROM notification_service.notifications
		WHERE recipient = $1
		ORDER BY created_at DESC
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query notifications for %s: %w", recipient, err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Kind, &n.Body, &n.EventID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan notification row: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating notifications for %s: %w", recipient, err)
	}

	return notifications, nil
}
