package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger operation types. Together with the client-supplied key they form
// the write-once composite key.
const (
	OperationScan     = "SCAN"
	OperationDispatch = "DISPATCH"
)

var (
	ErrLedgerEntryNotFound = errors.New("idempotency ledger entry not found")
	ErrLedgerDuplicateKey  = errors.New("idempotency ledger entry already exists")
)

// Ledger is the idempotency ledger: (operation, key) -> stored response.
// First writer wins; the unique constraint is the mutual exclusion for
// concurrent retries of the same client action.
type Ledger interface {
	Get(ctx context.Context, operation, key string) (json.RawMessage, error)
	Put(ctx context.Context, operation, key string, response interface{}) error
}

type postgresLedger struct {
	db *pgxpool.Pool
}

func NewLedger(db *pgxpool.Pool) Ledger {
	return &postgresLedger{db: db}
}

func (l *postgresLedger) Get(ctx context.Context, operation, key string) (json.RawMessage, error) {
	var response json.RawMessage
	err := l.db.QueryRow(ctx, `
		SELECT response
		FROM inventory_service.idempotency_keys
		WHERE operation_type = $1 AND idempotency_key = $2
	`, operation, key).Scan(&response)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("ledger: failed to select entry (%s, %s): %w", operation, key, err)
	}
	return response, nil
}

// Put stores the response under (operation, key). A unique violation is
// returned as ErrLedgerDuplicateKey, meaning a concurrent twin of this
// request committed first; the caller must re-read and return its result.
func (l *postgresLedger) Put(ctx context.Context, operation, key string, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("ledger: failed to marshal response for (%s, %s): %w", operation, key, err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO inventory_service.idempotency_keys (operation_type, idempotency_key, response, created_at)
		VALUES ($1, $2, $3, now())
	`, operation, key, body)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrLedgerDuplicateKey
		}
		return fmt.Errorf("ledger: failed to insert entry (%s, %s): %w", operation, key, err)
	}
	return nil
}
