package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/events"
)

const shipDateLayout = "2006-01-02"

var (
	// ErrAlreadyDispatched guards the scan path: a dispatched shipment
	// takes no further scans.
	ErrAlreadyDispatched = errors.New("shipment already dispatched")

	// ErrShipmentFailed rejects dispatch of a failed shipment. FAILED is a
	// sink; trucks do not leave with failed shipments.
	ErrShipmentFailed = errors.New("shipment is failed and cannot be dispatched")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

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

type ScanCommand struct {
	ShipmentID     string
	Barcode        string
	Quantity       int
	ScannedBy      string
	IdempotencyKey string // optional
}

type DispatchCommand struct {
	ShipmentID     string
	TruckID        string
	DispatchedBy   string
	IdempotencyKey string // mandatory
}

// ScanResult is what a scan call returns, and what the ledger replays for a
// retried scan carrying the same idempotency key.
type ScanResult struct {
	ShipmentID string    `json:"shipmentId"`
	Barcode    string    `json:"barcode"`
	Quantity   int       `json:"quantity"`
	Status     Status    `json:"status"`
	ScannedBy  string    `json:"scannedBy"`
	ScannedAt  time.Time `json:"scannedAt"`
}

// DispatchResult is the dispatch outcome. AlreadyDispatched is true when the
// shipment had been dispatched before this request; the truck and time then
// reflect the original dispatch, never the retried request.
type DispatchResult struct {
	ShipmentID        string    `json:"shipmentId"`
	OrderID           string    `json:"orderId"`
	TruckID           string    `json:"truckId"`
	DispatchedBy      string    `json:"dispatchedBy"`
	DispatchedAt      time.Time `json:"dispatchedAt"`
	AlreadyDispatched bool      `json:"alreadyDispatched"`
}

type Publisher interface {
	Publish(ctx context.Context, e events.Envelope) error
}

type Service interface {
	RegisterOrderCreated(ctx context.Context, data events.OrderCreatedData) error
	RecordScan(ctx context.Context, cmd ScanCommand) (*ScanResult, error)
	DispatchShipment(ctx context.Context, cmd DispatchCommand) (*DispatchResult, error)
	GetShipment(ctx context.Context, id string) (*Shipment, error)
	ListShipments(ctx context.Context, status Status) ([]Shipment, error)
}

type service struct {
	repo      Repository
	ledger    Ledger
	publisher Publisher
}

func NewService(repo Repository, ledger Ledger, publisher Publisher) Service {
	return &service{repo: repo, ledger: ledger, publisher: publisher}
}

// RegisterOrderCreated creates the shipment a new order is fulfilled from.
// The id is derived from the order id, so a redelivered order.created event
// derives the same id and the insert's unique constraint makes the second
// attempt a no-op. No ledger is involved on this path.
func (s *service) RegisterOrderCreated(ctx context.Context, data events.OrderCreatedData) error {
	shipDate, err := time.Parse(shipDateLayout, data.RequestedShipDate)
	if err != nil {
		log.Warn().
			Str("order_id", data.OrderID).
			Str("requested_ship_date", data.RequestedShipDate).
			Msg("service: order.created carried an unparsable ship date, storing zero date")
	}

	items := make([]Item, 0, len(data.Items))
	for _, item := range data.Items {
		items = append(items, Item{SKU: item.SKU, Quantity: item.Quantity})
	}

	sh := &Shipment{
		ID:                DeriveShipmentID(data.OrderID),
		OrderID:           data.OrderID,
		ClientID:          data.ClientID,
		RequestedShipDate: shipDate,
		Items:             items,
		Status:            StatusPending,
		OrderCreatedBy:    data.CreatedBy,
		CreatedBy:         "inventory-service",
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, sh); err != nil {
		if errors.Is(err, ErrShipmentExists) {
			log.Info().Str("shipment_id", sh.ID).Str("order_id", data.OrderID).Msg("service: shipment already registered, duplicate event ignored")
			return nil
		}
		log.Error().Err(err).Str("shipment_id", sh.ID).Msg("service: failed to register shipment")
		return fmt.Errorf("service: failed to register shipment: %w", err)
	}

	log.Info().Str("shipment_id", sh.ID).Str("order_id", data.OrderID).Msg("service: shipment registered")
	return nil
}

// RecordScan appends to the scan log and moves a PENDING shipment to
// LOADING on its first scan. The idempotency key is optional here: a scan
// retry without a key just appends another audit row, which is harmless.
func (s *service) RecordScan(ctx context.Context, cmd ScanCommand) (*ScanResult, error) {
	if vErr := validateScan(cmd); vErr != nil {
		return nil, vErr
	}

	if cmd.IdempotencyKey != "" {
		stored, err := s.replayedResult(ctx, OperationScan, cmd.IdempotencyKey, &ScanResult{})
		if err != nil {
			return nil, err
		}
		if stored != nil {
			log.Info().Str("shipment_id", cmd.ShipmentID).Str("idempotency_key", cmd.IdempotencyKey).Msg("service: scan replayed from ledger")
			return stored.(*ScanResult), nil
		}
	}

	sh, err := s.repo.GetByID(ctx, cmd.ShipmentID)
	if err != nil {
		if errors.Is(err, ErrShipmentNotFound) {
			return nil, ErrShipmentNotFound
		}
		log.Error().Err(err).Str("shipment_id", cmd.ShipmentID).Msg("service: failed to load shipment for scan")
		return nil, fmt.Errorf("service: failed to load shipment for scan: %w", err)
	}

	if sh.Status == StatusDispatched {
		return nil, ErrAlreadyDispatched
	}

	// First scan moves PENDING to LOADING; any status the state machine
	// does not allow into LOADING is kept as is.
	newStatus := sh.Status
	if sh.Status.CanTransitionTo(StatusLoading) {
		newStatus = StatusLoading
	}

	scan := ScanRecord{
		ShipmentID: sh.ID,
		Barcode:    cmd.Barcode,
		Quantity:   cmd.Quantity,
		ScannedBy:  cmd.ScannedBy,
		At:         time.Now().UTC(),
	}
	if err := s.repo.RecordScan(ctx, scan, newStatus); err != nil {
		log.Error().Err(err).Str("shipment_id", sh.ID).Msg("service: failed to record scan")
		return nil, fmt.Errorf("service: failed to record scan: %w", err)
	}

	result := &ScanResult{
		ShipmentID: sh.ID,
		Barcode:    cmd.Barcode,
		Quantity:   cmd.Quantity,
		Status:     newStatus,
		ScannedBy:  cmd.ScannedBy,
		ScannedAt:  scan.At,
	}

	if cmd.IdempotencyKey != "" {
		if stored, err := s.storeOrReplay(ctx, OperationScan, cmd.IdempotencyKey, result, &ScanResult{}); err != nil {
			return nil, err
		} else if stored != nil {
			return stored.(*ScanResult), nil
		}
	}

	log.Info().Str("shipment_id", sh.ID).Str("status", newStatus.String()).Msg("service: scan recorded")
	return result, nil
}

// DispatchShipment executes the dispatch protocol. The order of checks is
// load-bearing: the ledger is consulted before the shipment so that retries
// of the same request return the stored response verbatim, while a reused
// shipment with a fresh key converges on the first dispatch's facts.
func (s *service) DispatchShipment(ctx context.Context, cmd DispatchCommand) (*DispatchResult, error) {
	if strings.TrimSpace(cmd.IdempotencyKey) == "" {
		return nil, &ValidationError{Fields: []FieldError{
			{Field: "Idempotency-Key", Message: "header is required for dispatch"},
		}}
	}

	// 1. Exact retry of a previous request.
	stored, err := s.replayedResult(ctx, OperationDispatch, cmd.IdempotencyKey, &DispatchResult{})
	if err != nil {
		return nil, err
	}
	if stored != nil {
		log.Info().Str("shipment_id", cmd.ShipmentID).Str("idempotency_key", cmd.IdempotencyKey).Msg("service: dispatch replayed from ledger")
		return stored.(*DispatchResult), nil
	}

	sh, err := s.repo.GetByID(ctx, cmd.ShipmentID)
	if err != nil {
		if errors.Is(err, ErrShipmentNotFound) {
			return nil, ErrShipmentNotFound
		}
		log.Error().Err(err).Str("shipment_id", cmd.ShipmentID).Msg("service: failed to load shipment for dispatch")
		return nil, fmt.Errorf("service: failed to load shipment for dispatch: %w", err)
	}

	// 2. Different key against an already-dispatched shipment: the first
	// dispatch wins, the response is built from the persisted facts.
	if sh.Status == StatusDispatched {
		return s.settleAlreadyDispatched(ctx, sh, cmd.IdempotencyKey)
	}

	// FAILED (and any future non-dispatchable state) falls out of the
	// transition map rather than an ad hoc status check.
	if !sh.Status.CanTransitionTo(StatusDispatched) {
		return nil, ErrShipmentFailed
	}

	// 3. Fresh dispatch.
	dispatchedAt := time.Now().UTC()
	updated, err := s.repo.Dispatch(ctx, sh.ID, cmd.DispatchedBy, cmd.TruckID, dispatchedAt)
	if err != nil {
		log.Error().Err(err).Str("shipment_id", sh.ID).Msg("service: failed to dispatch shipment")
		return nil, fmt.Errorf("service: failed to dispatch shipment: %w", err)
	}
	if !updated {
		// A concurrent dispatch won between our read and our update.
		current, err := s.repo.GetByID(ctx, sh.ID)
		if err != nil {
			return nil, fmt.Errorf("service: failed to re-read shipment after lost dispatch race: %w", err)
		}
		if current.Status == StatusDispatched {
			return s.settleAlreadyDispatched(ctx, current, cmd.IdempotencyKey)
		}
		return nil, fmt.Errorf("service: shipment %s is not dispatchable from status %s", sh.ID, current.Status)
	}

	result := &DispatchResult{
		ShipmentID:        sh.ID,
		OrderID:           sh.OrderID,
		TruckID:           cmd.TruckID,
		DispatchedBy:      cmd.DispatchedBy,
		DispatchedAt:      dispatchedAt,
		AlreadyDispatched: false,
	}

	log.Info().Str("shipment_id", sh.ID).Str("truck_id", cmd.TruckID).Msg("service: shipment dispatched")

	// 4. Only a fresh dispatch announces itself; replays never re-publish.
	s.publishShipmentDispatched(ctx, sh, result)

	if stored, err := s.storeOrReplay(ctx, OperationDispatch, cmd.IdempotencyKey, result, &DispatchResult{}); err != nil {
		return nil, err
	} else if stored != nil {
		return stored.(*DispatchResult), nil
	}

	return result, nil
}

// settleAlreadyDispatched builds the response for a dispatch request that
// arrived after the shipment already left, and records it under the new key
// so the caller's own retries replay it too. No inventory mutation, no event.
func (s *service) settleAlreadyDispatched(ctx context.Context, sh *Shipment, key string) (*DispatchResult, error) {
	var dispatchedAt time.Time
	if sh.DispatchedAt != nil {
		dispatchedAt = *sh.DispatchedAt
	}

	result := &DispatchResult{
		ShipmentID:        sh.ID,
		OrderID:           sh.OrderID,
		TruckID:           sh.TruckID,
		DispatchedBy:      sh.DispatchedBy,
		DispatchedAt:      dispatchedAt,
		AlreadyDispatched: true,
	}

	if stored, err := s.storeOrReplay(ctx, OperationDispatch, key, result, &DispatchResult{}); err != nil {
		return nil, err
	} else if stored != nil {
		return stored.(*DispatchResult), nil
	}

	log.Info().Str("shipment_id", sh.ID).Msg("service: dispatch of already-dispatched shipment settled from persisted facts")
	return result, nil
}

// replayedResult returns the stored response for (operation, key), decoded
// into dst, or nil when the ledger has no entry.
func (s *service) replayedResult(ctx context.Context, operation, key string, dst interface{}) (interface{}, error) {
	raw, err := s.ledger.Get(ctx, operation, key)
	if err != nil {
		if errors.Is(err, ErrLedgerEntryNotFound) {
			return nil, nil
		}
		log.Error().Err(err).Str("operation", operation).Msg("service: failed to read idempotency ledger")
		return nil, fmt.Errorf("service: failed to read idempotency ledger: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("service: failed to decode stored %s result: %w", operation, err)
	}
	return dst, nil
}

// storeOrReplay persists result under (operation, key). Losing the
// unique-constraint race means a concurrent twin committed first; its stored
// response is returned so both callers see identical bytes.
func (s *service) storeOrReplay(ctx context.Context, operation, key string, result, dst interface{}) (interface{}, error) {
	err := s.ledger.Put(ctx, operation, key, result)
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, ErrLedgerDuplicateKey) {
		log.Info().Str("operation", operation).Str("idempotency_key", key).Msg("service: lost ledger insert race, returning winner's result")
		return s.replayedResult(ctx, operation, key, dst)
	}
	log.Error().Err(err).Str("operation", operation).Msg("service: failed to write idempotency ledger")
	return nil, fmt.Errorf("service: failed to write idempotency ledger: %w", err)
}

func (s *service) publishShipmentDispatched(ctx context.Context, sh *Shipment, result *DispatchResult) {
	envelope, err := events.New(events.TypeShipmentDispatched, "/inventory-service", "shipments/"+sh.ID, events.ShipmentDispatchedData{
		ShipmentID:     sh.ID,
		OrderID:        sh.OrderID,
		OrderCreatedBy: sh.OrderCreatedBy,
		DispatchedBy:   result.DispatchedBy,
		TruckID:        result.TruckID,
		DispatchedAt:   result.DispatchedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("shipment_id", sh.ID).Msg("service: failed to build shipment.dispatched event")
		return
	}

	if err := s.publisher.Publish(ctx, envelope); err != nil {
		// The dispatch already committed; the order side will need a
		// manual replay if this event never arrives.
		log.Error().Err(err).
			Str("shipment_id", sh.ID).
			Str("event_id", envelope.ID).
			Msg("service: failed to publish shipment.dispatched, dispatch stands without event")
	}
}

func (s *service) GetShipment(ctx context.Context, id string) (*Shipment, error) {
	sh, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrShipmentNotFound) {
			return nil, ErrShipmentNotFound
		}
		log.Error().Err(err).Str("shipment_id", id).Msg("service: failed to fetch shipment by id")
		return nil, fmt.Errorf("service: failed to fetch shipment by id: %w", err)
	}
	return sh, nil
}

func (s *service) ListShipments(ctx context.Context, status Status) ([]Shipment, error) {
	shipments, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		log.Error().Err(err).Str("status", status.String()).Msg("service: failed to list shipments")
		return nil, fmt.Errorf("service: failed to list shipments: %w", err)
	}
	return shipments, nil
}

func validateScan(cmd ScanCommand) *ValidationError {
	var fields []FieldError
	if strings.TrimSpace(cmd.Barcode) == "" {
		fields = append(fields, FieldError{Field: "barcode", Message: "must not be blank"})
	}
	if cmd.Quantity <= 0 {
		fields = append(fields, FieldError{Field: "quantity", Message: "must be a positive integer"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
