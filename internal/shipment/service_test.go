package shipment_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/order-fulfillment/internal/events"
	"github.com/avolkov/order-fulfillment/internal/shipment"
)

// fakeRepo mimics the Postgres repository's constraint behavior in memory:
// unique shipment ids, conditional dispatch update, scan log.
type fakeRepo struct {
	shipments map[string]*shipment.Shipment
	scans     []shipment.ScanRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{shipments: make(map[string]*shipment.Shipment)}
}

func (r *fakeRepo) Insert(ctx context.Context, s *shipment.Shipment) error {
	if _, ok := r.shipments[s.ID]; ok {
		return shipment.ErrShipmentExists
	}
	for _, existing := range r.shipments {
		if existing.OrderID == s.OrderID {
			return shipment.ErrShipmentExists
		}
	}
	cp := *s
	r.shipments[s.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*shipment.Shipment, error) {
	s, ok := r.shipments[id]
	if !ok {
		return nil, shipment.ErrShipmentNotFound
	}
	cp := *s
	if s.DispatchedAt != nil {
		at := *s.DispatchedAt
		cp.DispatchedAt = &at
	}
	return &cp, nil
}

func (r *fakeRepo) ListByStatus(ctx context.Context, status shipment.Status) ([]shipment.Shipment, error) {
	result := make([]shipment.Shipment, 0)
	for _, s := range r.shipments {
		if s.Status == status {
			result = append(result, *s)
		}
	}
	return result, nil
}

func (r *fakeRepo) RecordScan(ctx context.Context, scan shipment.ScanRecord, newStatus shipment.Status) error {
	s, ok := r.shipments[scan.ShipmentID]
	if !ok {
		return shipment.ErrShipmentNotFound
	}
	r.scans = append(r.scans, scan)
	s.Status = newStatus
	return nil
}

func (r *fakeRepo) Dispatch(ctx context.Context, id, dispatchedBy, truckID string, dispatchedAt time.Time) (bool, error) {
	s, ok := r.shipments[id]
	if !ok {
		return false, nil
	}
	if s.Status != shipment.StatusPending && s.Status != shipment.StatusLoading {
		return false, nil
	}
	s.Status = shipment.StatusDispatched
	s.DispatchedBy = dispatchedBy
	s.TruckID = truckID
	at := dispatchedAt
	s.DispatchedAt = &at
	return true, nil
}

// memLedger enforces the write-once composite key the way the real table's
// primary key does.
type memLedger struct {
	entries map[string]json.RawMessage
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]json.RawMessage)}
}

func (l *memLedger) Get(ctx context.Context, operation, key string) (json.RawMessage, error) {
	raw, ok := l.entries[operation+"|"+key]
	if !ok {
		return nil, shipment.ErrLedgerEntryNotFound
	}
	return raw, nil
}

func (l *memLedger) Put(ctx context.Context, operation, key string, response interface{}) error {
	k := operation + "|" + key
	if _, ok := l.entries[k]; ok {
		return shipment.ErrLedgerDuplicateKey
	}
	body, err := json.Marshal(response)
	if err != nil {
		return err
	}
	l.entries[k] = body
	return nil
}

type mockPublisher struct {
	published []events.Envelope
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, e events.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, e)
	return nil
}

func orderCreatedData() events.OrderCreatedData {
	return events.OrderCreatedData{
		OrderID:           "ord_1",
		ClientID:          "c1",
		RequestedShipDate: "2026-03-01",
		Items:             []events.OrderItem{{SKU: "X", Quantity: 5}},
		CreatedBy:         "alice",
		CreatedAt:         time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
	}
}

func newService(repo *fakeRepo, ledger *memLedger, pub *mockPublisher) shipment.Service {
	return shipment.NewService(repo, ledger, pub)
}

func TestService_RegisterOrderCreated(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, newMemLedger(), &mockPublisher{})

	require.NoError(t, svc.RegisterOrderCreated(context.Background(), orderCreatedData()))

	sh, err := repo.GetByID(context.Background(), "ship_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", sh.OrderID)
	assert.Equal(t, shipment.StatusPending, sh.Status)
	assert.Equal(t, "c1", sh.ClientID)
	assert.Equal(t, "alice", sh.OrderCreatedBy)
	assert.Equal(t, []shipment.Item{{SKU: "X", Quantity: 5}}, sh.Items)
}

func TestService_RegisterOrderCreated_RedeliveryIsNoop(t *testing.T) {
	repo := newFakeRepo()
	svc := newService(repo, newMemLedger(), &mockPublisher{})

	require.NoError(t, svc.RegisterOrderCreated(context.Background(), orderCreatedData()))
	require.NoError(t, svc.RegisterOrderCreated(context.Background(), orderCreatedData()),
		"a redelivered order.created event must not surface an error")

	assert.Len(t, repo.shipments, 1, "redelivery must not create a second shipment")
}

func TestService_RecordScan(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeRepo, shipment.Service) {
		repo := newFakeRepo()
		svc := newService(repo, newMemLedger(), &mockPublisher{})
		require.NoError(t, svc.RegisterOrderCreated(ctx, orderCreatedData()))
		return repo, svc
	}

	t.Run("first_scan_moves_pending_to_loading", func(t *testing.T) {
		repo, svc := setup(t)

		result, err := svc.RecordScan(ctx, shipment.ScanCommand{
			ShipmentID: "ship_1", Barcode: "X", Quantity: 5, ScannedBy: "bob",
		})
		require.NoError(t, err)
		assert.Equal(t, shipment.StatusLoading, result.Status)
		assert.Len(t, repo.scans, 1)

		sh, _ := repo.GetByID(ctx, "ship_1")
		assert.Equal(t, shipment.StatusLoading, sh.Status)
	})

	t.Run("second_scan_stays_loading_but_appends", func(t *testing.T) {
		repo, svc := setup(t)

		_, err := svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_1", Barcode: "X", Quantity: 5})
		require.NoError(t, err)
		result, err := svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_1", Barcode: "Y", Quantity: 1})
		require.NoError(t, err)

		assert.Equal(t, shipment.StatusLoading, result.Status)
		assert.Len(t, repo.scans, 2, "every scan lands in the audit log")
	})

	t.Run("unknown_shipment", func(t *testing.T) {
		_, svc := setup(t)

		_, err := svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_404", Barcode: "X", Quantity: 1})
		assert.True(t, errors.Is(err, shipment.ErrShipmentNotFound))
	})

	t.Run("no_scans_after_dispatch", func(t *testing.T) {
		_, svc := setup(t)

		_, err := svc.DispatchShipment(ctx, shipment.DispatchCommand{
			ShipmentID: "ship_1", TruckID: "truck-9", DispatchedBy: "bob", IdempotencyKey: "k0",
		})
		require.NoError(t, err)

		_, err = svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_1", Barcode: "X", Quantity: 1})
		assert.True(t, errors.Is(err, shipment.ErrAlreadyDispatched))
	})

	t.Run("invalid_command", func(t *testing.T) {
		_, svc := setup(t)

		_, err := svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_1", Barcode: " ", Quantity: 0})
		var vErr *shipment.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Len(t, vErr.Fields, 2)
	})

	t.Run("scan_on_failed_shipment_keeps_status", func(t *testing.T) {
		repo, svc := setup(t)
		repo.shipments["ship_1"].Status = shipment.StatusFailed

		result, err := svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_1", Barcode: "X", Quantity: 1})
		require.NoError(t, err)

		assert.Equal(t, shipment.StatusFailed, result.Status, "a failed shipment never re-enters LOADING")
		assert.Len(t, repo.scans, 1, "the scan still lands in the audit log")
	})

	t.Run("retry_with_key_replays_stored_result", func(t *testing.T) {
		repo, svc := setup(t)

		first, err := svc.RecordScan(ctx, shipment.ScanCommand{
			ShipmentID: "ship_1", Barcode: "X", Quantity: 5, ScannedBy: "bob", IdempotencyKey: "scan-1",
		})
		require.NoError(t, err)

		second, err := svc.RecordScan(ctx, shipment.ScanCommand{
			ShipmentID: "ship_1", Barcode: "X", Quantity: 5, ScannedBy: "bob", IdempotencyKey: "scan-1",
		})
		require.NoError(t, err)

		assert.Equal(t, first, second, "a replayed scan returns the stored result verbatim")
		assert.Len(t, repo.scans, 1, "the replay must not append a second scan row")
	})
}

func TestService_DispatchShipment(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeRepo, *memLedger, *mockPublisher, shipment.Service) {
		repo := newFakeRepo()
		ledger := newMemLedger()
		pub := &mockPublisher{}
		svc := newService(repo, ledger, pub)
		require.NoError(t, svc.RegisterOrderCreated(ctx, orderCreatedData()))
		return repo, ledger, pub, svc
	}

	dispatchCmd := func(key string) shipment.DispatchCommand {
		return shipment.DispatchCommand{
			ShipmentID: "ship_1", TruckID: "truck-9", DispatchedBy: "bob", IdempotencyKey: key,
		}
	}

	t.Run("missing_idempotency_key", func(t *testing.T) {
		_, _, pub, svc := setup(t)

		_, err := svc.DispatchShipment(ctx, dispatchCmd(""))
		var vErr *shipment.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Empty(t, pub.published)
	})

	t.Run("fresh_dispatch", func(t *testing.T) {
		repo, _, pub, svc := setup(t)

		result, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		require.NoError(t, err)
		assert.False(t, result.AlreadyDispatched)
		assert.Equal(t, "ship_1", result.ShipmentID)
		assert.Equal(t, "ord_1", result.OrderID)
		assert.Equal(t, "truck-9", result.TruckID)
		assert.Equal(t, "bob", result.DispatchedBy)

		sh, _ := repo.GetByID(ctx, "ship_1")
		assert.Equal(t, shipment.StatusDispatched, sh.Status)

		require.Len(t, pub.published, 1)
		e := pub.published[0]
		assert.Equal(t, events.TypeShipmentDispatched, e.Type)
		var data events.ShipmentDispatchedData
		require.NoError(t, e.DecodeData(&data))
		assert.Equal(t, "ship_1", data.ShipmentID)
		assert.Equal(t, "ord_1", data.OrderID)
		assert.Equal(t, "alice", data.OrderCreatedBy)
		assert.Equal(t, "truck-9", data.TruckID)
	})

	t.Run("same_key_retry_is_byte_identical_and_silent", func(t *testing.T) {
		_, ledger, pub, svc := setup(t)

		first, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		require.NoError(t, err)

		storedBefore := ledger.entries[shipment.OperationDispatch+"|k1"]

		second, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		require.NoError(t, err)

		assert.Equal(t, first, second, "the retry reflects first-call facts, alreadyDispatched included")
		assert.False(t, second.AlreadyDispatched)
		assert.Equal(t, storedBefore, ledger.entries[shipment.OperationDispatch+"|k1"], "the ledger entry is write-once")
		assert.Len(t, pub.published, 1, "a replayed dispatch never re-publishes")
	})

	t.Run("different_key_converges_on_first_dispatch", func(t *testing.T) {
		_, _, pub, svc := setup(t)

		first, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		require.NoError(t, err)

		second, err := svc.DispatchShipment(ctx, shipment.DispatchCommand{
			ShipmentID: "ship_1", TruckID: "truck-OTHER", DispatchedBy: "carol", IdempotencyKey: "k2",
		})
		require.NoError(t, err)

		assert.True(t, second.AlreadyDispatched)
		assert.Equal(t, first.TruckID, second.TruckID, "the first dispatch's truck wins")
		assert.Equal(t, first.DispatchedBy, second.DispatchedBy)
		assert.Equal(t, first.DispatchedAt.Unix(), second.DispatchedAt.Unix())
		assert.Len(t, pub.published, 1, "the second dispatch attempt never publishes")

		// And the second key now replays its own settled result.
		third, err := svc.DispatchShipment(ctx, shipment.DispatchCommand{
			ShipmentID: "ship_1", TruckID: "truck-THIRD", DispatchedBy: "dave", IdempotencyKey: "k2",
		})
		require.NoError(t, err)
		assert.Equal(t, second, third)
	})

	t.Run("unknown_shipment", func(t *testing.T) {
		_, _, _, svc := setup(t)

		_, err := svc.DispatchShipment(ctx, shipment.DispatchCommand{
			ShipmentID: "ship_404", TruckID: "truck-9", DispatchedBy: "bob", IdempotencyKey: "k1",
		})
		assert.True(t, errors.Is(err, shipment.ErrShipmentNotFound))
	})

	t.Run("failed_shipment_is_not_dispatchable", func(t *testing.T) {
		repo, _, pub, svc := setup(t)
		repo.shipments["ship_1"].Status = shipment.StatusFailed

		_, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		assert.True(t, errors.Is(err, shipment.ErrShipmentFailed))
		assert.Empty(t, pub.published)
	})

	t.Run("dispatch_from_loading", func(t *testing.T) {
		_, _, _, svc := setup(t)

		_, err := svc.RecordScan(ctx, shipment.ScanCommand{ShipmentID: "ship_1", Barcode: "X", Quantity: 5})
		require.NoError(t, err)

		result, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		require.NoError(t, err)
		assert.False(t, result.AlreadyDispatched)
	})

	t.Run("lost_ledger_race_returns_winners_result", func(t *testing.T) {
		// Simulate the losing half of two concurrent identical retries:
		// the winner's response is already in the ledger once the loser
		// tries to store its own.
		repo, ledger, pub, svc := setup(t)

		winner := shipment.DispatchResult{
			ShipmentID: "ship_1", OrderID: "ord_1", TruckID: "truck-9",
			DispatchedBy: "bob", DispatchedAt: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		}
		// The winner already dispatched the row and stored its result.
		_, err := repo.Dispatch(ctx, "ship_1", "bob", "truck-9", winner.DispatchedAt)
		require.NoError(t, err)
		require.NoError(t, ledger.Put(ctx, shipment.OperationDispatch, "k1", winner))

		result, err := svc.DispatchShipment(ctx, dispatchCmd("k1"))
		require.NoError(t, err)
		assert.Equal(t, winner.TruckID, result.TruckID)
		assert.Equal(t, winner.DispatchedAt, result.DispatchedAt)
		assert.False(t, result.AlreadyDispatched)
		assert.Empty(t, pub.published, "the loser never publishes")
	})
}
