package shipment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/order-fulfillment/internal/events"
	"github.com/avolkov/order-fulfillment/internal/shipment"
)

func createdEnvelope(t *testing.T, data events.OrderCreatedData) events.Envelope {
	t.Helper()
	e, err := events.New(events.TypeOrderCreated, "/order-service", "orders/"+data.OrderID, data)
	require.NoError(t, err)
	return e
}

func TestConsumer_OrderCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("valid_event_registers_shipment", func(t *testing.T) {
		repo := newFakeRepo()
		c := shipment.NewConsumer(newService(repo, newMemLedger(), &mockPublisher{}))

		require.NoError(t, c.Handle(ctx, createdEnvelope(t, orderCreatedData())))

		sh, err := repo.GetByID(ctx, "ship_1")
		require.NoError(t, err)
		assert.Equal(t, shipment.StatusPending, sh.Status)
	})

	t.Run("redelivery_registers_once", func(t *testing.T) {
		repo := newFakeRepo()
		c := shipment.NewConsumer(newService(repo, newMemLedger(), &mockPublisher{}))

		e := createdEnvelope(t, orderCreatedData())
		require.NoError(t, c.Handle(ctx, e))
		require.NoError(t, c.Handle(ctx, e))

		assert.Len(t, repo.shipments, 1)
	})

	t.Run("invalid_events_are_dropped", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(data *events.OrderCreatedData)
		}{
			{name: "blank_order_id", mutate: func(d *events.OrderCreatedData) { d.OrderID = "" }},
			{name: "blank_client_id", mutate: func(d *events.OrderCreatedData) { d.ClientID = "" }},
			{name: "no_items", mutate: func(d *events.OrderCreatedData) { d.Items = nil }},
			{name: "blank_sku", mutate: func(d *events.OrderCreatedData) { d.Items[0].SKU = "" }},
			{name: "zero_quantity", mutate: func(d *events.OrderCreatedData) { d.Items[0].Quantity = 0 }},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				repo := newFakeRepo()
				c := shipment.NewConsumer(newService(repo, newMemLedger(), &mockPublisher{}))

				data := orderCreatedData()
				tt.mutate(&data)

				assert.NoError(t, c.Handle(ctx, createdEnvelope(t, data)), "dropped events must be acked, not redelivered")
				assert.Empty(t, repo.shipments)
			})
		}
	})

	t.Run("unknown_type_is_ignored", func(t *testing.T) {
		repo := newFakeRepo()
		c := shipment.NewConsumer(newService(repo, newMemLedger(), &mockPublisher{}))

		e, err := events.New(events.TypeClientRegistered, "/crm", "", events.ClientRegisteredData{ClientID: "c1"})
		require.NoError(t, err)
		assert.NoError(t, c.Handle(ctx, e))
		assert.Empty(t, repo.shipments)
	})
}
