package events_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/order-fulfillment/internal/events"
)

func TestNew(t *testing.T) {
	data := events.OrderCreatedData{
		OrderID:   "ord_42",
		ClientID:  "c1",
		Items:     []events.OrderItem{{SKU: "X", Quantity: 5}},
		CreatedBy: "alice",
		CreatedAt: time.Now().UTC(),
	}

	e, err := events.New(events.TypeOrderCreated, "/order-service", "orders/ord_42", data)
	require.NoError(t, err)

	assert.Equal(t, "1.0", e.SpecVersion)
	assert.Equal(t, events.TypeOrderCreated, e.Type)
	assert.Equal(t, "/order-service", e.Source)
	assert.Equal(t, "orders/ord_42", e.Subject)
	assert.Equal(t, "application/json", e.DataContentType)
	assert.True(t, strings.HasPrefix(e.ID, "evt_"), "event id %q should carry the evt_ prefix", e.ID)
	assert.Len(t, e.ID, len("evt_")+32)
	assert.False(t, e.Time.IsZero())

	var decoded events.OrderCreatedData
	require.NoError(t, e.DecodeData(&decoded))
	assert.Equal(t, "ord_42", decoded.OrderID)
	assert.Equal(t, []events.OrderItem{{SKU: "X", Quantity: 5}}, decoded.Items)
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e, err := events.New(events.TypeOrderCreated, "/order-service", "orders/ord_1", events.OrderCreatedData{})
		require.NoError(t, err)
		assert.False(t, seen[e.ID], "event id %q generated twice", e.ID)
		seen[e.ID] = true
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantID  string
	}{
		{
			name: "valid_envelope",
			body: `{"specversion":"1.0","id":"evt_abc","type":"com.fulfillment.order.created.v1",
				"source":"/order-service","subject":"orders/ord_1","time":"2026-03-01T10:00:00Z",
				"datacontenttype":"application/json","data":{"orderId":"ord_1"}}`,
			wantID: "evt_abc",
		},
		{
			name:    "not_json",
			body:    `{broken`,
			wantErr: true,
		},
		{
			name:    "missing_id",
			body:    `{"specversion":"1.0","type":"com.fulfillment.order.created.v1","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing_type",
			body:    `{"specversion":"1.0","id":"evt_abc","data":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := events.Parse([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, e.ID)
		})
	}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "order.created.v1", events.RoutingKey(events.TypeOrderCreated))
	assert.Equal(t, "shipment.dispatched.v1", events.RoutingKey(events.TypeShipmentDispatched))
	assert.Equal(t, "client.registered.v1", events.RoutingKey(events.TypeClientRegistered))
	assert.Equal(t, "some.other.event.v2", events.RoutingKey("some.other.event.v2"))
}

func TestEnvelope_WireFormat(t *testing.T) {
	e, err := events.New(events.TypeShipmentDispatched, "/inventory-service", "shipments/ship_7", events.ShipmentDispatchedData{
		ShipmentID: "ship_7",
		OrderID:    "ord_7",
	})
	require.NoError(t, err)

	body, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &raw))
	for _, field := range []string{"specversion", "id", "type", "source", "subject", "time", "datacontenttype", "data"} {
		assert.Contains(t, raw, field)
	}
}
