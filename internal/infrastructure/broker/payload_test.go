package broker

import (
	"testing"
	"time"

	domain "marketsim/internal/domain/entity/marketdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOrder(t *testing.T) {
	uid := uuid.New()
	body := []byte(`{"instrument_uid":"` + uid.String() + `","side":"sell","quantity":12.5,"executed_at":"2024-01-01T10:00:00Z"}`)

	order, err := decodeOrder(body)
	require.NoError(t, err)
	assert.Equal(t, uid, order.InstrumentUID)
	assert.Equal(t, domain.OrderSideSell, order.Side)
	assert.Equal(t, domain.OrderStatusExecuted, order.Status)
	assert.Equal(t, -12.5, order.SignedQuantity())
	assert.NotEqual(t, uuid.Nil, order.ID)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), order.ExecutedAt)
}

func TestDecodeOrderRejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"not json":     `{`,
		"bad uid":      `{"instrument_uid":"nope","side":"BUY","quantity":1}`,
		"bad side":     `{"instrument_uid":"` + uuid.NewString() + `","side":"HOLD","quantity":1}`,
		"negative qty": `{"instrument_uid":"` + uuid.NewString() + `","side":"BUY","quantity":-1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeOrder([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestOrderMessageRoundTripKeepsID(t *testing.T) {
	order := domain.Order{
		ID:            uuid.New(),
		InstrumentUID: uuid.New(),
		Side:          domain.OrderSideBuy,
		Quantity:      3,
		Status:        domain.OrderStatusPending,
		ExecutedAt:    time.Now().UTC().Truncate(time.Second),
	}
	got, err := NewOrderMessage(order).ToOrder()
	require.NoError(t, err)
	assert.Equal(t, order, got)
}
