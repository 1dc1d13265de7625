package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketsim/internal/config"
	"marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/memory"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumerValidates(t *testing.T) {
	store := memory.NewStore(marketdata.DefaultTickRetention)
	logger := logrus.New()

	_, err := NewConsumer(config.RabbitMQConfig{OrdersExchange: "orders"}, store, logger)
	assert.Error(t, err)
	_, err = NewConsumer(config.RabbitMQConfig{URL: "amqp://localhost"}, store, logger)
	assert.Error(t, err)
}

func TestHandleDeliveryBatchesOrders(t *testing.T) {
	store := memory.NewStore(marketdata.DefaultTickRetention)
	c, err := NewConsumer(config.RabbitMQConfig{
		URL:            "amqp://localhost",
		OrdersExchange: "orders",
		BatchSize:      10,
		BatchTimeout:   time.Minute,
	}, store, logrus.New())
	require.NoError(t, err)
	c.batcher.Run(context.Background())

	uid := uuid.New()
	now := time.Now().UTC()
	body := []byte(`{"instrument_uid":"` + uid.String() + `","side":"buy","quantity":7,"executed_at":"` + now.Format(time.RFC3339Nano) + `"}`)
	require.NoError(t, c.handleDelivery(body))
	require.NoError(t, c.handleDelivery([]byte(`{"instrument_uid":"`+uid.String()+`","side":"SELL","quantity":2}`)))
	assert.Equal(t, 2, c.batcher.Len())

	require.NoError(t, c.batcher.Stop(context.Background()))
	net, err := store.NetQuantities(context.Background(), now.Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5.0, net[uid])
}

func TestHandleDeliveryRejectsMalformed(t *testing.T) {
	store := memory.NewStore(marketdata.DefaultTickRetention)
	c, err := NewConsumer(config.RabbitMQConfig{URL: "amqp://localhost", OrdersExchange: "orders"}, store, logrus.New())
	require.NoError(t, err)
	c.batcher.Run(context.Background())

	for _, body := range []string{`not json`, `{"instrument_uid":"x","side":"BUY"}`, `{"instrument_uid":"` + uuid.NewString() + `","side":"HOLD"}`} {
		err := c.handleDelivery([]byte(body))
		var decodeErr *decodeError
		assert.True(t, errors.As(err, &decodeErr), body)
	}
	assert.Zero(t, c.batcher.Len())
}
