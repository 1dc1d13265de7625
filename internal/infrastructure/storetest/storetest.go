// Package storetest holds the behaviour every interfaces.Store must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store whose tick retention is 24h / 100 ticks.
type Factory func(t *testing.T) interfaces.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateSymbol", func(t *testing.T) { testDuplicateSymbol(t, newStore(t)) })
	t.Run("UpdatePricesAppendsTicks", func(t *testing.T) { testUpdatePrices(t, newStore(t)) })
	t.Run("UpdateCandlesCompareAndSwap", func(t *testing.T) { testUpdateCandlesCAS(t, newStore(t)) })
	t.Run("ConcurrentWritersLoseNoUpdates", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("NetQuantities", func(t *testing.T) { testNetQuantities(t, newStore(t)) })
	t.Run("ResetHistory", func(t *testing.T) { testResetHistory(t, newStore(t)) })
}

func seed(t *testing.T, store interfaces.Store, symbol string, price float64) *instruments.Instrument {
	t.Helper()
	inst := &instruments.Instrument{Symbol: symbol, Name: symbol + " Corp", Price: price, Volatility: 5000, CircuitLimit: 5}
	require.NoError(t, store.CreateInstrument(context.Background(), inst))
	require.NotEqual(t, uuid.Nil, inst.UID)
	return inst
}

func testCreateAndGet(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	a := seed(t, store, "AAA", 100)
	seed(t, store, "BBB", 50)

	got, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	assert.Equal(t, "AAA", got.Symbol)
	assert.Equal(t, 100.0, got.Price)
	assert.Equal(t, 5000.0, got.Volatility)
	assert.Equal(t, 5.0, got.CircuitLimit)

	bySymbol, err := store.GetInstrumentBySymbol(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, a.UID, bySymbol.UID)

	list, err := store.ListInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AAA", list[0].Symbol)
	assert.Equal(t, "BBB", list[1].Symbol)

	_, err = store.GetInstrument(ctx, uuid.New())
	assert.ErrorIs(t, err, instruments.ErrInstrumentNotFound)
	_, err = store.GetInstrumentBySymbol(ctx, "ZZZ")
	assert.ErrorIs(t, err, instruments.ErrInstrumentNotFound)

	assert.Error(t, store.CreateInstrument(ctx, &instruments.Instrument{Symbol: "BAD", Price: -1, Volatility: 1}))
}

func testDuplicateSymbol(t *testing.T, store interfaces.Store) {
	seed(t, store, "AAA", 100)
	err := store.CreateInstrument(context.Background(), &instruments.Instrument{Symbol: "AAA", Price: 1, Volatility: 1})
	assert.ErrorIs(t, err, instruments.ErrDuplicateSymbol)
}

func testUpdatePrices(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	a := seed(t, store, "AAA", 100)
	b := seed(t, store, "BBB", 50)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * 30 * time.Second)
		require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{
			{InstrumentUID: a.UID, Price: 101 + float64(i), At: at},
			{InstrumentUID: b.UID, Price: 51, At: at},
			{InstrumentUID: uuid.New(), Price: 1, At: at},
		}))
	}

	got, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	assert.Equal(t, 103.0, got.Price)
	assert.True(t, got.LastUpdated.Equal(base.Add(time.Minute)))
	assert.Greater(t, got.Version, a.Version)

	ticks, err := store.GetPriceTicks(ctx, a.UID, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, 101.0, ticks[0].Price)
	assert.Equal(t, 103.0, ticks[2].Price)

	recent, err := store.GetPriceTicks(ctx, a.UID, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func testUpdateCandlesCAS(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	a := seed(t, store, "AAA", 100)

	current, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	ts := time.Now().UTC()
	series := current.Candles.Apply(100, ts, 0)

	require.NoError(t, store.UpdateCandles(ctx, a.UID, series, current.Version))
	err = store.UpdateCandles(ctx, a.UID, series, current.Version)
	assert.ErrorIs(t, err, instruments.ErrVersionConflict)

	got, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	require.Len(t, got.Candles[marketdata.Timeframe5m], 1)
	assert.Equal(t, int64(1), got.Candles[marketdata.Timeframe5m][0].Volume)
	assert.True(t, got.Candles[marketdata.Timeframe5m][0].Start.Equal(marketdata.Timeframe5m.WindowStart(ts)))

	err = store.UpdateCandles(ctx, uuid.New(), series, 1)
	assert.ErrorIs(t, err, instruments.ErrInstrumentNotFound)
}

func testConcurrentCAS(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	a := seed(t, store, "AAA", 100)
	ts := time.Now().UTC()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				inst, err := store.GetInstrument(ctx, a.UID)
				if !assert.NoError(t, err) {
					return
				}
				next := inst.Candles.Apply(100, ts, 0)
				err = store.UpdateCandles(ctx, a.UID, next, inst.Version)
				if err == nil {
					return
				}
				if !assert.ErrorIs(t, err, instruments.ErrVersionConflict) {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	require.Len(t, got.Candles[marketdata.Timeframe5m], 1)
	assert.Equal(t, int64(writers), got.Candles[marketdata.Timeframe5m][0].Volume)
}

func testNetQuantities(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	a := seed(t, store, "AAA", 100)
	b := seed(t, store, "BBB", 50)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.AddOrders(ctx, []marketdata.Order{
		{InstrumentUID: a.UID, Side: marketdata.OrderSideBuy, Quantity: 300, Status: marketdata.OrderStatusExecuted, ExecutedAt: now.Add(-10 * time.Second)},
		{InstrumentUID: a.UID, Side: marketdata.OrderSideSell, Quantity: 50, Status: marketdata.OrderStatusExecuted, ExecutedAt: now.Add(-5 * time.Second)},
		{InstrumentUID: a.UID, Side: marketdata.OrderSideBuy, Quantity: 999, Status: marketdata.OrderStatusPending, ExecutedAt: now.Add(-5 * time.Second)},
		{InstrumentUID: a.UID, Side: marketdata.OrderSideBuy, Quantity: 999, Status: marketdata.OrderStatusExecuted, ExecutedAt: now.Add(-2 * time.Minute)},
		{InstrumentUID: b.UID, Side: marketdata.OrderSideSell, Quantity: 75, Status: marketdata.OrderStatusExecuted, ExecutedAt: now.Add(-time.Second)},
	}))

	net, err := store.NetQuantities(ctx, now.Add(-30*time.Second), now)
	require.NoError(t, err)
	assert.InDelta(t, 250, net[a.UID], 1e-9)
	assert.InDelta(t, -75, net[b.UID], 1e-9)
}

func testResetHistory(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	a := seed(t, store, "AAA", 100)
	now := time.Now().UTC()
	require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{InstrumentUID: a.UID, Price: 101, At: now}}))
	inst, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateCandles(ctx, a.UID, inst.Candles.Apply(101, now, 0), inst.Version))

	require.NoError(t, store.ResetHistory(ctx, a.UID))

	got, err := store.GetInstrument(ctx, a.UID)
	require.NoError(t, err)
	assert.Empty(t, got.Candles[marketdata.Timeframe5m])
	assert.Equal(t, 101.0, got.Price)
	ticks, err := store.GetPriceTicks(ctx, a.UID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ticks)
}
