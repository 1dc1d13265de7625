package marketdata

import (
	"context"
	"testing"
	"time"

	domain "marketsim/internal/domain/entity/instruments"
	marketdata "marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*Service, *memory.Store, *domain.Instrument, time.Time) {
	t.Helper()
	store := memory.NewStore(marketdata.DefaultTickRetention)
	inst := &domain.Instrument{Symbol: "AAA", Price: 100, Volatility: 5000, CircuitLimit: 5}
	require.NoError(t, store.CreateInstrument(context.Background(), inst))

	now := time.Now().UTC()
	base := marketdata.Timeframe5m.WindowStart(now).Add(-time.Hour)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		at := base.Add(time.Duration(i) * 5 * time.Minute).Add(10 * time.Second)
		price := 100 + float64(i)
		require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{InstrumentUID: inst.UID, Price: price, At: at}}))
		current, err := store.GetInstrument(ctx, inst.UID)
		require.NoError(t, err)
		require.NoError(t, store.UpdateCandles(ctx, inst.UID, current.Candles.Apply(price, at, 0), current.Version))
	}
	svc := NewService(store, 1000, 24*time.Hour)
	return svc, store, inst, base
}

func TestGetCandlesMaintainedTimeframe(t *testing.T) {
	svc, _, _, base := seeded(t)

	bars, err := svc.GetCandles(context.Background(), "aaa", "5m", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 109.0, bars[0].Close)
	assert.Equal(t, 111.0, bars[2].Close)
	assert.True(t, bars[2].Start.Equal(base.Add(55*time.Minute)))
}

func TestGetCandlesDerivedFromTicks(t *testing.T) {
	svc, _, _, _ := seeded(t)

	bars, err := svc.GetCandles(context.Background(), "AAA", "10m", 100)
	require.NoError(t, err)
	require.NotEmpty(t, bars)
	var volume int64
	for _, b := range bars {
		volume += b.Volume
		assert.Equal(t, 10*time.Minute, b.End.Sub(b.Start))
	}
	assert.Equal(t, int64(12), volume)
}

func TestGetCandlesErrors(t *testing.T) {
	svc, _, _, _ := seeded(t)
	ctx := context.Background()

	_, err := svc.GetCandles(ctx, "AAA", "5m", 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = svc.GetCandles(ctx, "AAA", "fortnight", 10)
	assert.ErrorIs(t, err, ErrUnknownTimeframe)

	_, err = svc.GetCandles(ctx, "ZZZ", "5m", 10)
	assert.ErrorIs(t, err, domain.ErrInstrumentNotFound)
}

func TestResetHistory(t *testing.T) {
	svc, store, inst, _ := seeded(t)
	ctx := context.Background()

	require.NoError(t, svc.ResetHistory(ctx, "AAA"))
	bars, err := svc.GetCandles(ctx, "AAA", "5m", 10)
	require.NoError(t, err)
	assert.Empty(t, bars)

	ticks, err := store.GetPriceTicks(ctx, inst.UID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, ticks)

	assert.ErrorIs(t, svc.ResetHistory(ctx, "ZZZ"), domain.ErrInstrumentNotFound)
}
