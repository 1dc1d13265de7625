package candles

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/batch"
	"marketsim/internal/infrastructure/memory"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2024, 3, 11, hh, mm, ss, 0, time.UTC)
}

// conflictingStore makes the first n candle writes lose the race.
type conflictingStore struct {
	*memory.Store
	conflicts atomic.Int32
	writes    atomic.Int32
}

func (s *conflictingStore) UpdateCandles(ctx context.Context, uid uuid.UUID, series marketdata.CandleSeries, expected int64) error {
	s.writes.Add(1)
	if s.conflicts.Add(-1) >= 0 {
		return instruments.ErrVersionConflict
	}
	return s.Store.UpdateCandles(ctx, uid, series, expected)
}

func newStore(t *testing.T, symbols ...string) (*memory.Store, []*instruments.Instrument) {
	t.Helper()
	store := memory.NewStore(marketdata.DefaultTickRetention)
	var out []*instruments.Instrument
	for _, s := range symbols {
		inst := &instruments.Instrument{Symbol: s, Price: 100, Volatility: 5000, CircuitLimit: 5}
		require.NoError(t, store.CreateInstrument(context.Background(), inst))
		out = append(out, inst)
	}
	return store, out
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxBackoff = time.Millisecond
	opts.Retention = marketdata.TickRetention{Horizon: 100000 * time.Hour}
	opts.Rebuild = batch.Config{Size: 2, Timeout: 10 * time.Millisecond}
	return opts
}

func TestStrictApplyTickBuildsAllTimeframes(t *testing.T) {
	store, list := newStore(t, "AAA")
	agg := NewStrict(store, testOptions(), quietLogger(), nil)
	ctx := context.Background()

	require.NoError(t, agg.ApplyTick(ctx, list[0].UID, 50, at(10, 0, 5)))
	require.NoError(t, agg.ApplyTick(ctx, list[0].UID, 55, at(10, 2, 0)))
	require.NoError(t, agg.ApplyTick(ctx, list[0].UID, 48, at(10, 4, 50)))
	require.NoError(t, agg.ApplyTick(ctx, list[0].UID, 49, at(10, 5, 0)))

	got, err := store.GetInstrument(ctx, list[0].UID)
	require.NoError(t, err)
	five := got.Candles[marketdata.Timeframe5m]
	require.Len(t, five, 2)
	assert.Equal(t, marketdata.Candle{Start: at(10, 0, 0), End: at(10, 5, 0), Open: 50, High: 55, Low: 48, Close: 48, Volume: 3}, five[0])
	assert.Equal(t, int64(1), five[1].Volume)

	require.Len(t, got.Candles[marketdata.Timeframe30m], 1)
	assert.Equal(t, int64(4), got.Candles[marketdata.Timeframe30m][0].Volume)
	require.Len(t, got.Candles[marketdata.Timeframe2h], 1)
	assert.Equal(t, at(10, 0, 0), got.Candles[marketdata.Timeframe2h][0].Start)
}

func TestStrictCapsSeries(t *testing.T) {
	store, list := newStore(t, "AAA")
	opts := testOptions()
	opts.MaxBars = 4
	agg := NewStrict(store, opts, quietLogger(), nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, agg.ApplyTick(context.Background(), list[0].UID, 100, at(0, 0, 0).Add(time.Duration(i)*5*time.Minute)))
	}
	got, err := store.GetInstrument(context.Background(), list[0].UID)
	require.NoError(t, err)
	assert.Len(t, got.Candles[marketdata.Timeframe5m], 4)
	assert.Len(t, got.Candles[marketdata.Timeframe30m], 4)
	assert.Len(t, got.Candles[marketdata.Timeframe2h], 1)
}

func TestStrictRetriesConflicts(t *testing.T) {
	base, list := newStore(t, "AAA")
	store := &conflictingStore{Store: base}
	store.conflicts.Store(2)
	m := metrics.New()
	agg := NewStrict(store, testOptions(), quietLogger(), m)

	require.NoError(t, agg.ApplyTick(context.Background(), list[0].UID, 101, at(10, 0, 0)))
	assert.Equal(t, int32(3), store.writes.Load())
	assert.Equal(t, uint64(2), m.Snapshot().CandleConflicts)
}

func TestStrictGivesUpAfterThreeAttempts(t *testing.T) {
	base, list := newStore(t, "AAA", "BBB")
	store := &conflictingStore{Store: base}
	store.conflicts.Store(3)
	m := metrics.New()
	opts := testOptions()
	opts.Workers = 1
	agg := NewStrict(store, opts, quietLogger(), m)

	err := agg.ApplyTick(context.Background(), list[0].UID, 101, at(10, 0, 0))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, instruments.ErrVersionConflict)
	assert.Equal(t, int32(3), store.writes.Load())

	report := agg.Apply(context.Background(), []marketdata.TickResult{
		{InstrumentUID: list[1].UID, Symbol: "BBB", Price: 99, Timestamp: at(10, 0, 0)},
		{InstrumentUID: uuid.New(), Symbol: "GONE", Price: 1, Timestamp: at(10, 0, 0)},
	})
	assert.Equal(t, Report{Applied: 1, Skipped: 1}, report)
	assert.Equal(t, uint64(1), m.Snapshot().CandleSkips)
}

func TestBatchedRebuildsFromTicksInBackground(t *testing.T) {
	store, list := newStore(t, "AAA", "BBB")
	agg := NewBatched(store, testOptions(), quietLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx)

	var results []marketdata.TickResult
	for _, p := range []struct {
		price float64
		ts    time.Time
	}{{50, at(10, 0, 5)}, {55, at(10, 2, 0)}, {48, at(10, 4, 50)}} {
		require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{InstrumentUID: list[0].UID, Price: p.price, At: p.ts}}))
		results = append(results, marketdata.TickResult{InstrumentUID: list[0].UID, Symbol: "AAA", Price: p.price, Timestamp: p.ts})
	}
	report := agg.Apply(ctx, results)
	assert.Equal(t, 3, report.Queued)

	assert.Eventually(t, func() bool {
		inst, err := store.GetInstrument(ctx, list[0].UID)
		return err == nil && len(inst.Candles[marketdata.Timeframe5m]) == 1 && inst.Candles[marketdata.Timeframe5m][0].Volume == 3
	}, 2*time.Second, 5*time.Millisecond)

	inst, err := store.GetInstrument(ctx, list[0].UID)
	require.NoError(t, err)
	bar := inst.Candles[marketdata.Timeframe5m][0]
	assert.Equal(t, 50.0, bar.Open)
	assert.Equal(t, 55.0, bar.High)
	assert.Equal(t, 48.0, bar.Low)
	assert.Equal(t, 48.0, bar.Close)

	require.NoError(t, agg.Stop(context.Background()))
}

func TestBatchedRebuildAll(t *testing.T) {
	store, list := newStore(t, "AAA", "BBB", "CCC")
	m := metrics.New()
	agg := NewBatched(store, testOptions(), quietLogger(), m)
	ctx := context.Background()

	for i, inst := range list {
		require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{InstrumentUID: inst.UID, Price: float64(100 + i), At: at(9, 1, 0)}}))
	}
	require.NoError(t, agg.RebuildAll(ctx))

	for i, inst := range list {
		got, err := store.GetInstrument(ctx, inst.UID)
		require.NoError(t, err)
		for _, tf := range marketdata.Timeframes {
			require.Len(t, got.Candles[tf], 1)
			assert.Equal(t, float64(100+i), got.Candles[tf][0].Close)
		}
	}
	assert.Equal(t, uint64(3), m.Snapshot().Rebuilds)
}

func TestBatchedRebuildKeepsConfiguredCap(t *testing.T) {
	store, list := newStore(t, "AAA")
	ctx := context.Background()
	opts := testOptions()
	opts.MaxBars = 1500
	agg := NewBatched(store, opts, quietLogger(), nil)

	base := at(0, 0, 0)
	existing := make([]marketdata.Candle, 0, 1200)
	for i := 0; i < 1200; i++ {
		existing = append(existing, marketdata.NewCandle(marketdata.Timeframe5m, 100, base.Add(time.Duration(i)*5*time.Minute)))
	}
	inst, err := store.GetInstrument(ctx, list[0].UID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateCandles(ctx, inst.UID, marketdata.CandleSeries{marketdata.Timeframe5m: existing}, inst.Version))

	next := base.Add(1200 * 5 * time.Minute)
	require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{InstrumentUID: inst.UID, Price: 101, At: next}}))
	require.NoError(t, agg.RebuildAll(ctx))

	got, err := store.GetInstrument(ctx, inst.UID)
	require.NoError(t, err)
	bars := got.Candles[marketdata.Timeframe5m]
	require.Len(t, bars, 1201)
	assert.Equal(t, base, bars[0].Start)
	assert.Equal(t, next, bars[1200].Start)
	assert.Equal(t, 101.0, bars[1200].Close)
}

func TestBatchedRebuildPreservesBarAtHorizonBoundary(t *testing.T) {
	store, list := newStore(t, "AAA")
	ctx := context.Background()
	uid := list[0].UID

	start := at(10, 0, 0)
	for i := 0; i < 240; i++ {
		require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{
			InstrumentUID: uid,
			Price:         float64(50 + i),
			At:            start.Add(time.Duration(i) * 30 * time.Second),
		}}))
	}
	require.NoError(t, NewBatched(store, testOptions(), quietLogger(), nil).RebuildAll(ctx))

	before, err := store.GetInstrument(ctx, uid)
	require.NoError(t, err)
	require.Len(t, before.Candles[marketdata.Timeframe2h], 1)
	require.Equal(t, int64(240), before.Candles[marketdata.Timeframe2h][0].Volume)

	// Only the ticks from 11:00 on are still inside the horizon.
	opts := testOptions()
	opts.Retention = marketdata.TickRetention{Horizon: time.Hour}
	agg := NewBatched(store, opts, quietLogger(), nil)
	agg.now = func() time.Time { return at(12, 0, 0) }
	require.NoError(t, agg.RebuildAll(ctx))

	after, err := store.GetInstrument(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, before.Candles[marketdata.Timeframe2h], after.Candles[marketdata.Timeframe2h])
	assert.Equal(t, before.Candles[marketdata.Timeframe30m], after.Candles[marketdata.Timeframe30m])
	assert.Equal(t, before.Candles[marketdata.Timeframe5m], after.Candles[marketdata.Timeframe5m])
	assert.Equal(t, 50.0, after.Candles[marketdata.Timeframe2h][0].Open)
}

func TestNewSelectsMode(t *testing.T) {
	store, _ := newStore(t)
	agg, err := New(ModeBatched, store, testOptions(), quietLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, ModeBatched, agg.Mode())

	agg, err = New(ModeStrict, store, testOptions(), quietLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, agg.Mode())

	_, err = New("lightning", store, testOptions(), quietLogger(), nil)
	assert.Error(t, err)
	_, err = ParseMode("lightning")
	assert.Error(t, err)
}
