package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/batch"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const pendingQueueSize = 4096

// Batched leaves the inline write to the cycle's bulk price update and
// regenerates bars from raw ticks in background chunks.
type Batched struct {
	store     interfaces.InstrumentsRepository
	cas       *casUpdater
	maxBars   int
	retention marketdata.TickRetention
	chunkSize int
	buffer    *batch.Buffer[uuid.UUID]
	logger    *logrus.Entry
	metrics   *metrics.Metrics
	now       func() time.Time

	pending chan uuid.UUID
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Aggregator = (*Batched)(nil)

func NewBatched(store interfaces.InstrumentsRepository, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Batched {
	b := &Batched{
		store:     store,
		cas:       newCASUpdater(store, opts, m),
		maxBars:   opts.MaxBars,
		retention: opts.Retention,
		chunkSize: opts.Rebuild.Size,
		logger:    logger.WithFields(logrus.Fields{"component": "candles", "mode": ModeBatched}),
		metrics:   m,
		now:       time.Now,
		pending:   make(chan uuid.UUID, pendingQueueSize),
	}
	if b.chunkSize <= 0 {
		b.chunkSize = 50
	}
	b.buffer = batch.New(opts.Rebuild, b.rebuildChunk, b.logger.WithField("entity", "rebuild"))
	return b
}

func (b *Batched) Mode() Mode { return ModeBatched }

// Start launches the background rebuild loop.
func (b *Batched) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.buffer.Run(loopCtx)
	b.wg.Add(1)
	go b.loop(loopCtx)
}

// Stop ends the loop and rebuilds whatever is still queued using ctx.
func (b *Batched) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	b.wg.Wait()

	var leftovers []uuid.UUID
drain:
	for {
		select {
		case uid := <-b.pending:
			leftovers = append(leftovers, uid)
		default:
			break drain
		}
	}
	errs := []error{b.buffer.Stop(ctx)}
	if len(leftovers) > 0 {
		errs = append(errs, b.rebuildChunk(ctx, leftovers))
	}
	return errors.Join(errs...)
}

// Apply queues every instrument of the cycle for a background rebuild.
// Instruments that do not fit the queue are picked up by a later cycle.
func (b *Batched) Apply(_ context.Context, results []marketdata.TickResult) Report {
	var report Report
	for _, r := range results {
		select {
		case b.pending <- r.InstrumentUID:
			report.Queued++
		default:
			report.Skipped++
			b.metrics.RecordCandleSkip()
		}
	}
	if report.Skipped > 0 {
		b.logger.WithField("skipped", report.Skipped).Warn("rebuild queue full")
	}
	return report
}

// RebuildAll regenerates every instrument's bars chunk by chunk.
func (b *Batched) RebuildAll(ctx context.Context) error {
	list, err := b.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	var errs []error
	for start := 0; start < len(list); start += b.chunkSize {
		end := min(start+b.chunkSize, len(list))
		uids := make([]uuid.UUID, 0, end-start)
		for _, inst := range list[start:end] {
			uids = append(uids, inst.UID)
		}
		if err := b.rebuildChunk(ctx, uids); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Rebuild regenerates the bars of a single instrument from its raw ticks.
func (b *Batched) Rebuild(ctx context.Context, uid uuid.UUID) error {
	ticks, err := b.store.GetPriceTicks(ctx, uid, b.now().Add(-b.retention.Horizon))
	if err != nil {
		return fmt.Errorf("load ticks %s: %w", uid, err)
	}
	return b.cas.update(ctx, uid, func(inst *instruments.Instrument) (marketdata.CandleSeries, error) {
		series := inst.Candles.Clone()
		for _, tf := range marketdata.Timeframes {
			series[tf] = marketdata.RebuildFromTicks(inst.Candles[tf], ticks, tf, b.maxBars)
		}
		return series, nil
	})
}

func (b *Batched) loop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case uid := <-b.pending:
			if err := b.buffer.Enqueue(uid); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.WithError(err).Warn("rebuild chunk failed")
			}
		}
	}
}

func (b *Batched) rebuildChunk(ctx context.Context, uids []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(uids))
	var errs []error
	rebuilt := 0
	for _, uid := range uids {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		if err := b.Rebuild(ctx, uid); err != nil {
			b.metrics.RecordCandleSkip()
			errs = append(errs, err)
			continue
		}
		rebuilt++
	}
	b.metrics.RecordRebuild(rebuilt)
	return errors.Join(errs...)
}
