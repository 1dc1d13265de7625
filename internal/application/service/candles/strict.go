package candles

import (
	"context"
	"sync"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Strict folds every tick into all timeframes inside the cycle.
type Strict struct {
	cas     *casUpdater
	maxBars int
	workers int
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

var _ Aggregator = (*Strict)(nil)

func NewStrict(store interfaces.InstrumentsRepository, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Strict {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Strict{
		cas:     newCASUpdater(store, opts, m),
		maxBars: opts.MaxBars,
		workers: workers,
		logger:  logger.WithFields(logrus.Fields{"component": "candles", "mode": ModeStrict}),
		metrics: m,
	}
}

func (s *Strict) Mode() Mode { return ModeStrict }

func (s *Strict) Start(context.Context) {}

func (s *Strict) Stop(context.Context) error { return nil }

// ApplyTick folds one price into the 5m, 30m and 2h bars of an instrument
// under optimistic concurrency.
func (s *Strict) ApplyTick(ctx context.Context, uid uuid.UUID, price float64, ts time.Time) error {
	return s.cas.update(ctx, uid, func(inst *instruments.Instrument) (marketdata.CandleSeries, error) {
		return inst.Candles.Apply(price, ts, s.maxBars), nil
	})
}

func (s *Strict) Apply(ctx context.Context, results []marketdata.TickResult) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, r := range results {
		r := r
		g.Go(func() error {
			err := s.ApplyTick(gctx, r.InstrumentUID, r.Price, r.Timestamp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Skipped++
				s.metrics.RecordCandleSkip()
				s.logger.WithError(err).WithField("symbol", r.Symbol).Warn("candle update skipped")
				return nil
			}
			report.Applied++
			return nil
		})
	}
	_ = g.Wait()
	return report
}
