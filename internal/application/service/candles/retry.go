package candles

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
)

// ErrRetriesExhausted wraps the last conflict once every attempt lost the race.
var ErrRetriesExhausted = errors.New("candle update retries exhausted")

type mutateFunc func(inst *instruments.Instrument) (marketdata.CandleSeries, error)

// casUpdater performs read, mutate copy, conditional write.
type casUpdater struct {
	store      interfaces.InstrumentsRepository
	attempts   int
	maxBackoff time.Duration
	metrics    *metrics.Metrics
	sleep      func(context.Context, time.Duration) error
}

func newCASUpdater(store interfaces.InstrumentsRepository, opts Options, m *metrics.Metrics) *casUpdater {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return &casUpdater{
		store:      store,
		attempts:   attempts,
		maxBackoff: opts.MaxBackoff,
		metrics:    m,
		sleep:      sleepCtx,
	}
}

func (u *casUpdater) update(ctx context.Context, uid uuid.UUID, mutate mutateFunc) error {
	var lastErr error
	for attempt := 1; attempt <= u.attempts; attempt++ {
		inst, err := u.store.GetInstrument(ctx, uid)
		if err != nil {
			return fmt.Errorf("load instrument %s: %w", uid, err)
		}
		series, err := mutate(inst)
		if err != nil {
			return err
		}
		err = u.store.UpdateCandles(ctx, uid, series, inst.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, instruments.ErrVersionConflict) {
			return fmt.Errorf("write candles %s: %w", uid, err)
		}
		lastErr = err
		u.metrics.RecordCandleConflict()
		if attempt < u.attempts {
			if err := u.sleep(ctx, u.backoff()); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, u.attempts, lastErr)
}

func (u *casUpdater) backoff() time.Duration {
	if u.maxBackoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(u.maxBackoff) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
