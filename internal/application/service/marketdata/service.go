package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "marketsim/internal/domain/entity/instruments"
	marketdata "marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
)

var (
	ErrInvalidLimit     = errors.New("limit must be positive")
	ErrUnknownTimeframe = errors.New("unknown timeframe")
)

// Service answers read queries about instruments and their candles.
type Service struct {
	repo    interfaces.InstrumentsRepository
	maxBars int
	horizon time.Duration
	now     func() time.Time
}

// NewService builds the read service. Timeframes that are not stored are
// derived from the raw ticks of the last horizon.
func NewService(repo interfaces.InstrumentsRepository, maxBars int, horizon time.Duration) *Service {
	if maxBars <= 0 {
		maxBars = marketdata.DefaultMaxCandles
	}
	if horizon <= 0 {
		horizon = marketdata.DefaultTickRetention.Horizon
	}
	return &Service{repo: repo, maxBars: maxBars, horizon: horizon, now: time.Now}
}

func (s *Service) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	return s.repo.ListInstruments(ctx)
}

func (s *Service) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	return s.repo.GetInstrumentBySymbol(ctx, symbol)
}

// GetCandles returns up to limit newest bars, oldest first.
func (s *Service) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]marketdata.Candle, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if limit > s.maxBars {
		limit = s.maxBars
	}
	tf, err := marketdata.ParseTimeframe(timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownTimeframe, err)
	}

	inst, err := s.repo.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if tf.Maintained() {
		return inst.Candles.Last(tf, limit), nil
	}

	ticks, err := s.repo.GetPriceTicks(ctx, inst.UID, s.now().Add(-s.horizon))
	if err != nil {
		return nil, fmt.Errorf("load ticks of %s: %w", inst.Symbol, err)
	}
	return marketdata.RebuildFromTicks(nil, ticks, tf, limit), nil
}

// ResetHistory drops the candles and ticks of one instrument.
func (s *Service) ResetHistory(ctx context.Context, symbol string) error {
	inst, err := s.repo.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return err
	}
	return s.repo.ResetHistory(ctx, inst.UID)
}
