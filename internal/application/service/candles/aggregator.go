package candles

import (
	"context"
	"fmt"
	"time"

	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/batch"
	"marketsim/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// Mode selects how candles are maintained for the whole deployment.
type Mode string

const (
	// ModeStrict updates all bars synchronously inside the cycle.
	ModeStrict Mode = "strict"
	// ModeBatched only persists prices inline and regenerates bars from the
	// raw tick history in a background pass.
	ModeBatched Mode = "batched"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModeBatched:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown candles mode %q", s)
	}
}

// Report summarizes what Apply did with one cycle's results.
type Report struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Queued  int `json:"queued"`
}

// Aggregator folds cycle results into candle series.
type Aggregator interface {
	Mode() Mode
	Apply(ctx context.Context, results []marketdata.TickResult) Report
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// Options are shared by both modes.
type Options struct {
	MaxBars    int
	Workers    int
	Attempts   int
	MaxBackoff time.Duration
	Retention  marketdata.TickRetention
	Rebuild    batch.Config
}

// DefaultOptions mirror the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxBars:    marketdata.DefaultMaxCandles,
		Workers:    8,
		Attempts:   3,
		MaxBackoff: 100 * time.Millisecond,
		Retention:  marketdata.DefaultTickRetention,
		Rebuild:    batch.Config{Size: 50, Timeout: 2 * time.Second},
	}
}

// New builds the aggregator for mode.
func New(mode Mode, store interfaces.InstrumentsRepository, opts Options, logger *logrus.Logger, m *metrics.Metrics) (Aggregator, error) {
	switch mode {
	case ModeStrict:
		return NewStrict(store, opts, logger, m), nil
	case ModeBatched:
		return NewBatched(store, opts, logger, m), nil
	default:
		return nil, fmt.Errorf("unknown candles mode %q", mode)
	}
}
