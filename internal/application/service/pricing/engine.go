package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ImpactScale is the largest move order flow alone can cause in one cycle.
const ImpactScale = 0.02

var (
	ErrInvalidPrice        = errors.New("current price must be positive and finite")
	ErrInvalidVolatility   = errors.New("volatility factor must be positive and finite")
	ErrInvalidCircuitLimit = errors.New("circuit limit must be non-negative and finite")
	ErrInvalidQuantity     = errors.New("net quantity must be finite")
)

// Multiplier returns 1 + 0.02*tanh(q/v) before any circuit clamping.
func Multiplier(netQuantity, volatility float64) float64 {
	return 1 + ImpactScale*math.Tanh(netQuantity/volatility)
}

// Clamp bounds a multiplier to [1-limit/100, 1+limit/100].
func Clamp(multiplier, circuitLimit float64) float64 {
	lo := 1 - circuitLimit/100
	hi := 1 + circuitLimit/100
	return math.Min(math.Max(multiplier, lo), hi)
}

// ComputePrice applies the order-flow impact to the current price.
func ComputePrice(current, netQuantity, volatility, circuitLimit float64) (float64, error) {
	if !(current > 0) || math.IsInf(current, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, current)
	}
	if !(volatility > 0) || math.IsInf(volatility, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidVolatility, volatility)
	}
	if !(circuitLimit >= 0) || math.IsInf(circuitLimit, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCircuitLimit, circuitLimit)
	}
	if math.IsNaN(netQuantity) || math.IsInf(netQuantity, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidQuantity, netQuantity)
	}
	next := current * Clamp(Multiplier(netQuantity, volatility), circuitLimit)
	if !(next > 0) || math.IsInf(next, 0) {
		return 0, fmt.Errorf("%w: computed %v", ErrInvalidPrice, next)
	}
	return next, nil
}

// Engine prices every instrument of a cycle in a bounded worker pool.
type Engine struct {
	workers int
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

func NewEngine(workers int, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		workers: workers,
		logger:  logger.WithField("component", "pricing"),
		metrics: m,
	}
}

// ComputeBatch returns one result per instrument that priced successfully,
// in input order. Failures are logged and left out; instruments without an
// entry in netQty are priced with Q = 0.
func (e *Engine) ComputeBatch(ctx context.Context, list []instruments.Instrument, netQty map[uuid.UUID]float64, at time.Time) []marketdata.TickResult {
	results := make([]*marketdata.TickResult, len(list))
	var (
		mu      sync.Mutex
		dropped int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range list {
		inst := list[i]
		idx := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			q := netQty[inst.UID]
			price, err := ComputePrice(inst.Price, q, inst.Volatility, inst.CircuitLimit)
			if err != nil {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"symbol": inst.Symbol,
					"q":      q,
				}).Warn("price computation failed, instrument dropped from cycle")
				mu.Lock()
				dropped++
				mu.Unlock()
				return nil
			}
			results[idx] = &marketdata.TickResult{
				InstrumentUID: inst.UID,
				Symbol:        inst.Symbol,
				Price:         price,
				PreviousPrice: inst.Price,
				NetQuantity:   q,
				Timestamp:     at,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.WithError(err).Warn("price batch interrupted")
	}

	out := make([]marketdata.TickResult, 0, len(list))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	e.metrics.RecordPrices(len(out), dropped)
	return out
}
