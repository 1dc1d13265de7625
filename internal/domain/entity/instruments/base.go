package instruments

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"marketsim/internal/domain/entity/marketdata"

	"github.com/google/uuid"
)

var (
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrDuplicateSymbol    = errors.New("instrument symbol already exists")
	// ErrVersionConflict is returned by conditional writes when the stored
	// version moved since the instrument was read.
	ErrVersionConflict = errors.New("instrument version conflict")
)

// Instrument is a simulated tradable with its bounded candle history.
type Instrument struct {
	UID          uuid.UUID               `json:"uid"`
	Symbol       string                  `json:"symbol"`
	Name         string                  `json:"name,omitempty"`
	Price        float64                 `json:"price"`
	Volatility   float64                 `json:"volatility"`
	CircuitLimit float64                 `json:"circuit_limit"`
	Candles      marketdata.CandleSeries `json:"candles,omitempty"`
	Version      int64                   `json:"version"`
	LastUpdated  time.Time               `json:"last_updated"`
	CreatedAt    time.Time               `json:"created_at"`
}

// Validate checks the invariants every stored instrument must satisfy.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if !(i.Price > 0) || math.IsInf(i.Price, 0) {
		return fmt.Errorf("price must be positive, got %v", i.Price)
	}
	if !(i.Volatility > 0) || math.IsInf(i.Volatility, 0) {
		return fmt.Errorf("volatility must be positive, got %v", i.Volatility)
	}
	if !(i.CircuitLimit >= 0) || math.IsInf(i.CircuitLimit, 0) {
		return fmt.Errorf("circuit limit must be non-negative, got %v", i.CircuitLimit)
	}
	return nil
}

// Clone returns a copy that shares no candle storage with i.
func (i Instrument) Clone() Instrument {
	out := i
	out.Candles = i.Candles.Clone()
	return out
}
