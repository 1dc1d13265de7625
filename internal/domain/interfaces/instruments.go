package interfaces

import (
	"context"
	"time"

	domain "marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"

	"github.com/google/uuid"
)

type InstrumentsRepository interface {
	CreateInstrument(ctx context.Context, instrument *domain.Instrument) error
	GetInstrument(ctx context.Context, uid uuid.UUID) (*domain.Instrument, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error)
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)

	// UpdatePrices writes {price, last_updated} for every entry in one round
	// trip and appends each price to the raw tick history, applying the
	// store's retention. Unknown instruments are skipped.
	UpdatePrices(ctx context.Context, updates []marketdata.PriceUpdate) error
	// UpdateCandles replaces the candle series only when the stored version
	// still equals expectedVersion, otherwise it returns ErrVersionConflict.
	UpdateCandles(ctx context.Context, uid uuid.UUID, series marketdata.CandleSeries, expectedVersion int64) error
	GetPriceTicks(ctx context.Context, uid uuid.UUID, since time.Time) ([]marketdata.PriceTick, error)
	// ResetHistory clears candles and ticks of one instrument.
	ResetHistory(ctx context.Context, uid uuid.UUID) error
}
