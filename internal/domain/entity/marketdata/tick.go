package marketdata

import (
	"time"

	"github.com/google/uuid"
)

// PriceTick is one raw (timestamp, price) observation.
type PriceTick struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// PriceUpdate is the unit of the bulk price write performed once per cycle.
type PriceUpdate struct {
	InstrumentUID uuid.UUID
	Price         float64
	At            time.Time
}

// TickResult is what one cycle produced for one instrument.
type TickResult struct {
	InstrumentUID uuid.UUID `json:"instrument_uid"`
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PreviousPrice float64   `json:"previous_price"`
	NetQuantity   float64   `json:"net_quantity"`
	Timestamp     time.Time `json:"timestamp"`
}

// Change is the absolute price move of the cycle.
func (r TickResult) Change() float64 {
	return r.Price - r.PreviousPrice
}

// ChangePercent is the relative move in percent; zero when there is no previous price.
func (r TickResult) ChangePercent() float64 {
	if r.PreviousPrice == 0 {
		return 0
	}
	return r.Change() / r.PreviousPrice * 100
}

// Update converts the result into the persisted price write.
func (r TickResult) Update() PriceUpdate {
	return PriceUpdate{InstrumentUID: r.InstrumentUID, Price: r.Price, At: r.Timestamp}
}

// TickRetention bounds the raw tick history by age and by count.
type TickRetention struct {
	Horizon time.Duration
	Max     int
}

// DefaultTickRetention keeps one day of ticks.
var DefaultTickRetention = TickRetention{Horizon: 24 * time.Hour, Max: 5000}

// Trim applies the retention to an ascending tick slice relative to now.
func (r TickRetention) Trim(ticks []PriceTick, now time.Time) []PriceTick {
	start := 0
	if r.Horizon > 0 {
		cutoff := now.Add(-r.Horizon)
		for start < len(ticks) && ticks[start].Timestamp.Before(cutoff) {
			start++
		}
	}
	if r.Max > 0 && len(ticks)-start > r.Max {
		start = len(ticks) - r.Max
	}
	if start == 0 {
		return ticks
	}
	return append([]PriceTick(nil), ticks[start:]...)
}
