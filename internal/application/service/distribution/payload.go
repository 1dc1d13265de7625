package distribution

import (
	"math"
	"sort"
	"time"

	"marketsim/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
)

// Update is one instrument line of the push payload.
type Update struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
}

// Payload is the per-cycle summary pushed to the sink and stream clients.
// Count is the number of instruments priced in the cycle; Updates holds at
// most topN of them, largest absolute move first.
type Payload struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Updates   []Update  `json:"updates"`
}

// BuildPayload summarizes results. topN <= 0 keeps every instrument.
func BuildPayload(results []marketdata.TickResult, topN int, now time.Time) Payload {
	ordered := append([]marketdata.TickResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ai, aj := math.Abs(ordered[i].ChangePercent()), math.Abs(ordered[j].ChangePercent())
		if ai != aj {
			return ai > aj
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})
	if topN > 0 && len(ordered) > topN {
		ordered = ordered[:topN]
	}

	var ts time.Time
	for _, r := range results {
		if r.Timestamp.After(ts) {
			ts = r.Timestamp
		}
	}
	if ts.IsZero() {
		ts = now
	}

	updates := make([]Update, 0, len(ordered))
	for _, r := range ordered {
		updates = append(updates, Update{
			Symbol:        r.Symbol,
			Price:         round(r.Price, 4),
			Change:        round(r.Change(), 4),
			ChangePercent: round(r.ChangePercent(), 2),
		})
	}
	return Payload{
		Timestamp: ts.UTC(),
		Count:     len(results),
		Updates:   updates,
	}
}

func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
