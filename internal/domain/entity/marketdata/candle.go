package marketdata

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Timeframe is a fixed candle width aligned to UTC wall-clock boundaries.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe30m Timeframe = "30m"
	Timeframe2h  Timeframe = "2h"
)

// DefaultMaxCandles bounds every series unless the deployment overrides it.
const DefaultMaxCandles = 1000

// Timeframes lists the series maintained for every instrument, finest first.
var Timeframes = []Timeframe{Timeframe5m, Timeframe30m, Timeframe2h}

// ParseTimeframe accepts any positive whole-minute duration ("5m", "1h", "90m").
func ParseTimeframe(s string) (Timeframe, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("parse timeframe %q: %w", s, err)
	}
	if d < time.Minute || d%time.Minute != 0 {
		return "", fmt.Errorf("timeframe %q must be a whole number of minutes", s)
	}
	return Timeframe(s), nil
}

// Duration returns the window width. Unparseable values yield zero.
func (tf Timeframe) Duration() time.Duration {
	d, err := time.ParseDuration(string(tf))
	if err != nil {
		return 0
	}
	return d
}

// Minutes returns the window width in whole minutes.
func (tf Timeframe) Minutes() int64 {
	return int64(tf.Duration() / time.Minute)
}

// Maintained reports whether the timeframe is one of the stored series.
func (tf Timeframe) Maintained() bool {
	for _, known := range Timeframes {
		if known == tf {
			return true
		}
	}
	return false
}

// WindowStart returns floor(minutes/tf)*tf for the timestamp, in UTC.
func (tf Timeframe) WindowStart(ts time.Time) time.Time {
	width := tf.Minutes() * 60
	if width <= 0 {
		return ts.UTC()
	}
	unix := ts.Unix()
	rem := unix % width
	if rem < 0 {
		rem += width
	}
	return time.Unix(unix-rem, 0).UTC()
}

// Candle is one OHLC bar over the half-open window [Start, End).
// Volume counts price ticks, not traded quantity.
type Candle struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// NewCandle opens a bar for the window that contains ts.
func NewCandle(tf Timeframe, price float64, ts time.Time) Candle {
	start := tf.WindowStart(ts)
	return Candle{
		Start:  start,
		End:    start.Add(tf.Duration()),
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: 1,
	}
}

// Update folds another tick into the bar.
func (c *Candle) Update(price float64) {
	c.High = math.Max(c.High, price)
	c.Low = math.Min(c.Low, price)
	c.Close = price
	c.Volume++
}

// Contains reports whether ts falls inside [Start, End).
func (c Candle) Contains(ts time.Time) bool {
	return !ts.Before(c.Start) && ts.Before(c.End)
}

// ApplyTick folds a tick into an ordered series and truncates it to the newest
// maxBars bars. The input slice is not modified.
func ApplyTick(series []Candle, tf Timeframe, price float64, ts time.Time, maxBars int) []Candle {
	out := make([]Candle, len(series), len(series)+1)
	copy(out, series)
	return Truncate(fold(out, tf, price, ts), maxBars)
}

// fold updates or inserts the bar for ts in place, keeping the order.
func fold(out []Candle, tf Timeframe, price float64, ts time.Time) []Candle {
	start := tf.WindowStart(ts)
	idx := sort.Search(len(out), func(i int) bool { return !out[i].Start.Before(start) })
	switch {
	case idx < len(out) && out[idx].Start.Equal(start):
		out[idx].Update(price)
	case idx == len(out):
		out = append(out, NewCandle(tf, price, ts))
	default:
		out = append(out, Candle{})
		copy(out[idx+1:], out[idx:])
		out[idx] = NewCandle(tf, price, ts)
	}
	return out
}

// Truncate drops the oldest bars beyond maxBars.
func Truncate(series []Candle, maxBars int) []Candle {
	if maxBars <= 0 {
		maxBars = DefaultMaxCandles
	}
	if len(series) <= maxBars {
		return series
	}
	return append([]Candle(nil), series[len(series)-maxBars:]...)
}

// RebuildFromTicks regenerates a series from raw ticks. Bars the ticks no
// longer cover completely are kept from existing: everything before the first
// tick's window, and that window itself when the first tick is not at its
// start and a bar for it already exists.
func RebuildFromTicks(existing []Candle, ticks []PriceTick, tf Timeframe, maxBars int) []Candle {
	if len(ticks) == 0 {
		return Truncate(append([]Candle(nil), existing...), maxBars)
	}
	sorted := append([]PriceTick(nil), ticks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	cutoff := tf.WindowStart(sorted[0].Timestamp)
	if sorted[0].Timestamp.After(cutoff) {
		for _, c := range existing {
			if c.Start.Equal(cutoff) {
				cutoff = c.End
				break
			}
		}
	}
	series := make([]Candle, 0, len(existing)+len(sorted))
	for _, c := range existing {
		if c.Start.Before(cutoff) {
			series = append(series, c)
		}
	}
	for _, t := range sorted {
		if t.Timestamp.Before(cutoff) {
			continue
		}
		series = fold(series, tf, t.Price, t.Timestamp)
	}
	return Truncate(series, maxBars)
}

// CandleSeries holds one ordered series per timeframe.
type CandleSeries map[Timeframe][]Candle

// Clone deep-copies the series so callers can mutate it freely.
func (s CandleSeries) Clone() CandleSeries {
	out := make(CandleSeries, len(s))
	for tf, bars := range s {
		out[tf] = append([]Candle(nil), bars...)
	}
	return out
}

// Apply folds one tick into every maintained timeframe.
func (s CandleSeries) Apply(price float64, ts time.Time, maxBars int) CandleSeries {
	out := make(CandleSeries, len(Timeframes))
	for tf, bars := range s {
		out[tf] = bars
	}
	for _, tf := range Timeframes {
		out[tf] = ApplyTick(s[tf], tf, price, ts, maxBars)
	}
	return out
}

// Current returns the bar whose window contains now, if any.
func (s CandleSeries) Current(tf Timeframe, now time.Time) (Candle, bool) {
	bars := s[tf]
	if len(bars) == 0 {
		return Candle{}, false
	}
	last := bars[len(bars)-1]
	if last.Contains(now) {
		return last, true
	}
	return Candle{}, false
}

// Last returns up to limit newest bars of a timeframe, oldest first.
func (s CandleSeries) Last(tf Timeframe, limit int) []Candle {
	bars := s[tf]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]Candle(nil), bars...)
}
