package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics keeps engine counters. All methods are safe on a nil receiver so
// components can run without a registry.
type Metrics struct {
	cyclesRun     atomic.Uint64
	cyclesSkipped atomic.Uint64
	cycleErrors   atomic.Uint64
	cycleNanos    atomic.Int64

	pricesComputed atomic.Uint64
	pricesDropped  atomic.Uint64

	candleConflicts atomic.Uint64
	candleSkips     atomic.Uint64
	rebuilds        atomic.Uint64

	sinkPublishes atomic.Uint64
	sinkThrottled atomic.Uint64
	sinkFailures  atomic.Uint64

	subscriberErrors atomic.Uint64
	streamClients    atomic.Int32
}

func New() *Metrics {
	return &Metrics{}
}

// RecordCycle records a finished cycle and its duration.
func (m *Metrics) RecordCycle(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.cyclesRun.Add(1)
	m.cycleNanos.Add(int64(took))
	if err != nil {
		m.cycleErrors.Add(1)
	}
}

func (m *Metrics) RecordCycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesSkipped.Add(1)
}

func (m *Metrics) RecordPrices(computed, dropped int) {
	if m == nil {
		return
	}
	m.pricesComputed.Add(uint64(computed))
	m.pricesDropped.Add(uint64(dropped))
}

func (m *Metrics) RecordCandleConflict() {
	if m == nil {
		return
	}
	m.candleConflicts.Add(1)
}

func (m *Metrics) RecordCandleSkip() {
	if m == nil {
		return
	}
	m.candleSkips.Add(1)
}

func (m *Metrics) RecordRebuild(instruments int) {
	if m == nil {
		return
	}
	m.rebuilds.Add(uint64(instruments))
}

func (m *Metrics) RecordSinkPublish() {
	if m == nil {
		return
	}
	m.sinkPublishes.Add(1)
}

func (m *Metrics) RecordSinkThrottled() {
	if m == nil {
		return
	}
	m.sinkThrottled.Add(1)
}

func (m *Metrics) RecordSinkFailure() {
	if m == nil {
		return
	}
	m.sinkFailures.Add(1)
}

func (m *Metrics) RecordSubscriberError() {
	if m == nil {
		return
	}
	m.subscriberErrors.Add(1)
}

func (m *Metrics) StreamConnected() {
	if m == nil {
		return
	}
	m.streamClients.Add(1)
}

func (m *Metrics) StreamDisconnected() {
	if m == nil {
		return
	}
	m.streamClients.Add(-1)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	CyclesRun        uint64 `json:"cycles_run"`
	CyclesSkipped    uint64 `json:"cycles_skipped"`
	CycleErrors      uint64 `json:"cycle_errors"`
	AvgCycleMillis   int64  `json:"avg_cycle_ms"`
	PricesComputed   uint64 `json:"prices_computed"`
	PricesDropped    uint64 `json:"prices_dropped"`
	CandleConflicts  uint64 `json:"candle_conflicts"`
	CandleSkips      uint64 `json:"candle_skips"`
	Rebuilds         uint64 `json:"rebuilds"`
	SinkPublishes    uint64 `json:"sink_publishes"`
	SinkThrottled    uint64 `json:"sink_throttled"`
	SinkFailures     uint64 `json:"sink_failures"`
	SubscriberErrors uint64 `json:"subscriber_errors"`
	StreamClients    int32  `json:"stream_clients"`
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	var avg int64
	if runs := m.cyclesRun.Load(); runs > 0 {
		avg = time.Duration(m.cycleNanos.Load() / int64(runs)).Milliseconds()
	}
	return Snapshot{
		CyclesRun:        m.cyclesRun.Load(),
		CyclesSkipped:    m.cyclesSkipped.Load(),
		CycleErrors:      m.cycleErrors.Load(),
		AvgCycleMillis:   avg,
		PricesComputed:   m.pricesComputed.Load(),
		PricesDropped:    m.pricesDropped.Load(),
		CandleConflicts:  m.candleConflicts.Load(),
		CandleSkips:      m.candleSkips.Load(),
		Rebuilds:         m.rebuilds.Load(),
		SinkPublishes:    m.sinkPublishes.Load(),
		SinkThrottled:    m.sinkThrottled.Load(),
		SinkFailures:     m.sinkFailures.Load(),
		SubscriberErrors: m.subscriberErrors.Load(),
		StreamClients:    m.streamClients.Load(),
	}
}
