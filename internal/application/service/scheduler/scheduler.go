package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketsim/internal/application/service/candles"
	"marketsim/internal/application/service/distribution"
	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCycleActive is returned when a cycle or a trigger group is already running.
	ErrCycleActive = errors.New("cycle already active")
	ErrStopped     = errors.New("scheduler stopped")
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// Pricer prices all instruments of a cycle from one net-quantity snapshot.
type Pricer interface {
	ComputeBatch(ctx context.Context, list []instruments.Instrument, netQty map[uuid.UUID]float64, at time.Time) []marketdata.TickResult
}

// Publisher hands cycle results to subscribers and sinks.
type Publisher interface {
	Publish(ctx context.Context, results []marketdata.TickResult) distribution.PublishReport
}

// Options configure cadence and startup behaviour.
type Options struct {
	Interval         time.Duration
	OrderWindow      time.Duration
	TriggerWindow    time.Duration
	Continuous       bool
	StartRetryDelay  time.Duration
	StartMaxAttempts int
}

func DefaultOptions() Options {
	return Options{
		Interval:        30 * time.Second,
		OrderWindow:     30 * time.Second,
		TriggerWindow:   55 * time.Second,
		Continuous:      true,
		StartRetryDelay: 5 * time.Second,
	}
}

// CycleResult is the outcome of one executed cycle.
type CycleResult struct {
	ID            uuid.UUID               `json:"id"`
	StartedAt     time.Time               `json:"started_at"`
	DurationMS    int64                   `json:"duration_ms"`
	Results       []marketdata.TickResult `json:"results"`
	Candles       candles.Report          `json:"candles"`
	SinkPublished bool                    `json:"sink_published"`
}

// Scheduler drives pricing, aggregation and distribution cycles.
type Scheduler struct {
	store      interfaces.Store
	pricer     Pricer
	aggregator candles.Aggregator
	publisher  Publisher
	opts       Options
	logger     *logrus.Entry
	metrics    *metrics.Metrics
	now        func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu         sync.Mutex
	wg         sync.WaitGroup
	started    bool
	stopped    bool
	continuous bool

	state         atomic.Int32
	running       atomic.Bool
	triggerActive atomic.Bool

	infoMu     sync.RWMutex
	lastUpdate time.Time
	nextRun    time.Time
}

func New(store interfaces.Store, pricer Pricer, aggregator candles.Aggregator, publisher Publisher, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Scheduler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.OrderWindow <= 0 {
		opts.OrderWindow = def.OrderWindow
	}
	if opts.TriggerWindow <= 0 {
		opts.TriggerWindow = def.TriggerWindow
	}
	if opts.StartRetryDelay <= 0 {
		opts.StartRetryDelay = def.StartRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		pricer:     pricer,
		aggregator: aggregator,
		publisher:  publisher,
		opts:       opts,
		logger:     logger.WithField("component", "scheduler"),
		metrics:    m,
		now:        time.Now,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// NextBoundary returns ceil(now/interval)*interval on the Unix epoch grid.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	n := now.UnixNano()
	step := int64(interval)
	rem := n % step
	if rem < 0 {
		rem += step
	}
	if rem == 0 {
		return time.Unix(0, n).UTC()
	}
	return time.Unix(0, n-rem+step).UTC()
}

// Start verifies the store is reachable, retrying with a fixed delay, and
// then arms the aligned timer when continuous mode is enabled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.waitForStore(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.started = true
	if s.opts.Continuous {
		s.continuous = true
		s.state.Store(int32(StateScheduled))
		s.wg.Add(1)
		go s.loop(s.rootCtx)
	}
	s.logger.WithFields(logrus.Fields{
		"interval_ms": s.opts.Interval.Milliseconds(),
		"continuous":  s.opts.Continuous,
	}).Info("scheduler started")
	return nil
}

func (s *Scheduler) waitForStore(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.probeStore(ctx)
		if err == nil {
			return nil
		}
		log := s.logger.WithError(err).WithField("attempt", attempt)
		if s.opts.StartMaxAttempts > 0 && attempt >= s.opts.StartMaxAttempts {
			log.Error("scheduler start failed, giving up")
			return fmt.Errorf("start scheduler after %d attempts: %w", attempt, err)
		}
		log.WithField("retry_in_ms", s.opts.StartRetryDelay.Milliseconds()).Warn("scheduler start failed, retrying")
		timer := time.NewTimer(s.opts.StartRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.rootCtx.Done():
			timer.Stop()
			return ErrStopped
		case <-timer.C:
		}
	}
}

func (s *Scheduler) probeStore(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	if _, err := s.store.ListInstruments(ctx); err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	return nil
}

// Stop clears pending timers and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.continuous = false
	s.mu.Unlock()

	s.rootCancel()
	s.wg.Wait()
	s.state.Store(int32(StateIdle))
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	var last time.Time
	for {
		next := NextBoundary(s.now(), s.opts.Interval)
		if !next.After(last) {
			next = last.Add(s.opts.Interval)
		}
		s.setNextRun(next)
		if !s.running.Load() {
			s.state.Store(int32(StateScheduled))
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		last = next

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLogged(context.WithoutCancel(ctx), "timer")
		}()
	}
}

// runLogged runs a cycle where nobody waits for its result.
func (s *Scheduler) runLogged(ctx context.Context, source string) {
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleActive) {
		s.logger.WithError(err).WithField("source", source).Debug("cycle finished with error")
	}
}

// RunCycle executes one full cycle unless another one is running, in which
// case the call is skipped and ErrCycleActive returned.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.RecordCycleSkipped()
		s.logger.Warn("cycle still running, tick skipped")
		return nil, ErrCycleActive
	}
	defer s.finishCycle()
	s.state.Store(int32(StateRunning))

	id := uuid.New()
	started := s.now()
	result, err := s.execute(ctx, id, started.UTC())
	took := time.Since(started)
	s.metrics.RecordCycle(took, err)

	log := s.logger.WithFields(logrus.Fields{
		"cycle_id":    id,
		"duration_ms": took.Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Error("cycle failed")
		return nil, err
	}
	result.DurationMS = took.Milliseconds()

	s.infoMu.Lock()
	s.lastUpdate = result.StartedAt
	s.infoMu.Unlock()

	log.WithFields(logrus.Fields{
		"instruments":    len(result.Results),
		"candles":        result.Candles.Applied,
		"candles_queued": result.Candles.Queued,
		"candles_missed": result.Candles.Skipped,
		"sink":           result.SinkPublished,
	}).Info("cycle completed")
	return result, nil
}

// finishCycle leaves the scheduler Scheduled while either the continuous
// timer or a trigger group has another fire pending.
func (s *Scheduler) finishCycle() {
	s.mu.Lock()
	continuous := s.continuous
	s.mu.Unlock()
	if continuous || s.triggerActive.Load() {
		s.state.Store(int32(StateScheduled))
	} else {
		s.state.Store(int32(StateIdle))
	}
	s.running.Store(false)
}

func (s *Scheduler) execute(ctx context.Context, id uuid.UUID, at time.Time) (*CycleResult, error) {
	netQty, err := s.store.NetQuantities(ctx, at.Add(-s.opts.OrderWindow), at)
	if err != nil {
		return nil, fmt.Errorf("aggregate orders: %w", err)
	}
	list, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	results := s.pricer.ComputeBatch(ctx, list, netQty, at)
	updates := make([]marketdata.PriceUpdate, 0, len(results))
	for _, r := range results {
		updates = append(updates, r.Update())
	}
	if err := s.store.UpdatePrices(ctx, updates); err != nil {
		return nil, fmt.Errorf("persist prices: %w", err)
	}

	report := s.aggregator.Apply(ctx, results)
	published := s.publisher.Publish(ctx, results)

	return &CycleResult{
		ID:            id,
		StartedAt:     at,
		Results:       results,
		Candles:       report,
		SinkPublished: published.SinkPublished,
	}, nil
}

func (s *Scheduler) setNextRun(t time.Time) {
	s.infoMu.Lock()
	s.nextRun = t
	s.infoMu.Unlock()
}
