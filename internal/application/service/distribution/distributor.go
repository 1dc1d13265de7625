package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	minThrottle = time.Second
	maxThrottle = 2 * time.Second
)

// Subscriber receives the full result set of every cycle.
type Subscriber func(ctx context.Context, results []marketdata.TickResult) error

// Options tune the external sink path.
type Options struct {
	Throttle      time.Duration
	ProbeInterval time.Duration
	TopN          int
}

func DefaultOptions() Options {
	return Options{
		Throttle:      1500 * time.Millisecond,
		ProbeInterval: 5 * time.Second,
		TopN:          50,
	}
}

// PublishReport describes what one Publish call did.
type PublishReport struct {
	Notified      int
	Failed        int
	SinkPublished bool
	SinkSkipped   string
}

// Distributor fans cycle results out to in-process subscribers and to an
// optional external sink.
type Distributor struct {
	opts    Options
	sink    interfaces.Sink
	logger  *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time

	subMu       sync.RWMutex
	subscribers map[uuid.UUID]Subscriber

	publishMu   sync.Mutex
	lastPublish time.Time
	healthy     atomic.Bool

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributor wires a distributor. sink may be nil.
func NewDistributor(sink interfaces.Sink, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Distributor {
	if opts.Throttle < minThrottle {
		opts.Throttle = minThrottle
	}
	if opts.Throttle > maxThrottle {
		opts.Throttle = maxThrottle
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultOptions().ProbeInterval
	}
	d := &Distributor{
		opts:        opts,
		sink:        sink,
		logger:      logger.WithField("component", "distribution"),
		metrics:     m,
		now:         time.Now,
		subscribers: make(map[uuid.UUID]Subscriber),
	}
	d.healthy.Store(sink != nil)
	return d
}

// Subscribe registers fn and returns a function that removes it.
func (d *Distributor) Subscribe(fn Subscriber) (unsubscribe func()) {
	id := uuid.New()
	d.subMu.Lock()
	d.subscribers[id] = fn
	d.subMu.Unlock()
	return func() {
		d.subMu.Lock()
		delete(d.subscribers, id)
		d.subMu.Unlock()
	}
}

// Subscribers reports the number of registered callbacks.
func (d *Distributor) Subscribers() int {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return len(d.subscribers)
}

// SinkConfigured reports whether an external sink is wired.
func (d *Distributor) SinkConfigured() bool {
	return d.sink != nil
}

// Healthy reports the external sink health flag.
func (d *Distributor) Healthy() bool {
	return d.healthy.Load()
}

// Publish notifies every subscriber and then, throttled and health
// permitting, the external sink. It never returns subscriber or sink errors.
func (d *Distributor) Publish(ctx context.Context, results []marketdata.TickResult) PublishReport {
	var report PublishReport

	d.subMu.RLock()
	subs := make(map[uuid.UUID]Subscriber, len(d.subscribers))
	for id, fn := range d.subscribers {
		subs[id] = fn
	}
	d.subMu.RUnlock()

	for id, fn := range subs {
		if err := d.notify(ctx, fn, results); err != nil {
			report.Failed++
			d.metrics.RecordSubscriberError()
			d.logger.WithError(err).WithField("subscriber", id).Warn("subscriber failed")
			continue
		}
		report.Notified++
	}

	report.SinkPublished, report.SinkSkipped = d.publishExternal(ctx, results)
	return report
}

func (d *Distributor) notify(ctx context.Context, fn Subscriber, results []marketdata.TickResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(ctx, results)
}

func (d *Distributor) publishExternal(ctx context.Context, results []marketdata.TickResult) (bool, string) {
	if d.sink == nil {
		return false, "disabled"
	}
	if !d.healthy.Load() {
		d.logger.Debug("sink unhealthy, publish skipped")
		return false, "unhealthy"
	}

	d.publishMu.Lock()
	now := d.now()
	if !d.lastPublish.IsZero() && now.Sub(d.lastPublish) < d.opts.Throttle {
		d.publishMu.Unlock()
		d.metrics.RecordSinkThrottled()
		return false, "throttled"
	}
	d.lastPublish = now
	d.publishMu.Unlock()

	body, err := json.Marshal(BuildPayload(results, d.opts.TopN, now))
	if err != nil {
		d.logger.WithError(err).Error("encode payload")
		return false, "encode"
	}
	if err := d.sink.Publish(ctx, body); err != nil {
		d.healthy.Store(false)
		d.metrics.RecordSinkFailure()
		d.logger.WithError(err).Warn("sink publish failed, marking sink unhealthy")
		return false, "failed"
	}
	d.metrics.RecordSinkPublish()
	return true, ""
}

// Probe pings an unhealthy sink once and restores the flag on success.
func (d *Distributor) Probe(ctx context.Context) error {
	if d.sink == nil {
		return errors.New("no sink configured")
	}
	if d.healthy.Load() {
		return nil
	}
	if err := d.sink.Ping(ctx); err != nil {
		return err
	}
	d.healthy.Store(true)
	d.logger.Info("sink recovered")
	return nil
}

// Start runs the health probe loop until Stop or ctx cancellation.
func (d *Distributor) Start(ctx context.Context) {
	if d.sink == nil {
		return
	}
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.cancel != nil {
		return
	}
	probeCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.probeLoop(probeCtx)
}

func (d *Distributor) Stop() {
	d.lifeMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

func (d *Distributor) probeLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.healthy.Load() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, d.opts.ProbeInterval)
			if err := d.Probe(pingCtx); err != nil {
				d.logger.WithError(err).Debug("sink still unhealthy")
			}
			cancel()
		}
	}
}
