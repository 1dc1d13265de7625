package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotRunning is returned by Enqueue before Run or after Stop.
var ErrNotRunning = errors.New("batch buffer is not running")

// Config controls batching thresholds.
type Config struct {
	Size    int
	Timeout time.Duration
}

// FlushFunc receives one batch. It is never called concurrently for the same buffer.
type FlushFunc[T any] func(context.Context, []T) error

// Buffer collects items and flushes them once Size items are queued or
// Timeout elapsed since the first queued item.
type Buffer[T any] struct {
	cfg     Config
	mu      sync.Mutex
	flushMu sync.Mutex
	items   []T
	timer   *time.Timer
	flushFn FlushFunc[T]
	logger  *logrus.Entry
	ctx     context.Context
}

func New[T any](cfg Config, flushFn FlushFunc[T], logger *logrus.Entry) *Buffer[T] {
	return &Buffer[T]{
		cfg:     cfg,
		flushFn: flushFn,
		logger:  logger,
	}
}

// Run sets the base context for asynchronous flushes.
func (b *Buffer[T]) Run(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	b.ctx = ctx
}

// Stop flushes what is left with ctx and rejects further items.
func (b *Buffer[T]) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	batch := b.takeBatch()
	b.mu.Lock()
	b.ctx = nil
	b.mu.Unlock()
	return b.flushWithContext(ctx, batch)
}

// Enqueue adds items. When the size threshold is reached the batch is
// flushed synchronously and its error returned.
func (b *Buffer[T]) Enqueue(items ...T) error {
	b.mu.Lock()
	ctx := b.ctx
	if ctx == nil {
		b.mu.Unlock()
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.items = append(b.items, items...)
	var batch []T
	limit := b.cfg.Size
	if limit <= 0 {
		limit = 1
	}
	if len(b.items) >= limit {
		batch = b.takeBatchLocked()
	} else if b.timer == nil && b.cfg.Timeout > 0 && len(b.items) > 0 {
		b.startTimerLocked()
	}
	b.mu.Unlock()

	return b.flushWithContext(ctx, batch)
}

// Len reports the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer[T]) startTimerLocked() {
	b.timer = time.AfterFunc(b.cfg.Timeout, func() {
		batch := b.takeBatch()
		if len(batch) == 0 {
			return
		}
		if err := b.flushWithCurrentContext(batch); err != nil && b.logger != nil {
			b.logger.WithError(err).Warn("batch flush failed")
		}
	})
}

func (b *Buffer[T]) takeBatch() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeBatchLocked()
}

func (b *Buffer[T]) takeBatchLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return nil
	}
	batch := make([]T, len(b.items))
	copy(batch, b.items)
	b.items = b.items[:0]
	return batch
}

func (b *Buffer[T]) flushWithCurrentContext(batch []T) error {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	return b.flushWithContext(ctx, batch)
}

func (b *Buffer[T]) flushWithContext(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	start := time.Now()
	if err := b.flushFn(ctx, batch); err != nil {
		return err
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"size":    len(batch),
			"took_ms": time.Since(start).Milliseconds(),
		}).Debug("flushed batch")
	}
	return nil
}
