package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"marketsim/internal/application/service/candles"
	"marketsim/internal/application/service/distribution"
	"marketsim/internal/application/service/pricing"
	"marketsim/internal/application/service/scheduler"
	"marketsim/internal/config"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/batch"
	"marketsim/internal/infrastructure/broker"
	"marketsim/internal/infrastructure/cache"
	"marketsim/internal/infrastructure/logging"
	"marketsim/internal/infrastructure/metrics"
	"marketsim/internal/infrastructure/storage"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app holds the wired engine. Everything is built from one Config.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	logFile io.Closer

	store       interfaces.Store
	metrics     *metrics.Metrics
	redis       *redis.Client
	redisOK     bool
	sink        interfaces.Sink
	distributor *distribution.Distributor
	aggregator  candles.Aggregator
	scheduler   *scheduler.Scheduler
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, logFile, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, logFile: logFile, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) retention() marketdata.TickRetention {
	return storage.Retention(a.cfg.Candles)
}

func (a *app) wire(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.store = store

	sink, err := a.openSink(ctx)
	if err != nil {
		return err
	}
	a.sink = sink

	a.distributor = distribution.NewDistributor(sink, distribution.Options{
		Throttle:      a.cfg.Sink.Throttle(),
		ProbeInterval: a.cfg.Sink.ProbeInterval(),
		TopN:          a.cfg.Sink.TopN,
	}, a.logger, a.metrics)

	mode, err := candles.ParseMode(a.cfg.Candles.Mode)
	if err != nil {
		return err
	}
	opts := candles.DefaultOptions()
	opts.MaxBars = a.cfg.Candles.MaxBars
	opts.Workers = a.cfg.Engine.Workers
	opts.Retention = a.retention()
	opts.Rebuild = batch.Config{Size: a.cfg.Candles.RebuildChunkSize, Timeout: a.cfg.Candles.RebuildDelay()}
	a.aggregator, err = candles.New(mode, store, opts, a.logger, a.metrics)
	if err != nil {
		return err
	}

	a.scheduler = scheduler.New(
		store,
		pricing.NewEngine(a.cfg.Engine.Workers, a.logger, a.metrics),
		a.aggregator,
		a.distributor,
		scheduler.Options{
			Interval:         a.cfg.Engine.Interval(),
			OrderWindow:      a.cfg.Engine.OrderWindow(),
			TriggerWindow:    a.cfg.Engine.TriggerWindow(),
			Continuous:       a.cfg.Engine.Continuous,
			StartRetryDelay:  a.cfg.Engine.StartRetryDelay(),
			StartMaxAttempts: a.cfg.Engine.StartMaxAttempts,
		},
		a.logger,
		a.metrics,
	)
	return nil
}

func (a *app) openStore(ctx context.Context) (interfaces.Store, error) {
	var store interfaces.Store
	err := a.retryStartup(ctx, "open store", func(ctx context.Context) error {
		s, err := storage.Open(ctx, a.cfg)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", a.cfg.Store.Driver, err)
	}
	return store, nil
}

// redisClient connects lazily; a failed ping only disables the HTTP cache.
func (a *app) redisClient(ctx context.Context) *redis.Client {
	if a.redis != nil || a.cfg.Redis.Addr == "" {
		return a.redis
	}
	a.redis = cache.NewClient(a.cfg.Redis)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.logger.WithError(err).Warn("redis is not reachable")
		return a.redis
	}
	a.redisOK = true
	return a.redis
}

// httpCache returns the client for the response cache, or nil when Redis
// was not reachable at startup.
func (a *app) httpCache(ctx context.Context) redis.UniversalClient {
	if a.cfg.Cache.TTLSeconds <= 0 {
		return nil
	}
	if client := a.redisClient(ctx); client != nil && a.redisOK {
		return client
	}
	return nil
}

func (a *app) openSink(ctx context.Context) (interfaces.Sink, error) {
	var sinks []interfaces.Sink
	kind := a.cfg.Sink.Kind
	if kind == "redis" || kind == "all" {
		client := a.redisClient(ctx)
		if client == nil {
			return nil, errors.New("redis sink needs REDIS_ADDR")
		}
		s, err := cache.NewRedisSink(client, a.cfg.Redis.Key, a.cfg.Redis.Channel, time.Duration(a.cfg.Sink.TTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if kind == "amqp" || kind == "all" {
		s, err := broker.NewPublisher(a.cfg.RabbitMQ.URL, a.cfg.RabbitMQ.TicksExchange)
		if err != nil {
			return nil, fmt.Errorf("failed to init amqp sink: %w", err)
		}
		if err := s.Connect(); err != nil {
			a.logger.WithError(err).Warn("rabbitmq is not reachable, sink starts degraded")
		}
		sinks = append(sinks, s)
	}
	return distribution.JoinSinks(sinks...), nil
}

func (a *app) retryStartup(ctx context.Context, what string, fn func(context.Context) error) error {
	delay := a.cfg.Engine.StartRetryDelay()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		log := logging.Component(a.logger, "startup").WithError(err).WithFields(logrus.Fields{"step": what, "attempt": attempt})
		if limit := a.cfg.Engine.StartMaxAttempts; limit > 0 && attempt >= limit {
			log.Error("startup step failed, giving up")
			return fmt.Errorf("%s after %d attempts: %w", what, attempt, err)
		}
		log.WithField("retry_in_ms", delay.Milliseconds()).Warn("startup step failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *app) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.WithError(err).Warn("sink close failed")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
