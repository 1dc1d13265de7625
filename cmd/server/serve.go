package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	appmarketdata "marketsim/internal/application/service/marketdata"
	"marketsim/internal/infrastructure/broker"
	"marketsim/internal/infrastructure/logging"
	infrahttp "marketsim/internal/interfaces/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := logging.Component(a.logger, "server")
	cfg := a.cfg

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	stream := infrahttp.NewStream(cfg.Sink.TopN, a.logger, a.metrics)
	unsubscribe := a.distributor.Subscribe(stream.Broadcast)
	defer unsubscribe()

	var consumer *broker.Consumer
	if cfg.RabbitMQ.ConsumeOrders {
		consumer, err = broker.NewConsumer(cfg.RabbitMQ, a.store, a.logger)
		if err != nil {
			return fmt.Errorf("failed to init order consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start order consumer: %w", err)
		}
	}

	handler := infrahttp.NewHandler(infrahttp.Deps{
		Engine:     a.scheduler,
		MarketData: appmarketdata.NewService(a.store, cfg.Candles.MaxBars, cfg.Candles.TickHorizon()),
		Sink:       a.distributor,
		Stream:     stream,
		Metrics:    a.metrics,
		Cache:      a.httpCache(ctx),
		CacheTTL:   time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.aggregator.Start(ctx)
	a.distributor.Start(ctx)
	startErr := a.scheduler.Start(ctx)
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		logger.WithError(startErr).Error("engine failed to start")
	}

	if startErr == nil {
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			logger.WithError(err).Error("http server error")
			startErr = err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer shutdownCancel()

	a.scheduler.Stop()
	if err := a.aggregator.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("candle aggregator stop failed")
	}
	a.distributor.Stop()
	if consumer != nil {
		if err := consumer.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("order consumer close failed")
		}
	}
	stream.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown error: %v", err)
	}
	logger.Info("server stopped")

	if errors.Is(startErr, context.Canceled) {
		return nil
	}
	return startErr
}
