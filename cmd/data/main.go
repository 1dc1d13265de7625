package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	appinstruments "marketsim/internal/application/service/instruments"
	"marketsim/internal/config"
	"marketsim/internal/infrastructure/logging"
	"marketsim/internal/infrastructure/storage"

	"github.com/sirupsen/logrus"
)

const defaultInstrumentsFile = "cmd/data/instruments.json"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger, logFile, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("init logger: %v", err)
	}
	defer logFile.Close()

	path := envOrDefault("INSTRUMENTS_FILE", defaultInstrumentsFile)
	list, err := appinstruments.ReadFile(path)
	if err != nil {
		logger.Fatalf("load instruments: %v", err)
	}

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	report, err := appinstruments.NewService(store, logger).Seed(ctx, list)
	fields := logrus.Fields{
		"driver":   cfg.Store.Driver,
		"created":  report.Created,
		"existing": report.Existing,
		"invalid":  report.Invalid,
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("seeding finished with errors")
		store.Close()
		os.Exit(1)
	}
	logger.WithFields(fields).Info("instruments seeded")
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
