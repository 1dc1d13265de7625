// Package storage picks the store implementation named by configuration.
package storage

import (
	"context"
	"fmt"

	"marketsim/internal/config"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	infrainstruments "marketsim/internal/infrastructure/instruments"
	inframarketdata "marketsim/internal/infrastructure/marketdata"
	"marketsim/internal/infrastructure/memory"
)

// Retention derives the tick retention from configuration.
func Retention(cfg config.CandlesConfig) marketdata.TickRetention {
	return marketdata.TickRetention{Horizon: cfg.TickHorizon(), Max: cfg.MaxTicks}
}

// Open builds the configured store and makes sure its schema exists.
func Open(ctx context.Context, cfg *config.Config) (interfaces.Store, error) {
	retention := Retention(cfg.Candles)
	switch cfg.Store.Driver {
	case "postgres":
		repo, err := inframarketdata.NewRepository(ctx, cfg.Postgres.DSN, retention)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "sqlite":
		repo, err := infrainstruments.NewRepository(cfg.SQLite.Path, retention)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return repo, nil
	case "memory", "":
		return memory.NewStore(retention), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
