package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketsim/internal/config"
	infrainstruments "marketsim/internal/infrastructure/instruments"
	"marketsim/internal/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	cfg := config.Default()

	store, err := Open(context.Background(), &cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)
	store.Close()

	cfg.Store.Driver = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "db", "engine.db")
	store, err = Open(context.Background(), &cfg)
	require.NoError(t, err)
	assert.IsType(t, &infrainstruments.Repository{}, store)
	assert.NoError(t, store.Ping(context.Background()))
	store.Close()

	cfg.Store.Driver = "mongo"
	_, err = Open(context.Background(), &cfg)
	assert.Error(t, err)
}

func TestRetention(t *testing.T) {
	r := Retention(config.CandlesConfig{TickHorizonHours: 2, MaxTicks: 10})
	assert.Equal(t, 2*time.Hour, r.Horizon)
	assert.Equal(t, 10, r.Max)
}
