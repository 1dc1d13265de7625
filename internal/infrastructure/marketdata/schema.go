package marketdata

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	uid           UUID PRIMARY KEY,
	symbol        TEXT NOT NULL,
	symbol_key    TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	price         DOUBLE PRECISION NOT NULL CHECK (price > 0),
	volatility    DOUBLE PRECISION NOT NULL CHECK (volatility > 0),
	circuit_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
	candles       JSONB NOT NULL DEFAULT '{}'::jsonb,
	version       BIGINT NOT NULL DEFAULT 1,
	last_updated  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_ticks (
	instrument_uid UUID NOT NULL REFERENCES instruments(uid) ON DELETE CASCADE,
	ts             TIMESTAMPTZ NOT NULL,
	price          DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS price_ticks_instrument_ts_idx ON price_ticks (instrument_uid, ts);

CREATE TABLE IF NOT EXISTS orders (
	order_id       UUID PRIMARY KEY,
	instrument_uid UUID NOT NULL,
	side           TEXT NOT NULL,
	quantity       DOUBLE PRECISION NOT NULL,
	status         TEXT NOT NULL,
	executed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_executed_at_idx ON orders (executed_at) WHERE status = 'EXECUTED';
`

// Migrate creates the tables when they are missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
