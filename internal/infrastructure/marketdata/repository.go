package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketsim/internal/domain/entity/instruments"
	domain "marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation       = "23505"
	defaultOrderRetention = time.Hour
)

// Repository is the Postgres implementation of interfaces.Store. Candle
// series live in a JSONB column guarded by the row version.
type Repository struct {
	pool      *pgxpool.Pool
	retention domain.TickRetention
	now       func() time.Time
}

var _ interfaces.Store = (*Repository)(nil)

func NewRepository(ctx context.Context, dsn string, retention domain.TickRetention) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	// Price writes are replayed every cycle; losing the last one on crash is fine.
	cfg.ConnConfig.RuntimeParams["synchronous_commit"] = "off"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool, retention: retention, now: time.Now}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Instruments

const insertInstrumentQuery = `
	INSERT INTO instruments (uid, symbol, symbol_key, name, price, volatility, circuit_limit, candles, version, last_updated, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$10)`

const selectInstrumentColumns = `
	SELECT uid, symbol, name, price, volatility, circuit_limit, candles, version, last_updated, created_at
	FROM instruments`

func (r *Repository) CreateInstrument(ctx context.Context, instrument *instruments.Instrument) error {
	if instrument == nil {
		return errors.New("nil instrument")
	}
	if err := instrument.Validate(); err != nil {
		return err
	}
	if instrument.UID == uuid.Nil {
		instrument.UID = uuid.New()
	}
	if instrument.CreatedAt.IsZero() {
		instrument.CreatedAt = r.now().UTC()
	}
	if instrument.LastUpdated.IsZero() {
		instrument.LastUpdated = instrument.CreatedAt
	}
	if instrument.Candles == nil {
		instrument.Candles = domain.CandleSeries{}
	}
	candles, err := json.Marshal(instrument.Candles)
	if err != nil {
		return fmt.Errorf("encode candles: %w", err)
	}
	_, err = r.pool.Exec(ctx, insertInstrumentQuery,
		instrument.UID,
		instrument.Symbol,
		symbolKey(instrument.Symbol),
		instrument.Name,
		instrument.Price,
		instrument.Volatility,
		instrument.CircuitLimit,
		candles,
		instrument.LastUpdated,
		instrument.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", instruments.ErrDuplicateSymbol, instrument.Symbol)
	}
	if err != nil {
		return err
	}
	instrument.Version = 1
	return nil
}

func (r *Repository) GetInstrument(ctx context.Context, uid uuid.UUID) (*instruments.Instrument, error) {
	inst, err := scanInstrument(r.pool.QueryRow(ctx, selectInstrumentColumns+` WHERE uid=$1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, instruments.ErrInstrumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Repository) GetInstrumentBySymbol(ctx context.Context, symbol string) (*instruments.Instrument, error) {
	inst, err := scanInstrument(r.pool.QueryRow(ctx, selectInstrumentColumns+` WHERE symbol_key=$1`, symbolKey(symbol)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, instruments.ErrInstrumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Repository) ListInstruments(ctx context.Context) ([]instruments.Instrument, error) {
	rows, err := r.pool.Query(ctx, selectInstrumentColumns+` ORDER BY symbol ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instruments.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const updatePricesQuery = `
	UPDATE instruments AS i
	SET price = u.price, last_updated = u.at, version = i.version + 1
	FROM unnest($1::uuid[], $2::float8[], $3::timestamptz[]) AS u(uid, price, at)
	WHERE i.uid = u.uid
	RETURNING i.uid`

const pruneTicksQuery = `
	DELETE FROM price_ticks p
	USING (
		SELECT ctid, ROW_NUMBER() OVER (PARTITION BY instrument_uid ORDER BY ts DESC) AS rn, ts
		FROM price_ticks
		WHERE instrument_uid = ANY($1)
	) ranked
	WHERE p.ctid = ranked.ctid AND (ranked.rn > $2 OR ranked.ts < $3)`

// UpdatePrices writes all prices in one statement, appends the ticks with
// COPY and prunes the history inside the same transaction.
func (r *Repository) UpdatePrices(ctx context.Context, updates []domain.PriceUpdate) error {
	var (
		errs   []error
		uids   = make([]uuid.UUID, 0, len(updates))
		prices = make([]float64, 0, len(updates))
		ats    = make([]time.Time, 0, len(updates))
		latest time.Time
	)
	for _, u := range updates {
		if !(u.Price > 0) {
			errs = append(errs, fmt.Errorf("instrument %s: invalid price %v", u.InstrumentUID, u.Price))
			continue
		}
		uids = append(uids, u.InstrumentUID)
		prices = append(prices, u.Price)
		ats = append(ats, u.At)
		if u.At.After(latest) {
			latest = u.At
		}
	}
	if len(uids) == 0 {
		return errors.Join(errs...)
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, updatePricesQuery, uids, prices, ats)
		if err != nil {
			return fmt.Errorf("update prices: %w", err)
		}
		updated, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("update prices: %w", err)
		}
		known := make(map[uuid.UUID]struct{}, len(updated))
		for _, uid := range updated {
			known[uid] = struct{}{}
		}

		tickRows := make([][]interface{}, 0, len(updated))
		for i, uid := range uids {
			if _, ok := known[uid]; ok {
				tickRows = append(tickRows, []interface{}{uid, ats[i], prices[i]})
			}
		}
		if len(tickRows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"price_ticks"},
			[]string{"instrument_uid", "ts", "price"},
			pgx.CopyFromRows(tickRows),
		); err != nil {
			return fmt.Errorf("append ticks: %w", err)
		}
		if _, err := tx.Exec(ctx, pruneTicksQuery, updated, r.maxTicks(), r.cutoff(latest)); err != nil {
			return fmt.Errorf("prune ticks: %w", err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Repository) UpdateCandles(ctx context.Context, uid uuid.UUID, series domain.CandleSeries, expectedVersion int64) error {
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode candles: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE instruments SET candles=$2, version=version+1 WHERE uid=$1 AND version=$3`,
		uid, payload, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.missingOrConflict(ctx, uid)
}

func (r *Repository) GetPriceTicks(ctx context.Context, uid uuid.UUID, since time.Time) ([]domain.PriceTick, error) {
	const query = `
		SELECT ts, price FROM price_ticks
		WHERE instrument_uid=$1 AND ts >= $2
		ORDER BY ts ASC`
	if err := r.exists(ctx, uid); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, uid, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []domain.PriceTick
	for rows.Next() {
		var tick domain.PriceTick
		if err := rows.Scan(&tick.Timestamp, &tick.Price); err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, rows.Err()
}

func (r *Repository) ResetHistory(ctx context.Context, uid uuid.UUID) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE instruments SET candles='{}'::jsonb, version=version+1 WHERE uid=$1`, uid)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return instruments.ErrInstrumentNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM price_ticks WHERE instrument_uid=$1`, uid)
		return err
	})
}

// Orders

const insertOrderQuery = `
	INSERT INTO orders (order_id, instrument_uid, side, quantity, status, executed_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (order_id) DO NOTHING`

// AddOrders inserts orders in one batch. Redelivered orders are ignored.
func (r *Repository) AddOrders(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range orders {
		if orders[i].ID == uuid.Nil {
			orders[i].ID = uuid.New()
		}
		batch.Queue(insertOrderQuery,
			orders[i].ID,
			orders[i].InstrumentUID,
			string(orders[i].Side),
			orders[i].Quantity,
			string(orders[i].Status),
			orders[i].ExecutedAt,
		)
	}
	batch.Queue(`DELETE FROM orders WHERE executed_at < $1`, r.now().Add(-defaultOrderRetention))
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert orders: %w", err)
	}
	return nil
}

const netQuantitiesQuery = `
	SELECT instrument_uid,
	       SUM(CASE WHEN side = 'SELL' THEN -quantity ELSE quantity END)
	FROM orders
	WHERE status = 'EXECUTED' AND executed_at >= $1 AND executed_at <= $2
	GROUP BY instrument_uid`

func (r *Repository) NetQuantities(ctx context.Context, from, to time.Time) (map[uuid.UUID]float64, error) {
	rows, err := r.pool.Query(ctx, netQuantitiesQuery, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	net := make(map[uuid.UUID]float64)
	for rows.Next() {
		var (
			uid uuid.UUID
			qty float64
		)
		if err := rows.Scan(&uid, &qty); err != nil {
			return nil, err
		}
		net[uid] = qty
	}
	return net, rows.Err()
}

// Helpers

func scanInstrument(row pgx.Row) (instruments.Instrument, error) {
	var candlesJSON []byte
	inst := instruments.Instrument{}
	err := row.Scan(
		&inst.UID,
		&inst.Symbol,
		&inst.Name,
		&inst.Price,
		&inst.Volatility,
		&inst.CircuitLimit,
		&candlesJSON,
		&inst.Version,
		&inst.LastUpdated,
		&inst.CreatedAt,
	)
	if err != nil {
		return instruments.Instrument{}, err
	}
	inst.Candles = domain.CandleSeries{}
	if len(candlesJSON) > 0 {
		if err := json.Unmarshal(candlesJSON, &inst.Candles); err != nil {
			return instruments.Instrument{}, fmt.Errorf("decode candles of %s: %w", inst.Symbol, err)
		}
	}
	return inst, nil
}

func (r *Repository) exists(ctx context.Context, uid uuid.UUID) error {
	var found bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM instruments WHERE uid=$1)`, uid).Scan(&found); err != nil {
		return err
	}
	if !found {
		return instruments.ErrInstrumentNotFound
	}
	return nil
}

func (r *Repository) missingOrConflict(ctx context.Context, uid uuid.UUID) error {
	if err := r.exists(ctx, uid); err != nil {
		return err
	}
	return instruments.ErrVersionConflict
}

func (r *Repository) maxTicks() int {
	if r.retention.Max <= 0 {
		return int(^uint32(0) >> 1)
	}
	return r.retention.Max
}

func (r *Repository) cutoff(now time.Time) time.Time {
	if r.retention.Horizon <= 0 {
		return time.Time{}
	}
	return now.Add(-r.retention.Horizon)
}

func symbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
