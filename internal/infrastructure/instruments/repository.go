package instruments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	domain "marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"
	"marketsim/internal/infrastructure/instruments/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const defaultOrderRetention = time.Hour

// Repository is the embedded SQLite implementation of interfaces.Store.
type Repository struct {
	db        *gorm.DB
	retention marketdata.TickRetention
	now       func() time.Time
}

var _ interfaces.Store = (*Repository)(nil)

// NewRepository opens (or creates) the database file at path and migrates it.
func NewRepository(path string, retention marketdata.TickRetention) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite has a single writer; serialize at the pool.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Repository{db: db, retention: retention, now: time.Now}, nil
}

func (r *Repository) Close() {
	if r == nil || r.db == nil {
		return
	}
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) CreateInstrument(ctx context.Context, instrument *domain.Instrument) error {
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
		instrument.Candles = marketdata.CandleSeries{}
	}
	instrument.Version = 1
	model, err := toModel(*instrument)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.InstrumentModel{}).Where("symbol_key = ?", model.SymbolKey).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateSymbol, instrument.Symbol)
		}
		return tx.Create(&model).Error
	})
}

func (r *Repository) GetInstrument(ctx context.Context, uid uuid.UUID) (*domain.Instrument, error) {
	return r.first(ctx, "uid = ?", uid.String())
}

func (r *Repository) GetInstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error) {
	return r.first(ctx, "symbol_key = ?", symbolKey(symbol))
}

func (r *Repository) first(ctx context.Context, query string, arg any) (*domain.Instrument, error) {
	var model models.InstrumentModel
	err := r.db.WithContext(ctx).First(&model, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrInstrumentNotFound
	}
	if err != nil {
		return nil, err
	}
	inst, err := fromModel(model)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Repository) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var rows []models.InstrumentModel
	if err := r.db.WithContext(ctx).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Instrument, 0, len(rows))
	for _, row := range rows {
		inst, err := fromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *Repository) UpdatePrices(ctx context.Context, updates []marketdata.PriceUpdate) error {
	var errs []error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticks := make([]models.PriceTickModel, 0, len(updates))
		var latest time.Time
		for _, u := range updates {
			if !(u.Price > 0) {
				errs = append(errs, fmt.Errorf("instrument %s: invalid price %v", u.InstrumentUID, u.Price))
				continue
			}
			res := tx.Model(&models.InstrumentModel{}).
				Where("uid = ?", u.InstrumentUID.String()).
				Updates(map[string]any{
					"price":        u.Price,
					"last_updated": u.At.UTC(),
					"version":      gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			ticks = append(ticks, models.PriceTickModel{
				InstrumentUID: u.InstrumentUID.String(),
				TS:            u.At.UnixNano(),
				Price:         u.Price,
			})
			if u.At.After(latest) {
				latest = u.At
			}
		}
		if len(ticks) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(ticks, 500).Error; err != nil {
			return fmt.Errorf("append ticks: %w", err)
		}
		return r.pruneTicks(tx, ticks, latest)
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Repository) pruneTicks(tx *gorm.DB, ticks []models.PriceTickModel, now time.Time) error {
	seen := make(map[string]struct{}, len(ticks))
	for _, t := range ticks {
		if _, ok := seen[t.InstrumentUID]; ok {
			continue
		}
		seen[t.InstrumentUID] = struct{}{}
		if r.retention.Horizon > 0 {
			cutoff := now.Add(-r.retention.Horizon).UnixNano()
			if err := tx.Where("instrument_uid = ? AND ts < ?", t.InstrumentUID, cutoff).
				Delete(&models.PriceTickModel{}).Error; err != nil {
				return fmt.Errorf("prune ticks: %w", err)
			}
		}
		if r.retention.Max > 0 {
			keep := tx.Model(&models.PriceTickModel{}).Select("id").
				Where("instrument_uid = ?", t.InstrumentUID).
				Order("ts DESC").Limit(r.retention.Max)
			if err := tx.Where("instrument_uid = ? AND id NOT IN (?)", t.InstrumentUID, keep).
				Delete(&models.PriceTickModel{}).Error; err != nil {
				return fmt.Errorf("prune ticks: %w", err)
			}
		}
	}
	return nil
}

func (r *Repository) UpdateCandles(ctx context.Context, uid uuid.UUID, series marketdata.CandleSeries, expectedVersion int64) error {
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode candles: %w", err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.InstrumentModel{}).
			Where("uid = ? AND version = ?", uid.String(), expectedVersion).
			Updates(map[string]any{
				"candles": string(payload),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var count int64
		if err := tx.Model(&models.InstrumentModel{}).Where("uid = ?", uid.String()).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrInstrumentNotFound
		}
		return domain.ErrVersionConflict
	})
}

func (r *Repository) GetPriceTicks(ctx context.Context, uid uuid.UUID, since time.Time) ([]marketdata.PriceTick, error) {
	if _, err := r.GetInstrument(ctx, uid); err != nil {
		return nil, err
	}
	var rows []models.PriceTickModel
	err := r.db.WithContext(ctx).
		Where("instrument_uid = ? AND ts >= ?", uid.String(), since.UnixNano()).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ticks := make([]marketdata.PriceTick, 0, len(rows))
	for _, row := range rows {
		ticks = append(ticks, marketdata.PriceTick{
			Timestamp: time.Unix(0, row.TS).UTC(),
			Price:     row.Price,
		})
	}
	return ticks, nil
}

func (r *Repository) ResetHistory(ctx context.Context, uid uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.InstrumentModel{}).
			Where("uid = ?", uid.String()).
			Updates(map[string]any{
				"candles": "{}",
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrInstrumentNotFound
		}
		return tx.Where("instrument_uid = ?", uid.String()).Delete(&models.PriceTickModel{}).Error
	})
}

func (r *Repository) AddOrders(ctx context.Context, orders []marketdata.Order) error {
	if len(orders) == 0 {
		return nil
	}
	rows := make([]models.OrderModel, 0, len(orders))
	for i := range orders {
		if orders[i].ID == uuid.Nil {
			orders[i].ID = uuid.New()
		}
		rows = append(rows, models.OrderModel{
			ID:            orders[i].ID.String(),
			InstrumentUID: orders[i].InstrumentUID.String(),
			Side:          string(orders[i].Side),
			Quantity:      orders[i].Quantity,
			Status:        string(orders[i].Status),
			ExecutedAt:    orders[i].ExecutedAt.UnixNano(),
		})
	}
	cutoff := r.now().Add(-defaultOrderRetention).UnixNano()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 500).Error; err != nil {
			return fmt.Errorf("insert orders: %w", err)
		}
		return tx.Where("executed_at < ?", cutoff).Delete(&models.OrderModel{}).Error
	})
}

type netRow struct {
	InstrumentUID string
	Net           float64
}

func (r *Repository) NetQuantities(ctx context.Context, from, to time.Time) (map[uuid.UUID]float64, error) {
	var rows []netRow
	err := r.db.WithContext(ctx).
		Model(&models.OrderModel{}).
		Select("instrument_uid, SUM(CASE WHEN side = 'SELL' THEN -quantity ELSE quantity END) AS net").
		Where("status = ? AND executed_at >= ? AND executed_at <= ?", string(marketdata.OrderStatusExecuted), from.UnixNano(), to.UnixNano()).
		Group("instrument_uid").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	net := make(map[uuid.UUID]float64, len(rows))
	for _, row := range rows {
		uid, err := uuid.Parse(row.InstrumentUID)
		if err != nil {
			return nil, fmt.Errorf("parse instrument uid %q: %w", row.InstrumentUID, err)
		}
		net[uid] = row.Net
	}
	return net, nil
}

func toModel(inst domain.Instrument) (models.InstrumentModel, error) {
	candles, err := json.Marshal(inst.Candles)
	if err != nil {
		return models.InstrumentModel{}, fmt.Errorf("encode candles: %w", err)
	}
	return models.InstrumentModel{
		UID:          inst.UID.String(),
		Symbol:       inst.Symbol,
		SymbolKey:    symbolKey(inst.Symbol),
		Name:         inst.Name,
		Price:        inst.Price,
		Volatility:   inst.Volatility,
		CircuitLimit: inst.CircuitLimit,
		Candles:      string(candles),
		Version:      inst.Version,
		LastUpdated:  inst.LastUpdated.UTC(),
		CreatedAt:    inst.CreatedAt.UTC(),
	}, nil
}

func fromModel(m models.InstrumentModel) (domain.Instrument, error) {
	uid, err := uuid.Parse(m.UID)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("parse uid %q: %w", m.UID, err)
	}
	series := marketdata.CandleSeries{}
	if m.Candles != "" {
		if err := json.Unmarshal([]byte(m.Candles), &series); err != nil {
			return domain.Instrument{}, fmt.Errorf("decode candles of %s: %w", m.Symbol, err)
		}
	}
	return domain.Instrument{
		UID:          uid,
		Symbol:       m.Symbol,
		Name:         m.Name,
		Price:        m.Price,
		Volatility:   m.Volatility,
		CircuitLimit: m.CircuitLimit,
		Candles:      series,
		Version:      m.Version,
		LastUpdated:  m.LastUpdated.UTC(),
		CreatedAt:    m.CreatedAt.UTC(),
	}, nil
}

func symbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
