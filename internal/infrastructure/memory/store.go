package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	interfaces "marketsim/internal/domain/interfaces"

	"github.com/google/uuid"
)

const defaultOrderRetention = time.Hour

// Store keeps everything in process memory. Values are copied on the way in
// and out so callers never share state with the store.
type Store struct {
	mu          sync.RWMutex
	instruments map[uuid.UUID]*instruments.Instrument
	bySymbol    map[string]uuid.UUID
	ticks       map[uuid.UUID][]marketdata.PriceTick
	orders      []marketdata.Order

	retention      marketdata.TickRetention
	orderRetention time.Duration
	now            func() time.Time
}

var _ interfaces.Store = (*Store)(nil)

func NewStore(retention marketdata.TickRetention) *Store {
	return &Store{
		instruments:    make(map[uuid.UUID]*instruments.Instrument),
		bySymbol:       make(map[string]uuid.UUID),
		ticks:          make(map[uuid.UUID][]marketdata.PriceTick),
		retention:      retention,
		orderRetention: defaultOrderRetention,
		now:            time.Now,
	}
}

func (s *Store) CreateInstrument(_ context.Context, instrument *instruments.Instrument) error {
	if instrument == nil {
		return errors.New("nil instrument")
	}
	if err := instrument.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := symbolKey(instrument.Symbol)
	if _, exists := s.bySymbol[key]; exists {
		return fmt.Errorf("%w: %s", instruments.ErrDuplicateSymbol, instrument.Symbol)
	}
	if instrument.UID == uuid.Nil {
		instrument.UID = uuid.New()
	}
	if instrument.CreatedAt.IsZero() {
		instrument.CreatedAt = s.now().UTC()
	}
	if instrument.LastUpdated.IsZero() {
		instrument.LastUpdated = instrument.CreatedAt
	}
	if instrument.Candles == nil {
		instrument.Candles = marketdata.CandleSeries{}
	}
	instrument.Version = 1

	stored := instrument.Clone()
	s.instruments[stored.UID] = &stored
	s.bySymbol[key] = stored.UID
	return nil
}

func (s *Store) GetInstrument(_ context.Context, uid uuid.UUID) (*instruments.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[uid]
	if !ok {
		return nil, instruments.ErrInstrumentNotFound
	}
	out := inst.Clone()
	return &out, nil
}

func (s *Store) GetInstrumentBySymbol(ctx context.Context, symbol string) (*instruments.Instrument, error) {
	s.mu.RLock()
	uid, ok := s.bySymbol[symbolKey(symbol)]
	s.mu.RUnlock()
	if !ok {
		return nil, instruments.ErrInstrumentNotFound
	}
	return s.GetInstrument(ctx, uid)
}

func (s *Store) ListInstruments(_ context.Context) ([]instruments.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]instruments.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) UpdatePrices(_ context.Context, updates []marketdata.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, u := range updates {
		inst, ok := s.instruments[u.InstrumentUID]
		if !ok {
			continue
		}
		if !(u.Price > 0) {
			errs = append(errs, fmt.Errorf("instrument %s: invalid price %v", inst.Symbol, u.Price))
			continue
		}
		inst.Price = u.Price
		inst.LastUpdated = u.At
		inst.Version++
		s.ticks[u.InstrumentUID] = s.retention.Trim(insertTick(s.ticks[u.InstrumentUID], marketdata.PriceTick{
			Timestamp: u.At,
			Price:     u.Price,
		}), u.At)
	}
	return errors.Join(errs...)
}

func (s *Store) UpdateCandles(_ context.Context, uid uuid.UUID, series marketdata.CandleSeries, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[uid]
	if !ok {
		return instruments.ErrInstrumentNotFound
	}
	if inst.Version != expectedVersion {
		return instruments.ErrVersionConflict
	}
	inst.Candles = series.Clone()
	inst.Version++
	return nil
}

func (s *Store) GetPriceTicks(_ context.Context, uid uuid.UUID, since time.Time) ([]marketdata.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instruments[uid]; !ok {
		return nil, instruments.ErrInstrumentNotFound
	}
	ticks := s.ticks[uid]
	idx := sort.Search(len(ticks), func(i int) bool { return !ticks[i].Timestamp.Before(since) })
	return append([]marketdata.PriceTick(nil), ticks[idx:]...), nil
}

func (s *Store) ResetHistory(_ context.Context, uid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[uid]
	if !ok {
		return instruments.ErrInstrumentNotFound
	}
	inst.Candles = marketdata.CandleSeries{}
	inst.Version++
	delete(s.ticks, uid)
	return nil
}

func (s *Store) AddOrders(_ context.Context, orders []marketdata.Order) error {
	if len(orders) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		s.orders = append(s.orders, o)
	}
	cutoff := s.now().Add(-s.orderRetention)
	kept := s.orders[:0]
	for _, o := range s.orders {
		if !o.ExecutedAt.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	s.orders = kept
	return nil
}

func (s *Store) NetQuantities(_ context.Context, from, to time.Time) (map[uuid.UUID]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return marketdata.NetQuantities(s.orders, from, to), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func symbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func insertTick(ticks []marketdata.PriceTick, tick marketdata.PriceTick) []marketdata.PriceTick {
	idx := sort.Search(len(ticks), func(i int) bool { return ticks[i].Timestamp.After(tick.Timestamp) })
	ticks = append(ticks, marketdata.PriceTick{})
	copy(ticks[idx+1:], ticks[idx:])
	ticks[idx] = tick
	return ticks
}
