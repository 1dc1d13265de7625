package interfaces

import (
	"context"
	"time"

	marketdata "marketsim/internal/domain/entity/marketdata"

	"github.com/google/uuid"
)

type OrdersRepository interface {
	AddOrders(ctx context.Context, orders []marketdata.Order) error
	// NetQuantities aggregates executed orders in [from, to] into
	// BUY minus SELL quantity per instrument with a single query.
	NetQuantities(ctx context.Context, from, to time.Time) (map[uuid.UUID]float64, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	InstrumentsRepository
	OrdersRepository
	Ping(ctx context.Context) error
	Close()
}
