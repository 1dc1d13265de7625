package marketdata

import (
	"time"

	"github.com/google/uuid"
)

// OrderSide represents BUY/SELL direction of an executed order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus is the execution state reported by the order source.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is an already matched order. Only executed orders move prices.
type Order struct {
	ID            uuid.UUID   `json:"id"`
	InstrumentUID uuid.UUID   `json:"instrument_uid"`
	Side          OrderSide   `json:"side"`
	Quantity      float64     `json:"quantity"`
	Status        OrderStatus `json:"status"`
	ExecutedAt    time.Time   `json:"executed_at"`
}

// SignedQuantity is +quantity for buys and -quantity for sells.
func (o Order) SignedQuantity() float64 {
	if o.Side == OrderSideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// NetQuantities sums signed quantities of executed orders inside [from, to].
func NetQuantities(orders []Order, from, to time.Time) map[uuid.UUID]float64 {
	net := make(map[uuid.UUID]float64)
	for _, o := range orders {
		if o.Status != OrderStatusExecuted {
			continue
		}
		if o.ExecutedAt.Before(from) || o.ExecutedAt.After(to) {
			continue
		}
		net[o.InstrumentUID] += o.SignedQuantity()
	}
	return net
}
