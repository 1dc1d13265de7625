package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domain "marketsim/internal/domain/entity/marketdata"

	"github.com/google/uuid"
)

// OrderMessage is the wire form of an executed order on the orders exchange.
type OrderMessage struct {
	ID            string    `json:"id,omitempty"`
	InstrumentUID string    `json:"instrument_uid"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Status        string    `json:"status,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// ToOrder validates the message and converts it to a domain order.
// A missing id gets a fresh one; a missing status means EXECUTED.
func (m OrderMessage) ToOrder() (domain.Order, error) {
	uid, err := uuid.Parse(m.InstrumentUID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse instrument_uid: %w", err)
	}
	id := uuid.New()
	if m.ID != "" {
		if id, err = uuid.Parse(m.ID); err != nil {
			return domain.Order{}, fmt.Errorf("parse id: %w", err)
		}
	}
	side := domain.OrderSide(strings.ToUpper(m.Side))
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return domain.Order{}, fmt.Errorf("unsupported side %q", m.Side)
	}
	if m.Quantity < 0 {
		return domain.Order{}, errors.New("quantity must be non-negative")
	}
	status := domain.OrderStatusExecuted
	if m.Status != "" {
		status = domain.OrderStatus(strings.ToUpper(m.Status))
	}
	executedAt := m.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	return domain.Order{
		ID:            id,
		InstrumentUID: uid,
		Side:          side,
		Quantity:      m.Quantity,
		Status:        status,
		ExecutedAt:    executedAt.UTC(),
	}, nil
}

// NewOrderMessage is the inverse of ToOrder.
func NewOrderMessage(o domain.Order) OrderMessage {
	return OrderMessage{
		ID:            o.ID.String(),
		InstrumentUID: o.InstrumentUID.String(),
		Side:          string(o.Side),
		Quantity:      o.Quantity,
		Status:        string(o.Status),
		ExecutedAt:    o.ExecutedAt,
	}
}
