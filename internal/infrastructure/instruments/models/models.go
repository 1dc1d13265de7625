package models

import "time"

// InstrumentModel is the instruments row. Candles hold the JSON encoded
// series and Version guards conditional writes.
type InstrumentModel struct {
	UID          string    `gorm:"primaryKey;column:uid;type:varchar(36);not null"`
	Symbol       string    `gorm:"column:symbol;type:varchar(50);not null"`
	SymbolKey    string    `gorm:"column:symbol_key;type:varchar(50);not null;uniqueIndex"`
	Name         string    `gorm:"column:name;type:varchar(255)"`
	Price        float64   `gorm:"column:price;not null"`
	Volatility   float64   `gorm:"column:volatility;not null"`
	CircuitLimit float64   `gorm:"column:circuit_limit;not null;default:0"`
	Candles      string    `gorm:"column:candles;type:text;not null;default:'{}'"`
	Version      int64     `gorm:"column:version;not null;default:1"`
	LastUpdated  time.Time `gorm:"column:last_updated;type:datetime"`
	CreatedAt    time.Time `gorm:"column:created_at;type:datetime"`
}

func (InstrumentModel) TableName() string {
	return "instruments"
}

// PriceTickModel stores one raw price. Timestamps are Unix nanoseconds so
// range filters compare numbers, not formatted strings.
type PriceTickModel struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement;column:id"`
	InstrumentUID string  `gorm:"column:instrument_uid;type:varchar(36);not null;index:idx_ticks_instrument_ts,priority:1"`
	TS            int64   `gorm:"column:ts;not null;index:idx_ticks_instrument_ts,priority:2"`
	Price         float64 `gorm:"column:price;not null"`
}

func (PriceTickModel) TableName() string {
	return "price_ticks"
}

type OrderModel struct {
	ID            string  `gorm:"primaryKey;column:order_id;type:varchar(36)"`
	InstrumentUID string  `gorm:"column:instrument_uid;type:varchar(36);not null"`
	Side          string  `gorm:"column:side;type:varchar(4);not null"`
	Quantity      float64 `gorm:"column:quantity;not null"`
	Status        string  `gorm:"column:status;type:varchar(16);not null"`
	ExecutedAt    int64   `gorm:"column:executed_at;not null;index"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// All lists the models for AutoMigrate.
func All() []any {
	return []any{&InstrumentModel{}, &PriceTickModel{}, &OrderModel{}}
}
