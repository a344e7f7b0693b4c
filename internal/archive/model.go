package archive

import "time"

// TickRow mirrors one canonical tick.
type TickRow struct {
	ID        uint      `gorm:"primaryKey"`
	Exchange  string    `gorm:"size:32;uniqueIndex:idx_tick_key"`
	Symbol    string    `gorm:"size:64;uniqueIndex:idx_tick_key"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_tick_key"`
	Price     float64   `gorm:"uniqueIndex:idx_tick_key"`
	Volume    float64   `gorm:"uniqueIndex:idx_tick_key"`
	Raw       string
}

func (TickRow) TableName() string { return "ticks" }

// CandleRow mirrors one closed candle.
type CandleRow struct {
	ID        uint      `gorm:"primaryKey"`
	Exchange  string    `gorm:"size:32;uniqueIndex:idx_candle_key"`
	Symbol    string    `gorm:"size:64;uniqueIndex:idx_candle_key"`
	Timeframe string    `gorm:"size:8;uniqueIndex:idx_candle_key"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_candle_key"`
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Raw       string
}

func (CandleRow) TableName() string { return "candles" }

// OrderRow mirrors one order lifecycle record.
type OrderRow struct {
	ID        uint      `gorm:"primaryKey"`
	OrderID   string    `gorm:"size:64;uniqueIndex:idx_order_key;index"`
	Status    string    `gorm:"size:24;uniqueIndex:idx_order_key"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_order_key"`
	Alpha     string    `gorm:"size:32;index"`
	Side      string    `gorm:"size:8"`
	Qty       float64
	Price     float64
	Exchange  string `gorm:"size:32"`
	Raw       string
}

func (OrderRow) TableName() string { return "orders" }

// FillRow mirrors one fill.
type FillRow struct {
	ID         uint   `gorm:"primaryKey"`
	Exchange   string `gorm:"size:32;uniqueIndex:idx_fill_key"`
	FillID     string `gorm:"size:64;uniqueIndex:idx_fill_key"`
	OrderID    string `gorm:"size:64;index"`
	Alpha      string `gorm:"size:32"`
	Symbol     string `gorm:"size:64"`
	Timestamp  time.Time
	Qty        float64
	Price      float64
	Commission float64
	Raw        string
}

func (FillRow) TableName() string { return "fills" }
