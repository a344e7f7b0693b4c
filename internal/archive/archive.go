package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradelog/internal/schema"
)

// Archive mirrors canonical events into SQL tables. The event logs stay the
// system of record: a failed insert is logged and the event is dropped from
// the mirror only.
type Archive struct {
	db *gorm.DB
}

// New migrates the mirror tables and returns an archive on db.
func New(db *gorm.DB) (*Archive, error) {
	if db == nil {
		return nil, errors.New("archive db is nil")
	}
	if err := db.AutoMigrate(&TickRow{}, &CandleRow{}, &OrderRow{}, &FillRow{}); err != nil {
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// OnEvent implements schema.Consumer. It never fails the pipeline.
func (a *Archive) OnEvent(ctx context.Context, e schema.Event) error {
	if err := a.Save(ctx, e); err != nil {
		logs.Warnf("archive %s, err: %+v, raw: %s", e, err, e.Raw())
	}
	return nil
}

// Save inserts one event. Events already mirrored are ignored.
func (a *Archive) Save(ctx context.Context, e schema.Event) error {
	var row any
	switch e.Kind {
	case schema.KindTick:
		t := e.Tick
		row = &TickRow{Exchange: t.Exchange, Symbol: t.Symbol, Timestamp: t.Timestamp, Price: t.Price, Volume: t.Volume, Raw: t.Raw}
	case schema.KindCandle:
		c := e.Candle
		row = &CandleRow{Exchange: c.Exchange, Symbol: c.Symbol, Timeframe: string(c.Timeframe), Timestamp: c.Timestamp,
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume, Raw: c.Raw}
	case schema.KindOrder:
		o := e.Order
		row = &OrderRow{OrderID: o.OrderID, Status: o.Status.String(), Timestamp: o.Timestamp, Alpha: o.Alpha,
			Side: o.Side.String(), Qty: o.Qty, Price: o.Price, Exchange: o.Exchange, Raw: o.Raw}
	case schema.KindFill:
		f := e.Fill
		row = &FillRow{Exchange: f.Exchange, FillID: f.FillID, OrderID: f.OrderID, Alpha: f.Alpha, Symbol: f.Symbol,
			Timestamp: f.Timestamp, Qty: f.Qty, Price: f.Price, Commission: f.Commission, Raw: f.Raw}
	default:
		return fmt.Errorf("archive: unknown kind %d", e.Kind)
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// Orders returns the lifecycle records of one order in time order.
func (a *Archive) Orders(ctx context.Context, orderID string) ([]OrderRow, error) {
	var rows []OrderRow
	if err := a.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("timestamp ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Fills returns the fills of one order in time order.
func (a *Archive) Fills(ctx context.Context, orderID string) ([]FillRow, error) {
	var rows []FillRow
	if err := a.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("timestamp ASC, fill_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
