package ingest

import (
	"context"
	"fmt"
	"time"

	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// RawPayload is one venue message exactly as received. Symbol and Timeframe
// are hints for payloads that do not name them, such as REST kline rows.
// OrderRef is the client order id of a report that only names the venue's
// own order id.
type RawPayload struct {
	Venue     string
	Symbol    string
	Timeframe schema.Timeframe
	OrderRef  string
	Data      []byte
	Received  time.Time
}

// RawStream is a lazy sequence of raw payloads. Next returns io.EOF when a
// finite stream ends and exception.ErrStreamClosed after Close.
type RawStream interface {
	Next(ctx context.Context) (RawPayload, error)
	Close() error
}

// OrderIntent is a strategy's request to trade.
type OrderIntent struct {
	// OrderID is the client order id, "<alpha>:<id>". The gateway fills it
	// in when empty.
	OrderID string
	Alpha   string
	Symbol  string
	Side    schema.Side
	Qty     float64
	// Price of zero submits a market order.
	Price float64
}

func (in OrderIntent) Validate() error {
	switch {
	case in.Symbol == "":
		return fmt.Errorf("%w: intent without symbol", exception.ErrOrderInvalidIntent)
	case !in.Side.IsAvailable():
		return fmt.Errorf("%w: intent side %d", exception.ErrOrderInvalidIntent, in.Side)
	case !(in.Qty > 0):
		return fmt.Errorf("%w: intent qty %v", exception.ErrOrderInvalidIntent, in.Qty)
	case in.Price < 0:
		return fmt.Errorf("%w: intent price %v", exception.ErrOrderInvalidIntent, in.Price)
	}
	return nil
}

// Client is a venue adapter. Implementations return venue failures wrapped
// with exception.ErrRejectedByVenue or exception.ErrConnectivity.
type Client interface {
	FetchRawTicks(ctx context.Context, symbol string) (RawStream, error)
	FetchRawCandles(ctx context.Context, symbol string, tf schema.Timeframe) (RawStream, error)
	SubmitOrder(ctx context.Context, intent OrderIntent) (orderID string, err error)
}

// ExecutionReporter is implemented by venues that stream order and fill
// reports for the account.
type ExecutionReporter interface {
	FetchRawExecutions(ctx context.Context) (RawStream, error)
}
