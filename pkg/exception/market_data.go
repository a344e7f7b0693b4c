package exception

import "github.com/yanun0323/errors"

var (
	ErrMalformedPayload     = errors.New("market data: malformed payload")
	ErrUnknownVenue         = errors.New("market data: unknown venue")
	ErrFormingCandle        = errors.New("market data: candle is still forming")
	ErrUnsupportedTimeframe = errors.New("market data: unsupported timeframe")
)
