package exception

import "github.com/yanun0323/errors"

var (
	ErrRejectedByVenue = errors.New("venue: order rejected")
	ErrConnectivity    = errors.New("venue: connectivity error")
	ErrStreamClosed    = errors.New("venue: stream closed")
)
