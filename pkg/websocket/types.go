package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
)

var (
	ErrBadConfig = errors.New("websocket: bad config")
	ErrClosed    = errors.New("websocket: feed closed")
)

// MessageType mirrors the RFC 6455 data opcodes.
type MessageType uint8

const (
	MessageText   MessageType = gorilla.TextMessage
	MessageBinary MessageType = gorilla.BinaryMessage
)

// Frame is one data message read from the connection.
type Frame struct {
	Type     MessageType
	Data     []byte
	Received time.Time
	// Session counts connections; it changes after every reconnect.
	Session uint64
}

// Conn is the subset of *gorilla.Conn the feed uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}
