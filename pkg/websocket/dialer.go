package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadBufferSize   = 32 << 10
)

type dialer struct {
	d *gorilla.Dialer
}

// NewDialer returns a gorilla backed dialer.
func NewDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &dialer{
		d: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   DefaultReadBufferSize,
		},
	}
}

func (d *dialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
