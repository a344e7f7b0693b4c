package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradelog/pkg/backoff"
)

const defaultQueueSize = 1024

// Option configures a Feed.
type Option struct {
	URL    string
	Header http.Header
	// OnConnect runs after every successful dial, before reading. Use it to
	// send subscription messages.
	OnConnect   func(ctx context.Context, conn Conn) error
	Backoff     backoff.Backoff
	Sleeper     backoff.Sleeper
	Dialer      Dialer
	QueueSize   int
	ReadTimeout time.Duration
}

func (o Option) withDefaults() Option {
	if o.Backoff == (backoff.Backoff{}) {
		o.Backoff = backoff.Default()
	}
	if o.Sleeper == nil {
		o.Sleeper = backoff.TimerSleeper{}
	}
	if o.Dialer == nil {
		o.Dialer = NewDialer(0)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// Feed is a read-only websocket subscription that redials with backoff
// whenever the connection drops. Frames are delivered in arrival order.
type Feed struct {
	opt        Option
	frames     chan Frame
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.Mutex
	conn       Conn
	closed     bool
	sessions   atomic.Uint64
	reconnects atomic.Int64
}

// Open starts the feed. The feed runs until Close or until ctx ends.
func Open(ctx context.Context, opt Option) (*Feed, error) {
	if opt.URL == "" {
		return nil, ErrBadConfig
	}
	opt = opt.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		opt:    opt,
		frames: make(chan Frame, opt.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	context.AfterFunc(ctx, f.interrupt)
	go func() {
		defer close(f.done)
		f.run(ctx)
	}()
	return f, nil
}

// Next blocks for the next frame. It returns ErrClosed once the feed has
// stopped and every buffered frame was consumed.
func (f *Feed) Next(ctx context.Context) (Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case fr := <-f.frames:
		return fr, nil
	case <-f.done:
		select {
		case fr := <-f.frames:
			return fr, nil
		default:
			return Frame{}, ErrClosed
		}
	}
}

// Reconnects reports how many times the feed redialed after a drop.
func (f *Feed) Reconnects() int64 {
	return f.reconnects.Load()
}

// Close stops the feed and waits for the reader to exit.
func (f *Feed) Close() error {
	f.closeOnce.Do(f.cancel)
	<-f.done
	return nil
}

// interrupt unblocks a pending read once the feed context ends.
func (f *Feed) interrupt() {
	f.mu.Lock()
	f.closed = true
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *Feed) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.opt.Dialer.Dial(ctx, f.opt.URL, f.opt.Header)
		if err == nil && f.opt.OnConnect != nil {
			if err = f.opt.OnConnect(ctx, conn); err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			attempt++
			logs.Warnf("websocket %s: connect attempt %d: %+v", f.opt.URL, attempt, err)
			if f.opt.Sleeper.Sleep(ctx, f.opt.Backoff.Next(attempt)) != nil {
				return
			}
			continue
		}

		if !f.attach(conn) {
			_ = conn.Close()
			return
		}
		session := f.sessions.Add(1)
		if session > 1 {
			f.reconnects.Add(1)
		}
		attempt = 0
		err = f.read(ctx, conn, session)
		f.detach()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		logs.Warnf("websocket %s: session %d dropped: %+v", f.opt.URL, session, err)
		attempt++
		if f.opt.Sleeper.Sleep(ctx, f.opt.Backoff.Next(attempt)) != nil {
			return
		}
	}
}

func (f *Feed) read(ctx context.Context, conn Conn, session uint64) error {
	for {
		if f.opt.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.opt.ReadTimeout))
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		fr := Frame{
			Type:     MessageType(typ),
			Data:     data,
			Received: time.Now().UTC(),
			Session:  session,
		}
		select {
		case f.frames <- fr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attach publishes conn so Close can unblock a pending read.
func (f *Feed) attach(conn Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conn = conn
	return true
}

func (f *Feed) detach() {
	f.mu.Lock()
	f.conn = nil
	f.mu.Unlock()
}
