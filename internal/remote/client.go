// Package remote is an engine Backend that talks to a compose server over
// a websocket. Lost connections are re-established with exponential
// backoff and open subscriptions resume from the last delivered seq.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/wire"
)

// ErrDisconnected is returned by calls in flight when the connection drops.
// The engine's transport retry re-issues them; appends are idempotent by
// correlation id.
var ErrDisconnected = errors.New("remote: disconnected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("remote: client closed")

// Client implements engine.Backend against a compose server.
//
// Thread-safety: all methods are safe for concurrent use. Subscription
// callbacks run on the connection's reader goroutine and must not block.
type Client struct {
	url     string
	logger  *slog.Logger
	dialer  *websocket.Dialer
	header  http.Header
	initial time.Duration
	max     time.Duration

	writeMu sync.Mutex // serializes websocket writes

	mu      sync.Mutex
	ws      *websocket.Conn
	nextReq uint64
	nextSub uint64
	pending map[uint64]chan wire.Frame
	subs    map[uint64]*subscription
	closed  bool
	ready   chan struct{} // closed while connected

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type subscription struct {
	channel string
	fn      func(ir.Event)
	cursor  int64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithReconnect sets the reconnect backoff bounds.
// Default: 100ms initial, 5s max.
func WithReconnect(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.initial = initial
		c.max = maxInterval
	}
}

// WithHeader sets extra headers sent with the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

// Dial connects to the server at url ("ws://host:port" or a full
// ws://host:port/log URL).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	if !strings.HasSuffix(url, wire.Path) {
		url = strings.TrimSuffix(url, "/") + wire.Path
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     url,
		logger:  slog.Default(),
		dialer:  websocket.DefaultDialer,
		initial: 100 * time.Millisecond,
		max:     5 * time.Second,
		pending: make(map[uint64]chan wire.Frame),
		subs:    make(map[uint64]*subscription),
		ready:   make(chan struct{}),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote: dial %s: %w", c.url, err)
	}
	c.attach(ws)

	go c.run(ws)
	return c, nil
}

// Close closes the connection and stops reconnecting. Pending calls fail
// with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
	}
	<-c.done
	return nil
}

func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	close(c.ready)
}

func (c *Client) detach(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = nil
	c.ready = make(chan struct{})
	c.failPendingLocked(err)
}

// run reads frames until the connection drops, then reconnects, until
// Close.
func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(ws)
		ws.Close()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("remote connection lost; reconnecting", "url", c.url, "error", err)
		c.detach(fmt.Errorf("%w: %v", ErrDisconnected, err))

		ws = c.reconnect()
		if ws == nil {
			return
		}
		c.attach(ws)
		go c.resubscribe()
	}
}

func (c *Client) reconnect() *websocket.Conn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.MaxElapsedTime = 0

	var ws *websocket.Conn
	err := backoff.Retry(func() error {
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			c.logger.Debug("remote reconnect failed", "url", c.url, "error", err)
			return err
		}
		ws = conn
		return nil
	}, backoff.WithContext(b, c.ctx))
	if err != nil {
		return nil
	}
	c.logger.Info("remote connection restored", "url", c.url)
	return ws
}

// resubscribe reopens every subscription after the last delivered seq.
func (c *Client) resubscribe() {
	c.mu.Lock()
	type resume struct {
		id      uint64
		channel string
		after   int64
	}
	var subs []resume
	for id, sub := range c.subs {
		subs = append(subs, resume{id: id, channel: sub.channel, after: sub.cursor})
	}
	c.mu.Unlock()

	for _, r := range subs {
		_, err := c.call(c.ctx, wire.Frame{
			Op:      wire.OpSubscribe,
			Sub:     r.id,
			Channel: r.channel,
			After:   r.after,
			Resume:  true,
		})
		if err != nil {
			c.logger.Warn("remote resubscribe failed", "channel", r.channel, "error", err)
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Op {
		case wire.OpReply:
			c.mu.Lock()
			ch, ok := c.pending[f.Req]
			delete(c.pending, f.Req)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case wire.OpEvent:
			c.deliver(f)
		default:
			c.logger.Warn("unexpected frame", "op", f.Op)
		}
	}
}

func (c *Client) deliver(f wire.Frame) {
	if f.Event == nil {
		return
	}
	c.mu.Lock()
	sub, ok := c.subs[f.Sub]
	if !ok || f.Event.Seq <= sub.cursor {
		c.mu.Unlock()
		return
	}
	sub.cursor = f.Event.Seq
	fn := sub.fn
	c.mu.Unlock()

	fn(*f.Event)
}

func (c *Client) failPendingLocked(err error) {
	for req, ch := range c.pending {
		ch <- wire.Frame{Op: wire.OpReply, Req: req, Error: err.Error()}
		delete(c.pending, req)
	}
}

// call sends f and waits for its reply. It waits for a connection while
// reconnecting.
func (c *Client) call(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Frame{}, ErrClosed
	}
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return wire.Frame{}, ErrClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Frame{}, ErrClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return wire.Frame{}, ErrDisconnected
	}
	c.nextReq++
	f.Req = c.nextReq
	reply := make(chan wire.Frame, 1)
	c.pending[f.Req] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, f.Req)
		c.mu.Unlock()
		return wire.Frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case r := <-reply:
		if r.Error != "" {
			switch r.Error {
			case ErrClosed.Error():
				return wire.Frame{}, ErrClosed
			}
			if strings.HasPrefix(r.Error, ErrDisconnected.Error()) {
				return wire.Frame{}, fmt.Errorf("%w: %s", ErrDisconnected, strings.TrimPrefix(r.Error, ErrDisconnected.Error()+": "))
			}
			return wire.Frame{}, r.Err()
		}
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.Req)
		c.mu.Unlock()
		return wire.Frame{}, ctx.Err()
	}
}
