// Package server exposes an event log backend to remote engines over a
// websocket (see package wire).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/wire"
)

// Backend is what a server exposes: the engine backend plus reads by seq
// for resuming subscriptions.
type Backend interface {
	engine.Backend
	ReadEvents(ctx context.Context, channel string, afterSeq int64) ([]ir.Event, error)
}

// sendBuffer bounds the frames queued for one connection.
const sendBuffer = 256

// Server serves one Backend to any number of websocket clients.
type Server struct {
	backend  Backend
	logger   *slog.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	http     *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server over backend.
func New(backend Backend, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend: backend,
		logger:  slog.Default(),
		conns:   make(map[*conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving wire.Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.Path, s.handleLog)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("server listening", "addr", listener.Addr().String())
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// CloseConns closes every client connection and keeps serving. Clients
// reconnect and resume their subscriptions.
func (s *Server) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

// Conns returns the number of open client connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &conn{
		srv:    s,
		ws:     ws,
		sendCh: make(chan wire.Frame, sendBuffer),
		subs:   make(map[uint64]func()),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("remote_addr", r.RemoteAddr),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
	}()

	c.logger.Debug("client connected")
	go c.writeLoop()
	c.readLoop()
	c.logger.Debug("client disconnected")
}

// conn is one client connection.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	sendCh chan wire.Frame
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uint64]func()

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		for id, unsubscribe := range c.subs {
			unsubscribe()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.ws.Close()
	})
}

// send queues f, blocking while the connection is alive.
func (c *conn) send(f wire.Frame) {
	select {
	case c.sendCh <- f:
	case <-c.ctx.Done():
	}
}

func (c *conn) writeLoop() {
	defer c.cancel()
	for {
		select {
		case f := <-c.sendCh:
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) readLoop() {
	defer c.cancel()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}
		c.send(c.handle(f))
	}
}

// handle serves one request and returns its reply.
func (c *conn) handle(f wire.Frame) wire.Frame {
	b := c.srv.backend
	ctx := c.ctx

	switch f.Op {
	case wire.OpAppend:
		value, err := f.DecodeValue()
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		// Timestamps are assigned here, never taken from the client.
		ev, err := b.Append(ctx, f.Channel, value, ir.AppendOptions{ID: f.ID})
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		reply := wire.Reply(f.Req)
		reply.Event = &ev
		return reply

	case wire.OpLatest:
		ev, ok, err := b.Latest(ctx, f.Channel)
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		reply := wire.Reply(f.Req)
		reply.Found = ok
		if ok {
			reply.Event = &ev
		}
		return reply

	case wire.OpSubscribe:
		return c.subscribe(f)

	case wire.OpUnsubscribe:
		c.mu.Lock()
		if unsubscribe, ok := c.subs[f.Sub]; ok {
			unsubscribe()
			delete(c.subs, f.Sub)
		}
		c.mu.Unlock()
		return wire.Reply(f.Req)

	case wire.OpLoadSnapshot:
		snap, ok, err := b.LoadSnapshot(ctx, f.Channel)
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		reply := wire.Reply(f.Req)
		reply.Found = ok
		if ok {
			reply.Snapshot = &snap
		}
		return reply

	case wire.OpSaveSnapshot:
		if f.Snapshot == nil {
			return wire.Failed(f.Req, errors.New("snapshot is required"))
		}
		if err := b.SaveSnapshot(ctx, f.Channel, *f.Snapshot); err != nil {
			return wire.Failed(f.Req, err)
		}
		return wire.Reply(f.Req)

	case wire.OpReducerIdentity:
		id, ok, err := b.ReducerIdentity(ctx, f.Channel)
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		reply := wire.Reply(f.Req)
		reply.Found = ok
		if ok {
			reply.Identity = &id
		}
		return reply

	case wire.OpRecordReducer:
		if f.Identity == nil {
			return wire.Failed(f.Req, errors.New("identity is required"))
		}
		stored, err := b.RecordReducer(ctx, f.Channel, *f.Identity)
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		reply := wire.Reply(f.Req)
		reply.Identity = &stored
		reply.Found = true
		return reply

	default:
		return wire.Failed(f.Req, fmt.Errorf("unknown op %q", f.Op))
	}
}

// subscribe opens a backend subscription forwarding events as f.Sub.
//
// A resumed subscription first replays the events after f.After. Live
// events that race the replay are held on mu and filtered by seq, so each
// event is forwarded once, in order.
func (c *conn) subscribe(f wire.Frame) wire.Frame {
	var (
		mu     sync.Mutex
		cursor int64
	)
	forward := func(ev ir.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Seq <= cursor {
			return
		}
		cursor = ev.Seq
		c.send(wire.Frame{Op: wire.OpEvent, Sub: f.Sub, Event: &ev})
	}

	mu.Lock()
	defer mu.Unlock()

	if f.Resume {
		cursor = f.After
	} else {
		latest, ok, err := c.srv.backend.Latest(c.ctx, f.Channel)
		if err != nil {
			return wire.Failed(f.Req, err)
		}
		if ok {
			cursor = latest.Seq
		}
	}

	unsubscribe, err := c.srv.backend.Subscribe(c.ctx, f.Channel, forward)
	if err != nil {
		return wire.Failed(f.Req, err)
	}

	if f.Resume {
		missed, err := c.srv.backend.ReadEvents(c.ctx, f.Channel, f.After)
		if err != nil {
			unsubscribe()
			return wire.Failed(f.Req, err)
		}
		for _, ev := range missed {
			cursor = ev.Seq
			c.send(wire.Frame{Op: wire.OpEvent, Sub: f.Sub, Event: &ev})
		}
	}

	c.mu.Lock()
	if prev, ok := c.subs[f.Sub]; ok {
		prev()
	}
	c.subs[f.Sub] = unsubscribe
	c.mu.Unlock()

	c.logger.Debug("remote subscription opened", "channel", f.Channel, "sub", f.Sub, "cursor", cursor)

	reply := wire.Reply(f.Req)
	reply.Seq = cursor
	return reply
}
