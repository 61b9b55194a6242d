package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/compose/internal/ir"
)

// Engine owns the channel Registry and the Resolver correlation table.
//
// An Engine is the explicit root of all engine state: tests construct one
// per case, and applications construct one at startup and Close it on
// shutdown.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	backend   Backend
	cache     LocalCache
	resolver  *Resolver
	registry  *Registry
	ids       IDGenerator
	logger    *slog.Logger
	transport retryPolicy
	baseline  baselinePolicy
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocalCache sets the local cache. Without one, channels always
// bootstrap from the snapshot store or their initial value.
func WithLocalCache(c LocalCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithIDGenerator sets the correlation id generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithBaselineTimeout bounds each attempt of an asynchronous baseline
// loader. Zero (the default) waits forever.
func WithBaselineTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.baseline.timeout = d
	}
}

// WithBaselineRetries retries a failed or timed-out baseline loader with
// exponential backoff. Default: 0 (one attempt).
func WithBaselineRetries(n int) Option {
	return func(e *Engine) {
		e.baseline.retries = n
	}
}

// WithTransportRetry retries failed appends and cache queries with
// exponential backoff between initial and max. Default: 0 retries.
func WithTransportRetry(retries int, initial, maxInterval time.Duration) Option {
	return func(e *Engine) {
		e.transport = retryPolicy{retries: retries, initial: initial, max: maxInterval}
		e.baseline.initial = initial
		e.baseline.max = maxInterval
	}
}

// WithWallClock sets the clock used to stamp local cache records.
func WithWallClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over the given backend.
func New(b Backend, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		backend:  b,
		cache:    nopCache{},
		resolver: NewResolver(),
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		transport: retryPolicy{
			retries: DefaultTransportRetries,
			initial: DefaultInitialInterval,
			max:     DefaultMaxRetryInterval,
		},
		baseline: baselinePolicy{
			retryPolicy: retryPolicy{
				retries: DefaultBaselineRetries,
				initial: DefaultInitialInterval,
				max:     DefaultMaxRetryInterval,
			},
			timeout: DefaultBaselineTimeout,
		},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.registry = newRegistry(ctx, b, machineDeps{
		snapshots: b,
		reducers:  b,
		cache:     e.cache,
		resolver:  e.resolver,
		logger:    e.logger,
		transport: e.transport,
		baseline:  e.baseline,
		now:       e.now,
	})

	return e
}

// Attach adds obs as an observer of the channel described by cfg and
// returns the channel's current value. See Registry.Attach.
func (e *Engine) Attach(ctx context.Context, cfg ChannelConfig, obs Observer) (*Subscription, ir.Value, error) {
	return e.registry.Attach(ctx, cfg, obs)
}

// Registry returns the channel registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Resolver returns the correlation table.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Backend returns the shared collaborators the engine was built over.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Close detaches every channel and stops every machine.
// Pending emitters observe a CLOSED error.
func (e *Engine) Close() {
	e.registry.Close()
	e.cancel()
	e.logger.Debug("engine closed")
}
