package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/memlog"
	"github.com/roach88/compose/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestLog returns a memlog whose timestamps start at 1001.
func newTestLog() *memlog.Log {
	return memlog.New(memlog.WithClock(testutil.NewDeterministicClockAt(1000, 1).Next))
}

func newTestEngine(t *testing.T, b Backend, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithIDGenerator(testutil.NewSequenceGenerator("req")),
		WithWallClock(testutil.NewDeterministicClockAt(5000, 1).Time),
		WithTransportRetry(0, time.Millisecond, 5*time.Millisecond),
	}
	e := New(b, append(base, opts...)...)
	t.Cleanup(e.Close)
	return e
}

// counterDef sums action.n into an Int and resolves {"total": sum}.
// An action with "panic": true panics.
func counterDef(calls *atomic.Int64) ReducerDef {
	return ReducerDef{
		Name:    "counter",
		Version: "1",
		Fn: func(state, action ir.Value, resolve func(ir.Value)) ir.Value {
			if calls != nil {
				calls.Add(1)
			}
			obj, _ := action.(ir.Object)
			if obj.Get("panic") == ir.Bool(true) {
				panic("boom")
			}
			total, _ := state.(ir.Int)
			n, _ := obj.Get("n").(ir.Int)
			next := total + n
			resolve(ir.Object{"total": next})
			return next
		},
	}
}

// listDef appends every action to an Array without resolving.
func listDef() ReducerDef {
	return ReducerDef{
		Name:    "list",
		Version: "1",
		Fn: func(state, action ir.Value, resolve func(ir.Value)) ir.Value {
			arr, _ := state.(ir.Array)
			return arr.Append(action)
		},
	}
}

func add(n int64) ir.Value {
	return ir.Object{"n": ir.Int(n)}
}

func waitForState(t *testing.T, m *Machine, kind string) State {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State().Kind() == kind
	}, 2*time.Second, 2*time.Millisecond, "machine never reached %s (now %s)", kind, m.State().Kind())
	return m.State()
}

func waitSettled(t *testing.T, m *Machine) Settled {
	t.Helper()
	return waitForState(t, m, Settled{}.Kind()).(Settled)
}

func attachOrFail(t *testing.T, e *Engine, cfg ChannelConfig, obs Observer) (*Subscription, *Machine) {
	t.Helper()
	sub, _, err := e.Attach(context.Background(), cfg, obs)
	require.NoError(t, err)
	m, ok := e.Registry().Machine(cfg.Name)
	require.True(t, ok)
	return sub, m
}

// memCache is an in-memory LocalCache.
type memCache struct {
	mu   sync.Mutex
	recs map[string]ir.CacheRecord
}

func newMemCache() *memCache {
	return &memCache{recs: make(map[string]ir.CacheRecord)}
}

func (c *memCache) Get(channel string) (ir.CacheRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[channel]
	return rec, ok, nil
}

func (c *memCache) Put(channel string, rec ir.CacheRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[channel] = rec
	return nil
}

// gatedBackend blocks snapshot loads until the gate is closed, holding a
// machine in AwaitingCache.
type gatedBackend struct {
	*memlog.Log
	gate chan struct{}
}

func (b *gatedBackend) LoadSnapshot(ctx context.Context, channel string) (ir.Snapshot, bool, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return ir.Snapshot{}, false, ctx.Err()
	}
	return b.Log.LoadSnapshot(ctx, channel)
}

// recorder collects observer notifications.
type recorder struct {
	mu     sync.Mutex
	values []ir.Value
}

func (r *recorder) observe(v ir.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) last() ir.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil
	}
	return r.values[len(r.values)-1]
}
