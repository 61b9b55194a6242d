package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/memlog"
	"github.com/roach88/compose/internal/reducers"
	"github.com/roach88/compose/internal/server"
	"github.com/roach88/compose/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupClient(t *testing.T) (*memlog.Log, *server.Server, *Client) {
	t.Helper()

	clock := testutil.NewDeterministicClockAt(100, 1)
	log := memlog.New(memlog.WithClock(clock.Next))
	srv := server.New(log, server.WithLogger(quietLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"),
		WithLogger(quietLogger()),
		WithReconnect(5*time.Millisecond, 20*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return log, srv, c
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []ir.Event
}

func (r *recorder) add(ev ir.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) values() []ir.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.Value, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Value
	}
	return out
}

func TestClient_AppendLatest(t *testing.T) {
	_, _, c := setupClient(t)
	ctx := context.Background()

	_, ok, err := c.Latest(ctx, "a-b-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ev, err := c.Append(ctx, "a-b-1", ir.Object{"n": ir.Int(1)}, ir.AppendOptions{ID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), ev.TS)

	again, err := c.Append(ctx, "a-b-1", ir.Object{"n": ir.Int(1)}, ir.AppendOptions{ID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, ev, again)

	latest, ok, err := c.Latest(ctx, "a-b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev, latest)
}

func TestClient_SnapshotsAndReducers(t *testing.T) {
	_, _, c := setupClient(t)
	ctx := context.Background()

	_, ok, err := c.LoadSnapshot(ctx, "a-b-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SaveSnapshot(ctx, "a-b-1", ir.Snapshot{Value: ir.String("x"), TS: 3}))
	snap, ok, err := c.LoadSnapshot(ctx, "a-b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Snapshot{Value: ir.String("x"), TS: 3}, snap)

	first, err := ir.NewReducerIdentity("tags", "1")
	require.NoError(t, err)
	stored, err := c.RecordReducer(ctx, "a-b-1", first)
	require.NoError(t, err)
	assert.Equal(t, first, stored)

	got, ok, err := c.ReducerIdentity(ctx, "a-b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestClient_Subscribe(t *testing.T) {
	log, _, c := setupClient(t)
	ctx := context.Background()

	var rec recorder
	unsubscribe, err := c.Subscribe(ctx, "a-b-1", rec.add)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Subscribers("a-b-1"))

	for i := int64(1); i <= 3; i++ {
		_, err := log.Append(ctx, "a-b-1", ir.Int(i), ir.AppendOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(rec.values()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []ir.Value{ir.Int(1), ir.Int(2), ir.Int(3)}, rec.values())

	unsubscribe()
	assert.Equal(t, 0, c.Subscribers("a-b-1"))
	require.Eventually(t, func() bool { return log.Subscribers("a-b-1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_SubscribeEndsWithContext(t *testing.T) {
	log, _, c := setupClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Subscribe(ctx, "a-b-1", func(ir.Event) {})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		return c.Subscribers("a-b-1") == 0 && log.Subscribers("a-b-1") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_ReconnectResumesSubscriptions(t *testing.T) {
	log, srv, c := setupClient(t)
	ctx := context.Background()

	var rec recorder
	_, err := c.Subscribe(ctx, "a-b-1", rec.add)
	require.NoError(t, err)

	_, err = log.Append(ctx, "a-b-1", ir.Int(1), ir.AppendOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.CloseConns()
	require.Eventually(t, func() bool { return log.Subscribers("a-b-1") == 0 }, 2*time.Second, 5*time.Millisecond)

	// Appended while the client is away.
	_, err = log.Append(ctx, "a-b-1", ir.Int(2), ir.AppendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return log.Subscribers("a-b-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = log.Append(ctx, "a-b-1", ir.Int(3), ir.AppendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.values()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []ir.Value{ir.Int(1), ir.Int(2), ir.Int(3)}, rec.values())

	// Calls work again after the reconnect.
	_, ok, err := c.Latest(ctx, "a-b-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_CloseFailsCalls(t *testing.T) {
	_, _, c := setupClient(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err := c.Latest(context.Background(), "a-b-1")
	assert.ErrorIs(t, err, ErrClosed)
}

// Two engines share one server: an action emitted on one is reduced by
// both, and the emitter receives its reducer's response.
func TestClient_EnginesShareServer(t *testing.T) {
	_, srv, first := setupClient(t)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	second, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer second.Close()

	catalog := reducers.Default()
	def, err := catalog.Def("comments", "")
	require.NoError(t, err)
	entry, _ := catalog.Lookup("comments")
	cfg := engine.ChannelConfig{
		Name:    "articles-comments-1",
		Reducer: def,
		Initial: engine.BaselineValue(entry.Initial),
	}

	engA := engine.New(first, engine.WithLogger(quietLogger()), engine.WithIDGenerator(testutil.NewSequenceGenerator("a")))
	defer engA.Close()
	engB := engine.New(second, engine.WithLogger(quietLogger()), engine.WithIDGenerator(testutil.NewSequenceGenerator("b")))
	defer engB.Close()

	subA, _, err := engA.Attach(ctx, cfg, nil)
	require.NoError(t, err)
	defer subA.Close()

	var mu sync.Mutex
	var seen []ir.Value
	subB, _, err := engB.Attach(ctx, cfg, func(v ir.Value) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer subB.Close()

	ids := testutil.NewSequenceGenerator("c")
	resp, err := engA.Emit(ctx, cfg.Name, reducers.NewCreateComment(ids, "u1", "first!"))
	require.NoError(t, err)
	assert.Nil(t, ir.MessageErrors(resp))
	assert.Equal(t, ir.String("c-1"), resp.(ir.Object).Get("commentId"))

	mB, ok := engB.Registry().Machine(cfg.Name)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		arr, ok := mB.Value().(ir.Array)
		return ok && len(arr) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mA, ok := engA.Registry().Machine(cfg.Name)
	require.True(t, ok)
	assert.True(t, ir.Equal(mA.Value(), mB.Value()))
}
