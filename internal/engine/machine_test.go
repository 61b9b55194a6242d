package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/ir"
)

func newTestMachine(t *testing.T, def ReducerDef) *Machine {
	t.Helper()
	id, err := def.Identity()
	require.NoError(t, err)
	log := newTestLog()
	deps := machineDeps{
		snapshots: log,
		reducers:  log,
		cache:     nopCache{},
		resolver:  NewResolver(),
		logger:    discardLogger(),
		now:       time.Now,
	}
	cfg := ChannelConfig{Name: "t-test-1", Reducer: def, Loading: ir.String("loading")}
	return newMachine(cfg, id, deps, nil)
}

func ev(ts int64, v string) ir.Event {
	return ir.Event{TS: ts, Value: ir.String(v), ID: "id-" + v}
}

func TestTransition_SelfRegistrationBuffers(t *testing.T) {
	m := newTestMachine(t, listDef())

	out := m.transition(AwaitingSelfRegistration{}, reduction{Event: ev(1, "a")})
	out = m.transition(out.next, reduction{Event: ev(2, "b")})

	s, ok := out.next.(AwaitingSelfRegistration)
	require.True(t, ok)
	assert.Equal(t, []ir.Event{ev(1, "a"), ev(2, "b")}, s.Buffered)
	assert.False(t, out.commit)
}

func TestTransition_SelfRegisteredCarriesBuffer(t *testing.T) {
	m := newTestMachine(t, listDef())

	out := m.transition(AwaitingSelfRegistration{Buffered: []ir.Event{ev(1, "a")}}, selfRegistered{})

	assert.Equal(t, AwaitingCache{Buffered: []ir.Event{ev(1, "a")}}, out.next)
	assert.NotNil(t, out.after, "cache query must start")
}

func TestTransition_BufferIsNotShared(t *testing.T) {
	m := newTestMachine(t, listDef())
	base := AwaitingCache{Buffered: make([]ir.Event, 1, 8)}

	a := m.transition(base, reduction{Event: ev(2, "a")}).next.(AwaitingCache)
	b := m.transition(base, reduction{Event: ev(2, "b")}).next.(AwaitingCache)

	assert.Equal(t, ir.String("a"), a.Buffered[1].Value)
	assert.Equal(t, ir.String("b"), b.Buffered[1].Value)
}

func TestTransition_CacheHitReplaysNewerBufferedEvents(t *testing.T) {
	m := newTestMachine(t, listDef())
	buffered := []ir.Event{ev(5, "old"), ev(15, "a"), ev(25, "b")}

	out := m.transition(AwaitingCache{Buffered: buffered}, cacheLoaded{Value: ir.Array{ir.String("cached")}, TS: 10, Source: "cache"})

	assert.Equal(t, Settled{
		Value: ir.Array{ir.String("cached"), ir.String("a"), ir.String("b")},
		TS:    25,
	}, out.next)
	assert.True(t, out.commit)
	// Every correlated event is answered, including the one already folded in.
	require.Len(t, out.resolutions, 3)
	assert.Equal(t, "id-old", out.resolutions[0].id)
}

func TestTransition_CacheEmptyAwaitsBaseline(t *testing.T) {
	m := newTestMachine(t, listDef())

	out := m.transition(AwaitingCache{Buffered: []ir.Event{ev(1, "a")}}, cacheEmpty{})

	assert.Equal(t, AwaitingBaseline{Buffered: []ir.Event{ev(1, "a")}}, out.next)
	assert.NotNil(t, out.after, "baseline load must start")
}

func TestTransition_BaselineReplaysInArrivalOrder(t *testing.T) {
	m := newTestMachine(t, listDef())
	buffered := []ir.Event{ev(1, "a"), ev(2, "b"), ev(3, "c")}

	out := m.transition(AwaitingBaseline{Buffered: buffered}, baselineLoaded{Value: ir.Array{}})

	assert.Equal(t, Settled{
		Value: ir.Array{ir.String("a"), ir.String("b"), ir.String("c")},
		TS:    3,
	}, out.next)
	assert.True(t, out.commit)
}

func TestTransition_BaselineWithoutEventsCommitsAtZero(t *testing.T) {
	m := newTestMachine(t, listDef())

	out := m.transition(AwaitingBaseline{}, baselineLoaded{Value: ir.Array{}})

	assert.Equal(t, Settled{Value: ir.Array{}, TS: 0}, out.next)
	assert.True(t, out.commit)
}

func TestTransition_SettledAppliesOnlyNewerEvents(t *testing.T) {
	m := newTestMachine(t, listDef())
	s := Settled{Value: ir.Array{}, TS: 10}

	stale := m.transition(s, reduction{Event: ev(10, "dup")})
	assert.Equal(t, s, stale.next)
	assert.False(t, stale.commit)

	older := m.transition(s, reduction{Event: ev(9, "old")})
	assert.Equal(t, s, older.next)

	fresh := m.transition(s, reduction{Event: ev(11, "new")})
	assert.Equal(t, Settled{Value: ir.Array{ir.String("new")}, TS: 11}, fresh.next)
	assert.True(t, fresh.commit)
}

func TestTransition_OrderingAcrossEvents(t *testing.T) {
	m := newTestMachine(t, listDef())
	var s State = Settled{Value: ir.Array{}, TS: 0}

	for _, e := range []ir.Event{ev(1, "e1"), ev(2, "e2"), ev(2, "replayed"), ev(3, "e3")} {
		s = m.transition(s, reduction{Event: e}).next
	}

	assert.Equal(t, ir.Array{ir.String("e1"), ir.String("e2"), ir.String("e3")}, s.(Settled).Value)
}

func TestTransition_ResolveFirstCallWins(t *testing.T) {
	def := ReducerDef{Name: "twice", Version: "1", Fn: func(state, action ir.Value, resolve func(ir.Value)) ir.Value {
		resolve(ir.String("first"))
		resolve(ir.String("second"))
		return state
	}}
	m := newTestMachine(t, def)

	out := m.transition(Settled{Value: ir.Null{}}, reduction{Event: ev(1, "x")})

	require.Len(t, out.resolutions, 1)
	assert.Equal(t, ir.String("first"), out.resolutions[0].msg)
}

func TestTransition_UnresolvedActionResolvesNull(t *testing.T) {
	m := newTestMachine(t, listDef())

	out := m.transition(Settled{Value: ir.Array{}}, reduction{Event: ev(1, "x")})

	require.Len(t, out.resolutions, 1)
	assert.Equal(t, ir.Null{}, out.resolutions[0].msg)
}

func TestTransition_ReducerPanicLeavesValue(t *testing.T) {
	m := newTestMachine(t, counterDef(nil))
	s := Settled{Value: ir.Int(3), TS: 10}

	out := m.transition(s, reduction{Event: ir.Event{TS: 11, ID: "req-9", Value: ir.Object{"panic": ir.Bool(true)}}})

	assert.Equal(t, s, out.next)
	assert.False(t, out.commit)
	require.Len(t, out.resolutions, 1)
	assert.True(t, IsReducerPanic(out.resolutions[0].err))
}

func TestTransition_MismatchIsTerminal(t *testing.T) {
	m := newTestMachine(t, listDef())
	recorded := ir.ReducerIdentity{Name: "list", Version: "0", Fingerprint: "other"}

	for _, s := range []State{AwaitingSelfRegistration{}, AwaitingCache{}, AwaitingBaseline{}, Settled{Value: ir.Array{}}} {
		out := m.transition(s, reducerMismatch{Recorded: recorded})
		vm, ok := out.next.(VersionMismatch)
		require.True(t, ok, "from %s", s.Kind())
		assert.Equal(t, recorded, vm.Err.Recorded)
	}

	frozen := VersionMismatch{Value: ir.String("loading")}
	out := m.transition(frozen, reduction{Event: ev(1, "a")})
	assert.Equal(t, frozen, out.next)
	out = m.transition(frozen, baselineLoaded{Value: ir.Array{}})
	assert.Equal(t, frozen, out.next)
}

func TestTransition_IgnoresIrrelevantInputs(t *testing.T) {
	m := newTestMachine(t, listDef())
	s := Settled{Value: ir.Array{}, TS: 4}

	assert.Equal(t, s, m.transition(s, selfRegistered{}).next)
	assert.Equal(t, s, m.transition(s, cacheEmpty{}).next)
	assert.Equal(t, AwaitingCache{}, m.transition(AwaitingCache{}, selfRegistered{}).next)
}

func TestMachine_LoadingDisplay(t *testing.T) {
	m := newTestMachine(t, listDef())
	assert.Equal(t, ir.String("loading"), m.Value())
	assert.True(t, IsLoading(m.State()))
}
