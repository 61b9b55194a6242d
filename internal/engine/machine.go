package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/compose/internal/ir"
)

// machineDeps are the collaborators a Machine borrows from its Engine.
type machineDeps struct {
	snapshots SnapshotStore
	reducers  ReducerRegistry
	cache     LocalCache
	resolver  *Resolver
	logger    *slog.Logger
	transport retryPolicy
	baseline  baselinePolicy
	now       func() time.Time
}

// Machine is the state machine of one attached channel.
//
// CRITICAL: All transitions happen in the run goroutine. Other goroutines
// only post inputs and read published snapshots of the state.
//
// Thread-safety model:
//   - post(): safe from any goroutine
//   - run(): called from exactly one goroutine per Machine
//   - Value(), State(), Err(): safe from any goroutine
type Machine struct {
	name     string
	cfg      ChannelConfig
	identity ir.ReducerIdentity
	deps     machineDeps
	queue    *inputQueue
	notify   func(ir.Value)
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	display ir.Value
	err     error

	done     chan struct{}
	failed   chan struct{}
	failOnce sync.Once
}

// outcome is the result of one transition. Effects run after the next
// state is published, in field order: resolutions, commit, after.
type outcome struct {
	next        State
	resolutions []resolution
	commit      bool
	after       func(ctx context.Context)
}

// resolution is a pending delivery to the Resolver.
type resolution struct {
	id  string
	msg ir.Value
	err error
}

func newMachine(cfg ChannelConfig, identity ir.ReducerIdentity, deps machineDeps, notify func(ir.Value)) *Machine {
	logger := deps.logger.With("channel", cfg.Name)

	display := cfg.Loading
	if display == nil {
		display = ir.Null{}
	}
	// Optimistic display: the last value this process saw, if any.
	if rec, ok, err := deps.cache.Get(cfg.Name); err != nil {
		logger.Warn("local cache read failed", "error", err)
	} else if ok {
		display = rec.Value
	}

	if notify == nil {
		notify = func(ir.Value) {}
	}

	return &Machine{
		name:     cfg.Name,
		cfg:      cfg,
		identity: identity,
		deps:     deps,
		queue:    newInputQueue(),
		notify:   notify,
		logger:   logger,
		state:    AwaitingSelfRegistration{},
		display:  display,
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
}

// Name returns the channel name.
func (m *Machine) Name() string {
	return m.name
}

// Identity returns the local reducer identity.
func (m *Machine) Identity() ir.ReducerIdentity {
	return m.identity
}

// Value returns the value to display: the settled value once known,
// otherwise the cached or loading placeholder.
func (m *Machine) Value() ir.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the last fault recorded by the machine: a
// *VersionMismatchError, or a transport error that left it loading.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the machine loop has exited.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Failed is closed when the machine enters VersionMismatch.
func (m *Machine) Failed() <-chan struct{} {
	return m.failed
}

func (m *Machine) mismatch() *VersionMismatchError {
	if vm, ok := m.State().(VersionMismatch); ok {
		return vm.Err
	}
	return nil
}

func (m *Machine) post(in input) bool {
	return m.queue.Enqueue(in)
}

func (m *Machine) stop() {
	m.queue.Close()
}

func (m *Machine) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Machine) publish(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	switch s := s.(type) {
	case Settled:
		m.display = s.Value
	case VersionMismatch:
		m.display = s.Value
		m.err = s.Err
	}
}

// run is the single-writer loop. It returns when ctx is cancelled or the
// queue is closed and drained.
func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	m.logger.Debug("machine starting")

	for {
		if in, ok := m.queue.TryDequeue(); ok {
			m.step(ctx, in)
			continue
		}

		select {
		case <-ctx.Done():
			m.queue.Close()
			m.logger.Debug("machine stopping: context cancelled")
			return

		case <-m.queue.Wait():
			// The signal channel closes with the queue; a stale signal
			// with an open queue just loops back to TryDequeue.
			if m.queue.Drained() {
				m.logger.Debug("machine stopping: queue closed")
				return
			}
		}
	}
}

// step applies one input and runs the resulting effects.
// CRITICAL: Called only from run().
func (m *Machine) step(ctx context.Context, in input) {
	prev := m.State()
	out := m.transition(prev, in)
	m.publish(out.next)

	if prev.Kind() != out.next.Kind() {
		m.logger.Debug("state transition",
			"from", prev.Kind(),
			"to", out.next.Kind(),
		)
	}

	for _, r := range out.resolutions {
		if r.err != nil {
			m.deps.resolver.Reject(r.id, r.err)
		} else {
			m.deps.resolver.ResolveAndClear(r.id, r.msg)
		}
	}

	if out.commit {
		m.commit(ctx, out.next.(Settled))
	}

	if vm, ok := out.next.(VersionMismatch); ok {
		m.failOnce.Do(func() {
			m.logger.Error("reducer identity mismatch; channel frozen",
				"recorded_reducer", vm.Err.Recorded.Name,
				"recorded_version", vm.Err.Recorded.Version,
				"local_reducer", vm.Err.Local.Name,
				"local_version", vm.Err.Local.Version,
			)
			close(m.failed)
		})
	}

	if out.after != nil {
		out.after(ctx)
	}
}

// transition selects the next state for (s, in). It calls the reducer but
// performs no I/O; effects are returned in the outcome.
func (m *Machine) transition(s State, in input) outcome {
	if _, ok := s.(VersionMismatch); ok {
		return outcome{next: s}
	}
	if in, ok := in.(reducerMismatch); ok {
		return outcome{next: VersionMismatch{
			Value: m.Value(),
			Err:   &VersionMismatchError{Channel: m.name, Recorded: in.Recorded, Local: m.identity},
		}}
	}

	switch s := s.(type) {
	case AwaitingSelfRegistration:
		switch in := in.(type) {
		case selfRegistered:
			return outcome{next: AwaitingCache{Buffered: s.Buffered}, after: m.queryCache}
		case reduction:
			return outcome{next: AwaitingSelfRegistration{Buffered: appendEvent(s.Buffered, in.Event)}}
		}

	case AwaitingCache:
		switch in := in.(type) {
		case cacheLoaded:
			m.logger.Debug("baseline from cache", "source", in.Source, "ts", in.TS, "buffered", len(s.Buffered))
			return m.settle(Settled{Value: in.Value, TS: in.TS}, s.Buffered)
		case cacheEmpty:
			return outcome{next: AwaitingBaseline{Buffered: s.Buffered}, after: m.loadBaseline}
		case reduction:
			return outcome{next: AwaitingCache{Buffered: appendEvent(s.Buffered, in.Event)}}
		}

	case AwaitingBaseline:
		switch in := in.(type) {
		case baselineLoaded:
			m.logger.Debug("baseline from initial value", "buffered", len(s.Buffered))
			return m.settle(Settled{Value: in.Value}, s.Buffered)
		case reduction:
			return outcome{next: AwaitingBaseline{Buffered: appendEvent(s.Buffered, in.Event)}}
		}

	case Settled:
		if in, ok := in.(reduction); ok {
			next, res, applied := m.apply(s, in.Event)
			return outcome{next: next, resolutions: res, commit: applied}
		}

	default:
		panic(fmt.Sprintf("engine: unknown state %T", s))
	}

	// Input has no meaning in this state (e.g. a repeated selfRegistered).
	return outcome{next: s}
}

// settle establishes base and replays buffered events on top of it in
// arrival order.
func (m *Machine) settle(base Settled, buffered []ir.Event) outcome {
	cur := base
	var res []resolution
	for _, ev := range buffered {
		var r []resolution
		cur, r, _ = m.apply(cur, ev)
		res = append(res, r...)
	}
	return outcome{next: cur, resolutions: res, commit: true}
}

// apply folds ev into s if it is newer than the last applied event.
// Returns the next state, the resolution for ev, and whether the value
// changed.
func (m *Machine) apply(s Settled, ev ir.Event) (Settled, []resolution, bool) {
	if ev.TS <= s.TS {
		m.logger.Debug("event already applied", "event_ts", ev.TS, "last_ts", s.TS, "id", ev.ID)
		// Already folded into the baseline; the emitter still gets an answer.
		return s, resolveOnly(ev.ID, ir.Null{}), false
	}

	value, msg, err := m.reduce(s.Value, ev)
	if err != nil {
		m.logger.Error("reducer panicked; action dropped",
			"id", ev.ID,
			"event_ts", ev.TS,
			"error", err,
		)
		return s, []resolution{{id: ev.ID, err: err}}, false
	}

	return Settled{Value: value, TS: ev.TS}, resolveOnly(ev.ID, msg), true
}

func (m *Machine) reduce(state ir.Value, ev ir.Event) (next, msg ir.Value, err error) {
	return reduceEvent(m.name, m.cfg.Reducer.Fn, state, ev)
}

// commit writes a new settled value through to the local cache, mirrors it
// to the snapshot store, then notifies observers.
func (m *Machine) commit(ctx context.Context, s Settled) {
	rec := ir.CacheRecord{Value: s.Value, TS: s.TS, CachedAt: m.deps.now().UnixMilli()}
	if err := m.deps.cache.Put(m.name, rec); err != nil {
		m.logger.Warn("local cache write failed", "ts", s.TS, "error", err)
	}

	if err := m.deps.snapshots.SaveSnapshot(ctx, m.name, ir.Snapshot{Value: s.Value, TS: s.TS}); err != nil {
		m.logger.Warn("snapshot mirror failed", "ts", s.TS, "error", err)
	}

	m.notify(s.Value)
}

// queryCache asks the local cache, snapshot store and reducer registry in
// parallel and posts the verdict.
func (m *Machine) queryCache(ctx context.Context) {
	go func() {
		in, err := m.fetchBaseline(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("cache query failed; channel stays loading", "error", err)
				m.setErr(newTransportError(m.name, "cache query failed", err))
			}
			return
		}
		m.post(in)
	}()
}

func (m *Machine) fetchBaseline(ctx context.Context) (input, error) {
	var result input

	op := func() error {
		var (
			rec        ir.CacheRecord
			recOK      bool
			snap       ir.Snapshot
			snapOK     bool
			recorded   ir.ReducerIdentity
			recordedOK bool
		)

		// The lookups fail independently: a failed identity read must not
		// cancel the snapshot read.
		var (
			g       errgroup.Group
			snapErr error
			idErr   error
		)
		g.Go(func() error {
			var err error
			rec, recOK, err = m.deps.cache.Get(m.name)
			if err != nil {
				m.logger.Warn("local cache read failed", "error", err)
				recOK = false
			}
			return nil
		})
		g.Go(func() error {
			snap, snapOK, snapErr = m.deps.snapshots.LoadSnapshot(ctx, m.name)
			return nil
		})
		g.Go(func() error {
			recorded, recordedOK, idErr = m.deps.reducers.ReducerIdentity(ctx, m.name)
			return nil
		})
		_ = g.Wait()

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if snapErr != nil {
			if !recOK {
				m.logger.Warn("cache query attempt failed", "error", snapErr)
				return fmt.Errorf("load snapshot: %w", snapErr)
			}
			m.logger.Warn("snapshot store unreachable; settling from local cache", "error", snapErr)
			snapOK, recordedOK = false, false
		}
		if idErr != nil {
			m.logger.Warn("reducer identity unavailable; skipping drift check", "error", idErr)
			recordedOK = false
		}

		switch {
		case recordedOK && recorded.Fingerprint != m.identity.Fingerprint:
			result = reducerMismatch{Recorded: recorded}
		case snapOK && (!recOK || snap.TS > rec.TS):
			result = cacheLoaded{Value: snap.Value, TS: snap.TS, Source: "snapshot"}
		case recOK:
			result = cacheLoaded{Value: rec.Value, TS: rec.TS, Source: "cache"}
		default:
			result = cacheEmpty{}
		}
		return nil
	}

	if err := backoff.Retry(op, m.deps.transport.backOff(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// loadBaseline resolves the caller-supplied initial value, records the
// reducer identity next to it, and posts the verdict.
func (m *Machine) loadBaseline(ctx context.Context) {
	go func() {
		value, err := m.resolveBaseline(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("baseline load failed; channel stays loading", "error", err)
				m.setErr(fmt.Errorf("baseline load for %s: %w", m.name, err))
			}
			return
		}

		recorded, err := m.deps.reducers.RecordReducer(ctx, m.name, m.identity)
		switch {
		case err != nil:
			m.logger.Warn("reducer identity not recorded", "error", err)
		case recorded.Fingerprint != m.identity.Fingerprint:
			m.post(reducerMismatch{Recorded: recorded})
			return
		}

		m.post(baselineLoaded{Value: value})
	}()
}

func (m *Machine) resolveBaseline(ctx context.Context) (ir.Value, error) {
	if m.cfg.Initial.load == nil {
		return m.cfg.Initial.Load(ctx)
	}

	var value ir.Value
	attempt := 0
	op := func() error {
		attempt++
		v, err := m.deps.baseline.call(ctx, m.cfg.Initial.load)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			m.logger.Warn("baseline attempt failed", "attempt", attempt, "error", err)
			return err
		}
		if v == nil {
			v = ir.Null{}
		}
		value = v
		return nil
	}

	if err := backoff.Retry(op, m.deps.baseline.backOff(ctx)); err != nil {
		return nil, err
	}
	return value, nil
}

func appendEvent(buf []ir.Event, ev ir.Event) []ir.Event {
	out := make([]ir.Event, len(buf), len(buf)+1)
	copy(out, buf)
	return append(out, ev)
}

func resolveOnly(id string, msg ir.Value) []resolution {
	if id == "" {
		return nil
	}
	return []resolution{{id: id, msg: msg}}
}
