// Package memlog is an in-memory event log, snapshot store and reducer
// registry. It backs the test harness and unit tests; state is lost when
// the process exits.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/compose/internal/ir"
)

// ErrInjected is returned by operations failed through the fault hooks.
var ErrInjected = errors.New("memlog: injected failure")

// Log is an in-memory implementation of the engine's Backend.
//
// Timestamps are assigned at append time as max(clock(), last+1), so they
// strictly increase per channel even when the clock stalls. Subscribers are
// called synchronously, in timestamp order, and must not block or append.
//
// Thread-safety: all methods are safe for concurrent use.
type Log struct {
	// deliver serializes append+fan-out so concurrent appends reach
	// subscribers in timestamp order.
	deliver sync.Mutex

	mu        sync.Mutex
	clock     func() int64
	seq       int64
	events    map[string][]ir.Event
	byID      map[string]ir.Event // channel + "\x00" + id
	subs      map[string]map[uint64]func(ir.Event)
	nextSub   uint64
	snapshots map[string]ir.Snapshot
	reducers  map[string]ir.ReducerIdentity

	appendFaults   int
	snapshotFaults int
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the timestamp source. Default: wall-clock microseconds.
func WithClock(clock func() int64) Option {
	return func(l *Log) {
		l.clock = clock
	}
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		clock:     func() int64 { return time.Now().UnixMicro() },
		events:    make(map[string][]ir.Event),
		byID:      make(map[string]ir.Event),
		subs:      make(map[string]map[uint64]func(ir.Event)),
		snapshots: make(map[string]ir.Snapshot),
		reducers:  make(map[string]ir.ReducerIdentity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds an event to channel and delivers it to subscribers.
// Appending an id already present in the channel returns the stored event
// without delivering it again.
func (l *Log) Append(ctx context.Context, channel string, value ir.Value, opts ir.AppendOptions) (ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return ir.Event{}, err
	}
	if value == nil {
		value = ir.Null{}
	}

	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	if l.appendFaults > 0 {
		l.appendFaults--
		l.mu.Unlock()
		return ir.Event{}, fmt.Errorf("append %s: %w", channel, ErrInjected)
	}

	if opts.ID != "" {
		if ev, ok := l.byID[idKey(channel, opts.ID)]; ok {
			l.mu.Unlock()
			return ev, nil
		}
	}

	ts := opts.TS
	if ts <= 0 {
		ts = l.clock()
	}
	if log := l.events[channel]; len(log) > 0 {
		next, err := ir.NextTS(ts, log[len(log)-1].TS, true)
		if err != nil {
			l.mu.Unlock()
			return ir.Event{}, fmt.Errorf("append %s: %w", channel, err)
		}
		ts = next
	}

	l.seq++
	ev := ir.Event{Seq: l.seq, Channel: channel, Value: value, TS: ts, ID: opts.ID}
	l.events[channel] = append(l.events[channel], ev)
	if opts.ID != "" {
		l.byID[idKey(channel, opts.ID)] = ev
	}
	fns := l.subscribersLocked(channel)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return ev, nil
}

// Latest returns the most recent event of channel.
func (l *Log) Latest(ctx context.Context, channel string) (ir.Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.events[channel]
	if len(log) == 0 {
		return ir.Event{}, false, nil
	}
	return log[len(log)-1], true, nil
}

// Subscribe registers fn for events appended to channel from now on.
// The subscription ends when unsubscribe is called or ctx is done.
func (l *Log) Subscribe(ctx context.Context, channel string, fn func(ir.Event)) (func(), error) {
	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[uint64]func(ir.Event))
	}
	l.subs[channel][id] = fn
	l.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[channel], id)
			if len(l.subs[channel]) == 0 {
				delete(l.subs, channel)
			}
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions to channel.
func (l *Log) Subscribers(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[channel])
}

// ReadEvents returns the events of channel with seq greater than afterSeq,
// in append order.
func (l *Log) ReadEvents(ctx context.Context, channel string, afterSeq int64) ([]ir.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ir.Event
	for _, ev := range l.events[channel] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Channels returns every channel with events or a snapshot, sorted.
func (l *Log) Channels(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	for ch := range l.events {
		seen[ch] = true
	}
	for ch := range l.snapshots {
		seen[ch] = true
	}
	names := make([]string, 0, len(seen))
	for ch := range seen {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names, nil
}

// LoadSnapshot returns the latest snapshot of channel.
func (l *Log) LoadSnapshot(ctx context.Context, channel string) (ir.Snapshot, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snapshotFaults > 0 {
		l.snapshotFaults--
		return ir.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", channel, ErrInjected)
	}
	snap, ok := l.snapshots[channel]
	return snap, ok, nil
}

// SaveSnapshot stores snap unless a snapshot with a greater timestamp is
// already stored.
func (l *Log) SaveSnapshot(ctx context.Context, channel string, snap ir.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.snapshots[channel]; ok && cur.TS > snap.TS {
		return nil
	}
	l.snapshots[channel] = snap
	return nil
}

// ReducerIdentity returns the reducer identity recorded for channel.
func (l *Log) ReducerIdentity(ctx context.Context, channel string) (ir.ReducerIdentity, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.reducers[channel]
	return id, ok, nil
}

// RecordReducer stores id if channel has no identity yet and returns the
// stored identity.
func (l *Log) RecordReducer(ctx context.Context, channel string, id ir.ReducerIdentity) (ir.ReducerIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.reducers[channel]; ok {
		return cur, nil
	}
	l.reducers[channel] = id
	return id, nil
}

// FailAppends makes the next n appends fail with ErrInjected.
func (l *Log) FailAppends(n int) {
	l.mu.Lock()
	l.appendFaults = n
	l.mu.Unlock()
}

// FailSnapshotLoads makes the next n snapshot loads fail with ErrInjected.
func (l *Log) FailSnapshotLoads(n int) {
	l.mu.Lock()
	l.snapshotFaults = n
	l.mu.Unlock()
}

func (l *Log) subscribersLocked(channel string) []func(ir.Event) {
	subs := l.subs[channel]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(ir.Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	return fns
}

func idKey(channel, id string) string {
	return channel + "\x00" + id
}
