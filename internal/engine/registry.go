package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/compose/internal/ir"
)

// Registry maps channel names to one shared Machine and event log
// subscription, reference-counted across observers.
//
// INVARIANT: at most one live event log subscription per channel name,
// regardless of observer count.
//
// Thread-safety: Attach and Subscription.Close are atomic with respect to
// each other.
type Registry struct {
	ctx    context.Context
	log    EventLog
	deps   machineDeps
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is one attached channel.
type entry struct {
	machine     *Machine
	cancel      context.CancelFunc
	unsubscribe func()
	ready       chan struct{} // closed once the subscription is open or failed

	mu        sync.Mutex
	observers map[uint64]Observer
	nextID    uint64
}

func newRegistry(ctx context.Context, log EventLog, deps machineDeps) *Registry {
	return &Registry{
		ctx:     ctx,
		log:     log,
		deps:    deps,
		logger:  deps.logger,
		entries: make(map[string]*entry),
	}
}

// Subscription is one observer's attachment to a channel.
type Subscription struct {
	reg     *Registry
	channel string
	id      uint64
	once    sync.Once
}

// Channel returns the attached channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// Close detaches the observer. Detaching the last observer unsubscribes
// from the event log and stops the machine. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reg.detach(s.channel, s.id)
	})
}

// Attach adds obs as an observer of cfg.Name and returns the channel's
// current value.
//
// The first attach creates the Machine, opens the event log subscription
// and starts the machine loop. Later attaches share them. Attaching with a
// reducer identity that differs from the running machine's fails with
// *VersionMismatchError.
//
// The subscription is opened without holding the registry lock, so a slow
// event log stalls only attaches of the same channel. ctx bounds that wait;
// it does not bound the lifetime of the subscription.
func (r *Registry) Attach(ctx context.Context, cfg ChannelConfig, obs Observer) (*Subscription, ir.Value, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	identity, err := cfg.Reducer.Identity()
	if err != nil {
		return nil, nil, err
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, newClosedError(cfg.Name, "engine is closed")
		}

		e, ok := r.entries[cfg.Name]
		if !ok {
			break
		}
		if !e.live() {
			r.mu.Unlock()
			select {
			case <-e.ready:
				continue
			case <-ctx.Done():
				return nil, nil, newTransportError(cfg.Name, "attach cancelled", ctx.Err())
			}
		}

		if running := e.machine.Identity(); running.Fingerprint != identity.Fingerprint {
			r.mu.Unlock()
			return nil, nil, &VersionMismatchError{Channel: cfg.Name, Recorded: running, Local: identity}
		}
		id := e.add(obs)
		r.mu.Unlock()
		r.logger.Debug("observer attached", "channel", cfg.Name, "observers", e.len())
		return &Subscription{reg: r, channel: cfg.Name, id: id}, e.machine.Value(), nil
	}

	// r.mu is held. Publish a pending entry so concurrent attaches of this
	// channel wait for it instead of subscribing twice.
	e := &entry{
		observers: make(map[uint64]Observer),
		ready:     make(chan struct{}),
	}
	m := newMachine(cfg, identity, r.deps, e.broadcast)
	e.machine = m
	mctx, cancel := context.WithCancel(r.ctx)
	e.cancel = cancel
	r.entries[cfg.Name] = e
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	unsubscribe, err := r.log.Subscribe(mctx, cfg.Name, func(ev ir.Event) {
		m.post(reduction{Event: ev})
	})
	callerDone := !stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(e.ready)

	switch {
	case callerDone:
		if err == nil && unsubscribe != nil {
			unsubscribe()
		}
		err = newTransportError(cfg.Name, "attach cancelled", ctx.Err())
	case r.closed:
		if err == nil && unsubscribe != nil {
			unsubscribe()
		}
		err = newClosedError(cfg.Name, "engine is closed")
	case err != nil:
		err = newTransportError(cfg.Name, "subscribe failed", err)
	case unsubscribe == nil:
		unsubscribe = func() {}
	}
	if err != nil {
		cancel()
		if r.entries[cfg.Name] == e {
			delete(r.entries, cfg.Name)
		}
		return nil, nil, err
	}
	e.unsubscribe = unsubscribe

	go m.run(mctx)
	m.post(selfRegistered{})

	id := e.add(obs)

	r.logger.Info("channel attached",
		"channel", cfg.Name,
		"reducer", identity.Name,
		"reducer_version", identity.Version,
	)

	return &Subscription{reg: r, channel: cfg.Name, id: id}, m.Value(), nil
}

func (r *Registry) detach(channel string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channel]
	if !ok || !e.live() {
		return
	}
	if e.remove(id) > 0 {
		return
	}

	delete(r.entries, channel)
	r.teardown(channel, e)
}

// teardown releases an entry. Caller must hold r.mu.
func (r *Registry) teardown(channel string, e *entry) {
	e.unsubscribe()
	e.machine.stop()
	e.cancel()
	r.logger.Info("channel detached", "channel", channel)
}

// Machine returns the machine of an attached channel.
func (r *Registry) Machine(channel string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[channel]
	if !ok || !e.live() {
		return nil, false
	}
	return e.machine, true
}

// Len returns the number of attached channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.live() {
			n++
		}
	}
	return n
}

// Observers returns the number of observers of a channel.
func (r *Registry) Observers(channel string) int {
	r.mu.Lock()
	e, ok := r.entries[channel]
	r.mu.Unlock()
	if !ok || !e.live() {
		return 0
	}
	return e.len()
}

// Channels returns the attached channel names in sorted order.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.live() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close detaches every channel. Later attaches fail with a CLOSED error.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for channel, e := range r.entries {
		delete(r.entries, channel)
		if !e.live() {
			// The pending Attach sees closed and rolls itself back.
			e.cancel()
			continue
		}
		r.teardown(channel, e)
	}
}

// live reports whether the entry's subscription is open. Caller must hold
// r.mu.
func (e *entry) live() bool {
	return e.unsubscribe != nil
}

func (e *entry) add(obs Observer) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.observers[e.nextID] = obs
	return e.nextID
}

// remove deletes an observer and returns how many remain.
func (e *entry) remove(id uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.observers, id)
	return len(e.observers)
}

func (e *entry) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

// broadcast delivers v to every observer in attach order.
func (e *entry) broadcast(v ir.Value) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, e.observers[id])
	}
	e.mu.Unlock()

	for _, obs := range observers {
		if obs != nil {
			obs(v)
		}
	}
}
