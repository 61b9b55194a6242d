package engine

import (
	"sync"

	"github.com/roach88/compose/internal/ir"
)

// Response is the outcome of an emitted action.
//
// Message is whatever the reducer passed to resolve, or ir.Null{} if it
// never called it. Err is set only for engine faults (reducer panic,
// reducer drift, detached channel).
type Response struct {
	Message ir.Value
	Err     error
}

// Resolver is the correlation table from request id to the emitter waiting
// for that request's response.
//
// Every slot is fulfilled at most once: the first ResolveAndClear or Reject
// wins and deletes the slot, later calls are no-ops.
//
// Thread-safety: all methods are safe for concurrent use.
type Resolver struct {
	mu      sync.Mutex
	pending map[string]chan Response
}

// NewResolver creates an empty correlation table.
func NewResolver() *Resolver {
	return &Resolver{pending: make(map[string]chan Response)}
}

// Register creates a response slot for id.
// The returned channel is buffered so resolution never blocks the machine.
func (r *Resolver) Register(id string) <-chan Response {
	ch := make(chan Response, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return ch
}

// ResolveAndClear delivers msg to the emitter of id and deletes the slot.
// Returns false if no slot exists (already resolved, or emitted elsewhere).
func (r *Resolver) ResolveAndClear(id string, msg ir.Value) bool {
	if msg == nil {
		msg = ir.Null{}
	}
	return r.deliver(id, Response{Message: msg})
}

// Reject delivers err to the emitter of id and deletes the slot.
func (r *Resolver) Reject(id string, err error) bool {
	return r.deliver(id, Response{Err: err})
}

// Forget deletes the slot for id without delivering anything.
// Used when the emitter gives up before the action reaches the log.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending returns the number of unresolved slots.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Resolver) deliver(id string, resp Response) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}
