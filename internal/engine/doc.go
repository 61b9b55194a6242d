// Package engine implements the realtime reducer synchronization engine.
//
// The engine keeps one reducer-computed value per channel consistent across
// many observers, a persisted local cache, and a shared append-only event
// log, and correlates emitted actions with the response their reducer
// produces.
//
// ARCHITECTURE:
//
// Single-Writer Machine Loop:
// Every attached channel owns exactly one Machine, and every Machine runs
// its transitions on one goroutine fed by a FIFO input queue. This ensures:
// - No two reductions for a channel ever run concurrently
// - No locking inside the state machine
// - Buffered inputs keep their arrival order
//
// Input Processing Flow:
// 1. The event log subscription posts reduction inputs to the queue
// 2. Helper goroutines post lifecycle inputs (cache query, baseline load)
// 3. Machine.run dequeues one input at a time
// 4. transition() selects the next State from (State, input)
// 5. New Settled values resolve the correlated emitter, write through to
// the local cache, mirror to the snapshot store, then reach observers
//
// CRITICAL PATTERNS:
//
// Last Writer Wins:
// Once Settled, an event is applied only if its log-assigned timestamp is
// greater than the last applied one. There is no merge.
//
// No Event Loss During Load:
// Reductions arriving before the baseline is known are buffered in the
// loading state and replayed in arrival order once it is.
//
// One Subscription Per Channel:
// The Registry reference-counts observers so K observers of a channel share
// one event log subscription, released when the last one detaches.
package engine
