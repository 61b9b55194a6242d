package engine

import "sync"

// inputQueue is a thread-safe FIFO queue of machine inputs.
//
// The queue is unbounded so the log subscription and helper goroutines
// never block while the machine is busy reducing.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the machine loop.
type inputQueue struct {
	mu     sync.Mutex
	items  []input
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

// newInputQueue creates an empty input queue.
func newInputQueue() *inputQueue {
	return &inputQueue{
		items:  make([]input, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an input to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *inputQueue) Enqueue(in input) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, in)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front input without blocking.
// Returns (nil, false) if the queue is empty.
func (q *inputQueue) TryDequeue() (input, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	in := q.items[0]
	q.items[0] = nil // release for GC

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return in, true
}

// Wait returns a channel that signals when inputs may be available.
// The channel is closed when the queue is closed.
func (q *inputQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *inputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the queue is closed and empty.
func (q *inputQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close signals that no more inputs will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *inputQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
