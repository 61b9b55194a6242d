package engine

import "github.com/roach88/compose/internal/ir"

// input is one item of a machine's queue. The set is closed.
type input interface {
	input()
}

// selfRegistered is posted once the machine's log subscription is open.
type selfRegistered struct{}

// cacheLoaded reports the fresher of the local cache and snapshot store.
type cacheLoaded struct {
	Value  ir.Value
	TS     int64
	Source string // "cache" or "snapshot"
}

// cacheEmpty reports that neither the local cache nor the snapshot store
// had a value.
type cacheEmpty struct{}

// baselineLoaded carries the resolved caller-supplied initial value.
type baselineLoaded struct {
	Value ir.Value
}

// reduction carries one event delivered by the log subscription.
type reduction struct {
	Event ir.Event
}

// reducerMismatch reports reducer drift found by a query or a record.
type reducerMismatch struct {
	Recorded ir.ReducerIdentity
}

func (selfRegistered) input()  {}
func (cacheLoaded) input()     {}
func (cacheEmpty) input()      {}
func (baselineLoaded) input()  {}
func (reduction) input()       {}
func (reducerMismatch) input() {}
