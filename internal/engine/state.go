package engine

import "github.com/roach88/compose/internal/ir"

// State is the progress of a channel toward a trustworthy reduced value.
// Exactly one State is active per channel.
//
// The set is closed: AwaitingSelfRegistration, AwaitingCache,
// AwaitingBaseline, Settled and VersionMismatch.
type State interface {
	Kind() string
	state()
}

// AwaitingSelfRegistration is the initial state. The machine's event log
// subscription is not open yet.
type AwaitingSelfRegistration struct {
	Buffered []ir.Event
}

// AwaitingCache means the local cache and snapshot store are being queried.
type AwaitingCache struct {
	Buffered []ir.Event
}

// AwaitingBaseline means both queries missed and the caller-supplied
// initial value is loading.
type AwaitingBaseline struct {
	Buffered []ir.Event
}

// Settled holds an established value and the timestamp of the last event
// folded into it. TS is zero when the value came straight from the
// initial value.
type Settled struct {
	Value ir.Value
	TS    int64
}

// VersionMismatch is terminal: the recorded reducer identity differs from
// the local one, so no further events are applied.
type VersionMismatch struct {
	Value ir.Value
	Err   *VersionMismatchError
}

func (AwaitingSelfRegistration) Kind() string { return "awaiting_self_registration" }
func (AwaitingCache) Kind() string            { return "awaiting_cache" }
func (AwaitingBaseline) Kind() string         { return "awaiting_baseline" }
func (Settled) Kind() string                  { return "settled" }
func (VersionMismatch) Kind() string          { return "version_mismatch" }

func (AwaitingSelfRegistration) state() {}
func (AwaitingCache) state()            {}
func (AwaitingBaseline) state()         {}
func (Settled) state()                  {}
func (VersionMismatch) state()          {}

// IsLoading reports whether s is one of the buffering states.
func IsLoading(s State) bool {
	switch s.(type) {
	case AwaitingSelfRegistration, AwaitingCache, AwaitingBaseline:
		return true
	default:
		return false
	}
}
