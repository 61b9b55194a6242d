package engine

import (
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// ReplayFailure is an event the reducer panicked on during a replay.
type ReplayFailure struct {
	ID  string
	TS  int64
	Err error
}

// ReplayResult is a channel value rebuilt from its event log.
type ReplayResult struct {
	Value     ir.Value
	TS        int64 // ts of the last applied event; zero if none applied
	Applied   int
	Skipped   int // events at or below the current ts
	Failures  []ReplayFailure
	Responses map[string]ir.Value // resolved message per correlation id
}

// Replay folds events into initial with the same rules a settled machine
// applies: events at or below the current ts are skipped and a reducer
// panic drops the event. Replaying the full log of a channel reproduces
// the value every attached process converged on.
func Replay(channel string, reducer Reducer, initial ir.Value, events []ir.Event) ReplayResult {
	if initial == nil {
		initial = ir.Null{}
	}
	res := ReplayResult{Value: initial, Responses: make(map[string]ir.Value)}

	for _, ev := range events {
		if ev.TS <= res.TS {
			res.Skipped++
			continue
		}
		next, msg, err := reduceEvent(channel, reducer, res.Value, ev)
		if err != nil {
			res.Failures = append(res.Failures, ReplayFailure{ID: ev.ID, TS: ev.TS, Err: err})
			continue
		}
		res.Value, res.TS = next, ev.TS
		res.Applied++
		if ev.ID != "" {
			res.Responses[ev.ID] = msg
		}
	}
	return res
}

// Digest returns the value digest of the replayed value.
func (r ReplayResult) Digest() (string, error) {
	return ir.ValueDigest(r.Value)
}

// Matches reports whether the replayed value equals snap. A snapshot
// taken before the last applied event is reported as stale.
func (r ReplayResult) Matches(snap ir.Snapshot) (bool, error) {
	want, err := ir.ValueDigest(snap.Value)
	if err != nil {
		return false, fmt.Errorf("snapshot digest: %w", err)
	}
	got, err := r.Digest()
	if err != nil {
		return false, fmt.Errorf("replay digest: %w", err)
	}
	return want == got && snap.TS == r.TS, nil
}

// reduceEvent runs reducer on ev, capturing the first resolve call and any
// panic. On panic it returns state unchanged with a *ReducerPanicError.
func reduceEvent(channel string, reducer Reducer, state ir.Value, ev ir.Event) (next, msg ir.Value, err error) {
	msg = ir.Null{}
	resolved := false
	resolve := func(v ir.Value) {
		if resolved {
			return
		}
		resolved = true
		if v == nil {
			v = ir.Null{}
		}
		msg = v
	}

	defer func() {
		if r := recover(); r != nil {
			next, msg = state, nil
			err = &ReducerPanicError{Channel: channel, EventID: ev.ID, Value: r}
		}
	}()

	next = reducer(state, ev.Value, resolve)
	if next == nil {
		next = ir.Null{}
	}
	return next, msg, nil
}
