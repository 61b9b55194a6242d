package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrTimestampExhausted is returned by an append to a channel whose last
// timestamp is already the largest representable one.
var ErrTimestampExhausted = errors.New("channel timestamps exhausted")

// Event is one record of a channel's append-only event log.
type Event struct {
	Seq     int64  `json:"seq"`          // Storage order assigned by the log
	Channel string `json:"channel"`      // Channel name
	Value   Value  `json:"value"`        // Opaque action payload
	TS      int64  `json:"ts"`           // Server-assigned timestamp (unix micros)
	ID      string `json:"id,omitempty"` // Correlation id, empty when fire-and-forget
}

// Snapshot is the latest reduced value of a channel plus the timestamp of
// the last event folded into it.
type Snapshot struct {
	Value Value `json:"value"`
	TS    int64 `json:"ts"`
}

// CacheRecord is the locally persisted last known value of a channel.
type CacheRecord struct {
	Value    Value `json:"value"`
	TS       int64 `json:"ts"`
	CachedAt int64 `json:"cached_at"` // Wall-clock unix millis, used by pruning only
}

// ReducerIdentity is persisted alongside a channel's initial snapshot so
// every writer can detect reducer drift.
type ReducerIdentity struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

// ChannelSpec is a compiled channel manifest.
type ChannelSpec struct {
	ID             string `json:"id"`                  // Manifest label
	Channel        string `json:"channel"`             // Full channel name
	Reducer        string `json:"reducer"`             // Catalog reducer name
	ReducerVersion string `json:"reducer_version"`     // Caller-supplied reducer version
	Initial        Value  `json:"initial"`             // Baseline when no snapshot exists
	Loading        Value  `json:"loading"`             // Placeholder while loading
	SeedFrom       string `json:"seed_from,omitempty"` // Prior channel to seed the baseline from
}

type eventJSON struct {
	Seq     int64           `json:"seq"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
	TS      int64           `json:"ts"`
	ID      string          `json:"id,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var aux eventJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	val, err := decodeRaw(aux.Value)
	if err != nil {
		return fmt.Errorf("event value: %w", err)
	}
	*e = Event{Seq: aux.Seq, Channel: aux.Channel, Value: val, TS: aux.TS, ID: aux.ID}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var aux struct {
		Value json.RawMessage `json:"value"`
		TS    int64           `json:"ts"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	val, err := decodeRaw(aux.Value)
	if err != nil {
		return fmt.Errorf("snapshot value: %w", err)
	}
	*s = Snapshot{Value: val, TS: aux.TS}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for CacheRecord.
func (r *CacheRecord) UnmarshalJSON(data []byte) error {
	var aux struct {
		Value    json.RawMessage `json:"value"`
		TS       int64           `json:"ts"`
		CachedAt int64           `json:"cached_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	val, err := decodeRaw(aux.Value)
	if err != nil {
		return fmt.Errorf("cache value: %w", err)
	}
	*r = CacheRecord{Value: val, TS: aux.TS, CachedAt: aux.CachedAt}
	return nil
}

// decodeRaw treats a missing field as null.
func decodeRaw(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return Null{}, nil
	}
	return DecodeValue(raw)
}

// AppendOptions carries the optional fields of an event log append.
// TS is honored only by in-process logs (imports, deterministic tests);
// live writers leave it zero and let the log assign one. The network log
// never forwards it.
type AppendOptions struct {
	TS int64
	ID string
}

// NextTS returns the timestamp of an event appended after last, given the
// proposed ts: ts itself when it is greater than last, otherwise last+1.
// hasLast is false for an empty channel.
func NextTS(proposed, last int64, hasLast bool) (int64, error) {
	if !hasLast || proposed > last {
		return proposed, nil
	}
	if last == math.MaxInt64 {
		return 0, ErrTimestampExhausted
	}
	return last + 1, nil
}
