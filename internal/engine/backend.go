package engine

import (
	"context"

	"github.com/roach88/compose/internal/ir"
)

// EventLog is the append-only, per-channel ordered event store.
//
// Implementations assign timestamps at write time, strictly increasing per
// channel, and deliver events to subscribers in non-decreasing timestamp
// order. Subscribers see only events appended after Subscribe returns.
type EventLog interface {
	Append(ctx context.Context, channel string, value ir.Value, opts ir.AppendOptions) (ir.Event, error)
	Latest(ctx context.Context, channel string) (ir.Event, bool, error)
	Subscribe(ctx context.Context, channel string, fn func(ir.Event)) (unsubscribe func(), err error)
}

// SnapshotStore holds the latest reduced value of each channel so new
// observers bootstrap without replaying the event log.
//
// SaveSnapshot keeps whichever snapshot has the greater timestamp.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, channel string) (ir.Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, channel string, snap ir.Snapshot) error
}

// ReducerRegistry records which reducer identity owns each channel.
//
// RecordReducer is first-writer-wins: it stores id only if the channel has
// no identity yet, and returns whatever identity is stored afterwards.
type ReducerRegistry interface {
	ReducerIdentity(ctx context.Context, channel string) (ir.ReducerIdentity, bool, error)
	RecordReducer(ctx context.Context, channel string, id ir.ReducerIdentity) (ir.ReducerIdentity, error)
}

// Backend bundles the shared collaborators. Implemented by store.Store
// (SQLite), memlog.Log (in-memory) and remote.Client (websocket).
type Backend interface {
	EventLog
	SnapshotStore
	ReducerRegistry
}

// LocalCache persists the last known value of each channel on this machine.
// Implemented by localcache.Cache (Pebble).
type LocalCache interface {
	Get(channel string) (ir.CacheRecord, bool, error)
	Put(channel string, rec ir.CacheRecord) error
}

// nopCache is used when no local cache is configured.
type nopCache struct{}

func (nopCache) Get(string) (ir.CacheRecord, bool, error) { return ir.CacheRecord{}, false, nil }
func (nopCache) Put(string, ir.CacheRecord) error         { return nil }
