// Package store provides SQLite-backed durable storage for channel event
// logs, snapshots and reducer identities.
//
// A Store implements the engine's Backend:
//   - Events: append-only per-channel log, deduplicated by correlation id
//   - Snapshots: latest reduced value per channel, never moved backwards
//   - Reducers: identity recorded by the first writer of each channel
//
// # Timestamps
//
// Append assigns ts = max(clock, last+1) inside an IMMEDIATE transaction,
// so timestamps strictly increase per channel even across processes that
// share the database file.
//
// # Subscriptions
//
// Each subscription keeps a seq cursor. Appends made through the same Store
// wake subscribers at once; appends from other processes are picked up by
// polling every PollInterval.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
