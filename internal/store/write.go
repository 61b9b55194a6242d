package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// Append adds an event to channel.
//
// The timestamp is max(opts.TS or clock, last+1). Appending a correlation id
// already present in the channel returns the stored event unchanged, so a
// retried append never produces a second event.
//
// The value is serialized to canonical JSON for deterministic replay.
func (s *Store) Append(ctx context.Context, channel string, value ir.Value, opts ir.AppendOptions) (ir.Event, error) {
	if value == nil {
		value = ir.Null{}
	}
	valueJSON, err := marshalValue(value)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append %s: %w", channel, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append %s: begin tx: %w", channel, err)
	}
	defer tx.Rollback() // No-op if committed

	if opts.ID != "" {
		ev, err := scanEvent(tx.QueryRowContext(ctx, `
			SELECT seq, channel, id, ts, value FROM events
			WHERE channel = ? AND id = ?
		`, channel, opts.ID))
		switch {
		case err == nil:
			return ev, nil
		case !errors.Is(err, sql.ErrNoRows):
			return ir.Event{}, fmt.Errorf("append %s: lookup id: %w", channel, err)
		}
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM events WHERE channel = ?`, channel,
	).Scan(&last); err != nil {
		return ir.Event{}, fmt.Errorf("append %s: read last ts: %w", channel, err)
	}

	ts := opts.TS
	if ts <= 0 {
		ts = s.clock()
	}
	if ts, err = ir.NextTS(ts, last.Int64, last.Valid); err != nil {
		return ir.Event{}, fmt.Errorf("append %s: %w", channel, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (channel, id, ts, value)
		VALUES (?, ?, ?, ?)
	`, channel, nullString(opts.ID), ts, valueJSON)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append %s: %w", channel, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ir.Event{}, fmt.Errorf("append %s: read seq: %w", channel, err)
	}

	if err := tx.Commit(); err != nil {
		return ir.Event{}, fmt.Errorf("append %s: commit: %w", channel, err)
	}

	s.wake(channel)

	return ir.Event{Seq: seq, Channel: channel, Value: value, TS: ts, ID: opts.ID}, nil
}

// SaveSnapshot stores snap unless a snapshot with a greater timestamp is
// already stored.
func (s *Store) SaveSnapshot(ctx context.Context, channel string, snap ir.Snapshot) error {
	valueJSON, err := marshalValue(snap.Value)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", channel, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (channel, value, ts)
		VALUES (?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET value = excluded.value, ts = excluded.ts
		WHERE excluded.ts >= snapshots.ts
	`, channel, valueJSON, snap.TS)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", channel, err)
	}
	return nil
}

// RecordReducer stores id if channel has no identity yet and returns the
// stored identity. The first writer wins.
func (s *Store) RecordReducer(ctx context.Context, channel string, id ir.ReducerIdentity) (ir.ReducerIdentity, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reducers (channel, name, version, fingerprint)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO NOTHING
	`, channel, id.Name, id.Version, id.Fingerprint)
	if err != nil {
		return ir.ReducerIdentity{}, fmt.Errorf("record reducer %s: %w", channel, err)
	}

	stored, ok, err := s.ReducerIdentity(ctx, channel)
	if err != nil {
		return ir.ReducerIdentity{}, err
	}
	if !ok {
		return ir.ReducerIdentity{}, fmt.Errorf("record reducer %s: identity missing after insert", channel)
	}
	return stored, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
