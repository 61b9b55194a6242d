package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ir.Event, error) {
	var (
		ev        ir.Event
		id        sql.NullString
		valueJSON string
	)
	if err := row.Scan(&ev.Seq, &ev.Channel, &id, &ev.TS, &valueJSON); err != nil {
		return ir.Event{}, err
	}
	value, err := unmarshalValue(valueJSON)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	ev.ID = id.String
	ev.Value = value
	return ev, nil
}

// Latest returns the most recent event of channel.
func (s *Store) Latest(ctx context.Context, channel string) (ir.Event, bool, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT seq, channel, id, ts, value FROM events
		WHERE channel = ?
		ORDER BY seq DESC
		LIMIT 1
	`, channel))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, false, nil
	}
	if err != nil {
		return ir.Event{}, false, fmt.Errorf("latest %s: %w", channel, err)
	}
	return ev, true, nil
}

// ReadEvents returns the events of channel with seq greater than afterSeq,
// in append order.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadEvents(ctx context.Context, channel string, afterSeq int64) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, channel, id, ts, value FROM events
		WHERE channel = ? AND seq > ?
		ORDER BY seq ASC
	`, channel, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Channels returns every channel with events or a snapshot, sorted.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel FROM events
		UNION
		SELECT channel FROM snapshots
		ORDER BY channel COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	channels := []string{}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// LoadSnapshot returns the stored snapshot of channel.
func (s *Store) LoadSnapshot(ctx context.Context, channel string) (ir.Snapshot, bool, error) {
	var (
		snap      ir.Snapshot
		valueJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, ts FROM snapshots WHERE channel = ?`, channel,
	).Scan(&valueJSON, &snap.TS)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", channel, err)
	}
	snap.Value, err = unmarshalValue(valueJSON)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", channel, err)
	}
	return snap, true, nil
}

// ReducerIdentity returns the reducer identity recorded for channel.
func (s *Store) ReducerIdentity(ctx context.Context, channel string) (ir.ReducerIdentity, bool, error) {
	var id ir.ReducerIdentity
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, fingerprint FROM reducers WHERE channel = ?`, channel,
	).Scan(&id.Name, &id.Version, &id.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ReducerIdentity{}, false, nil
	}
	if err != nil {
		return ir.ReducerIdentity{}, false, fmt.Errorf("reducer identity %s: %w", channel, err)
	}
	return id, true, nil
}

// maxSeq returns the greatest seq of channel, or 0.
func (s *Store) maxSeq(ctx context.Context, channel string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE channel = ?`, channel,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq %s: %w", channel, err)
	}
	return seq.Int64, nil
}
