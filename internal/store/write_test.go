package store

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/ir"
)

func TestAppend_AssignsIncreasingTimestamps(t *testing.T) {
	// A stalled clock still yields strictly increasing timestamps.
	s := createTestStore(t, WithClock(func() int64 { return 100 }))
	ctx := context.Background()

	var got []int64
	for i := 0; i < 3; i++ {
		ev, err := s.Append(ctx, "c-x-1", ir.Int(int64(i)), ir.AppendOptions{})
		require.NoError(t, err)
		got = append(got, ev.TS)
	}
	assert.Equal(t, []int64{100, 101, 102}, got)

	// Timestamps are per channel.
	ev, err := s.Append(ctx, "c-y-1", ir.Null{}, ir.AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(100), ev.TS)
}

func TestAppend_CallerTimestampNeverGoesBackwards(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, "c-x-1", ir.Null{}, ir.AppendOptions{TS: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ev.TS)

	ev, err = s.Append(ctx, "c-x-1", ir.Null{}, ir.AppendOptions{TS: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(5001), ev.TS)
}

func TestAppend_DeduplicatesByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, "c-x-1", ir.Object{"n": ir.Int(1)}, ir.AppendOptions{ID: "req-1"})
	require.NoError(t, err)

	again, err := s.Append(ctx, "c-x-1", ir.Object{"n": ir.Int(2)}, ir.AppendOptions{ID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	events, err := s.ReadEvents(ctx, "c-x-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// The same id on another channel is a different event.
	other, err := s.Append(ctx, "c-y-1", ir.Null{}, ir.AppendOptions{ID: "req-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Seq, other.Seq)
}

func TestAppend_NilValueIsNull(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "c-x-1", nil, ir.AppendOptions{})
	require.NoError(t, err)

	ev, ok, err := s.Latest(ctx, "c-x-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Null{}, ev.Value)
}

func TestSaveSnapshot_KeepsGreaterTimestamp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, "c-x-1", ir.Snapshot{Value: ir.Int(2), TS: 20}))
	require.NoError(t, s.SaveSnapshot(ctx, "c-x-1", ir.Snapshot{Value: ir.Int(1), TS: 10}))

	snap, ok, err := s.LoadSnapshot(ctx, "c-x-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Snapshot{Value: ir.Int(2), TS: 20}, snap)

	require.NoError(t, s.SaveSnapshot(ctx, "c-x-1", ir.Snapshot{Value: ir.Int(3), TS: 30}))
	snap, _, err = s.LoadSnapshot(ctx, "c-x-1")
	require.NoError(t, err)
	assert.Equal(t, ir.Snapshot{Value: ir.Int(3), TS: 30}, snap)
}

func TestRecordReducer_FirstWriterWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v1, err := ir.NewReducerIdentity("comments", "1")
	require.NoError(t, err)
	v2, err := ir.NewReducerIdentity("comments", "2")
	require.NoError(t, err)

	_, ok, err := s.ReducerIdentity(ctx, "c-x-1")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.RecordReducer(ctx, "c-x-1", v1)
	require.NoError(t, err)
	assert.Equal(t, v1, stored)

	stored, err = s.RecordReducer(ctx, "c-x-1", v2)
	require.NoError(t, err)
	assert.Equal(t, v1, stored, "second writer must observe the first identity")
}

func TestAppend_RejectsExhaustedTimestamps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev, err := s.Append(ctx, "c-x-1", ir.Null{}, ir.AppendOptions{TS: math.MaxInt64})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), ev.TS)

	_, err = s.Append(ctx, "c-x-1", ir.Null{}, ir.AppendOptions{})
	require.ErrorIs(t, err, ir.ErrTimestampExhausted)

	latest, ok, err := s.Latest(ctx, "c-x-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.Seq, latest.Seq, "a rejected append writes nothing")

	// Other channels are unaffected.
	_, err = s.Append(ctx, "c-y-1", ir.Null{}, ir.AppendOptions{})
	require.NoError(t, err)
}
