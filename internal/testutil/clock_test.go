package testutil

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartAndStep(t *testing.T) {
	tests := []struct {
		name        string
		start, step int64
		want        []int64
	}{
		{name: "default", start: 0, step: 1, want: []int64{1, 2, 3}},
		{name: "event log stamps", start: 1000, step: 10, want: []int64{1010, 1020, 1030}},
		{name: "zero step", start: 5, step: 0, want: []int64{6, 7, 8}},
		{name: "negative step", start: 5, step: -3, want: []int64{6, 7, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewDeterministicClockAt(tt.start, tt.step)
			assert.Equal(t, tt.start, clock.Current())

			got := make([]int64, len(tt.want))
			for i := range got {
				got[i] = clock.Next()
			}
			assert.Equal(t, tt.want, got)

			clock.Reset()
			assert.Equal(t, tt.start, clock.Current(), "reset rewinds to start, not zero")
			assert.Equal(t, tt.want[0], clock.Next())
		})
	}
}

func TestDeterministicClock_Time(t *testing.T) {
	clock := NewDeterministicClockAt(1500, 250)

	first := clock.Time()
	assert.Equal(t, time.UnixMilli(1500).UTC(), first)
	assert.Equal(t, time.UTC, first.Location())
	assert.Equal(t, first, clock.Time(), "Time does not advance the clock")

	clock.Next()
	assert.Equal(t, int64(1750), clock.Time().UnixMilli())
}

// Concurrent appenders each get a distinct stamp on the step grid.
func TestDeterministicClock_ConcurrentStamps(t *testing.T) {
	clock := NewDeterministicClockAt(100, 5)
	const workers, perWorker = 8, 50

	var mu sync.Mutex
	var stamps []int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ts := clock.Next()
				mu.Lock()
				stamps = append(stamps, ts)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, stamps, workers*perWorker)
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	for i, ts := range stamps {
		assert.Equal(t, int64(100+5*(i+1)), ts)
	}
	assert.Equal(t, stamps[len(stamps)-1], clock.Current())
}
