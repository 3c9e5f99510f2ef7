package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/types"
)

func events(commitTimes ...int64) []types.ChangeEvent {
	out := make([]types.ChangeEvent, len(commitTimes))
	for i, ct := range commitTimes {
		out[i] = types.ChangeEvent{Sequence: int64(i + 1), CommitTime: ct}
	}
	return out
}

func TestAggregatorBacklogAndLag(t *testing.T) {
	a := New(0, zap.NewNop())
	a.OnProduced(events(0, 10, 20))
	snap := a.Snapshot()
	assert.Equal(t, int64(3), snap.Produced)
	assert.Equal(t, int64(3), snap.Backlog)

	a.OnConsumed(100, events(0, 10))
	snap = a.Snapshot()
	assert.Equal(t, int64(2), snap.Consumed)
	assert.Equal(t, int64(1), snap.Backlog)
	assert.InDelta(t, 95.0, snap.LagP50, 0.001)
	assert.InDelta(t, 99.5, snap.LagP95, 0.001)
}

func TestAggregatorBacklogFloorsAtZero(t *testing.T) {
	a := New(0, nil)
	a.OnConsumed(0, events(5, 6))
	snap := a.Snapshot()
	assert.Equal(t, int64(0), snap.Backlog)
	assert.Equal(t, float64(0), snap.LagP50, "future commit times clamp lag to zero")
}

func TestAggregatorSampleCeiling(t *testing.T) {
	a := New(3, nil)
	var last []int64
	a.OnLag(func(s []int64) { last = s })
	a.OnConsumed(100, events(90, 80, 70, 60, 50))
	assert.Equal(t, []int64{30, 40, 50}, last)
}

func TestAggregatorWriteAmplification(t *testing.T) {
	a := New(0, nil)
	assert.Equal(t, 1.0, a.Snapshot().WriteAmplification)
	for i := 0; i < 4; i++ {
		a.RecordWriteAmplification(1, 1)
	}
	assert.InDelta(t, 2.0, a.Snapshot().WriteAmplification, 1e-9)
}

func TestAggregatorCountersAndReset(t *testing.T) {
	a := New(0, nil)
	a.RecordMissedDelete(2)
	a.RecordSnapshotRows(7)
	a.RecordError()
	a.OnProduced(events(1))

	var got []int64
	calls := 0
	a.OnLag(func(s []int64) { got = s; calls++ })

	snap := a.Snapshot()
	assert.Equal(t, int64(2), snap.MissedDeletes)
	assert.Equal(t, int64(7), snap.SnapshotRows)
	assert.Equal(t, int64(1), snap.Errors)

	a.Reset()
	assert.Equal(t, Snapshot{WriteAmplification: 1}, a.Snapshot())
	assert.Equal(t, 1, calls)
	assert.Empty(t, got)
}

func TestAggregatorFaultySubscriberIsIsolated(t *testing.T) {
	a := New(0, zap.NewNop())
	a.OnLag(func([]int64) { panic("boom") })
	var seen []int64
	a.OnLag(func(s []int64) { seen = s })

	require.NotPanics(t, func() { a.OnConsumed(10, events(0)) })
	assert.Equal(t, []int64{10}, seen)
	assert.Equal(t, int64(1), a.Snapshot().Consumed)
}

func TestAggregatorSubscriberGetsCopy(t *testing.T) {
	a := New(0, nil)
	a.OnLag(func(s []int64) {
		for i := range s {
			s[i] = -1
		}
	})
	a.OnConsumed(10, events(0))
	assert.Equal(t, 10.0, a.Snapshot().LagP50)
}

func TestAggregatorUnsubscribe(t *testing.T) {
	a := New(0, nil)
	calls := 0
	unsub := a.OnLag(func([]int64) { calls++ })
	a.OnConsumed(1, events(0))
	unsub()
	unsub()
	a.OnConsumed(2, events(0))
	assert.Equal(t, 1, calls)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 0.5))
	assert.Equal(t, 7.0, Percentile([]int64{7}, 0.95))
	assert.Equal(t, 2.5, Percentile([]int64{1, 2, 3, 4}, 0.5))
	assert.InDelta(t, 3.85, Percentile([]int64{1, 2, 3, 4}, 0.95), 1e-9)
	assert.Equal(t, 4.0, Percentile([]int64{1, 2, 3, 4}, 1))
}
