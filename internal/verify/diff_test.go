package verify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdclab/internal/capture"
	"github.com/mehmetymw/cdclab/internal/types"
)

func src(t int64, kind types.Kind, pk string) types.SourceOp {
	return types.SourceOp{LogicalTime: t, Kind: kind, Table: "orders", PrimaryKey: pk}
}

func ev(seq int64, code types.OpCode, pk string, commit int64) types.ChangeEvent {
	return types.ChangeEvent{Sequence: seq, OpCode: code, PrimaryKey: pk, CommitTime: commit, Table: "orders"}
}

func TestDiffExactMatch(t *testing.T) {
	ops := []types.SourceOp{src(0, types.KindInsert, "1"), src(10, types.KindUpdate, "1"), src(20, types.KindDelete, "1")}
	events := []types.ChangeEvent{ev(1, "c", "1", 5), ev(2, "u", "1", 30), ev(3, "d", "1", 22)}

	res := DiffLane(types.MethodLog, ops, events)
	assert.True(t, res.Clean())
	assert.Empty(t, res.Issues)
	assert.Equal(t, int64(20), res.Lag.Max)
	require.Len(t, res.Lag.TopSamples, 3)
	assert.Equal(t, LagSample{OpCode: "u", PrimaryKey: "1", ExpectedTime: 10, ActualTime: 30, Lag: 20}, res.Lag.TopSamples[0])
	assert.Equal(t, int64(5), res.Lag.TopSamples[1].Lag)
}

func TestDiffMissingAndExtra(t *testing.T) {
	ops := []types.SourceOp{src(0, types.KindInsert, "1"), src(10, types.KindUpdate, "1"), src(20, types.KindDelete, "1")}
	events := []types.ChangeEvent{ev(1, "c", "1", 30), ev(2, "c", "1", 40), ev(3, "u", "2", 40)}

	res := DiffLane(types.MethodPolling, ops, events)
	assert.Equal(t, Totals{Missing: 2, Extra: 2}, res.Totals)

	kinds := map[IssueKind]int{}
	for _, is := range res.Issues {
		kinds[is.Kind]++
	}
	assert.Equal(t, map[IssueKind]int{IssueMissing: 2, IssueExtra: 2}, kinds)
	assert.Equal(t, types.MethodPolling, res.Method)
}

func TestDiffOrdering(t *testing.T) {
	ops := []types.SourceOp{src(0, types.KindInsert, "a"), src(1, types.KindInsert, "b"), src(2, types.KindInsert, "c")}
	events := []types.ChangeEvent{ev(1, "c", "c", 5), ev(2, "c", "a", 5), ev(3, "c", "b", 5)}

	res := DiffLane(types.MethodTrigger, ops, events)
	assert.Equal(t, Totals{Ordering: 2}, res.Totals)
	require.Len(t, res.Issues, 2)
	assert.Equal(t, "a", res.Issues[0].PrimaryKey)
	assert.Equal(t, 1, res.Issues[0].ActualIndex)
	assert.Equal(t, "b", res.Issues[1].PrimaryKey)
}

func TestDiffDropsMalformedEntries(t *testing.T) {
	ops := []types.SourceOp{
		src(0, types.KindInsert, "1"),
		src(0, types.KindInsert, ""),
		{LogicalTime: 0, Kind: "truncate", Table: "orders", PrimaryKey: "2"},
	}
	events := []types.ChangeEvent{ev(1, "c", "1", 0), ev(2, "x", "2", 0), ev(3, "c", "", 0)}

	res := DiffLane(types.MethodLog, ops, events)
	assert.True(t, res.Clean())
	assert.Equal(t, int64(0), res.Lag.Max)
}

func TestDiffEmptyInputs(t *testing.T) {
	res := DiffLane(types.MethodLog, nil, nil)
	assert.True(t, res.Clean())
	assert.NotNil(t, res.Issues)
	assert.Empty(t, res.Lag.TopSamples)
}

func TestDiffKeepsTopFiveByLag(t *testing.T) {
	var ops []types.SourceOp
	var events []types.ChangeEvent
	for i := 0; i < 8; i++ {
		pk := fmt.Sprint(i)
		ops = append(ops, src(0, types.KindInsert, pk))
		events = append(events, ev(int64(i+1), "c", pk, int64(i*10)))
	}
	res := DiffLane(types.MethodLog, ops, events)
	require.Len(t, res.Lag.TopSamples, TopLagSamples)
	assert.Equal(t, int64(70), res.Lag.Max)
	assert.Equal(t, int64(30), res.Lag.TopSamples[4].Lag)
}

func TestDiffIsIdempotent(t *testing.T) {
	ops := []types.SourceOp{src(0, types.KindInsert, "1"), src(5, types.KindInsert, "2"), src(9, types.KindDelete, "1")}
	events := []types.ChangeEvent{ev(1, "c", "2", 10), ev(2, "c", "1", 12), ev(3, "c", "3", 13)}
	first := DiffLane(types.MethodLog, ops, events)
	second := DiffLane(types.MethodLog, ops, events)
	assert.Equal(t, first, second)
}

func feed() []types.SourceOp {
	return []types.SourceOp{
		{LogicalTime: 0, Kind: types.KindInsert, Table: "orders", PrimaryKey: "1", AfterImage: map[string]any{"v": 1}},
		{LogicalTime: 40, Kind: types.KindInsert, Table: "orders", PrimaryKey: "2", AfterImage: map[string]any{"v": 1}},
		{LogicalTime: 80, Kind: types.KindUpdate, Table: "orders", PrimaryKey: "1", AfterImage: map[string]any{"v": 2}},
		{LogicalTime: 120, Kind: types.KindDelete, Table: "orders", PrimaryKey: "2"},
		{LogicalTime: 160, Kind: types.KindUpdate, Table: "orders", PrimaryKey: "1", AfterImage: map[string]any{"v": 3}},
		{LogicalTime: 200, Kind: types.KindDelete, Table: "orders", PrimaryKey: "1"},
		{LogicalTime: 240, Kind: types.KindDelete, Table: "orders", PrimaryKey: "9"},
	}
}

// drive applies every op due by each clock step and ticks the adapter.
func drive(a capture.Adapter, ops []types.SourceOp, until, step int64) []types.ChangeEvent {
	var out []types.ChangeEvent
	a.OnEvent(func(b []types.ChangeEvent) { out = append(out, b...) })
	next := 0
	for now := int64(0); now <= until; now += step {
		for next < len(ops) && ops[next].LogicalTime <= now {
			a.ApplySourceOp(ops[next])
			next++
		}
		a.Tick(now)
	}
	return out
}

func TestLogLaneIsLossless(t *testing.T) {
	ops := feed()
	events := drive(capture.NewLog(capture.LogOptions{FetchIntervalMs: 50}, nil, nil), ops, 1000, 10)

	deletes := 0
	for _, e := range events {
		if e.OpCode == types.OpDelete {
			deletes++
		}
	}
	assert.Equal(t, 3, deletes)
	assert.True(t, DiffLane(types.MethodLog, ops, events).Clean())

	round := DiffLane(types.MethodLog, ops, TailEvents(events))
	assert.Zero(t, round.Totals.Missing)
	back := DiffLane(types.MethodLog, OpsFromEvents(events), events)
	assert.True(t, back.Clean())
	assert.Zero(t, back.Lag.Max)
}

func TestPollingLaneLosesIntermediateStates(t *testing.T) {
	ops := feed()
	events := drive(capture.NewPolling(capture.PollingOptions{PollIntervalMs: 500}, nil, nil), ops, 1000, 10)
	res := DiffLane(types.MethodPolling, ops, events)
	assert.Empty(t, events, "everything is created and deleted before the first poll")
	assert.Equal(t, 7, res.Totals.Missing)
}

func TestTriggerLaneIsCompleteButSlower(t *testing.T) {
	ops := feed()
	events := drive(capture.NewTrigger(capture.TriggerOptions{ExtractIntervalMs: 100, TriggerOverheadMs: 15}, nil, nil), ops, 1000, 10)
	res := DiffLane(types.MethodTrigger, ops, events)
	assert.True(t, res.Clean())
	assert.Equal(t, int64(15), res.Lag.Max)
}

func TestTailEventsDropsSnapshotReads(t *testing.T) {
	in := []types.ChangeEvent{{PrimaryKey: "1", Snapshot: true}, {PrimaryKey: "2"}}
	out := TailEvents(in)
	require.Len(t, out, 1)
	assert.Equal(t, "2", out[0].PrimaryKey)
}
