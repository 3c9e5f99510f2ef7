// Package verify reconciles the events a lane produced against the source feed.
//
// Both sides are normalized to (op code, primary key) entries and paired per key in
// arrival order. Leftover expected entries are missing, leftover actual entries are
// extra, and a pair whose logical position is behind one already delivered is an
// ordering issue. The same algorithm runs unchanged for every capture method.
package verify

import (
	"sort"

	"github.com/mehmetymw/cdclab/internal/types"
)

// TopLagSamples is how many of the slowest matches a result keeps.
const TopLagSamples = 5

type IssueKind string

const (
	IssueMissing  IssueKind = "missing"
	IssueExtra    IssueKind = "extra"
	IssueOrdering IssueKind = "ordering"
)

type Issue struct {
	Kind          IssueKind    `json:"kind"`
	OpCode        types.OpCode `json:"op"`
	PrimaryKey    string       `json:"primaryKey"`
	ExpectedIndex int          `json:"expectedIndex"`
	ActualIndex   int          `json:"actualIndex"`
	ExpectedTime  int64        `json:"expectedTime"`
	ActualTime    int64        `json:"actualTime"`
}

type Totals struct {
	Missing  int `json:"missing"`
	Extra    int `json:"extra"`
	Ordering int `json:"ordering"`
}

type LagSample struct {
	OpCode       types.OpCode `json:"op"`
	PrimaryKey   string       `json:"primaryKey"`
	ExpectedTime int64        `json:"expectedTime"`
	ActualTime   int64        `json:"actualTime"`
	Lag          int64        `json:"lag"`
}

type LagStats struct {
	Max        int64       `json:"max"`
	TopSamples []LagSample `json:"topSamples"`
}

type LaneDiffResult struct {
	Method types.Method `json:"method"`
	Totals Totals       `json:"totals"`
	Issues []Issue      `json:"issues"`
	Lag    LagStats     `json:"lag"`
}

// Clean reports whether the lane reproduced the feed exactly.
func (r LaneDiffResult) Clean() bool {
	return r.Totals == Totals{}
}

type entry struct {
	key   string
	op    types.OpCode
	pk    string
	index int
	time  int64
}

type match struct {
	expected entry
	actual   entry
	lag      int64
}

func normalizeOps(ops []types.SourceOp) []entry {
	out := make([]entry, 0, len(ops))
	for i, op := range ops {
		code, ok := types.OpCodeFor(op.Kind)
		if !ok || op.PrimaryKey == "" {
			continue
		}
		out = append(out, entry{key: string(code) + "::" + op.PrimaryKey, op: code, pk: op.PrimaryKey, index: i, time: op.LogicalTime})
	}
	return out
}

func normalizeEvents(events []types.ChangeEvent) []entry {
	out := make([]entry, 0, len(events))
	for i, ev := range events {
		if !ev.OpCode.Valid() || ev.PrimaryKey == "" {
			continue
		}
		out = append(out, entry{key: string(ev.OpCode) + "::" + ev.PrimaryKey, op: ev.OpCode, pk: ev.PrimaryKey, index: i, time: ev.CommitTime})
	}
	return out
}

// bucket groups entries by key, keeping arrival order within a bucket, and returns the
// keys in first-seen order.
func bucket(entries []entry) (map[string][]entry, []string) {
	m := make(map[string][]entry)
	var order []string
	for _, e := range entries {
		if _, ok := m[e.key]; !ok {
			order = append(order, e.key)
		}
		m[e.key] = append(m[e.key], e)
	}
	return m, order
}

// DiffLane compares a lane's events with the source feed. It is a pure function of its
// inputs.
func DiffLane(method types.Method, ops []types.SourceOp, events []types.ChangeEvent) LaneDiffResult {
	expected, expOrder := bucket(normalizeOps(ops))
	actual, actOrder := bucket(normalizeEvents(events))

	keys := append([]string(nil), expOrder...)
	for _, k := range actOrder {
		if _, ok := expected[k]; !ok {
			keys = append(keys, k)
		}
	}

	res := LaneDiffResult{Method: method, Issues: []Issue{}, Lag: LagStats{TopSamples: []LagSample{}}}
	var matches []match
	for _, k := range keys {
		exp, act := expected[k], actual[k]
		n := min(len(exp), len(act))
		for i := 0; i < n; i++ {
			lag := act[i].time - exp[i].time
			if lag < 0 {
				lag = 0
			}
			matches = append(matches, match{expected: exp[i], actual: act[i], lag: lag})
		}
		for _, e := range exp[n:] {
			res.Totals.Missing++
			res.Issues = append(res.Issues, Issue{
				Kind: IssueMissing, OpCode: e.op, PrimaryKey: e.pk,
				ExpectedIndex: e.index, ActualIndex: -1, ExpectedTime: e.time,
			})
		}
		for _, a := range act[n:] {
			res.Totals.Extra++
			res.Issues = append(res.Issues, Issue{
				Kind: IssueExtra, OpCode: a.op, PrimaryKey: a.pk,
				ExpectedIndex: -1, ActualIndex: a.index, ActualTime: a.time,
			})
		}
	}

	byArrival := append([]match(nil), matches...)
	sort.SliceStable(byArrival, func(i, j int) bool { return byArrival[i].actual.index < byArrival[j].actual.index })
	highest := -1
	for _, m := range byArrival {
		if m.expected.index < highest {
			res.Totals.Ordering++
			res.Issues = append(res.Issues, Issue{
				Kind: IssueOrdering, OpCode: m.expected.op, PrimaryKey: m.expected.pk,
				ExpectedIndex: m.expected.index, ActualIndex: m.actual.index,
				ExpectedTime: m.expected.time, ActualTime: m.actual.time,
			})
			continue
		}
		highest = m.expected.index
	}

	byLag := append([]match(nil), byArrival...)
	sort.SliceStable(byLag, func(i, j int) bool { return byLag[i].lag > byLag[j].lag })
	if len(byLag) > 0 {
		res.Lag.Max = byLag[0].lag
	}
	for _, m := range byLag[:min(TopLagSamples, len(byLag))] {
		res.Lag.TopSamples = append(res.Lag.TopSamples, LagSample{
			OpCode: m.expected.op, PrimaryKey: m.expected.pk,
			ExpectedTime: m.expected.time, ActualTime: m.actual.time, Lag: m.lag,
		})
	}
	return res
}

// TailEvents drops snapshot reads, which have no counterpart in the source feed.
func TailEvents(events []types.ChangeEvent) []types.ChangeEvent {
	out := make([]types.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Snapshot {
			out = append(out, ev)
		}
	}
	return out
}

// OpsFromEvents turns emitted events back into source ops, for round-trip checks.
func OpsFromEvents(events []types.ChangeEvent) []types.SourceOp {
	kinds := map[types.OpCode]types.Kind{
		types.OpCreate: types.KindInsert,
		types.OpUpdate: types.KindUpdate,
		types.OpDelete: types.KindDelete,
		types.OpSchema: types.KindSchema,
	}
	out := make([]types.SourceOp, 0, len(events))
	for _, ev := range events {
		k, ok := kinds[ev.OpCode]
		if !ok {
			continue
		}
		out = append(out, types.SourceOp{
			LogicalTime: ev.CommitTime,
			Kind:        k,
			Table:       ev.Table,
			PrimaryKey:  ev.PrimaryKey,
			AfterImage:  ev.AfterImage,
		})
	}
	return out
}
