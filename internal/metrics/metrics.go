package metrics

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/types"
)

// DefaultSampleCeiling bounds the lag sample window.
const DefaultSampleCeiling = 2000

// Snapshot is a point-in-time view of a lane's counters.
type Snapshot struct {
	Produced           int64   `json:"produced"`
	Consumed           int64   `json:"consumed"`
	Backlog            int64   `json:"backlog"`
	LagP50             float64 `json:"lagP50"`
	LagP95             float64 `json:"lagP95"`
	MissedDeletes      int64   `json:"missedDeletes"`
	WriteAmplification float64 `json:"writeAmplification"`
	SnapshotRows       int64   `json:"snapshotRows"`
	Errors             int64   `json:"errors"`
}

// LagFunc receives a copy of the current lag samples.
type LagFunc func(samples []int64)

// Aggregator owns the counters of exactly one lane.
type Aggregator struct {
	mu            sync.Mutex
	logger        *zap.Logger
	ceiling       int
	produced      int64
	consumed      int64
	backlog       int64
	samples       []int64
	missedDeletes int64
	extraWrites   int64
	sourceWrites  int64
	snapshotRows  int64
	errors        int64
	subs          []*lagSub
}

type lagSub struct {
	fn LagFunc
}

func New(ceiling int, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ceiling <= 0 {
		ceiling = DefaultSampleCeiling
	}
	return &Aggregator{logger: logger, ceiling: ceiling}
}

func (a *Aggregator) OnProduced(batch []types.ChangeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.produced += int64(len(batch))
	a.backlog += int64(len(batch))
}

// OnConsumed records a drained batch at nowMs and notifies lag subscribers.
func (a *Aggregator) OnConsumed(nowMs int64, batch []types.ChangeEvent) {
	a.mu.Lock()
	a.consumed += int64(len(batch))
	a.backlog -= int64(len(batch))
	if a.backlog < 0 {
		a.backlog = 0
	}
	for _, ev := range batch {
		lag := nowMs - ev.CommitTime
		if lag < 0 {
			lag = 0
		}
		a.samples = append(a.samples, lag)
	}
	if over := len(a.samples) - a.ceiling; over > 0 {
		a.samples = append(a.samples[:0:0], a.samples[over:]...)
	}
	samples := append([]int64(nil), a.samples...)
	subs := append([]*lagSub(nil), a.subs...)
	a.mu.Unlock()

	a.notify(subs, samples)
}

// OnLag registers fn and returns a handle that removes it.
func (a *Aggregator) OnLag(fn LagFunc) func() {
	sub := &lagSub{fn: fn}
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.subs {
			if s == sub {
				a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
				return
			}
		}
	}
}

func (a *Aggregator) notify(subs []*lagSub, samples []int64) {
	for _, s := range subs {
		a.deliver(s, append([]int64(nil), samples...))
	}
}

func (a *Aggregator) deliver(s *lagSub, samples []int64) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("Lag subscriber failed", zap.Any("panic", r))
		}
	}()
	s.fn(samples)
}

func (a *Aggregator) RecordMissedDelete(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.missedDeletes += int64(n)
}

// RecordWriteAmplification accumulates physical writes beyond the logical ones.
func (a *Aggregator) RecordWriteAmplification(extraWrites, sourceWrites int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extraWrites += int64(extraWrites)
	a.sourceWrites += int64(sourceWrites)
}

func (a *Aggregator) RecordSnapshotRows(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshotRows += int64(n)
}

func (a *Aggregator) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors++
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	sorted := append([]int64(nil), a.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	amp := 1.0
	if a.sourceWrites > 0 {
		amp = 1 + float64(a.extraWrites)/float64(a.sourceWrites)
	}
	return Snapshot{
		Produced:           a.produced,
		Consumed:           a.consumed,
		Backlog:            a.backlog,
		LagP50:             Percentile(sorted, 0.50),
		LagP95:             Percentile(sorted, 0.95),
		MissedDeletes:      a.missedDeletes,
		WriteAmplification: amp,
		SnapshotRows:       a.snapshotRows,
		Errors:             a.errors,
	}
}

// Reset zeroes every counter and notifies subscribers with an empty sample list.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.produced, a.consumed, a.backlog = 0, 0, 0
	a.samples = nil
	a.missedDeletes, a.extraWrites, a.sourceWrites = 0, 0, 0
	a.snapshotRows, a.errors = 0, 0
	subs := append([]*lagSub(nil), a.subs...)
	a.mu.Unlock()

	a.notify(subs, []int64{})
}

// Percentile linearly interpolates the p-th quantile of an ascending slice.
func Percentile(sorted []int64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 || p <= 0 {
		return float64(sorted[0])
	}
	if p >= 1 {
		return float64(sorted[n-1])
	}
	rank := p * float64(n-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= n {
		return float64(sorted[lo])
	}
	return float64(sorted[lo]) + frac*float64(sorted[lo+1]-sorted[lo])
}
