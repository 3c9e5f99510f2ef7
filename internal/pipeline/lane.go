package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/bus"
	"github.com/mehmetymw/cdclab/internal/capture"
	"github.com/mehmetymw/cdclab/internal/lifecycle"
	"github.com/mehmetymw/cdclab/internal/metrics"
	"github.com/mehmetymw/cdclab/internal/types"
	"github.com/mehmetymw/cdclab/internal/util"
	"github.com/mehmetymw/cdclab/internal/verify"
)

// Lane is one capture method under test: its adapter, controller and metrics, plus the
// downstream consumer that drains the bus into a materialized copy of the tables.
type Lane struct {
	Method     types.Method
	Adapter    capture.Adapter
	Controller *lifecycle.Controller
	Metrics    *metrics.Aggregator

	bus         *bus.Bus
	batchSize   int
	applyPaused bool
	delivered   []types.ChangeEvent
	tables      map[string]map[string]map[string]any
	lastOffset  int64
	logger      *zap.Logger
}

// NewLane wires an adapter built around agg to its own controller on b.
func NewLane(adapter capture.Adapter, agg *metrics.Aggregator, b *bus.Bus, batchSize int, snapshotDelayMs int64, logger *zap.Logger) *Lane {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	method := adapter.Method()
	ctl := lifecycle.New(adapter, b, agg, lifecycle.Options{
		Topic:           string(method),
		SnapshotDelayMs: snapshotDelayMs,
	}, logger)
	return &Lane{
		Method:     method,
		Adapter:    adapter,
		Controller: ctl,
		Metrics:    agg,
		bus:        b,
		batchSize:  batchSize,
		tables:     make(map[string]map[string]map[string]any),
		logger:     logger.With(zap.String("lane", string(method))),
	}
}

// SetApplyPaused stops or restarts draining the bus. Capture keeps producing while
// paused, so the backlog grows.
func (l *Lane) SetApplyPaused(paused bool) {
	if l.applyPaused != paused {
		l.logger.Info("Apply pause changed", zap.Bool("paused", paused))
	}
	l.applyPaused = paused
}

func (l *Lane) ApplyPaused() bool { return l.applyPaused }

func (l *Lane) Backlog() int { return l.bus.Size(l.Controller.Topic()) }

// Delivered returns a copy of every event the consumer has applied so far.
func (l *Lane) Delivered() []types.ChangeEvent {
	return append([]types.ChangeEvent(nil), l.delivered...)
}

func (l *Lane) LastOffset() int64 { return l.lastOffset }

// drain consumes one bounded batch at nowMs and applies it downstream.
func (l *Lane) drain(ctx context.Context, nowMs int64, sinks []types.Sink, saver OffsetSaver) int {
	if l.applyPaused {
		return 0
	}
	batch := l.bus.Consume(l.Controller.Topic(), l.batchSize)
	if len(batch) == 0 {
		return 0
	}
	l.Metrics.OnConsumed(nowMs, batch)
	for _, ev := range batch {
		l.apply(ev)
	}
	l.delivered = append(l.delivered, batch...)
	l.lastOffset = batch[len(batch)-1].Offset

	for _, s := range sinks {
		if err := s.Publish(ctx, batch); err != nil {
			l.logger.Error("Failed to publish batch", zap.Error(err), zap.Int("events", len(batch)))
			l.Metrics.RecordError()
		}
	}
	if saver != nil {
		if err := saver.SaveOffset(string(l.Method), l.lastOffset); err != nil {
			l.logger.Error("Failed to save offset", zap.Error(err))
			l.Metrics.RecordError()
		}
	}
	l.logger.Debug("Applied batch",
		zap.Int("events", len(batch)),
		zap.Int64("last_offset", l.lastOffset),
		zap.Int64("now_ms", nowMs))
	return len(batch)
}

func (l *Lane) apply(ev types.ChangeEvent) {
	rows := l.tables[ev.Table]
	if rows == nil {
		rows = make(map[string]map[string]any)
		l.tables[ev.Table] = rows
	}
	switch ev.OpCode {
	case types.OpCreate:
		rows[ev.PrimaryKey] = util.CloneImage(ev.AfterImage)
	case types.OpUpdate:
		rows[ev.PrimaryKey] = util.MergeImage(rows[ev.PrimaryKey], ev.AfterImage)
	case types.OpDelete:
		delete(rows, ev.PrimaryKey)
	}
}

// Mirror returns the materialized image of table as the consumer sees it.
func (l *Lane) Mirror(table string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(l.tables[table]))
	for pk, img := range l.tables[table] {
		out[pk] = util.CloneImage(img)
	}
	return out
}

// Report is the per-lane summary of a run.
type Report struct {
	Method  types.Method          `json:"method"`
	State   string                `json:"state"`
	Metrics metrics.Snapshot      `json:"metrics"`
	Diff    verify.LaneDiffResult `json:"diff"`
}

// Report diffs the tail events delivered so far against ops.
func (l *Lane) Report(ops []types.SourceOp) Report {
	return Report{
		Method:  l.Method,
		State:   l.Controller.State().String(),
		Metrics: l.Metrics.Snapshot(),
		Diff:    verify.DiffLane(l.Method, ops, verify.TailEvents(l.delivered)),
	}
}

func (l *Lane) reset(seed int64) {
	l.Controller.Stop()
	l.Adapter.Reset(seed)
	l.delivered = nil
	l.tables = make(map[string]map[string]map[string]any)
	l.lastOffset = 0
	l.applyPaused = false
}
