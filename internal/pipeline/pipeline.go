package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/bus"
	"github.com/mehmetymw/cdclab/internal/capture"
	"github.com/mehmetymw/cdclab/internal/config"
	"github.com/mehmetymw/cdclab/internal/metrics"
	"github.com/mehmetymw/cdclab/internal/types"
)

type OffsetSaver interface {
	SaveOffset(lane string, offset int64) error
}

func NewFileOffsetSaver(dir string, logger *zap.Logger) (*fileOffsetSaver, error) {
	logger.Debug("Creating file offset saver", zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("offset store: %w", err)
	}
	return &fileOffsetSaver{path: dir, logger: logger}, nil
}

type fileOffsetSaver struct {
	path   string
	logger *zap.Logger
}

func (f *fileOffsetSaver) SaveOffset(lane string, offset int64) error {
	p := filepath.Join(f.path, lane+".offset")
	f.logger.Debug("Saving offset to file",
		zap.String("path", p),
		zap.Int64("offset", offset))
	return os.WriteFile(p, []byte(strconv.FormatInt(offset, 10)), 0o644)
}

// Pipeline drives every lane from one logical clock: each step applies the source ops
// that are due, ticks every lane, then lets each consumer drain one batch.
type Pipeline struct {
	lanes    []*Lane
	scenario config.Scenario
	stepMs   int64
	sinks    []types.Sink
	saver    OffsetSaver
	logger   *zap.Logger

	mu      sync.Mutex
	now     int64
	applied int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithSinks(sinks ...types.Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

func WithOffsetSaver(s OffsetSaver) Option {
	return func(p *Pipeline) { p.saver = s }
}

func NewPipeline(lanes []*Lane, scenario config.Scenario, batching config.Batching, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	step := batching.StepMs
	if step <= 0 {
		step = 10
	}
	scenario.Ops = sortedOps(scenario.Ops)
	p := &Pipeline{lanes: lanes, scenario: scenario, stepMs: step, logger: logger}
	for _, o := range opts {
		o(p)
	}
	logger.Info("Creating new pipeline",
		zap.Int("lanes", len(lanes)),
		zap.Int("ops", len(scenario.Ops)),
		zap.Int("seed_rows", len(scenario.SeedRows)),
		zap.Int64("duration_ms", scenario.DurationMs),
		zap.Int64("step_ms", step))
	return p
}

// BuildLanes creates one lane per enabled method, each with its own aggregator.
func BuildLanes(cfg config.Config, b *bus.Bus, logger *zap.Logger) []*Lane {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lanes []*Lane
	add := func(build func(*metrics.Aggregator) capture.Adapter) {
		agg := metrics.New(metrics.DefaultSampleCeiling, logger)
		lanes = append(lanes, NewLane(build(agg), agg, b, cfg.Batching.BatchSize, cfg.Scenario.SnapshotDelayMs, logger))
	}
	if cfg.Lanes.Polling.Enabled {
		add(func(agg *metrics.Aggregator) capture.Adapter {
			return capture.NewPolling(cfg.Lanes.Polling.Options(), agg, logger)
		})
	}
	if cfg.Lanes.Trigger.Enabled {
		add(func(agg *metrics.Aggregator) capture.Adapter {
			return capture.NewTrigger(cfg.Lanes.Trigger.Options(), agg, logger)
		})
	}
	if cfg.Lanes.Log.Enabled {
		add(func(agg *metrics.Aggregator) capture.Adapter {
			return capture.NewLog(cfg.Lanes.Log.Options(), agg, logger)
		})
	}
	return lanes
}

func (p *Pipeline) Lanes() []*Lane { return p.lanes }

func (p *Pipeline) Lane(m types.Method) *Lane {
	for _, l := range p.lanes {
		if l.Method == m {
			return l
		}
	}
	return nil
}

// Start resets every lane, seeds it and begins the snapshot phase at time zero.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = 0
	p.applied = 0
	for _, l := range p.lanes {
		l.reset(p.scenario.Seed)
		l.Adapter.Seed(p.scenario.SeedRows)
		l.Controller.StartSnapshot(0, p.scenario.Tables)
	}
	p.logger.Info("Pipeline started", zap.Int64("seed", p.scenario.Seed))
}

// Step advances the clock to nowMs.
func (p *Pipeline) Step(ctx context.Context, nowMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = nowMs
	ops := p.scenario.Ops
	for p.applied < len(ops) && ops[p.applied].LogicalTime <= nowMs {
		for _, l := range p.lanes {
			l.Controller.ApplySourceOp(ops[p.applied])
		}
		p.applied++
	}
	for _, l := range p.lanes {
		l.Controller.Tick(nowMs)
	}
	for _, l := range p.lanes {
		l.drain(ctx, nowMs, p.sinks, p.saver)
	}
}

// Run plays the whole scenario, then keeps the clock going until every lane has had a
// chance to catch up and its backlog is empty.
func (p *Pipeline) Run(ctx context.Context) error {
	p.Start()
	end := max(p.scenario.DurationMs, p.lastOpMs()) + p.settleMs()
	now := int64(0)
	for ; now <= end; now += p.stepMs {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("Pipeline canceled", zap.Int64("now_ms", now))
			return err
		}
		p.Step(ctx, now)
	}
	for p.backlog() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Step(ctx, now)
		now += p.stepMs
	}
	p.logger.Info("Pipeline finished", zap.Int64("now_ms", now-p.stepMs))
	return nil
}

func (p *Pipeline) lastOpMs() int64 {
	if n := len(p.scenario.Ops); n > 0 {
		return p.scenario.Ops[n-1].LogicalTime
	}
	return 0
}

// sortedOps returns a copy of ops in logical time order. Ops sharing a time keep their
// feed order.
func sortedOps(ops []types.SourceOp) []types.SourceOp {
	out := append([]types.SourceOp(nil), ops...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LogicalTime < out[j].LogicalTime })
	return out
}

// settleMs is the extra simulated time for the slowest enabled adapter to fire and for
// the snapshot phase to end.
func (p *Pipeline) settleMs() int64 {
	var slowest int64
	for _, l := range p.lanes {
		var iv int64
		switch a := l.Adapter.(type) {
		case *capture.Polling:
			iv = a.Options().PollIntervalMs
		case *capture.Trigger:
			iv = a.Options().ExtractIntervalMs
		case *capture.Log:
			iv = a.Options().FetchIntervalMs
		}
		if iv > slowest {
			slowest = iv
		}
	}
	return p.scenario.SnapshotDelayMs + slowest + p.stepMs
}

func (p *Pipeline) backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, l := range p.lanes {
		if !l.ApplyPaused() {
			n += l.Backlog()
		}
	}
	return n
}

// Reports summarizes every lane against the scenario feed.
func (p *Pipeline) Reports() []Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Report, 0, len(p.lanes))
	for _, l := range p.lanes {
		out = append(out, l.Report(p.scenario.Ops))
	}
	return out
}

type LaneStatus struct {
	Method  types.Method     `json:"method"`
	State   string           `json:"state"`
	Backlog int              `json:"backlog"`
	Offset  int64            `json:"lastOffset"`
	Metrics metrics.Snapshot `json:"metrics"`
}

type Status struct {
	NowMs int64        `json:"nowMs"`
	Lanes []LaneStatus `json:"lanes"`
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{NowMs: p.now}
	for _, l := range p.lanes {
		st.Lanes = append(st.Lanes, LaneStatus{
			Method:  l.Method,
			State:   l.Controller.State().String(),
			Backlog: l.Backlog(),
			Offset:  l.LastOffset(),
			Metrics: l.Metrics.Snapshot(),
		})
	}
	return st
}

func (p *Pipeline) Close() error {
	p.logger.Info("Closing pipeline")
	var first error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
