package lifecycle

import (
	"sort"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/bus"
	"github.com/mehmetymw/cdclab/internal/capture"
	"github.com/mehmetymw/cdclab/internal/metrics"
	"github.com/mehmetymw/cdclab/internal/types"
)

type State int

const (
	Idle State = iota
	Snapshotting
	Tailing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Snapshotting:
		return "SNAPSHOTTING"
	case Tailing:
		return "TAILING"
	case Paused:
		return "PAUSED"
	}
	return "UNKNOWN"
}

type Options struct {
	Topic string
	// SnapshotDelayMs is how long after StartSnapshot the controller switches to tailing.
	SnapshotDelayMs int64
}

type timer struct {
	at int64
	fn func()
}

// Controller sequences the snapshot and tail phases of one adapter and routes its output
// to the bus. It is driven by the caller's logical clock and never blocks.
type Controller struct {
	adapter capture.Adapter
	bus     *bus.Bus
	metrics *metrics.Aggregator
	opts    Options
	logger  *zap.Logger

	state  State
	unsub  func()
	timers []timer
}

func New(adapter capture.Adapter, b *bus.Bus, agg *metrics.Aggregator, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Topic == "" {
		opts.Topic = string(adapter.Method())
	}
	if opts.SnapshotDelayMs < 0 {
		opts.SnapshotDelayMs = 0
	}
	return &Controller{
		adapter: adapter,
		bus:     b,
		metrics: agg,
		opts:    opts,
		logger:  logger.With(zap.String("topic", opts.Topic)),
	}
}

func (c *Controller) State() State  { return c.state }
func (c *Controller) Topic() string { return c.opts.Topic }

// StartSnapshot reads every existing row of tables (all tables when empty) and schedules
// the switch to tailing. It only applies from IDLE.
func (c *Controller) StartSnapshot(nowMs int64, tables []string) bool {
	if c.state != Idle {
		c.logger.Debug("Ignoring snapshot request", zap.Stringer("state", c.state))
		return false
	}
	c.transition(Snapshotting)
	c.route()
	n := c.adapter.Snapshot(nowMs, tables)
	c.metrics.RecordSnapshotRows(n)
	c.schedule(nowMs+c.opts.SnapshotDelayMs, func() {
		if c.state == Snapshotting {
			c.StartTailing()
		}
	})
	return true
}

// StartTailing applies from every state except TAILING.
func (c *Controller) StartTailing() bool {
	if c.state == Tailing {
		return false
	}
	c.transition(Tailing)
	c.route()
	return true
}

func (c *Controller) Pause() bool {
	if c.state != Tailing {
		return false
	}
	c.transition(Paused)
	return true
}

func (c *Controller) Resume() bool {
	if c.state != Paused {
		return false
	}
	c.transition(Tailing)
	return true
}

// Stop returns to IDLE from any state, cancels timers, clears the topic and resets
// metrics. Calling it repeatedly is safe.
func (c *Controller) Stop() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.timers = nil
	c.bus.Reset(c.opts.Topic)
	c.metrics.Reset()
	if c.state != Idle {
		c.transition(Idle)
	}
}

// ApplySourceOp forwards a source write to the adapter regardless of state: the source
// keeps writing whether or not capture is running.
func (c *Controller) ApplySourceOp(op types.SourceOp) {
	c.adapter.ApplySourceOp(op)
}

// Tick fires due timers, then lets the adapter catch up when tailing.
func (c *Controller) Tick(nowMs int64) {
	c.fireTimers(nowMs)
	if c.state == Tailing {
		c.adapter.Tick(nowMs)
	}
}

func (c *Controller) route() {
	if c.unsub != nil {
		return
	}
	c.unsub = c.adapter.OnEvent(func(batch []types.ChangeEvent) {
		published := c.bus.Publish(c.opts.Topic, batch)
		c.metrics.OnProduced(published)
	})
}

func (c *Controller) schedule(at int64, fn func()) {
	c.timers = append(c.timers, timer{at: at, fn: fn})
	sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at < c.timers[j].at })
}

func (c *Controller) fireTimers(nowMs int64) {
	for len(c.timers) > 0 && c.timers[0].at <= nowMs {
		t := c.timers[0]
		c.timers = c.timers[1:]
		t.fn()
	}
}

func (c *Controller) transition(to State) {
	c.logger.Info("Lifecycle transition",
		zap.String("method", string(c.adapter.Method())),
		zap.Stringer("from", c.state),
		zap.Stringer("to", to))
	c.state = to
}
