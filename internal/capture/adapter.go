package capture

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/metrics"
	"github.com/mehmetymw/cdclab/internal/types"
	"github.com/mehmetymw/cdclab/internal/util"
)

// minTime marks rows that were never mutated by the feed (seed rows).
const minTime = math.MinInt64

// EventFunc receives every batch an adapter emits, synchronously.
type EventFunc func(batch []types.ChangeEvent)

// Adapter is the contract shared by the three capture methods. ApplySourceOp never emits;
// only Tick and Snapshot do.
type Adapter interface {
	Method() types.Method
	Reset(seed int64)
	Seed(rows []types.SeedRow)
	ApplySourceOp(op types.SourceOp)
	Tick(nowMs int64)
	Snapshot(nowMs int64, tables []string) int
	OnEvent(fn EventFunc) (unsubscribe func())
}

type subscriber struct {
	fn EventFunc
}

// core holds the state every adapter has: mirror, schema versions, the emission
// sequence and the observer list.
type core struct {
	method   types.Method
	logger   *zap.Logger
	metrics  *metrics.Aggregator
	seed     int64
	sequence int64
	rows     *mirror
	schemas  map[string]int
	subs     []*subscriber
}

func newCore(method types.Method, agg *metrics.Aggregator, logger *zap.Logger) core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return core{
		method:  method,
		logger:  logger.With(zap.String("method", string(method))),
		metrics: agg,
		rows:    newMirror(),
		schemas: make(map[string]int),
	}
}

func (c *core) Method() types.Method { return c.method }

func (c *core) reset(seed int64) {
	c.seed = seed
	c.sequence = 0
	c.rows = newMirror()
	c.schemas = make(map[string]int)
}

func (c *core) OnEvent(fn EventFunc) func() {
	sub := &subscriber{fn: fn}
	c.subs = append(c.subs, sub)
	return func() {
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *core) Seed(rows []types.SeedRow) {
	for _, r := range rows {
		if r.Table == "" || r.PrimaryKey == "" {
			c.logger.Debug("Skipping seed row without table or primary key")
			continue
		}
		c.rows.seed(r)
	}
	c.logger.Debug("Seeded mirror", zap.Int("rows", len(rows)))
}

// schemaVersion returns the current schema version of table, starting at 1.
func (c *core) schemaVersion(table string) int {
	if v, ok := c.schemas[table]; ok {
		return v
	}
	return 1
}

func (c *core) bumpSchema(table string) int {
	v := c.schemaVersion(table) + 1
	c.schemas[table] = v
	return v
}

func (c *core) Snapshot(nowMs int64, tables []string) int {
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	var batch []types.ChangeEvent
	for _, k := range c.rows.keys() {
		if len(want) > 0 && !want[k.table] {
			continue
		}
		st := c.rows.get(k)
		if st.tombstoned {
			continue
		}
		batch = append(batch, types.ChangeEvent{
			Table:         k.table,
			OpCode:        types.OpCreate,
			PrimaryKey:    k.pk,
			AfterImage:    util.CloneImage(st.image),
			CommitTime:    nowMs,
			Transaction:   types.Transaction{ID: "snapshot"},
			Snapshot:      true,
			SchemaVersion: c.schemaVersion(k.table),
		})
	}
	c.logger.Info("Snapshot read", zap.Strings("tables", tables), zap.Int("rows", len(batch)))
	c.emit(nowMs, batch)
	return len(batch)
}

// emit stamps sequence numbers and delivers the batch to every subscriber.
func (c *core) emit(nowMs int64, batch []types.ChangeEvent) {
	if len(batch) == 0 {
		return
	}
	for i := range batch {
		c.sequence++
		batch[i].Sequence = c.sequence
		batch[i].EmittedAt = nowMs
		batch[i].ProducingMethod = c.method
	}
	c.logger.Debug("Emitting batch",
		zap.Int("events", len(batch)),
		zap.Int64("first_sequence", batch[0].Sequence),
		zap.Int64("now_ms", nowMs))
	subs := append([]*subscriber(nil), c.subs...)
	for _, s := range subs {
		s.fn(batch)
	}
}

// accept filters malformed source ops. Schema ops only need a table.
func (c *core) accept(op types.SourceOp) (types.OpCode, bool) {
	code, ok := types.OpCodeFor(op.Kind)
	if !ok {
		c.logger.Debug("Ignoring source op with unknown kind", zap.String("kind", string(op.Kind)))
		return "", false
	}
	if op.Table == "" || (code != types.OpSchema && op.PrimaryKey == "") {
		c.logger.Debug("Ignoring source op without table or primary key",
			zap.String("kind", string(op.Kind)),
			zap.String("table", op.Table))
		return "", false
	}
	return code, true
}

func (c *core) recordWrites(extra, source int) {
	if c.metrics != nil {
		c.metrics.RecordWriteAmplification(extra, source)
	}
}

func txFrom(d *types.TxDescriptor) types.Transaction {
	if d == nil {
		return types.Transaction{}
	}
	return types.Transaction{ID: d.ID, Position: d.Position, Total: d.Total, IsLast: d.IsLast}
}

func clampInterval(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

// sortByMutation orders keys by last mutation time, then table and primary key.
func sortByMutation(m *mirror, keys []rowKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := m.get(keys[i]), m.get(keys[j])
		if a.lastMutation != b.lastMutation {
			return a.lastMutation < b.lastMutation
		}
		return keys[i].less(keys[j])
	})
}
