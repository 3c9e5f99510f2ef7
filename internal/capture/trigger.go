package capture

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/metrics"
	"github.com/mehmetymw/cdclab/internal/types"
	"github.com/mehmetymw/cdclab/internal/util"
)

const (
	MinExtractIntervalMs     = 50
	DefaultExtractIntervalMs = 250
	DefaultTriggerOverheadMs = 5
	minTriggerOverheadMs     = 0
)

type TriggerOptions struct {
	ExtractIntervalMs int64
	TriggerOverheadMs int64
}

// auditRecord is one row of the audit table. Records are append-only.
type auditRecord struct {
	index      int64
	id         string
	op         types.OpCode
	table      string
	pk         string
	before     map[string]any
	after      map[string]any
	commitTime int64
	tx         types.Transaction
}

// Trigger models audit-table capture: a synchronous trigger writes one audit row per
// source write, and a periodic extractor drains the audit table.
type Trigger struct {
	core
	opts        TriggerOptions
	audit       []auditRecord
	offset      int
	lastExtract int64
}

func NewTrigger(opts TriggerOptions, agg *metrics.Aggregator, logger *zap.Logger) *Trigger {
	t := &Trigger{core: newCore(types.MethodTrigger, agg, logger)}
	t.Configure(opts)
	t.Reset(0)
	return t
}

func (t *Trigger) Configure(opts TriggerOptions) {
	opts.ExtractIntervalMs = clampInterval(opts.ExtractIntervalMs, MinExtractIntervalMs)
	opts.TriggerOverheadMs = clampInterval(opts.TriggerOverheadMs, minTriggerOverheadMs)
	t.opts = opts
}

func (t *Trigger) Options() TriggerOptions { return t.opts }

// Reset clears the audit table. Audit ids come from a process-wide random source and are
// not reproduced by reseeding.
func (t *Trigger) Reset(seed int64) {
	t.core.reset(seed)
	t.audit = nil
	t.offset = 0
	t.lastExtract = 0
}

// AuditLen is the number of audit rows written so far.
func (t *Trigger) AuditLen() int { return len(t.audit) }

func (t *Trigger) ApplySourceOp(op types.SourceOp) {
	code, ok := t.accept(op)
	if !ok {
		return
	}
	if code == types.OpSchema {
		// DDL does not fire row triggers.
		t.bumpSchema(op.Table)
		return
	}
	commit := op.LogicalTime + t.opts.TriggerOverheadMs
	before, _ := t.rows.apply(op, commit)

	var after map[string]any
	if st := t.rows.get(rowKey{op.Table, op.PrimaryKey}); st != nil && !st.tombstoned {
		after = util.CloneImage(st.image)
	}
	t.audit = append(t.audit, auditRecord{
		index:      int64(len(t.audit)) + 1,
		id:         uuid.NewString(),
		op:         code,
		table:      op.Table,
		pk:         op.PrimaryKey,
		before:     before,
		after:      after,
		commitTime: commit,
		tx:         txFrom(op.Transaction),
	})
	t.recordWrites(1, 1)
}

func (t *Trigger) Tick(nowMs int64) {
	if nowMs-t.lastExtract < t.opts.ExtractIntervalMs {
		return
	}
	pending := t.audit[t.offset:]
	batch := make([]types.ChangeEvent, 0, len(pending))
	for _, rec := range pending {
		batch = append(batch, types.ChangeEvent{
			Table:       rec.table,
			OpCode:      rec.op,
			PrimaryKey:  rec.pk,
			BeforeImage: util.CloneImage(rec.before),
			AfterImage:  util.CloneImage(rec.after),
			CommitTime:  rec.commitTime,
			Transaction: rec.tx,
			AuditID:     rec.id,
		})
	}
	t.logger.Debug("Audit extraction",
		zap.Int64("now_ms", nowMs),
		zap.Int("offset", t.offset),
		zap.Int("records", len(batch)))
	t.offset = len(t.audit)
	t.lastExtract = nowMs
	t.emit(nowMs, batch)
}
