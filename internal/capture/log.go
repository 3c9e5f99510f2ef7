package capture

import (
	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/metrics"
	"github.com/mehmetymw/cdclab/internal/types"
	"github.com/mehmetymw/cdclab/internal/util"
)

const (
	MinFetchIntervalMs     = 10
	DefaultFetchIntervalMs = 100

	// walRecordSize is the LSN distance between two consecutive records.
	walRecordSize = 0x40
)

type LogOptions struct {
	FetchIntervalMs int64
	// StartLSN is the position of the first WAL record, as on a replication slot.
	StartLSN pglogrepl.LSN
}

type walRecord struct {
	lsn        pglogrepl.LSN
	op         types.OpCode
	table      string
	pk         string
	before     map[string]any
	after      map[string]any
	commitTime int64
	tx         types.Transaction
	schema     int
}

// Log models WAL tailing: every applied write is appended to the log at source time and
// the tailer streams records in LSN order.
type Log struct {
	core
	opts        LogOptions
	wal         []walRecord
	nextLSN     pglogrepl.LSN
	lastEmitted pglogrepl.LSN
	emittedAny  bool
	lastFetch   int64
}

func NewLog(opts LogOptions, agg *metrics.Aggregator, logger *zap.Logger) *Log {
	l := &Log{core: newCore(types.MethodLog, agg, logger)}
	l.Configure(opts)
	l.Reset(0)
	return l
}

func (l *Log) Configure(opts LogOptions) {
	opts.FetchIntervalMs = clampInterval(opts.FetchIntervalMs, MinFetchIntervalMs)
	l.opts = opts
}

func (l *Log) Options() LogOptions { return l.opts }

func (l *Log) Reset(seed int64) {
	l.core.reset(seed)
	l.wal = nil
	l.nextLSN = l.opts.StartLSN
	l.lastEmitted = 0
	l.emittedAny = false
	l.lastFetch = 0
}

// WALLen is the number of records appended so far.
func (l *Log) WALLen() int { return len(l.wal) }

func (l *Log) ApplySourceOp(op types.SourceOp) {
	code, ok := l.accept(op)
	if !ok {
		return
	}
	rec := walRecord{
		op:         code,
		table:      op.Table,
		pk:         op.PrimaryKey,
		commitTime: op.LogicalTime,
		tx:         txFrom(op.Transaction),
	}
	k := rowKey{op.Table, op.PrimaryKey}
	switch code {
	case types.OpSchema:
		rec.schema = l.bumpSchema(op.Table)
		rec.after = map[string]any{"schemaVersion": rec.schema}
	case types.OpDelete:
		rec.before, _ = l.rows.remove(k)
	default:
		rec.before, _ = l.rows.apply(op, op.LogicalTime)
		if st := l.rows.get(k); st != nil {
			rec.after = util.CloneImage(st.image)
		}
		rec.schema = l.schemaVersion(op.Table)
	}
	if code != types.OpSchema {
		l.recordWrites(0, 1)
	}
	rec.lsn = l.nextLSN
	l.nextLSN += walRecordSize
	l.wal = append(l.wal, rec)
}

func (l *Log) Tick(nowMs int64) {
	if nowMs-l.lastFetch < l.opts.FetchIntervalMs {
		return
	}
	var batch []types.ChangeEvent
	for _, rec := range l.wal {
		if l.emittedAny && rec.lsn <= l.lastEmitted {
			continue
		}
		tx := rec.tx
		tx.LogSequenceNumber = rec.lsn.String()
		ev := types.ChangeEvent{
			Table:         rec.table,
			OpCode:        rec.op,
			PrimaryKey:    rec.pk,
			BeforeImage:   util.CloneImage(rec.before),
			AfterImage:    util.CloneImage(rec.after),
			CommitTime:    rec.commitTime,
			Transaction:   tx,
			SchemaVersion: rec.schema,
		}
		batch = append(batch, ev)
		l.lastEmitted = rec.lsn
		l.emittedAny = true
	}
	l.logger.Debug("WAL fetch",
		zap.Int64("now_ms", nowMs),
		zap.Int("records", len(batch)),
		zap.String("flushed_lsn", l.lastEmitted.String()))
	l.lastFetch = nowMs
	l.emit(nowMs, batch)
}
