package types

import "context"

// Kind is the mutation kind of a source operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindSchema Kind = "schema"
)

// OpCode is the normalized event vocabulary shared by every capture method.
type OpCode string

const (
	OpCreate OpCode = "c"
	OpUpdate OpCode = "u"
	OpDelete OpCode = "d"
	OpSchema OpCode = "s"
)

// Method names a capture strategy.
type Method string

const (
	MethodPolling Method = "polling"
	MethodTrigger Method = "trigger"
	MethodLog     Method = "log"
)

// OpCodeFor maps a source kind to its event op code. ok is false for unmapped kinds.
func OpCodeFor(k Kind) (OpCode, bool) {
	switch k {
	case KindInsert:
		return OpCreate, true
	case KindUpdate:
		return OpUpdate, true
	case KindDelete:
		return OpDelete, true
	case KindSchema:
		return OpSchema, true
	}
	return "", false
}

// Valid reports whether c belongs to the envelope vocabulary.
func (c OpCode) Valid() bool {
	switch c {
	case OpCreate, OpUpdate, OpDelete, OpSchema:
		return true
	}
	return false
}

// TxDescriptor groups the members of a multi-row commit.
type TxDescriptor struct {
	ID       string `json:"id" yaml:"id"`
	Position int    `json:"position" yaml:"position"`
	Total    int    `json:"total" yaml:"total"`
	IsLast   bool   `json:"isLast" yaml:"is_last"`
}

// SourceOp is one ground-truth mutation. Its position in the feed is its logical order.
type SourceOp struct {
	LogicalTime int64          `json:"logicalTime" yaml:"time"`
	Kind        Kind           `json:"kind" yaml:"kind"`
	Table       string         `json:"table" yaml:"table"`
	PrimaryKey  string         `json:"primaryKey" yaml:"pk"`
	AfterImage  map[string]any `json:"afterImage,omitempty" yaml:"after"`
	Transaction *TxDescriptor  `json:"transaction,omitempty" yaml:"tx"`
}

// SeedRow is a row that already exists before capture starts.
type SeedRow struct {
	Table      string         `json:"table" yaml:"table"`
	PrimaryKey string         `json:"primaryKey" yaml:"pk"`
	Image      map[string]any `json:"image" yaml:"image"`
}

// Transaction is the transaction block of the envelope.
type Transaction struct {
	ID                string `json:"id"`
	LogSequenceNumber string `json:"logSequenceNumber,omitempty"`
	Position          int    `json:"position,omitempty"`
	Total             int    `json:"total,omitempty"`
	IsLast            bool   `json:"isLast,omitempty"`
}

// ChangeEvent is the envelope emitted by every capture adapter. Field names are stable so
// downstream consumers can parse it without method-specific knowledge.
type ChangeEvent struct {
	Sequence        int64          `json:"sequence"`
	Offset          int64          `json:"offset,omitempty"`
	Table           string         `json:"table"`
	OpCode          OpCode         `json:"op"`
	PrimaryKey      string         `json:"primaryKey"`
	BeforeImage     map[string]any `json:"before"`
	AfterImage      map[string]any `json:"after"`
	CommitTime      int64          `json:"commitTime"`
	EmittedAt       int64          `json:"emittedAt"`
	Transaction     Transaction    `json:"transaction"`
	ProducingMethod Method         `json:"method"`
	Snapshot        bool           `json:"snapshot,omitempty"`
	SchemaVersion   int            `json:"schemaVersion,omitempty"`
	AuditID         string         `json:"auditId,omitempty"`
}

// Sink receives batches of consumed events.
type Sink interface {
	Publish(ctx context.Context, events []ChangeEvent) error
	Close() error
}
