package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdclab/internal/types"
)

func batch(pks ...string) []types.ChangeEvent {
	out := make([]types.ChangeEvent, len(pks))
	for i, pk := range pks {
		out[i] = types.ChangeEvent{PrimaryKey: pk, OpCode: types.OpCreate}
	}
	return out
}

func TestPublishAssignsOffsets(t *testing.T) {
	b := New(nil)
	first := b.Publish("log", batch("a", "b"))
	second := b.Publish("log", batch("c"))
	other := b.Publish("polling", batch("x"))

	assert.Equal(t, int64(1), first[0].Offset)
	assert.Equal(t, int64(2), first[1].Offset)
	assert.Equal(t, int64(3), second[0].Offset)
	assert.Equal(t, int64(1), other[0].Offset, "offsets are per topic")
	assert.Equal(t, 3, b.Size("log"))
}

func TestPublishDoesNotMutateInput(t *testing.T) {
	b := New(nil)
	in := batch("a")
	b.Publish("t", in)
	assert.Zero(t, in[0].Offset)
}

func TestConsumeIsDestructiveFIFO(t *testing.T) {
	b := New(nil)
	b.Publish("t", batch("a", "b", "c"))

	got := b.Consume("t", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].PrimaryKey)
	assert.Equal(t, "b", got[1].PrimaryKey)
	assert.Equal(t, 1, b.Size("t"))

	got = b.Consume("t", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].PrimaryKey)
	assert.Empty(t, b.Consume("t", 10))
	assert.Empty(t, b.Consume("missing", 10))
	assert.Empty(t, b.Consume("t", 0))
}

func TestReset(t *testing.T) {
	b := New(nil)
	b.Publish("a", batch("1"))
	b.Publish("b", batch("1"))

	b.Reset("a")
	assert.Equal(t, 0, b.Size("a"))
	assert.Equal(t, 1, b.Size("b"))
	assert.Equal(t, int64(1), b.Publish("a", batch("2"))[0].Offset, "offset counter restarts")

	b.Reset()
	assert.Equal(t, 0, b.Size("b"))
	assert.Equal(t, int64(1), b.Publish("b", batch("2"))[0].Offset)
}
