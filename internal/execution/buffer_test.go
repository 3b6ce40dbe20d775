package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestTxOutputBuffer_AddAndTake(t *testing.T) {
	b := newTxOutputBuffer()
	b.add("w1", bufferedTxOutput{FunctionID: 0, Output: strPtr(`"a"`)})
	b.add("w1", bufferedTxOutput{FunctionID: 1, Output: strPtr(`"b"`)})
	b.add("w2", bufferedTxOutput{FunctionID: 0, Output: strPtr(`"c"`)})

	rows := b.take("w1")
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].FunctionID)
	assert.Equal(t, 1, rows[1].FunctionID)

	assert.Empty(t, b.take("w1"), "take drains the workflow's buffer")
	assert.Len(t, b.take("w2"), 1)
}

func TestTxOutputBuffer_TakeAll(t *testing.T) {
	b := newTxOutputBuffer()
	b.add("w1", bufferedTxOutput{FunctionID: 0})
	b.add("w2", bufferedTxOutput{FunctionID: 3})

	all := b.takeAll()
	assert.Len(t, all, 2)
	assert.Empty(t, b.takeAll())
}

func TestTxOutputBuffer_RestoreAfterFailedFlush(t *testing.T) {
	b := newTxOutputBuffer()
	b.add("w1", bufferedTxOutput{FunctionID: 0})

	rows := b.take("w1")
	b.add("w1", bufferedTxOutput{FunctionID: 1})
	b.restore("w1", rows)

	restored := b.take("w1")
	require.Len(t, restored, 2)
	assert.Equal(t, 0, restored[0].FunctionID, "restored rows precede newer ones")
	assert.Equal(t, 1, restored[1].FunctionID)
}

func TestTxOutputBuffer_SnapshotAndDrop(t *testing.T) {
	b := newTxOutputBuffer()
	b.add("w1", bufferedTxOutput{FunctionID: 0})
	b.add("w1", bufferedTxOutput{FunctionID: 1})

	snap := b.snapshot("w1")
	require.Len(t, snap, 2)

	// A row buffered after the snapshot survives the drop.
	b.add("w1", bufferedTxOutput{FunctionID: 2})
	b.drop("w1", snap)

	remaining := b.take("w1")
	require.Len(t, remaining, 1)
	assert.Equal(t, 2, remaining[0].FunctionID)
}

func TestTxOutputBuffer_DropAllRemovesWorkflow(t *testing.T) {
	b := newTxOutputBuffer()
	b.add("w1", bufferedTxOutput{FunctionID: 0})
	b.drop("w1", b.snapshot("w1"))
	assert.Empty(t, b.takeAll())
}

func TestTxOutputBuffer_RestoreEmptyIsNoop(t *testing.T) {
	b := newTxOutputBuffer()
	b.restore("w1", nil)
	assert.Empty(t, b.takeAll())
}
