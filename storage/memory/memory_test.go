package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/docsync/storage"
)

func TestSaveAndGetDoc(t *testing.T) {
	p := New()
	ctx := context.Background()

	err := p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.SaveSerializedDoc(ctx, storage.DocRecord{DocID: "d1", SerializedDoc: []byte("snap"), Clock: 1})
	})
	require.NoError(t, err)

	var got storage.DocRecord
	err = p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var gerr error
		got, gerr = tx.GetSerializedDoc(ctx, "d1")
		return gerr
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Clock)
	assert.Equal(t, []byte("snap"), got.SerializedDoc)
}

func TestAbortedTransactionLeavesNoTrace(t *testing.T) {
	p := New()
	ctx := context.Background()

	err := p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		_ = tx.SaveSerializedDoc(ctx, storage.DocRecord{DocID: "d1", Clock: 5})
		return storage.ErrAborted
	})
	assert.ErrorIs(t, err, storage.ErrAborted)

	err = p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		_, gerr := tx.GetSerializedDoc(ctx, "d1")
		return gerr
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOperationsAppendAndDelete(t *testing.T) {
	p := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
			return tx.SaveOperations(ctx, storage.OpBatch{DocID: "d1", Operations: []byte{byte(i)}})
		})
		require.NoError(t, err)
	}

	var batches []storage.OpBatch
	err := p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var gerr error
		batches, gerr = tx.GetOperations(ctx, "d1")
		return gerr
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []byte{0}, batches[0].Operations)

	err = p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.DeleteOperations(ctx, "d1", 2)
	})
	require.NoError(t, err)

	err = p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var gerr error
		batches, gerr = tx.GetOperations(ctx, "d1")
		return gerr
	})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []byte{2}, batches[0].Operations)
}

func TestSeqResumesAcrossBatches(t *testing.T) {
	p := New()
	ctx := context.Background()

	var seqs []uint64
	for i := 0; i < 2; i++ {
		_ = p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
			return tx.SaveOperations(ctx, storage.OpBatch{DocID: "d1"})
		})
	}
	var batches []storage.OpBatch
	_ = p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var gerr error
		batches, gerr = tx.GetOperations(ctx, "d1")
		return gerr
	})
	for _, b := range batches {
		seqs = append(seqs, b.Seq)
	}
	assert.Equal(t, []uint64{0, 1}, seqs)
}
