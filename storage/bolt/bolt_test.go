package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/docsync/storage"
)

func openTestProvider(t *testing.T) *Provider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docsync.db")
	p, err := Open(path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSaveAndGetDoc(t *testing.T) {
	p := openTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.SaveSerializedDoc(ctx, storage.DocRecord{DocID: "d1", SerializedDoc: []byte("snap"), Clock: 3})
	}))

	var got storage.DocRecord
	require.NoError(t, p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var err error
		got, err = tx.GetSerializedDoc(ctx, "d1")
		return err
	}))
	assert.Equal(t, uint64(3), got.Clock)
	assert.Equal(t, []byte("snap"), got.SerializedDoc)
}

func TestAbortedWriteNotVisible(t *testing.T) {
	p := openTestProvider(t)
	ctx := context.Background()

	err := p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		_ = tx.SaveSerializedDoc(ctx, storage.DocRecord{DocID: "d1", Clock: 9})
		return storage.ErrAborted
	})
	assert.ErrorIs(t, err, storage.ErrAborted)

	err = p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		_, gerr := tx.GetSerializedDoc(ctx, "d1")
		return gerr
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOperationsOrderAndDelete(t *testing.T) {
	p := openTestProvider(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
			return tx.SaveOperations(ctx, storage.OpBatch{DocID: "d1", Operations: []byte{byte(i)}})
		}))
	}

	var batches []storage.OpBatch
	require.NoError(t, p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var err error
		batches, err = tx.GetOperations(ctx, "d1")
		return err
	}))
	require.Len(t, batches, 3)
	assert.Equal(t, uint64(0), batches[0].Seq)
	assert.Equal(t, uint64(2), batches[2].Seq)

	require.NoError(t, p.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.DeleteOperations(ctx, "d1", 2)
	}))

	require.NoError(t, p.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var err error
		batches, err = tx.GetOperations(ctx, "d1")
		return err
	}))
	require.Len(t, batches, 1)
	assert.Equal(t, uint64(2), batches[0].Seq)
}

func TestSeqRecoversAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.db")
	ctx := context.Background()

	p1, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, p1.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.SaveOperations(ctx, storage.OpBatch{DocID: "d1", Operations: []byte("a")})
	}))
	require.NoError(t, p1.Close())

	p2, err := Open(path, 0)
	require.NoError(t, err)
	defer p2.Close()

	require.NoError(t, p2.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.SaveOperations(ctx, storage.OpBatch{DocID: "d1", Operations: []byte("b")})
	}))

	var batches []storage.OpBatch
	require.NoError(t, p2.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		var gerr error
		batches, gerr = tx.GetOperations(ctx, "d1")
		return gerr
	}))
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(0), batches[0].Seq)
	assert.Equal(t, uint64(1), batches[1].Seq)
}
