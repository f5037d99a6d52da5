package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/docsync/storage/memory"
)

func opArray(elems ...string) json.RawMessage {
	raw := "["
	for i, e := range elems {
		if i > 0 {
			raw += ","
		}
		raw += e
	}
	raw += "]"
	return json.RawMessage(raw)
}

func TestSyncAssignsIncreasingClock(t *testing.T) {
	p := NewProvider(memory.New())
	ctx := context.Background()

	res1, err := p.Sync(ctx, "doc1", 0, opArray(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res1.Clock)

	res2, err := p.Sync(ctx, "doc1", res1.Clock, opArray(`{"a":2}`))
	require.NoError(t, err)
	assert.Greater(t, res2.Clock, res1.Clock)
}

func TestSyncReturnsOnlyUnseenOperations(t *testing.T) {
	p := NewProvider(memory.New())
	ctx := context.Background()

	// writer A appends an op, advancing the doc's clock to 1.
	res1, err := p.Sync(ctx, "doc1", 0, opArray(`{"from":"A"}`))
	require.NoError(t, err)
	assert.Nil(t, res1.Operations)

	// writer B, still at clock 0, learns about A's op.
	res2, err := p.Sync(ctx, "doc1", 0, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Operations)
	var ops []json.RawMessage
	require.NoError(t, json.Unmarshal(res2.Operations, &ops))
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"from":"A"}`, string(ops[0]))

	// writer B, now caught up to the latest clock, sees nothing new.
	res3, err := p.Sync(ctx, "doc1", res2.Clock, nil)
	require.NoError(t, err)
	assert.Nil(t, res3.Operations)
}

func TestSyncWithNoOperationsDoesNotAdvanceClockPastLatest(t *testing.T) {
	p := NewProvider(memory.New())
	ctx := context.Background()

	res, err := p.Sync(ctx, "doc1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Clock)
}
