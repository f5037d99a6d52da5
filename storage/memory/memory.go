// Package memory is an in-process implementation of storage.Provider,
// used by tests and as the default provider for demos where multiple
// "tabs" in one process need to share a single provider instance (spec
// §4.7's rationale: "multiple tabs sharing one provider... coordinate
// consolidation without file locks").
package memory

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/storage"
)

// Provider is a single-writer, mutex-guarded map store. It simulates true
// transactions with a single in-process lock per spec §9's fallback
// design note ("simulate with an in-process single-writer mutex").
type Provider struct {
	mu      sync.Mutex
	docs    map[string]storage.DocRecord
	ops     map[string][]storage.OpBatch // docID -> ordered batches
	nextSeq map[string]uint64
	closed  bool
	log     *logrus.Logger
}

// Option configures a Provider at construction.
type Option func(*Provider)

// WithLogger overrides the Provider's logger, letting tests inject a
// silent one.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Provider) { p.log = l }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		docs:    make(map[string]storage.DocRecord),
		ops:     make(map[string][]storage.OpBatch),
		nextSeq: make(map[string]uint64),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Transaction(_ context.Context, _ storage.Mode, body func(storage.Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return storage.NewStorageError("transaction", errClosed)
	}

	// readonly and readwrite both execute against the live maps under the
	// provider's single lock; a body that errors leaves no visible trace
	// because every write below mutates a staged copy that's only
	// committed if body returns nil.
	tx := &tx{p: p, staged: newStage()}
	err := body(tx)
	if err != nil {
		return err
	}
	tx.staged.commit(p)
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.log.Debug("memory: provider closed")
	return nil
}

var errClosed = providerClosedError{}

type providerClosedError struct{}

func (providerClosedError) Error() string { return "provider closed" }

// stage accumulates writes so a failing transaction body leaves the live
// maps untouched.
type stage struct {
	docs map[string]storage.DocRecord
	ops  map[string][]storage.OpBatch
	del  map[string]int // docID -> count of oldest batches to drop
}

func newStage() *stage {
	return &stage{docs: make(map[string]storage.DocRecord), ops: make(map[string][]storage.OpBatch), del: make(map[string]int)}
}

func (s *stage) commit(p *Provider) {
	for id, rec := range s.docs {
		p.docs[id] = rec
	}
	for id, count := range s.del {
		batches := p.ops[id]
		if count > len(batches) {
			count = len(batches)
		}
		p.ops[id] = append([]storage.OpBatch{}, batches[count:]...)
	}
	for id, batches := range s.ops {
		p.ops[id] = append(p.ops[id], batches...)
	}
}

type tx struct {
	p      *Provider
	staged *stage
}

func (t *tx) GetSerializedDoc(_ context.Context, docID string) (storage.DocRecord, error) {
	if rec, ok := t.staged.docs[docID]; ok {
		return rec, nil
	}
	rec, ok := t.p.docs[docID]
	if !ok {
		return storage.DocRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (t *tx) SaveSerializedDoc(_ context.Context, rec storage.DocRecord) error {
	t.staged.docs[rec.DocID] = rec
	return nil
}

// SaveOperations assigns batch.Seq eagerly, same as bolt.go's SaveOperations:
// the whole point of storage.Provider.Transaction serializing every body
// under one lock (here) or one write txn (bolt) is that Seq can be handed
// out the moment the write is staged, not deferred until commit — Sync's
// read-back of the batch it just saved (server/provider.go) depends on it.
func (t *tx) SaveOperations(_ context.Context, batch storage.OpBatch) error {
	batch.Seq = t.p.nextSeq[batch.DocID]
	t.p.nextSeq[batch.DocID] = batch.Seq + 1
	t.staged.ops[batch.DocID] = append(t.staged.ops[batch.DocID], batch)
	return nil
}

func (t *tx) GetOperations(_ context.Context, docID string) ([]storage.OpBatch, error) {
	existing := t.p.ops[docID]
	toDrop := t.staged.del[docID]
	if toDrop > len(existing) {
		toDrop = len(existing)
	}
	out := append([]storage.OpBatch{}, existing[toDrop:]...)
	out = append(out, t.staged.ops[docID]...)
	return out, nil
}

func (t *tx) DeleteOperations(_ context.Context, docID string, count int) error {
	t.staged.del[docID] += count
	return nil
}
