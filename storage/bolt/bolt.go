// Package bolt is the persistent storage.Provider backing both
// ClientProvider and ServerProvider with go.etcd.io/bbolt, matching spec
// §4.2's "docs" and "operations" stores. A bounded in-memory LRU
// (hashicorp/golang-lru/v2) sits in front of the docs bucket, grounded on
// the reference corpus's sync_gateway revision cache. The cache is filled
// only from committed writes; a read that misses it goes to the docs
// bucket and does not add the record to the cache.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/Polqt/docsync/storage"
)

var (
	docsBucket = []byte("docs")
	opsBucket  = []byte("operations")
)

// DefaultCacheSize bounds the snapshot LRU when the caller doesn't pick one.
const DefaultCacheSize = 256

// Provider opens a bbolt file and implements storage.Provider over it.
type Provider struct {
	db    *bolt.DB
	cache *lru.Cache[string, storage.DocRecord]

	seqMu   sync.Mutex
	nextSeq map[string]uint64
	log     *logrus.Logger
}

// Option configures a Provider at construction.
type Option func(*Provider)

// WithLogger overrides the Provider's logger, letting tests inject a
// silent one.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Open opens (creating if necessary) a bbolt database at path.
func Open(path string, cacheSize int, opts ...Option) (*Provider, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, storage.NewStorageError("open", err)
	}
	if err := db.Update(func(btx *bolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(opsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, storage.NewStorageError("init buckets", err)
	}

	cache, err := lru.New[string, storage.DocRecord](cacheSize)
	if err != nil {
		db.Close()
		return nil, storage.NewStorageError("init snapshot cache", err)
	}

	p := &Provider{db: db, cache: cache, nextSeq: make(map[string]uint64), log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.recoverSeqCounters(); err != nil {
		db.Close()
		return nil, err
	}
	p.log.WithField("path", path).Info("bolt: storage provider opened")
	return p, nil
}

// recoverSeqCounters scans the operations bucket once at open so seq
// assignment resumes from max+1 per docID, surviving restarts without
// key collisions (spec §3, §6).
func (p *Provider) recoverSeqCounters() error {
	return p.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(opsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			docID, seq, ok := decodeOpKey(k)
			if !ok {
				continue
			}
			if seq+1 > p.nextSeq[docID] {
				p.nextSeq[docID] = seq + 1
			}
		}
		return nil
	})
}

func (p *Provider) Close() error {
	if err := p.db.Close(); err != nil {
		return storage.NewStorageError("close", err)
	}
	p.log.Debug("bolt: storage provider closed")
	return nil
}

// Transaction runs body against a bbolt View (ReadOnly) or Update
// (ReadWrite) transaction. bbolt rolls back Update automatically when
// body returns a non-nil error, satisfying spec §4.2's "on failure inside
// body the transaction aborts and no writes are visible". The docs-cache
// is only populated from a transaction's staged writes after bbolt has
// durably committed, so a cache hit never reflects an uncommitted write.
func (p *Provider) Transaction(_ context.Context, mode storage.Mode, body func(storage.Tx) error) error {
	var staged map[string]storage.DocRecord
	run := func(btx *bolt.Tx) error {
		t := &tx{p: p, btx: btx, pending: make(map[string]storage.DocRecord)}
		if err := body(t); err != nil {
			return err
		}
		staged = t.pending
		return nil
	}

	var err error
	if mode == storage.ReadOnly {
		err = p.db.View(run)
	} else {
		err = p.db.Update(run)
	}
	if err != nil {
		return err
	}
	for docID, rec := range staged {
		p.cache.Add(docID, rec)
	}
	return nil
}

type tx struct {
	p       *Provider
	btx     *bolt.Tx
	pending map[string]storage.DocRecord
}

func (t *tx) GetSerializedDoc(_ context.Context, docID string) (storage.DocRecord, error) {
	if rec, ok := t.pending[docID]; ok {
		return rec, nil
	}
	if rec, ok := t.p.cache.Get(docID); ok {
		return rec, nil
	}
	v := t.btx.Bucket(docsBucket).Get([]byte(docID))
	if v == nil {
		return storage.DocRecord{}, storage.ErrNotFound
	}
	var rec storage.DocRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return storage.DocRecord{}, storage.NewStorageError("decode doc record", err)
	}
	return rec, nil
}

func (t *tx) SaveSerializedDoc(_ context.Context, rec storage.DocRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return storage.NewStorageError("encode doc record", err)
	}
	if err := t.btx.Bucket(docsBucket).Put([]byte(rec.DocID), data); err != nil {
		return storage.NewStorageError("put doc record", err)
	}
	t.pending[rec.DocID] = rec
	return nil
}

func (t *tx) SaveOperations(_ context.Context, batch storage.OpBatch) error {
	t.p.seqMu.Lock()
	seq := t.p.nextSeq[batch.DocID]
	t.p.nextSeq[batch.DocID] = seq + 1
	t.p.seqMu.Unlock()

	if err := t.btx.Bucket(opsBucket).Put(encodeOpKey(batch.DocID, seq), batch.Operations); err != nil {
		return storage.NewStorageError("put operation batch", err)
	}
	return nil
}

func (t *tx) GetOperations(_ context.Context, docID string) ([]storage.OpBatch, error) {
	prefix := opKeyPrefix(docID)
	c := t.btx.Bucket(opsBucket).Cursor()
	var out []storage.OpBatch
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		_, seq, ok := decodeOpKey(k)
		if !ok {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, storage.OpBatch{DocID: docID, Seq: seq, Operations: cp})
	}
	return out, nil
}

func (t *tx) DeleteOperations(_ context.Context, docID string, count int) error {
	if count <= 0 {
		return nil
	}
	prefix := opKeyPrefix(docID)
	c := t.btx.Bucket(opsBucket).Cursor()
	deleted := 0
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && deleted < count; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return storage.NewStorageError("delete operation batch", err)
		}
		deleted++
	}
	return nil
}

func opKeyPrefix(docID string) []byte {
	return append([]byte(docID), 0x00)
}

func encodeOpKey(docID string, seq uint64) []byte {
	key := opKeyPrefix(docID)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(key, seqBytes...)
}

func decodeOpKey(k []byte) (docID string, seq uint64, ok bool) {
	if len(k) < 9 {
		return "", 0, false
	}
	docID = string(k[:len(k)-9])
	seq = binary.BigEndian.Uint64(k[len(k)-8:])
	return docID, seq, true
}
