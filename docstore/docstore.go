// Package docstore implements DocStore (spec §4.6): a refcounted,
// promise-based cache of live in-memory documents keyed by docId. It is
// grounded on sync_gateway's RevisionCache get-or-create pattern — a
// cache miss inserts a placeholder "loading" entry under lock before the
// actual load runs, so concurrent callers for the same docId share one
// load instead of racing independent loads.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/docbind"
	"github.com/Polqt/docsync/id"
	"github.com/Polqt/docsync/metrics"
	"github.com/Polqt/docsync/storage"
)

// Binding is the type-erased form of docbind.Binding[D, S, O]: the
// generic capability interface flattened to `any`/json.RawMessage so one
// Store can hold documents of different D/S/O triples in the same cache.
// Use Bind to adapt a concrete docbind.Binding into one of these.
type Binding interface {
	create(ctx context.Context, docType, id string) (any, error)
	serialize(ctx context.Context, doc any) (json.RawMessage, error)
	deserialize(ctx context.Context, docType string, raw json.RawMessage) (any, error)
	applyOperations(ctx context.Context, doc any, opsJSON json.RawMessage) error
	onChange(doc any, cb func([]json.RawMessage)) func()
	dispose(doc any) error
}

type adapter[D any, S any, O any] struct {
	b docbind.Binding[D, S, O]
}

// Bind adapts a concrete docbind.Binding into the Store's erased Binding.
func Bind[D any, S any, O any](b docbind.Binding[D, S, O]) Binding {
	return adapter[D, S, O]{b: b}
}

func (a adapter[D, S, O]) create(ctx context.Context, docType, id string) (any, error) {
	d, err := a.b.Create(ctx, docType, id)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (a adapter[D, S, O]) serialize(ctx context.Context, doc any) (json.RawMessage, error) {
	d, ok := doc.(D)
	if !ok {
		return nil, fmt.Errorf("docstore: serialize: unexpected document type %T", doc)
	}
	s, err := a.b.Serialize(ctx, d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (a adapter[D, S, O]) deserialize(ctx context.Context, docType string, raw json.RawMessage) (any, error) {
	var s S
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("docstore: deserialize: %w", err)
	}
	return a.b.Deserialize(ctx, docType, s)
}

func (a adapter[D, S, O]) applyOperations(ctx context.Context, doc any, opsJSON json.RawMessage) error {
	d, ok := doc.(D)
	if !ok {
		return fmt.Errorf("docstore: applyOperations: unexpected document type %T", doc)
	}
	var ops []O
	if len(opsJSON) > 0 {
		if err := json.Unmarshal(opsJSON, &ops); err != nil {
			return fmt.Errorf("docstore: applyOperations: %w", err)
		}
	}
	return a.b.ApplyOperations(ctx, d, ops)
}

func (a adapter[D, S, O]) onChange(doc any, cb func([]json.RawMessage)) func() {
	d, ok := doc.(D)
	if !ok {
		return func() {}
	}
	return a.b.OnChange(d, func(ev docbind.ChangeEvent[O]) {
		raws := make([]json.RawMessage, 0, len(ev.Operations))
		for _, op := range ev.Operations {
			b, err := json.Marshal(op)
			if err != nil {
				continue
			}
			raws = append(raws, b)
		}
		cb(raws)
	})
}

func (a adapter[D, S, O]) dispose(doc any) error {
	d, ok := doc.(D)
	if !ok {
		return fmt.Errorf("docstore: dispose: unexpected document type %T", doc)
	}
	return a.b.Dispose(d)
}

// entry is one cache slot: a placeholder is inserted under Store.mu
// before the load/create runs, and ready is closed once the load
// resolves — exactly RevisionCache's "insert pending, then fill" shape.
type entry struct {
	mu       sync.Mutex
	ready    chan struct{}
	refcount int

	docType string
	doc     any
	found   bool
	loadErr error

	// suppressOnChange is set while ApplyServerOps is applying
	// already-acknowledged server operations to the live doc, so arm's
	// onChange forwarding doesn't mark the doc dirty again for ops the
	// server already has (spec §4.7 post-consolidation).
	suppressOnChange bool
}

func newPendingEntry(docType string) *entry {
	return &entry{ready: make(chan struct{}), docType: docType}
}

func (e *entry) resolve(doc any, found bool, err error) {
	e.doc, e.found, e.loadErr = doc, found, err
	close(e.ready)
}

// GetArgs mirrors spec §4.6's getDoc argument union.
type GetArgs struct {
	Type            string
	ID              string // empty means "mint a new id"; requires CreateIfMissing
	CreateIfMissing bool
}

// ChangeNotifier feeds PushEngine: called on every local commit to a
// cached doc, with the batch of operations it produced.
type ChangeNotifier func(docID string, ops []json.RawMessage)

// Store is the live-document cache for one storage provider.
type Store struct {
	provider storage.Provider
	onChange ChangeNotifier
	log      *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry
	types   map[string]Binding
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the Store's logger, letting tests inject a silent one.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store over provider. onChange may be nil in tests that
// don't exercise the push pipeline.
func New(provider storage.Provider, onChange ChangeNotifier, opts ...Option) *Store {
	s := &Store{
		provider: provider,
		onChange: onChange,
		entries:  make(map[string]*entry),
		types:    make(map[string]Binding),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register associates a doc type name with its erased Binding.
func (s *Store) Register(docType string, b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[docType] = b
}

// GetDoc resolves args per spec §4.6. The returned release func must be
// called exactly once per successful GetDoc to drop the refcount
// (unloadDoc); it is a no-op when found is false.
func (s *Store) GetDoc(ctx context.Context, args GetArgs) (doc any, found bool, release func(), err error) {
	noop := func() {}

	s.mu.Lock()
	binding, ok := s.types[args.Type]
	if !ok {
		s.mu.Unlock()
		return nil, false, noop, &docbind.UnknownTypeError{DocType: args.Type}
	}

	if args.ID != "" {
		if e, exists := s.entries[args.ID]; exists {
			e.mu.Lock()
			e.refcount++
			e.mu.Unlock()
			s.mu.Unlock()
			<-e.ready
			return s.finish(e, args.ID)
		}
	}

	if args.ID == "" && !args.CreateIfMissing {
		s.mu.Unlock()
		return nil, false, noop, fmt.Errorf("docstore: GetDoc requires ID or CreateIfMissing")
	}

	docID := args.ID
	mintNew := docID == ""
	if mintNew {
		docID = id.NewDocID()
	}

	e := newPendingEntry(args.Type)
	e.refcount = 1
	s.entries[docID] = e
	metrics.ActiveDocsGauge.Set(float64(len(s.entries)))
	s.mu.Unlock()

	if mintNew {
		s.create(ctx, docID, args.Type, binding, e)
	} else {
		s.load(ctx, docID, args.Type, args.CreateIfMissing, binding, e)
	}

	<-e.ready
	return s.finish(e, docID)
}

func (s *Store) finish(e *entry, docID string) (any, bool, func(), error) {
	if e.loadErr != nil {
		s.unload(docID)
		return nil, false, func() {}, e.loadErr
	}
	if !e.found {
		s.unload(docID)
		return nil, false, func() {}, nil
	}
	return e.doc, true, func() { s.unload(docID) }, nil
}

// create implements spec §4.6's "newly created docs" steps: persist at
// clock 0, arm onChange, then resolve the entry.
func (s *Store) create(ctx context.Context, docID, docType string, binding Binding, e *entry) {
	doc, err := binding.create(ctx, docType, docID)
	if err != nil {
		e.resolve(nil, false, fmt.Errorf("docstore: create: %w", err))
		return
	}
	serialized, err := binding.serialize(ctx, doc)
	if err != nil {
		e.resolve(nil, false, fmt.Errorf("docstore: serialize new doc: %w", err))
		return
	}

	err = s.provider.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		return tx.SaveSerializedDoc(ctx, storage.DocRecord{DocID: docID, SerializedDoc: serialized, Clock: 0})
	})
	if err != nil {
		e.resolve(nil, false, fmt.Errorf("docstore: persist new doc: %w", err))
		return
	}

	s.arm(docID, e, binding, doc)
	e.resolve(doc, true, nil)
}

func (s *Store) load(ctx context.Context, docID, docType string, createIfMissing bool, binding Binding, e *entry) {
	var rec storage.DocRecord
	found := true
	err := s.provider.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		r, txErr := tx.GetSerializedDoc(ctx, docID)
		if errors.Is(txErr, storage.ErrNotFound) {
			found = false
			return nil
		}
		if txErr != nil {
			return txErr
		}
		rec = r
		return nil
	})
	if err != nil {
		e.resolve(nil, false, fmt.Errorf("docstore: load doc: %w", err))
		return
	}

	if !found {
		if createIfMissing {
			s.create(ctx, docID, docType, binding, e)
			return
		}
		e.resolve(nil, false, nil)
		return
	}

	doc, err := binding.deserialize(ctx, docType, rec.SerializedDoc)
	if err != nil {
		e.resolve(nil, false, fmt.Errorf("docstore: deserialize doc: %w", err))
		return
	}

	s.arm(docID, e, binding, doc)
	e.resolve(doc, true, nil)
}

func (s *Store) arm(docID string, e *entry, binding Binding, doc any) {
	if s.onChange == nil {
		return
	}
	binding.onChange(doc, func(ops []json.RawMessage) {
		e.mu.Lock()
		suppressed := e.suppressOnChange
		e.mu.Unlock()
		if suppressed {
			return
		}
		s.onChange(docID, ops)
	})
}

// ApplySnapshot reifies oldSnapshot for docType from a fresh
// deserialization (never the live cached document), applies opsJSON in
// order, and returns the new serialized form. It is the type-erased
// implementation behind push.Callbacks.ApplySnapshot (spec §4.7 step 5:
// computing S' from S_now without disturbing the live doc other callers
// may be holding).
func (s *Store) ApplySnapshot(ctx context.Context, docType string, oldSnapshot json.RawMessage, opsJSON json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	binding, ok := s.types[docType]
	s.mu.Unlock()
	if !ok {
		return nil, &docbind.UnknownTypeError{DocType: docType}
	}

	doc, err := binding.deserialize(ctx, docType, oldSnapshot)
	if err != nil {
		return nil, fmt.Errorf("docstore: ApplySnapshot: deserialize: %w", err)
	}
	if err := binding.applyOperations(ctx, doc, opsJSON); err != nil {
		return nil, fmt.Errorf("docstore: ApplySnapshot: apply: %w", err)
	}
	newSnapshot, err := binding.serialize(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("docstore: ApplySnapshot: serialize: %w", err)
	}
	_ = binding.dispose(doc)
	return newSnapshot, nil
}

// ApplyServerOps applies serverOps to docID's live cached document,
// suppressing the onChange forwarding that would otherwise mark the doc
// dirty again for operations the server has already acknowledged (spec
// §4.7 post-consolidation). It is a no-op if docID isn't currently
// cached (the doc was unloaded before consolidation finished).
func (s *Store) ApplyServerOps(ctx context.Context, docID, docType string, serverOps json.RawMessage) error {
	s.mu.Lock()
	e, ok := s.entries[docID]
	binding, hasBinding := s.types[docType]
	s.mu.Unlock()
	if !ok || !hasBinding {
		return nil
	}

	e.mu.Lock()
	e.suppressOnChange = true
	doc := e.doc
	e.mu.Unlock()

	err := binding.applyOperations(ctx, doc, serverOps)

	e.mu.Lock()
	e.suppressOnChange = false
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("docstore: ApplyServerOps: %w", err)
	}
	return nil
}

// unload implements spec §4.6's unloadDoc: decrement refcount, and on
// reaching zero evict the entry and dispose the binding.
func (s *Store) unload(docID string) {
	s.mu.Lock()
	e, ok := s.entries[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.refcount--
	remaining := e.refcount
	e.mu.Unlock()

	if remaining > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.entries, docID)
	metrics.ActiveDocsGauge.Set(float64(len(s.entries)))
	binding, hasBinding := s.types[e.docType]
	s.mu.Unlock()

	if hasBinding && e.found && e.doc != nil {
		if err := binding.dispose(e.doc); err != nil {
			s.log.WithField("docId", docID).WithError(err).Warn("docstore: dispose failed")
		}
	}
}

// Refcount returns the current refcount for docID, for tests and metrics.
func (s *Store) Refcount(docID string) int {
	s.mu.Lock()
	e, ok := s.entries[docID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}
