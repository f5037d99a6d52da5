// Package push implements PushEngine (spec §4.7), the state machine that
// drives every cached document's local commits to the server and
// consolidates the server's response back into local storage. It is
// assembled directly from the spec's own transition table and push/
// consolidation pseudocode — no single corpus file implements this
// exact state machine — but borrows the teacher's sync.RWMutex-guarded
// per-key map style for the status table, and gazette's
// read-batches/consolidate/delete-exactly-what-was-read transactional
// discipline for the consolidation procedure.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/breaker"
	"github.com/Polqt/docsync/broadcast"
	"github.com/Polqt/docsync/metrics"
	"github.com/Polqt/docsync/storage"
	"github.com/Polqt/docsync/wire"
)

// Status is a docId's place in the push state machine (spec §4.7).
type Status int

const (
	Idle Status = iota
	Pushing
	PushingWithPending
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case PushingWithPending:
		return "pushing-with-pending"
	default:
		return "unknown"
	}
}

// Sender is the narrow slice of RequestChannel the push pipeline needs:
// one correlated request/response round trip. A nil return error with a
// non-nil typedErr means the server answered with a typed failure; a
// non-nil error means the channel itself failed (timeout, disconnect),
// which the engine treats as wire.ErrTypeNetwork.
type Sender interface {
	Send(ctx context.Context, event string, payload any, out any) (typedErr *wire.TypedError, err error)
}

// Callbacks are the document-model-aware hooks push.Engine delegates to,
// so the engine itself stays generic over D/S/O (the same philosophy as
// docbind.Binding: "the core never looks inside D, S or O").
type Callbacks struct {
	// ApplySnapshot reifies oldSnapshot for docType from a fresh
	// deserialization (not the live cached doc), applies opsJSON in
	// order, and returns the new serialized form. Used to compute S'
	// from S_now during consolidation (spec §4.7 step 5).
	ApplySnapshot func(ctx context.Context, docType string, oldSnapshot json.RawMessage, opsJSON json.RawMessage) (json.RawMessage, error)

	// ApplyServerOps applies serverOps to the live cached document
	// without forwarding the resulting change to the local-change hook,
	// so the ops are neither re-appended to the op log nor pushed again
	// (spec §4.7 post-consolidation).
	ApplyServerOps func(ctx context.Context, docID, docType string, serverOps json.RawMessage) error

	// OnChange notifies the client's event bus of a change with origin
	// "remote" after a successful consolidation that applied server ops.
	OnChange func(docID, origin string)

	// OnSyncError notifies the client's event bus of a sync attempt's
	// outcome (spec §4.7: "emit sync event with error").
	OnSyncError func(docID string, typedErr *wire.TypedError)

	// OwnPresencePatch returns the caller's own pending presence value
	// for docID, if any, attached to outgoing sync requests and to the
	// peer broadcast alongside consolidated server ops.
	OwnPresencePatch func(docID string) (json.RawMessage, bool)
}

// Engine drives the per-docId push/consolidation state machine described
// in spec §4.7 over one storage.Provider.
type Engine struct {
	provider storage.Provider
	sender   Sender
	hub      *broadcast.Hub
	selfCh   <-chan broadcast.Message
	cb       Callbacks
	brkCfg   breaker.Config
	log      *logrus.Logger

	mu       sync.Mutex
	statuses map[string]Status
	docTypes map[string]string
	breakers map[string]*breaker.Breaker
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger overrides the Engine's logger, letting tests inject a silent one.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine constructs a push engine. hub may be nil if intra-device
// broadcast is not wired (e.g. in unit tests exercising consolidation
// alone).
func NewEngine(provider storage.Provider, sender Sender, hub *broadcast.Hub, cb Callbacks, brkCfg breaker.Config, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		sender:   sender,
		hub:      hub,
		cb:       cb,
		brkCfg:   brkCfg,
		log:      logrus.StandardLogger(),
		statuses: make(map[string]Status),
		docTypes: make(map[string]string),
		breakers: make(map[string]*breaker.Breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSelfChannel records the caller's own subscription to hub, so
// Publish can exclude it: the caller already applied a consolidated
// change locally via cb.ApplyServerOps, and only needs the *other* tabs
// sharing this identity's hub to hear about it.
func (e *Engine) SetSelfChannel(ch <-chan broadcast.Message) {
	e.selfCh = ch
}

// Dirty arms a push for docID (spec §4.7's "local commit / dirty /
// connect" event). docType is remembered for the lifetime of the
// engine's tracking of this docId, so later pushes know which binding's
// callbacks to invoke.
func (e *Engine) Dirty(ctx context.Context, docID, docType string) {
	e.mu.Lock()
	e.docTypes[docID] = docType
	status := e.statuses[docID]

	switch status {
	case Idle:
		e.statuses[docID] = Pushing
		e.mu.Unlock()
		go e.runPush(ctx, docID)
	case Pushing:
		e.statuses[docID] = PushingWithPending
		e.mu.Unlock()
	case PushingWithPending:
		e.mu.Unlock()
	default:
		e.mu.Unlock()
	}
}

// Disconnect resets every tracked docId to idle (spec §4.7: "any ->
// disconnect -> idle (cleared)").
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = make(map[string]Status)
}

// Status reports docID's current push status, for tests and metrics.
func (e *Engine) Status(docID string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses[docID]
}

func (e *Engine) breakerFor(docID string) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[docID]
	if !ok {
		b = breaker.New(e.brkCfg)
		e.breakers[docID] = b
	}
	return b
}

// runPush drives docID through push attempts until it settles back to
// idle, honoring the "pushing-with-pending -> immediately re-issue"
// transition (spec §4.7's terminal-status rule).
func (e *Engine) runPush(ctx context.Context, docID string) {
	for {
		e.pushUntilResolved(ctx, docID)

		e.mu.Lock()
		if e.statuses[docID] == PushingWithPending {
			e.statuses[docID] = Pushing
			e.mu.Unlock()
			continue
		}
		e.statuses[docID] = Idle
		e.mu.Unlock()
		return
	}
}

// pushUntilResolved implements the push procedure's unconditional retry
// on request-layer error (spec §4.7), gated only by the per-docId
// circuit breaker's handling of persistent AuthorizationError
// (SPEC_FULL.md §C.1) and by ctx cancellation. A local storage failure
// is not part of this retry loop — it aborts the attempt immediately,
// since it is not something the server side can resolve.
func (e *Engine) pushUntilResolved(ctx context.Context, docID string) {
	br := e.breakerFor(docID)
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := br.Allow(); err != nil {
			metrics.PushesTotal.WithLabelValues("breaker_open").Inc()
			e.log.WithField("docId", docID).Warn("push: circuit open, dropping push attempt")
			e.cb.OnSyncError(docID, wire.NewTypedError(wire.ErrTypeAuthorization, "circuit open: repeated authorization failures"))
			return
		}

		batch, localErr := e.readPushBatch(ctx, docID)
		if localErr != nil {
			e.cb.OnSyncError(docID, wire.WrapTypedError(wire.ErrTypeStorage, "read push batch", localErr))
			return
		}

		resp, typedErr, sendErr := e.sendSync(ctx, docID, batch)
		if sendErr != nil {
			typedErr = wire.WrapTypedError(wire.ErrTypeNetwork, sendErr.Error(), sendErr)
		}
		if typedErr != nil {
			stateBefore := br.State()
			if typedErr.Type == wire.ErrTypeAuthorization {
				br.RecordFailure()
				recordBreakerTransition(stateBefore, br.State())
			}
			metrics.PushesTotal.WithLabelValues(pushResultLabel(typedErr.Type)).Inc()
			metrics.RetriesTotal.WithLabelValues(string(typedErr.Type)).Inc()
			e.log.WithField("docId", docID).WithField("errorType", typedErr.Type).Debug("push: sync attempt failed, retrying")
			e.cb.OnSyncError(docID, typedErr)
			continue // unconditional retry (spec §4.7)
		}

		stateBefore := br.State()
		br.RecordSuccess()
		recordBreakerTransition(stateBefore, br.State())
		metrics.PushesTotal.WithLabelValues("ok").Inc()
		e.consolidate(ctx, docID, batch, resp)
		return
	}
}

func pushResultLabel(t wire.ErrorType) string {
	switch t {
	case wire.ErrTypeNetwork:
		return "network_error"
	case wire.ErrTypeAuthorization:
		return "authorization_error"
	case wire.ErrTypeValidation:
		return "validation_error"
	case wire.ErrTypeDatabase:
		return "database_error"
	default:
		return "storage_error"
	}
}

func recordBreakerTransition(before, after breaker.State) {
	if before == after {
		return
	}
	switch after {
	case breaker.Open:
		metrics.BreakerTripsTotal.WithLabelValues("opened").Inc()
	case breaker.HalfOpen:
		metrics.BreakerTripsTotal.WithLabelValues("half_opened").Inc()
	case breaker.Closed:
		metrics.BreakerTripsTotal.WithLabelValues("closed").Inc()
	}
}

// pushBatch is what was read under the push procedure's readonly tx.
type pushBatch struct {
	docType    string
	clock      uint64
	batchCount int
	clientOps  json.RawMessage // flattened []O as one JSON array, nil if empty
}

func (e *Engine) readPushBatch(ctx context.Context, docID string) (pushBatch, error) {
	e.mu.Lock()
	docType := e.docTypes[docID]
	e.mu.Unlock()

	batch := pushBatch{docType: docType}
	err := e.provider.Transaction(ctx, storage.ReadOnly, func(tx storage.Tx) error {
		batches, txErr := tx.GetOperations(ctx, docID)
		if txErr != nil {
			return txErr
		}
		batch.batchCount = len(batches)
		flattened, flErr := flattenBatches(batches)
		if flErr != nil {
			return flErr
		}
		batch.clientOps = flattened

		rec, txErr := tx.GetSerializedDoc(ctx, docID)
		if errors.Is(txErr, storage.ErrNotFound) {
			batch.clock = 0
			return nil
		}
		if txErr != nil {
			return txErr
		}
		batch.clock = rec.Clock
		return nil
	})
	return batch, err
}

func (e *Engine) sendSync(ctx context.Context, docID string, batch pushBatch) (wire.SyncResponseData, *wire.TypedError, error) {
	req := wire.SyncRequest{DocID: docID, Clock: batch.clock, Operations: batch.clientOps}
	if e.cb.OwnPresencePatch != nil {
		if p, ok := e.cb.OwnPresencePatch(docID); ok {
			req.Presence = p
		}
	}

	var resp wire.SyncResponseData
	typedErr, err := e.sender.Send(ctx, wire.EventSyncOperations, req, &resp)
	return resp, typedErr, err
}

// consolidate implements spec §4.7's readwrite consolidation steps 1-7,
// then the post-consolidation application/broadcast.
func (e *Engine) consolidate(ctx context.Context, docID string, batch pushBatch, resp wire.SyncResponseData) {
	var serverOpsToApply json.RawMessage
	committed := false
	raceLost := false
	outcome := "committed"

	err := e.provider.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		if batch.batchCount > 0 {
			if err := tx.DeleteOperations(ctx, docID, batch.batchCount); err != nil {
				return err
			}
		}

		rec, err := tx.GetSerializedDoc(ctx, docID)
		if errors.Is(err, storage.ErrNotFound) {
			outcome = "doc_removed"
			return storage.ErrAborted // doc removed concurrently
		}
		if err != nil {
			return err
		}
		if rec.Clock >= resp.Clock {
			outcome = "already_consolidated"
			return storage.ErrAborted // already consolidated at >= C'
		}

		allOps, count, err := concatOpArrays(resp.Operations, batch.clientOps)
		if err != nil {
			return err
		}
		if count == 0 {
			outcome = "empty"
			return storage.ErrAborted
		}

		newSnapshot, err := e.cb.ApplySnapshot(ctx, batch.docType, rec.SerializedDoc, allOps)
		if err != nil {
			return err
		}

		rec2, err := tx.GetSerializedDoc(ctx, docID)
		if err != nil {
			return err
		}
		if rec2.Clock != rec.Clock {
			raceLost = true
			outcome = "race_lost"
			return storage.ErrAborted // lost the race; re-armed synchronously below
		}

		if err := tx.SaveSerializedDoc(ctx, storage.DocRecord{DocID: docID, SerializedDoc: newSnapshot, Clock: resp.Clock}); err != nil {
			return err
		}
		committed = true
		serverOpsToApply = resp.Operations
		return nil
	})

	if err != nil {
		if !errors.Is(err, storage.ErrAborted) {
			outcome = "storage_error"
			e.cb.OnSyncError(docID, wire.WrapTypedError(wire.ErrTypeStorage, "consolidate", err))
		}
		metrics.ConsolidationsTotal.WithLabelValues(outcome).Inc()
		if raceLost {
			// Supplemented beyond spec §4.7's literal "silently abort":
			// re-arm immediately instead of waiting solely for a future
			// dirty push, shortening the window where a tab holds a
			// stale snapshot (SPEC_FULL.md §C.3). Dirty sees this docId
			// is still Pushing and flips it to PushingWithPending, which
			// runPush's loop re-issues as soon as this attempt returns.
			e.Dirty(ctx, docID, batch.docType)
		}
		return
	}
	metrics.ConsolidationsTotal.WithLabelValues(outcome).Inc()
	if !committed || len(serverOpsToApply) == 0 {
		return
	}

	if e.cb.ApplyServerOps != nil {
		if err := e.cb.ApplyServerOps(ctx, docID, batch.docType, serverOpsToApply); err != nil {
			return
		}
	}
	if e.cb.OnChange != nil {
		e.cb.OnChange(docID, "remote")
	}
	if e.hub != nil {
		var presence wire.PresencePatch
		if e.cb.OwnPresencePatch != nil {
			if p, ok := e.cb.OwnPresencePatch(docID); ok {
				_ = json.Unmarshal(p, &presence)
			}
		}
		e.hub.Publish(broadcast.Message{
			Kind:       broadcast.KindOperations,
			DocID:      docID,
			Operations: serverOpsToApply,
			Presence:   presence,
		}, e.selfCh)
	}
}

func flattenBatches(batches []storage.OpBatch) (json.RawMessage, error) {
	var all []json.RawMessage
	for _, b := range batches {
		if len(b.Operations) == 0 {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(b.Operations, &elems); err != nil {
			return nil, err
		}
		all = append(all, elems...)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return json.Marshal(all)
}

// concatOpArrays concatenates two opaque JSON-array-of-O values, server
// ops first (spec §4.7 step 4: "allOps = serverOps ++ clientOps"), and
// reports how many elements the result holds so callers can detect the
// empty case without re-parsing.
func concatOpArrays(server, client json.RawMessage) (json.RawMessage, int, error) {
	var all []json.RawMessage
	for _, raw := range []json.RawMessage{server, client} {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, 0, err
		}
		all = append(all, elems...)
	}
	if len(all) == 0 {
		return nil, 0, nil
	}
	out, err := json.Marshal(all)
	return out, len(all), err
}
