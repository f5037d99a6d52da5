// Package server implements SyncServer (spec §4.9): the dispatcher that
// authenticates connections, tracks room membership per document, calls
// through to the authoritative ServerProvider, and fans out dirty/
// presence pushes. It is grounded on the teacher's session.Hub/Document/
// Session (room-per-doc, GetOrCreate, Join/Leave, Dispatch,
// Broadcast(msg, excludeID) already implements "except the sender") with
// the device-exclusion rule from spec §4.9.3 added on top.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Polqt/docsync/storage"
)

// Provider is the server-side authority for one document store (spec
// §4.2's "ServerProvider" role): it assigns the server clock, appends
// accepted client operations to the shared log, and reports back
// whatever operations the requester hasn't seen yet. It is built on the
// same storage.Provider contract the client uses, per storage.go's own
// doc comment ("the transactional KV contract shared by ClientProvider
// and ServerProvider").
type Provider struct {
	storage storage.Provider
}

func NewProvider(s storage.Provider) *Provider {
	return &Provider{storage: s}
}

// SyncResult is what Sync reports back to the dispatcher.
type SyncResult struct {
	Operations    json.RawMessage // ops with clock > the requester's clock, or nil
	SerializedDoc json.RawMessage // left nil: this implementation doesn't squash server-side (see DESIGN.md)
	Clock         uint64
}

// Sync implements spec §4.9 step 2: "assign new clock C', append client
// ops to the doc's op log at that clock, return {operations, clock}".
// The server clock for a docId is the sequence number its op log has
// most recently assigned, plus one — every provider.Transaction call
// already hands out monotonically increasing Seq values per docId,
// starting at 0 (storage.go's compound-key scheme), and clock 0 is
// reserved for "no state yet", so no separate counter is needed.
func (p *Provider) Sync(ctx context.Context, docID string, reqClock uint64, clientOps json.RawMessage) (SyncResult, error) {
	var result SyncResult

	err := p.storage.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		existing, err := tx.GetOperations(ctx, docID)
		if err != nil {
			return err
		}

		newClock := reqClock
		if len(existing) > 0 {
			newClock = existing[len(existing)-1].Seq + 1
		}

		if hasOps(clientOps) {
			if err := tx.SaveOperations(ctx, storage.OpBatch{DocID: docID, Operations: clientOps}); err != nil {
				return err
			}
			refreshed, err := tx.GetOperations(ctx, docID)
			if err != nil {
				return err
			}
			newClock = refreshed[len(refreshed)-1].Seq + 1
		}

		var unseen []json.RawMessage
		for _, b := range existing {
			if b.Seq+1 <= reqClock {
				continue
			}
			elems, err := splitOpArray(b.Operations)
			if err != nil {
				return err
			}
			unseen = append(unseen, elems...)
		}
		if len(unseen) > 0 {
			raw, err := json.Marshal(unseen)
			if err != nil {
				return err
			}
			result.Operations = raw
		}
		result.Clock = newClock
		return nil
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("server: sync: %w", err)
	}
	return result, nil
}

func hasOps(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return false
	}
	return len(elems) > 0
}

func splitOpArray(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	return elems, nil
}
