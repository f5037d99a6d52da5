// Package docbind defines the capability set the sync core requires of a
// document model. The core never looks inside D, S or O; it only calls
// through this interface.
package docbind

import "context"

// ChangeEvent is delivered to an OnChange callback after a local commit.
type ChangeEvent[O any] struct {
	Operations []O
}

// ChangeFunc is invoked once per local commit on a live document.
type ChangeFunc[O any] func(ChangeEvent[O])

// Binding is the capability set a document model must provide. D is the
// live, mutable document type; S is its serialized form; O is a single
// operation produced by a local commit.
type Binding[D any, S any, O any] interface {
	// Create returns a fresh document of the given type. If id is
	// non-empty the caller has already minted a DocId and the binding
	// must use it; otherwise Create is free to leave identity to the
	// caller (DocStore always supplies an id in practice).
	Create(ctx context.Context, docType string, id string) (D, error)

	// Serialize fully reifies doc into its wire/storage form.
	Serialize(ctx context.Context, doc D) (S, error)

	// Deserialize reconstructs a live document from a serialized form.
	Deserialize(ctx context.Context, docType string, s S) (D, error)

	// ApplyOperations applies one ordered batch to a live document.
	ApplyOperations(ctx context.Context, doc D, ops []O) error

	// OnChange registers cb to be invoked after each local commit on doc.
	// It returns an unsubscribe function.
	OnChange(doc D, cb ChangeFunc[O]) (unsubscribe func())

	// Dispose releases all listeners and resources held for doc. After
	// Dispose returns, doc must not be used again.
	Dispose(doc D) error
}

// UnknownTypeError is raised when a binding is asked to instantiate or
// deserialize an unregistered document type (spec §7).
type UnknownTypeError struct {
	DocType string
}

func (e *UnknownTypeError) Error() string {
	return "docbind: unknown document type " + e.DocType
}
