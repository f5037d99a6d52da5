// Package textdoc is a reference DocBinding implementation backing onto a
// Replicated Growable Array (RGA), the CRDT the teacher project stubbed
// out in crdt/crdt.go. It exists so the sync core can be exercised end to
// end without a real rich-text editor attached, and so its tests have a
// concrete, fully-implemented D/S/O triple to drive.
package textdoc

import (
	"context"
	"fmt"
	"sync"

	"github.com/Polqt/docsync/docbind"
)

// NodeID uniquely identifies a character globally: the node that minted it
// plus a per-node sequence number.
type NodeID struct {
	NodeID string `json:"nodeId"`
	Seq    uint64 `json:"seq"`
}

func (id NodeID) isZero() bool { return id.NodeID == "" && id.Seq == 0 }

// node is one character in the RGA's linked array.
type node struct {
	ID          NodeID
	InsertAfter NodeID
	Char        rune
	Deleted     bool
}

// Op is a single RGA mutation: an insert carries the new node's identity
// and payload; a delete carries only the target ID.
type Op struct {
	Insert *node  `json:"insert,omitempty"`
	Delete *NodeID `json:"delete,omitempty"`
}

// Snapshot is the fully-reified, serializable form of a Doc.
type Snapshot struct {
	DocID string `json:"docId"`
	Nodes []node `json:"nodes"`
}

// Doc is a live, mutable collaborative text document.
type Doc struct {
	mu        sync.Mutex
	id        string
	nodes     []node         // ordered by RGA position (invariant)
	index     map[NodeID]int // ID -> index in nodes
	localSeq  uint64
	listeners map[int]docbind.ChangeFunc[Op]
	nextLID   int
}

func newDoc(id string) *Doc {
	return &Doc{id: id, index: make(map[NodeID]int), listeners: make(map[int]docbind.ChangeFunc[Op])}
}

// Binding implements docbind.Binding[*Doc, Snapshot, Op].
type Binding struct{}

// New returns a textdoc binding. The only registered doc type is "text".
func New() *Binding { return &Binding{} }

const DocType = "text"

func (Binding) Create(_ context.Context, docType string, id string) (*Doc, error) {
	if docType != DocType {
		return nil, &docbind.UnknownTypeError{DocType: docType}
	}
	return newDoc(id), nil
}

func (Binding) Serialize(_ context.Context, d *Doc) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := make([]node, len(d.nodes))
	copy(nodes, d.nodes)
	return Snapshot{DocID: d.id, Nodes: nodes}, nil
}

func (Binding) Deserialize(_ context.Context, docType string, s Snapshot) (*Doc, error) {
	if docType != DocType {
		return nil, &docbind.UnknownTypeError{DocType: docType}
	}
	d := newDoc(s.DocID)
	d.nodes = make([]node, len(s.Nodes))
	copy(d.nodes, s.Nodes)
	for i, n := range d.nodes {
		d.index[n.ID] = i
		if n.ID.NodeID == "" {
			continue
		}
	}
	return d, nil
}

func (Binding) ApplyOperations(_ context.Context, d *Doc, ops []Op) error {
	for _, op := range ops {
		if err := d.apply(op); err != nil {
			return err
		}
	}
	return nil
}

func (Binding) OnChange(d *Doc, cb docbind.ChangeFunc[Op]) func() {
	d.mu.Lock()
	id := d.nextLID
	d.nextLID++
	d.listeners[id] = cb
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (Binding) Dispose(d *Doc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = nil
	d.nodes = nil
	d.index = nil
	return nil
}

// InsertLocal inserts char after afterID as a local commit, notifying
// listeners with the resulting operation batch. A zero NodeID inserts at
// the beginning of the document.
func (d *Doc) InsertLocal(nodeID string, afterID NodeID, char rune) (NodeID, error) {
	d.mu.Lock()
	d.localSeq++
	n := node{ID: NodeID{NodeID: nodeID, Seq: d.localSeq}, InsertAfter: afterID, Char: char}
	if err := d.insertLocked(n); err != nil {
		d.mu.Unlock()
		return NodeID{}, err
	}
	listeners := d.snapshotListeners()
	d.mu.Unlock()
	d.notify(listeners, Op{Insert: &n})
	return n.ID, nil
}

// DeleteLocal tombstones id as a local commit.
func (d *Doc) DeleteLocal(id NodeID) error {
	d.mu.Lock()
	if err := d.deleteLocked(id); err != nil {
		d.mu.Unlock()
		return err
	}
	listeners := d.snapshotListeners()
	d.mu.Unlock()
	d.notify(listeners, Op{Delete: &id})
	return nil
}

// Text returns the current document text, ignoring tombstones.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b []rune
	for _, n := range d.nodes {
		if !n.Deleted {
			b = append(b, n.Char)
		}
	}
	return string(b)
}

func (d *Doc) snapshotListeners() []docbind.ChangeFunc[Op] {
	out := make([]docbind.ChangeFunc[Op], 0, len(d.listeners))
	for _, cb := range d.listeners {
		out = append(out, cb)
	}
	return out
}

func (d *Doc) notify(listeners []docbind.ChangeFunc[Op], op Op) {
	for _, cb := range listeners {
		cb(docbind.ChangeEvent[Op]{Operations: []Op{op}})
	}
}

func (d *Doc) apply(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case op.Insert != nil:
		return d.insertLocked(*op.Insert)
	case op.Delete != nil:
		return d.deleteLocked(*op.Delete)
	default:
		return fmt.Errorf("textdoc: empty operation")
	}
}

// insertLocked places n immediately after its InsertAfter anchor, skipping
// past any existing children of that anchor that causally outrank n so
// concurrent inserts at the same position converge to the same total
// order: among siblings, higher Seq sorts first, ties broken by NodeID.
func (d *Doc) insertLocked(n node) error {
	if _, exists := d.index[n.ID]; exists {
		return nil // already applied (idempotent under redelivery)
	}

	insertAt := 0
	if !n.InsertAfter.isZero() {
		anchor, ok := d.index[n.InsertAfter]
		if !ok {
			return fmt.Errorf("textdoc: insert after unknown node %+v", n.InsertAfter)
		}
		insertAt = anchor + 1
	}
	for insertAt < len(d.nodes) && d.nodes[insertAt].InsertAfter == n.InsertAfter && outranks(d.nodes[insertAt].ID, n.ID) {
		insertAt++
	}

	d.nodes = append(d.nodes, node{})
	copy(d.nodes[insertAt+1:], d.nodes[insertAt:])
	d.nodes[insertAt] = n
	d.reindexFrom(insertAt)
	return nil
}

func (d *Doc) deleteLocked(id NodeID) error {
	idx, ok := d.index[id]
	if !ok {
		return fmt.Errorf("textdoc: delete of unknown node %+v", id)
	}
	d.nodes[idx].Deleted = true
	return nil
}

func (d *Doc) reindexFrom(start int) {
	for i := start; i < len(d.nodes); i++ {
		d.index[d.nodes[i].ID] = i
	}
}

// outranks reports whether a causally outranks b among siblings inserted
// after the same anchor: higher Seq wins, NodeID breaks ties.
func outranks(a, b NodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.NodeID > b.NodeID
}
