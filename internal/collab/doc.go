package collab

import (
	"sort"
	"sync"

	"huddle/internal/doctree"

	"github.com/google/uuid"
)

// RootID is the implicit node id of the document root. The root is never
// inserted or deleted; it materializes as the single doc node.
const RootID = "root"

type element struct {
	nodeID   string
	parentID string
	pos      string
	elem     Element
	deleted  bool
	editedBy OpID
	inserted OpID
}

// Doc is one replica of the shared meeting note. All state derives from the
// set of applied operations, so Apply is commutative and idempotent: two
// replicas that received the same multiset of operations materialize
// structurally equal trees regardless of arrival order.
type Doc struct {
	mu      sync.Mutex
	actor   string
	clock   uint64
	nodes   map[string]*element
	applied map[OpID]struct{}
	// orphans buffers inserts that arrived before their parent.
	orphans map[string][]Op
}

// NewDoc creates a replica with a fresh actor identity.
func NewDoc() *Doc {
	return NewDocWithActor(uuid.NewString())
}

// NewDocWithActor creates a replica with a fixed actor identity (tests).
func NewDocWithActor(actor string) *Doc {
	return &Doc{
		actor:   actor,
		nodes:   make(map[string]*element),
		applied: make(map[OpID]struct{}),
		orphans: make(map[string][]Op),
	}
}

// Actor returns the replica's actor identity.
func (d *Doc) Actor() string {
	return d.actor
}

func (d *Doc) nextID() OpID {
	d.clock++
	return OpID{Actor: d.actor, Seq: d.clock}
}

// InsertNode creates and applies a local insert under parentID. Position is
// chosen after the current last sibling unless an explicit pos is given.
// The returned op must be propagated to peers.
func (d *Doc) InsertNode(parentID, pos string, elem Element) Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pos == "" {
		last := ""
		for _, node := range d.nodes {
			if node.parentID == parentID && !node.deleted && node.pos > last {
				last = node.pos
			}
		}
		pos = PosBetween(last, "")
	}
	op := Op{
		ID:       d.nextID(),
		Kind:     OpInsert,
		NodeID:   uuid.NewString(),
		ParentID: parentID,
		Pos:      pos,
		Elem:     elem,
	}
	d.applyLocked(op)
	return op
}

// DeleteNode tombstones a node locally and returns the op to propagate.
func (d *Doc) DeleteNode(nodeID string) Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	op := Op{ID: d.nextID(), Kind: OpDelete, NodeID: nodeID}
	d.applyLocked(op)
	return op
}

// EditNode replaces a node's payload locally and returns the op to propagate.
// Concurrent edits of the same node converge last-writer-wins.
func (d *Doc) EditNode(nodeID string, elem Element) Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	op := Op{ID: d.nextID(), Kind: OpEdit, NodeID: nodeID, Elem: elem}
	d.applyLocked(op)
	return op
}

// Apply integrates a remote operation. Duplicate delivery is a no-op.
func (d *Doc) Apply(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(op)
}

func (d *Doc) applyLocked(op Op) {
	if _, seen := d.applied[op.ID]; seen {
		return
	}
	// Advance the Lamport clock past every observed op so local ops always
	// win LWW against everything already seen.
	if op.ID.Seq > d.clock {
		d.clock = op.ID.Seq
	}

	switch op.Kind {
	case OpInsert:
		if op.ParentID != RootID {
			if _, ok := d.nodes[op.ParentID]; !ok {
				// Parent not delivered yet; hold until it is.
				d.orphans[op.ParentID] = append(d.orphans[op.ParentID], op)
				return
			}
		}
		d.applied[op.ID] = struct{}{}
		if existing, exists := d.nodes[op.NodeID]; exists {
			if existing.inserted == (OpID{}) {
				// A delete arrived first and left a pre-tombstone; fill in
				// the insert so the node's children still resolve.
				existing.parentID = op.ParentID
				existing.pos = op.Pos
				existing.elem = op.Elem
				existing.editedBy = op.ID
				existing.inserted = op.ID
				d.adoptOrphans(op.NodeID)
			}
			return
		}
		d.nodes[op.NodeID] = &element{
			nodeID:   op.NodeID,
			parentID: op.ParentID,
			pos:      op.Pos,
			elem:     op.Elem,
			editedBy: op.ID,
			inserted: op.ID,
		}
		d.adoptOrphans(op.NodeID)

	case OpDelete:
		d.applied[op.ID] = struct{}{}
		node, ok := d.nodes[op.NodeID]
		if !ok {
			// Delete may precede the insert; record it as a pre-tombstone.
			d.nodes[op.NodeID] = &element{nodeID: op.NodeID, deleted: true}
			d.adoptOrphans(op.NodeID)
			return
		}
		node.deleted = true

	case OpEdit:
		node, ok := d.nodes[op.NodeID]
		if !ok {
			// Edit raced ahead of its insert; hold until the node exists.
			d.orphans[op.NodeID] = append(d.orphans[op.NodeID], op)
			return
		}
		d.applied[op.ID] = struct{}{}
		if node.editedBy.Less(op.ID) {
			node.elem = op.Elem
			node.editedBy = op.ID
		}
	}
}

func (d *Doc) adoptOrphans(parentID string) {
	pending := d.orphans[parentID]
	if len(pending) == 0 {
		return
	}
	delete(d.orphans, parentID)
	for _, op := range pending {
		d.applyLocked(op)
	}
}

// Snapshot materializes the replica into a document tree, reflecting every
// locally applied operation. Siblings order by (pos, nodeID); tombstoned
// nodes and their subtrees are omitted.
func (d *Doc) Snapshot() doctree.Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	children := make(map[string][]*element)
	for _, node := range d.nodes {
		if node.inserted == (OpID{}) {
			continue
		}
		children[node.parentID] = append(children[node.parentID], node)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].pos != siblings[j].pos {
				return siblings[i].pos < siblings[j].pos
			}
			return siblings[i].nodeID < siblings[j].nodeID
		})
	}

	var build func(parentID string) []doctree.Node
	build = func(parentID string) []doctree.Node {
		var out []doctree.Node
		for _, child := range children[parentID] {
			if child.deleted {
				continue
			}
			node := elementToNode(child.elem)
			node.Children = build(child.nodeID)
			out = append(out, node)
		}
		return out
	}

	return doctree.Node{Type: doctree.NodeDoc, Children: build(RootID)}
}

// Empty reports whether the materialized document has no content.
func (d *Doc) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if node.inserted != (OpID{}) && !node.deleted {
			return false
		}
	}
	return true
}

func elementToNode(elem Element) doctree.Node {
	node := doctree.Node{Attrs: elem.Attrs, Text: elem.Text, Marks: elem.Marks}
	switch doctree.NodeType(elem.Type) {
	case doctree.NodeParagraph, doctree.NodeHeading, doctree.NodeBulletList,
		doctree.NodeOrderedList, doctree.NodeListItem, doctree.NodeBlockquote,
		doctree.NodeCodeBlock, doctree.NodeHorizontalRule, doctree.NodeText:
		node.Type = doctree.NodeType(elem.Type)
	default:
		node.Type = doctree.NodeUnknown
		node.TypeName = elem.Type
	}
	return node
}
