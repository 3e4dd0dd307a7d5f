// Package collab implements the replicated document that participants of a
// live meeting edit concurrently. Replication is operation-based: the state of
// a replica is the set of operations it has received, so applying the same
// operations in any order, any number of times, yields the same document.
package collab

import (
	"fmt"

	"huddle/internal/doctree"
)

// OpID uniquely identifies an operation. Seq is a Lamport counter; Actor
// breaks ties, so OpIDs are totally ordered across replicas.
type OpID struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
}

// Less orders OpIDs by counter, then actor.
func (id OpID) Less(other OpID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Actor < other.Actor
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%s", id.Seq, id.Actor)
}

// OpKind enumerates the operation types.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpEdit   OpKind = "edit"
)

// Element is the payload of a single document node, excluding its children;
// tree shape is carried by the operations themselves.
type Element struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
	Text  string         `json:"text,omitempty"`
	Marks []doctree.Mark `json:"marks,omitempty"`
}

// Op is one replicated edit.
//
//   - insert: places a new node NodeID under ParentID at fractional position
//     Pos, carrying Elem.
//   - delete: tombstones NodeID (and thereby hides its subtree).
//   - edit: replaces the payload of NodeID; concurrent edits resolve
//     last-writer-wins by OpID.
type Op struct {
	ID       OpID    `json:"id"`
	Kind     OpKind  `json:"kind"`
	NodeID   string  `json:"nodeId"`
	ParentID string  `json:"parentId,omitempty"`
	Pos      string  `json:"pos,omitempty"`
	Elem     Element `json:"elem,omitempty"`
}
