package domain

import (
	"fmt"
	"sort"
)

// OperationID identifies an operation. Counter is a per-author Lamport counter.
type OperationID struct {
	Counter  uint64 `json:"counter"`
	AuthorID string `json:"author_id"`
}

// Compare orders ids by counter, then lexicographically by author. It returns
// -1, 0 or +1. This is the only ordering used to resolve conflicting writes.
func (id OperationID) Compare(other OperationID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	case id.AuthorID < other.AuthorID:
		return -1
	case id.AuthorID > other.AuthorID:
		return 1
	default:
		return 0
	}
}

// Less reports whether id sorts strictly before other.
func (id OperationID) Less(other OperationID) bool { return id.Compare(other) < 0 }

// IsZero reports whether the id is unset.
func (id OperationID) IsZero() bool { return id.Counter == 0 && id.AuthorID == "" }

func (id OperationID) String() string { return fmt.Sprintf("%d@%s", id.Counter, id.AuthorID) }

// Slot addresses one last-writer-wins register of a document.
type Slot struct {
	TargetID string `json:"target_id"`
	Key      string `json:"key"`
}

// Operation sets property Key of node TargetID to Value.
type Operation struct {
	ID       OperationID `json:"id"`
	TargetID string      `json:"target_id"`
	Key      string      `json:"key"`
	Value    any         `json:"value,omitempty"`
}

// Slot returns the register the operation writes to.
func (op Operation) Slot() Slot { return Slot{TargetID: op.TargetID, Key: op.Key} }

// SortOperations orders ops ascending by id in place.
func SortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].ID.Less(ops[j].ID) })
}

// WinnersBySlot indexes ops by slot keeping the greatest id per slot.
func WinnersBySlot(ops []Operation) map[Slot]Operation {
	out := make(map[Slot]Operation, len(ops))
	for _, op := range ops {
		cur, ok := out[op.Slot()]
		if !ok || cur.ID.Less(op.ID) {
			out[op.Slot()] = op
		}
	}
	return out
}

// RootKey is the property written by the operation that creates a document.
const RootKey = "_c"

// CreatesTree reports whether ops contain the creation operation of treeID.
// Without it no document can be built from ops.
func CreatesTree(treeID string, ops []Operation) bool {
	for _, op := range ops {
		if op.TargetID == treeID && op.Key == RootKey {
			return true
		}
	}
	return false
}
