// Package tree holds the in-memory documents replicated between layers: a
// Document is a set of last-writer-wins registers built from operations, and
// a Space is a root Document plus lazily loaded app trees, secrets and files.
package tree

import (
	"fmt"
	"sync"
	"time"

	"spacesync/pkg/domain"
)

// RootKey is the property written by the operation that creates a document.
// A document cannot be built from an op set that lacks it.
const RootKey = domain.RootKey

// Document is a last-writer-wins register map keyed by (target, key). It is
// safe for concurrent use; merging is idempotent and order independent.
type Document struct {
	id   string
	peer string

	mu      sync.RWMutex
	clock   uint64
	winners map[domain.Slot]domain.Operation

	applied observers[domain.Operation]
}

// NewDocument creates an empty document authored by peer, including its
// root-creation operation.
func NewDocument(id, peer string) *Document {
	d := newDocument(id, peer)
	d.Set(id, RootKey, time.Now().UTC().Format(time.RFC3339Nano))
	return d
}

func newDocument(id, peer string) *Document {
	return &Document{id: id, peer: peer, winners: make(map[domain.Slot]domain.Operation)}
}

// FromOps rebuilds a document from ops. It returns ErrInsufficientOperations
// when ops do not contain the document's root-creation operation.
func FromOps(id, peer string, ops []domain.Operation) (*Document, error) {
	if !Constructible(id, ops) {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrInsufficientOperations)
	}
	d := newDocument(id, peer)
	d.Merge(ops)
	return d, nil
}

// Constructible reports whether ops are enough to build document id.
func Constructible(id string, ops []domain.Operation) bool { return domain.CreatesTree(id, ops) }

func (d *Document) ID() string   { return d.id }
func (d *Document) Peer() string { return d.peer }

// Set writes value to (target, key) as a new local operation and returns it.
func (d *Document) Set(target, key string, value any) domain.Operation {
	d.mu.Lock()
	d.clock++
	op := domain.Operation{
		ID:       domain.OperationID{Counter: d.clock, AuthorID: d.peer},
		TargetID: target,
		Key:      key,
		Value:    value,
	}
	d.winners[op.Slot()] = op
	d.mu.Unlock()
	d.applied.emit(op)
	return op
}

// Get returns the current value of (target, key).
func (d *Document) Get(target, key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.winners[domain.Slot{TargetID: target, Key: key}]
	return op.Value, ok
}

// Properties returns the current key/value pairs of target.
func (d *Document) Properties(target string) map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any)
	for slot, op := range d.winners {
		if slot.TargetID == target {
			out[slot.Key] = op.Value
		}
	}
	return out
}

// Merge applies ops that beat the current winner of their slot and returns
// them. Ops already present or older than the winner are ignored and raise no
// event.
func (d *Document) Merge(ops []domain.Operation) []domain.Operation {
	var applied []domain.Operation
	d.mu.Lock()
	for _, op := range ops {
		if op.ID.Counter > d.clock {
			d.clock = op.ID.Counter
		}
		cur, ok := d.winners[op.Slot()]
		if ok && !cur.ID.Less(op.ID) {
			continue
		}
		d.winners[op.Slot()] = op
		applied = append(applied, op)
	}
	d.mu.Unlock()
	domain.SortOperations(applied)
	for _, op := range applied {
		d.applied.emit(op)
	}
	return applied
}

// Ops returns the winning operation of every slot, sorted by id.
func (d *Document) Ops() []domain.Operation {
	d.mu.RLock()
	out := make([]domain.Operation, 0, len(d.winners))
	for _, op := range d.winners {
		out = append(out, op)
	}
	d.mu.RUnlock()
	domain.SortOperations(out)
	return out
}

// OnOpApplied registers fn for every operation that changes the document,
// local or merged. The returned func unsubscribes.
func (d *Document) OnOpApplied(fn func(domain.Operation)) (unsubscribe func()) {
	return d.applied.add(fn)
}
