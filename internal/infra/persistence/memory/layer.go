// Package memory implements a process-local persistence layer. Several runners
// can share one Layer to simulate a remote peer: every save is fanned out to
// all listeners.
package memory

import (
	"context"
	"maps"
	"sync"

	"spacesync/pkg/domain"
)

var _ domain.PersistenceLayer = (*Layer)(nil)

// Option configures a Layer.
type Option func(*Layer)

// WithCompaction keeps only the winning op per slot, dropping history.
func WithCompaction() Option { return func(l *Layer) { l.compacted = true } }

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(c domain.Capabilities) Option { return func(l *Layer) { l.caps = c } }

// WithSpaceID seeds the stored space id.
func WithSpaceID(id string) Option { return func(l *Layer) { l.spaceID = id } }

// Layer stores ops, secrets and the space id in memory.
type Layer struct {
	domain.BaseLayer

	id        string
	caps      domain.Capabilities
	compacted bool

	mu        sync.RWMutex
	spaceID   string
	trees     map[string]map[domain.OperationID]domain.Operation
	secrets   map[string]string
	listeners map[int]domain.OpsHandler
	nextL     int
	saves     int
}

// New returns an empty layer with every capability but Upload enabled.
func New(id string, opts ...Option) *Layer {
	l := &Layer{
		id:        id,
		caps:      domain.Capabilities{SpaceID: true, Listen: true, Secrets: true},
		trees:     make(map[string]map[domain.OperationID]domain.Operation),
		secrets:   make(map[string]string),
		listeners: make(map[int]domain.OpsHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) ID() string                        { return l.id }
func (l *Layer) Capabilities() domain.Capabilities { return l.caps }

// SpaceID returns the id of the first document saved with its creation op.
func (l *Layer) SpaceID(context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.spaceID == "" {
		return "", domain.ErrSpaceNotFound
	}
	return l.spaceID, nil
}

func (l *Layer) LoadTreeOps(_ context.Context, treeID string) ([]domain.Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stored := l.trees[treeID]
	out := make([]domain.Operation, 0, len(stored))
	for _, op := range stored {
		out = append(out, op)
	}
	domain.SortOperations(out)
	return out, nil
}

// SaveTreeOps stores ops and pushes them to every listener.
func (l *Layer) SaveTreeOps(_ context.Context, treeID string, ops []domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	l.mu.Lock()
	l.store(treeID, ops)
	handlers := make([]domain.OpsHandler, 0, len(l.listeners))
	for _, fn := range l.listeners {
		handlers = append(handlers, fn)
	}
	l.mu.Unlock()
	pushed := append([]domain.Operation(nil), ops...)
	for _, fn := range handlers {
		fn(treeID, pushed)
	}
	return nil
}

func (l *Layer) store(treeID string, ops []domain.Operation) {
	l.saves++
	if l.spaceID == "" && domain.CreatesTree(treeID, ops) {
		l.spaceID = treeID
	}
	stored, ok := l.trees[treeID]
	if !ok {
		stored = make(map[domain.OperationID]domain.Operation)
		l.trees[treeID] = stored
	}
	for _, op := range ops {
		stored[op.ID] = op
	}
	if !l.compacted {
		return
	}
	all := make([]domain.Operation, 0, len(stored))
	for _, op := range stored {
		all = append(all, op)
	}
	compact := make(map[domain.OperationID]domain.Operation, len(stored))
	for _, op := range domain.WinnersBySlot(all) {
		compact[op.ID] = op
	}
	l.trees[treeID] = compact
}

// StartListening registers fn until ctx is done.
func (l *Layer) StartListening(ctx context.Context, fn domain.OpsHandler) error {
	l.mu.Lock()
	id := l.nextL
	l.nextL++
	l.listeners[id] = fn
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}()
	return nil
}

func (l *Layer) LoadSecrets(context.Context) (map[string]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.secrets), nil
}

func (l *Layer) SaveSecrets(_ context.Context, secrets map[string]string) error {
	l.mu.Lock()
	maps.Copy(l.secrets, secrets)
	l.mu.Unlock()
	return nil
}

// UploadMissing stores the ops the layer does not hold yet.
func (l *Layer) UploadMissing(ctx context.Context, treeID string, ops []domain.Operation) error {
	l.mu.RLock()
	stored := l.trees[treeID]
	var missing []domain.Operation
	for _, op := range ops {
		if _, ok := stored[op.ID]; !ok {
			missing = append(missing, op)
		}
	}
	l.mu.RUnlock()
	return l.SaveTreeOps(ctx, treeID, missing)
}

// Saves reports how many non-empty SaveTreeOps calls the layer received.
func (l *Layer) Saves() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.saves
}

// Listeners reports the number of active listeners.
func (l *Layer) Listeners() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}
