package domain

import "context"

// Capabilities declares which optional parts of PersistenceLayer a layer implements.
type Capabilities struct {
	SpaceID bool // SpaceID discovers the stored space id
	Listen  bool // StartListening pushes remote ops
	Secrets bool // LoadSecrets / SaveSecrets persist secrets
	Upload  bool // UploadMissing catches the layer up from a resolved document
}

// OpsHandler receives operations pushed by a layer for a document.
type OpsHandler func(treeID string, ops []Operation)

// PersistenceLayer is a storage adapter holding per-document operation logs.
// A layer may hold a compacted subset of history (only the winning op per
// slot); callers must not assume completeness.
//
// Optional methods are gated by Capabilities. Embed BaseLayer to inherit
// no-op defaults for the ones a layer does not implement.
type PersistenceLayer interface {
	ID() string
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Dispose(ctx context.Context) error

	SpaceID(ctx context.Context) (string, error)
	LoadTreeOps(ctx context.Context, treeID string) ([]Operation, error)
	SaveTreeOps(ctx context.Context, treeID string, ops []Operation) error
	// StartListening delivers remote ops to fn until ctx is cancelled.
	StartListening(ctx context.Context, fn OpsHandler) error

	LoadSecrets(ctx context.Context) (map[string]string, error)
	SaveSecrets(ctx context.Context, secrets map[string]string) error

	// UploadMissing receives every op of a fully resolved document after the
	// initial load so the layer can store whatever it lacks.
	UploadMissing(ctx context.Context, treeID string, ops []Operation) error
}

// BaseLayer supplies no-op lifecycle hooks and ErrUnsupported for optional capabilities.
type BaseLayer struct{}

func (BaseLayer) Capabilities() Capabilities                       { return Capabilities{} }
func (BaseLayer) Connect(context.Context) error                    { return nil }
func (BaseLayer) Disconnect(context.Context) error                 { return nil }
func (BaseLayer) Dispose(context.Context) error                    { return nil }
func (BaseLayer) SpaceID(context.Context) (string, error)          { return "", ErrUnsupported }
func (BaseLayer) StartListening(context.Context, OpsHandler) error { return ErrUnsupported }
func (BaseLayer) LoadSecrets(context.Context) (map[string]string, error) {
	return nil, ErrUnsupported
}
func (BaseLayer) SaveSecrets(context.Context, map[string]string) error { return ErrUnsupported }
func (BaseLayer) UploadMissing(context.Context, string, []Operation) error {
	return ErrUnsupported
}
