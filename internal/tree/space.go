package tree

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"spacesync/internal/filestore"
	"spacesync/pkg/domain"
)

const (
	// AppTreesVertex is the root-document node whose properties point at app
	// trees: key is the tree id, value the app id.
	AppTreesVertex = "app-trees"
	// AppIDKey is the property of an app tree's root node holding its app id.
	AppIDKey = "app_id"
	nameKey  = "name"
)

// TreeLoader resolves an app tree that is not loaded yet.
type TreeLoader func(ctx context.Context, treeID string) (*Document, error)

// Space is a root document plus its app trees, secrets and file store.
// Every Space value gets its own random peer id; local writes to any of its
// documents are authored with it.
type Space struct {
	peer string
	root *Document

	mu      sync.RWMutex
	trees   map[string]*Document
	loader  TreeLoader
	secrets map[string]string
	files   *filestore.Store

	treeCreated   observers[*Document]
	treeLoaded    observers[*Document]
	secretWritten observers[map[string]string]
}

// NewSpace creates a space with a fresh id.
func NewSpace(name string) *Space {
	s := newSpace()
	s.root = NewDocument(uuid.NewString(), s.peer)
	if name != "" {
		s.root.Set(s.root.ID(), nameKey, name)
	}
	return s
}

// SpaceFromOps rebuilds space id from ops. It returns
// ErrInsufficientOperations while ops cannot build the root document.
func SpaceFromOps(id string, ops []domain.Operation) (*Space, error) {
	s := newSpace()
	root, err := FromOps(id, s.peer, ops)
	if err != nil {
		return nil, err
	}
	s.root = root
	return s, nil
}

func newSpace() *Space {
	return &Space{
		peer:    uuid.NewString(),
		trees:   make(map[string]*Document),
		secrets: make(map[string]string),
	}
}

func (s *Space) ID() string      { return s.root.ID() }
func (s *Space) Peer() string    { return s.peer }
func (s *Space) Root() *Document { return s.root }

// Name returns the display name stored on the root node.
func (s *Space) Name() string {
	v, _ := s.root.Get(s.root.ID(), nameKey)
	name, _ := v.(string)
	return name
}

func (s *Space) SetName(name string) { s.root.Set(s.root.ID(), nameKey, name) }

// NewAppTree creates an app tree for appID, records its pointer in the root
// document and notifies OnAppTreeCreated observers.
func (s *Space) NewAppTree(appID string) *Document {
	doc := NewDocument(uuid.NewString(), s.peer)
	doc.Set(doc.ID(), AppIDKey, appID)
	s.mu.Lock()
	s.trees[doc.ID()] = doc
	s.mu.Unlock()
	s.root.Set(AppTreesVertex, doc.ID(), appID)
	s.treeCreated.emit(doc)
	return doc
}

// AppTreeIDs lists the app trees referenced by the root document, loaded or not.
func (s *Space) AppTreeIDs() []string {
	props := s.root.Properties(AppTreesVertex)
	ids := make([]string, 0, len(props))
	for id := range props {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AppTree returns a loaded app tree.
func (s *Space) AppTree(id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.trees[id]
	return doc, ok
}

// LoadedAppTrees returns the app trees currently in memory ordered by id.
func (s *Space) LoadedAppTrees() []*Document {
	s.mu.RLock()
	out := make([]*Document, 0, len(s.trees))
	for _, doc := range s.trees {
		out = append(out, doc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Document returns the root document or a loaded app tree by id.
func (s *Space) Document(id string) (*Document, bool) {
	if id == s.root.ID() {
		return s.root, true
	}
	return s.AppTree(id)
}

// SetTreeLoader installs the function LoadAppTree uses for trees not in memory.
func (s *Space) SetTreeLoader(fn TreeLoader) {
	s.mu.Lock()
	s.loader = fn
	s.mu.Unlock()
}

// LoadAppTree returns app tree id, loading it through the tree loader when it
// is not in memory. A loaded tree is announced to OnAppTreeLoaded observers.
func (s *Space) LoadAppTree(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	doc, ok := s.trees[id]
	loader := s.loader
	s.mu.RUnlock()
	if ok {
		return doc, nil
	}
	if loader == nil {
		return nil, fmt.Errorf("app tree %s: %w", id, domain.ErrTreeNotFound)
	}
	loaded, err := loader(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.trees[id]; ok {
		s.mu.Unlock()
		existing.Merge(loaded.Ops())
		return existing, nil
	}
	s.trees[id] = loaded
	s.mu.Unlock()
	s.treeLoaded.emit(loaded)
	return loaded, nil
}

// OnAppTreeCreated registers fn for app trees created through NewAppTree.
func (s *Space) OnAppTreeCreated(fn func(*Document)) func() { return s.treeCreated.add(fn) }

// OnAppTreeLoaded registers fn for app trees resolved by LoadAppTree.
func (s *Space) OnAppTreeLoaded(fn func(*Document)) func() { return s.treeLoaded.add(fn) }

// Secret returns one secret value.
func (s *Space) Secret(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	return v, ok
}

// Secrets returns a copy of all secrets.
func (s *Space) Secrets() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.secrets)
}

// SetSecret stores one secret and notifies OnSecretWritten observers.
func (s *Space) SetSecret(key, value string) {
	s.SetSecrets(map[string]string{key: value})
}

// SetSecrets stores several secrets and notifies observers once with all of
// them.
func (s *Space) SetSecrets(secrets map[string]string) {
	if len(secrets) == 0 {
		return
	}
	s.mu.Lock()
	maps.Copy(s.secrets, secrets)
	s.mu.Unlock()
	s.secretWritten.emit(maps.Clone(secrets))
}

// ImportSecrets installs secrets loaded from storage without notifying
// observers.
func (s *Space) ImportSecrets(secrets map[string]string) {
	s.mu.Lock()
	maps.Copy(s.secrets, secrets)
	s.mu.Unlock()
}

// OnSecretWritten registers fn for every SetSecret/SetSecrets call. fn
// receives only the written entries.
func (s *Space) OnSecretWritten(fn func(map[string]string)) func() {
	return s.secretWritten.add(fn)
}

func (s *Space) FileStore() *filestore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files
}

func (s *Space) SetFileStore(fs *filestore.Store) {
	s.mu.Lock()
	s.files = fs
	s.mu.Unlock()
}

// RequireFileStore returns the attached file store or
// ErrMissingStorageProvider.
func (s *Space) RequireFileStore() (*filestore.Store, error) {
	if fs := s.FileStore(); fs != nil {
		return fs, nil
	}
	return nil, domain.ErrMissingStorageProvider
}
