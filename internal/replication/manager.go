package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"spacesync/internal/filestore"
	"spacesync/internal/tree"
	"spacesync/pkg/domain"
)

// FileLayerFunc resolves the file provider for a space key. It returns a nil
// provider when the space has no file storage.
type FileLayerFunc func(ctx context.Context, key string) (filestore.Provider, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithManagerMetrics(mt *Metrics) ManagerOption { return func(m *Manager) { m.metrics = mt } }

// WithFileLayers attaches file stores to managed spaces.
func WithFileLayers(fn FileLayerFunc) ManagerOption { return func(m *Manager) { m.files = fn } }

// WithLoadTimeout bounds Manager.LoadSpace. Zero waits for ctx alone.
func WithLoadTimeout(d time.Duration) ManagerOption { return func(m *Manager) { m.timeout = d } }

// Manager owns the running spaces of a process, keyed by space URI.
type Manager struct {
	logger  *zap.Logger
	metrics *Metrics
	files   FileLayerFunc
	timeout time.Duration

	mu      sync.Mutex
	runners map[string]*Runner
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: zap.NewNop(), runners: make(map[string]*Runner)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) runnerOptions(ctx context.Context, key string) []Option {
	opts := []Option{WithLogger(m.logger), WithMetrics(m.metrics)}
	if m.files == nil {
		return opts
	}
	p, err := m.files(ctx, key)
	if err != nil {
		m.logger.Warn("file layer unavailable", zap.String("space", key), zap.Error(err))
		return opts
	}
	if p != nil {
		opts = append(opts, WithFileLayer(p))
	}
	return opts
}

// register returns the runner running under key, or registers the one built
// by create. The file layer is only opened for keys that are not running.
func (m *Manager) register(ctx context.Context, key string, create func([]Option) *Runner) (*Runner, bool) {
	m.mu.Lock()
	r, ok := m.runners[key]
	m.mu.Unlock()
	if ok {
		return r, false
	}
	opts := m.runnerOptions(ctx, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[key]; ok {
		return r, false
	}
	r = create(opts)
	m.runners[key] = r
	return r, true
}

// AddNewSpace starts tracking a space created in memory and pushes it to
// layers. key defaults to the space id. A key that is already running is
// left untouched.
func (m *Manager) AddNewSpace(ctx context.Context, space *tree.Space, layers []domain.PersistenceLayer, key string) *Runner {
	if key == "" {
		key = space.ID()
	}
	r, created := m.register(ctx, key, func(opts []Option) *Runner {
		r := newRunner(key, layers, opts)
		r.begin(space)
		return r
	})
	if !created {
		return r
	}
	r.start(ctx, space)
	m.logger.Info("space added", zap.String("space", key), zap.Int("layers", len(layers)))
	return r
}

// LoadSpace returns the running space for pointer, loading it from layers
// when it is not running yet.
func (m *Manager) LoadSpace(ctx context.Context, pointer domain.SpacePointer, layers []domain.PersistenceLayer) (*tree.Space, error) {
	key := pointer.Key()
	if key == "" {
		return nil, fmt.Errorf("load space: empty pointer: %w", domain.ErrSpaceNotFound)
	}
	r, _ := m.register(ctx, key, func(opts []Option) *Runner {
		return NewFromURI(key, layers, append(opts, WithSpaceIDHint(pointer.ID))...)
	})

	space, err := r.LoadSpace(ctx, m.timeout)
	if err == nil {
		return space, nil
	}
	if errors.Is(err, domain.ErrLoadTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// the load keeps running; a later call picks up its outcome
		return nil, err
	}
	m.mu.Lock()
	if m.runners[key] == r {
		delete(m.runners, key)
	}
	m.mu.Unlock()
	r.Dispose(context.WithoutCancel(ctx))
	return nil, err
}

// CloseSpace disposes the runner for key and forgets it.
func (m *Manager) CloseSpace(ctx context.Context, key string) bool {
	m.mu.Lock()
	r, ok := m.runners[key]
	delete(m.runners, key)
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.Dispose(ctx)
	m.logger.Info("space closed", zap.String("space", key))
	return true
}

// ActiveSpaces lists the keys of running spaces in sorted order.
func (m *Manager) ActiveSpaces() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.runners))
	for k := range m.runners {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (m *Manager) Runner(key string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[key]
	return r, ok
}

// Space returns the ready space for key.
func (m *Manager) Space(key string) (*tree.Space, bool) {
	r, ok := m.Runner(key)
	if !ok || r.State() != StateReady {
		return nil, false
	}
	return r.Space(), true
}

func (m *Manager) PersistenceLayers(key string) []domain.PersistenceLayer {
	r, ok := m.Runner(key)
	if !ok {
		return nil
	}
	return r.Layers()
}

// AddPersistenceLayer adds layer to a running space and reconciles it with
// the existing layers for the root document and every loaded app tree.
func (m *Manager) AddPersistenceLayer(ctx context.Context, key string, layer domain.PersistenceLayer) ([]SyncReport, error) {
	r, ok := m.Runner(key)
	if !ok {
		return nil, fmt.Errorf("space %s: %w", key, domain.ErrSpaceNotFound)
	}
	if err := r.AddLayer(ctx, layer); err != nil {
		return nil, err
	}
	layers := r.Layers()
	var (
		reports []SyncReport
		errs    []error
	)
	for _, id := range r.DocumentIDs() {
		rep, err := SyncTreeOpsBetweenLayers(ctx, id, layers, SyncWithLogger(m.logger), SyncWithMetrics(m.metrics))
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

func (m *Manager) RemovePersistenceLayer(ctx context.Context, key, layerID string) bool {
	r, ok := m.Runner(key)
	if !ok {
		return false
	}
	return r.RemoveLayer(ctx, layerID)
}

// Close disposes every running space.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	runners := m.runners
	m.runners = make(map[string]*Runner)
	m.mu.Unlock()
	for _, r := range runners {
		r.Dispose(ctx)
	}
}
