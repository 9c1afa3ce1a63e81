// Package replication keeps spaces consistent across persistence layers: a
// Runner drives one space's load, merge and tracking lifecycle, a Manager
// owns the running spaces, and SyncTreeOpsBetweenLayers reconciles layers
// that hold different subsets of a document's history.
package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spacesync/internal/filestore"
	"spacesync/internal/tree"
	"spacesync/pkg/domain"
)

// State is a runner's lifecycle stage.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records runner activity on m.
func WithMetrics(m *Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithFileLayer supplies the provider a file store is attached from once
// secrets are loaded.
func WithFileLayer(p filestore.Provider) Option { return func(r *Runner) { r.fileLayer = p } }

// WithSpaceIDHint is the space id used when no layer can report one.
func WithSpaceIDHint(id string) Option { return func(r *Runner) { r.idHint = id } }

// Runner drives one space against a set of layers.
type Runner struct {
	uri       string
	logger    *zap.Logger
	metrics   *Metrics
	fileLayer filestore.Provider
	idHint    string

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // loads
	writes sync.WaitGroup // forwarded ops and secrets

	mu      sync.Mutex
	state   State
	space   *tree.Space
	layers  []domain.PersistenceLayer
	tracked map[string]context.CancelFunc
	docs    map[string]bool
	unsubs  []func()
	loading *loadCall
}

type loadCall struct {
	done  chan struct{}
	space *tree.Space
	err   error
}

func newRunner(uri string, layers []domain.PersistenceLayer, opts []Option) *Runner {
	life, cancel := context.WithCancel(context.Background())
	r := &Runner{
		uri:     uri,
		logger:  zap.NewNop(),
		life:    life,
		cancel:  cancel,
		layers:  slices.Clone(layers),
		tracked: make(map[string]context.CancelFunc),
		docs:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("space", uri))
	return r
}

// StartFromSpace starts tracking a space that exists only in memory: every
// layer is connected and receives the space's full op set.
func StartFromSpace(ctx context.Context, space *tree.Space, layers []domain.PersistenceLayer, opts ...Option) *Runner {
	r := newRunner(space.ID(), layers, opts)
	r.begin(space)
	r.start(ctx, space)
	return r
}

// begin marks the runner loading with space so LoadSpace callers wait for
// start instead of loading from the layers.
func (r *Runner) begin(space *tree.Space) {
	r.mu.Lock()
	r.state = StateLoading
	r.space = space
	r.loading = &loadCall{done: make(chan struct{})}
	r.mu.Unlock()
}

func (r *Runner) start(ctx context.Context, space *tree.Space) {
	all := r.Layers()
	r.connect(ctx, all)
	space.SetTreeLoader(r.loadTree)
	r.wire(space)
	for _, l := range all {
		r.track(l)
	}
	r.pushAll(ctx, space, all)
	r.loadSecrets(ctx, space, all)
	r.attachFileStore(space)

	r.mu.Lock()
	call := r.loading
	r.loading = nil
	if r.state == StateLoading {
		r.state = StateReady
		call.space = space
	} else {
		call.err = domain.ErrRunnerDisposed
	}
	r.mu.Unlock()
	close(call.done)
}

// NewFromURI returns a runner for an existing space; call LoadSpace to load it.
func NewFromURI(uri string, layers []domain.PersistenceLayer, opts ...Option) *Runner {
	return newRunner(uri, layers, opts)
}

func (r *Runner) URI() string { return r.uri }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Space returns the loaded space, or nil before the runner is ready.
func (r *Runner) Space() *tree.Space {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.space
}

// Layers returns the runner's layers in their configured order.
func (r *Runner) Layers() []domain.PersistenceLayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.layers)
}

// LoadSpace returns the ready space, loading it first when needed.
// Concurrent callers share one load. A timeout abandons the wait but not the
// load itself; timeout <= 0 waits until ctx is done.
func (r *Runner) LoadSpace(ctx context.Context, timeout time.Duration) (*tree.Space, error) {
	r.mu.Lock()
	switch r.state {
	case StateReady:
		s := r.space
		r.mu.Unlock()
		return s, nil
	case StateDisposed:
		r.mu.Unlock()
		return nil, domain.ErrRunnerDisposed
	}
	if r.loading == nil {
		call := &loadCall{done: make(chan struct{})}
		r.loading = call
		r.state = StateLoading
		r.wg.Add(1)
		go r.runLoad(call)
	}
	call := r.loading
	r.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-call.done:
		return call.space, call.err
	case <-expired:
		return nil, fmt.Errorf("space %s after %s: %w", r.uri, timeout, domain.ErrLoadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runner) runLoad(call *loadCall) {
	defer r.wg.Done()
	started := time.Now()
	var once sync.Once
	finish := func(s *tree.Space, err error) {
		once.Do(func() {
			r.mu.Lock()
			switch {
			case r.state == StateDisposed:
				s, err = nil, domain.ErrRunnerDisposed
			case err != nil:
				r.state = StateUninitialized
			default:
				r.state = StateReady
			}
			r.loading = nil
			r.mu.Unlock()
			if err == nil {
				r.metrics.loaded(started)
			}
			call.space, call.err = s, err
			close(call.done)
		})
	}
	err := r.load(r.life, func(s *tree.Space) { finish(s, nil) })
	if err != nil {
		r.logger.Error("space load failed", zap.Error(err))
	}
	finish(nil, err)
}

// load races every layer for the space's root ops. ready is called once,
// as soon as the accumulated ops build the space and the layers that already
// answered were caught up; later layers are merged and caught up as they
// answer. load fails only when no space was ever built.
func (r *Runner) load(ctx context.Context, ready func(*tree.Space)) error {
	all := r.Layers()
	r.connect(ctx, all)
	id, err := r.fetchSpaceID(ctx, all)
	if err != nil {
		return err
	}

	var (
		space     *tree.Space
		acc       []domain.Operation
		responded []layerOps
		errs      []error
	)
	for res := range fanIn(ctx, all, func(ctx context.Context, l domain.PersistenceLayer) ([]domain.Operation, error) {
		return l.LoadTreeOps(ctx, id)
	}) {
		lo := layerOps{layer: res.layer, ops: res.val, ok: res.err == nil}
		if res.err != nil {
			r.fault(res.layer, "load", res.err)
			errs = append(errs, &domain.LayerError{Layer: res.layer.ID(), Op: "load", Err: res.err})
		}
		if space != nil {
			space.Root().Merge(lo.ops)
			responded = append(responded, r.pushMissing(ctx, space.Root(), []layerOps{lo})...)
			r.track(lo.layer)
			continue
		}
		responded = append(responded, lo)
		acc = append(acc, lo.ops...)
		s, err := tree.SpaceFromOps(id, acc)
		if errors.Is(err, domain.ErrInsufficientOperations) {
			continue
		}
		if err != nil {
			return err
		}
		space = s
		r.mu.Lock()
		r.space = space
		r.mu.Unlock()
		space.SetTreeLoader(r.loadTree)
		r.wire(space)
		responded = r.pushMissing(ctx, space.Root(), responded)
		for _, lo := range responded {
			r.track(lo.layer)
		}
		r.loadSecrets(ctx, space, all)
		r.attachFileStore(space)
		ready(space)
	}
	if space == nil {
		errs = append([]error{fmt.Errorf("space %s: %w", id, domain.ErrSpaceConstruction)}, errs...)
		return errors.Join(errs...)
	}
	// Ops merged from later layers still have to reach the earlier ones.
	r.pushMissing(ctx, space.Root(), responded)
	return nil
}

// fetchSpaceID asks the id-capable layers and takes the first answer.
func (r *Runner) fetchSpaceID(ctx context.Context, all []domain.PersistenceLayer) (string, error) {
	var capable []domain.PersistenceLayer
	for _, l := range all {
		if l.Capabilities().SpaceID {
			capable = append(capable, l)
		}
	}
	if len(capable) == 0 {
		if r.idHint != "" {
			return r.idHint, nil
		}
		return "", fmt.Errorf("space %s: no layer reports space ids: %w", r.uri, domain.ErrSpaceNotFound)
	}
	res, errs := firstSuccess(fanIn(ctx, capable, func(ctx context.Context, l domain.PersistenceLayer) (string, error) {
		id, err := l.SpaceID(ctx)
		if err == nil && id == "" {
			err = domain.ErrSpaceNotFound
		}
		return id, err
	}))
	if errs != nil {
		return "", errors.Join(append([]error{fmt.Errorf("space %s: %w", r.uri, domain.ErrSpaceNotFound)}, errs...)...)
	}
	return res.val, nil
}

// loadTree resolves an app tree the same way load resolves the root: the
// first constructible accumulation wins, later layers are merged, and once
// every layer answered the missing ops are pushed back out.
func (r *Runner) loadTree(ctx context.Context, treeID string) (*tree.Document, error) {
	space := r.Space()
	if space == nil {
		return nil, domain.ErrRunnerDisposed
	}
	type outcome struct {
		doc *tree.Document
		err error
	}
	resolved := make(chan outcome, 1)
	all := r.Layers()
	started := r.spawn(&r.wg, func() {
		var (
			doc       *tree.Document
			acc       []domain.Operation
			responded []layerOps
		)
		for res := range fanIn(r.life, all, func(ctx context.Context, l domain.PersistenceLayer) ([]domain.Operation, error) {
			return l.LoadTreeOps(ctx, treeID)
		}) {
			if res.err != nil {
				r.fault(res.layer, "load_tree", res.err)
			}
			lo := layerOps{layer: res.layer, ops: res.val, ok: res.err == nil}
			responded = append(responded, lo)
			if doc != nil {
				doc.Merge(lo.ops)
				continue
			}
			acc = append(acc, lo.ops...)
			d, err := tree.FromOps(treeID, space.Peer(), acc)
			if err != nil {
				continue
			}
			doc = d
			resolved <- outcome{doc: doc}
		}
		if doc == nil {
			resolved <- outcome{err: fmt.Errorf("app tree %s: %w", treeID, domain.ErrTreeNotFound)}
			return
		}
		r.pushMissing(r.life, doc, responded)
	})
	if !started {
		return nil, domain.ErrRunnerDisposed
	}
	select {
	case out := <-resolved:
		return out.doc, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect runs Connect on every layer; failures are logged and ignored.
func (r *Runner) connect(ctx context.Context, layers []domain.PersistenceLayer) {
	var g errgroup.Group
	for _, l := range layers {
		g.Go(func() error {
			if err := l.Connect(ctx); err != nil {
				r.fault(l, "connect", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// loadSecrets merges every secret-capable layer's secrets, later layers
// overriding earlier ones, and installs them without write-through.
func (r *Runner) loadSecrets(ctx context.Context, space *tree.Space, layers []domain.PersistenceLayer) {
	results := make([]map[string]string, len(layers))
	var g errgroup.Group
	for i, l := range layers {
		if !l.Capabilities().Secrets {
			continue
		}
		g.Go(func() error {
			s, err := l.LoadSecrets(ctx)
			if err != nil {
				r.fault(l, "load_secrets", err)
				return nil
			}
			results[i] = s
			return nil
		})
	}
	_ = g.Wait()
	merged := make(map[string]string)
	for _, s := range results {
		for k, v := range s {
			merged[k] = v
		}
	}
	space.ImportSecrets(merged)
}

func (r *Runner) attachFileStore(space *tree.Space) {
	if space.FileStore() != nil || r.fileLayer == nil {
		return
	}
	fs, err := filestore.New(r.fileLayer, filestore.WithLogger(r.logger))
	if err != nil {
		r.logger.Warn("file store not attached", zap.Error(err))
		return
	}
	space.SetFileStore(fs)
}

// AddLayer connects l and, once the space is ready, catches it up on the root
// document, tracks it and merges whatever it holds for the loaded documents.
func (r *Runner) AddLayer(ctx context.Context, l domain.PersistenceLayer) error {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return domain.ErrRunnerDisposed
	}
	for _, existing := range r.layers {
		if existing.ID() == l.ID() {
			r.mu.Unlock()
			return nil
		}
	}
	r.layers = append(r.layers, l)
	space, ready := r.space, r.state == StateReady
	r.mu.Unlock()

	r.connect(ctx, []domain.PersistenceLayer{l})
	if !ready {
		return nil
	}
	// A layer takes the first space it sees created as its own, so it gets
	// the root before any forwarded app tree can reach it.
	root := space.Root()
	if ops, err := l.LoadTreeOps(ctx, root.ID()); err != nil {
		r.fault(l, "load", err)
	} else {
		root.Merge(ops)
		r.pushMissing(ctx, root, []layerOps{{layer: l, ops: ops, ok: true}})
	}
	r.track(l)
	for _, doc := range space.LoadedAppTrees() {
		ops, err := l.LoadTreeOps(ctx, doc.ID())
		if err != nil {
			r.fault(l, "load", err)
			continue
		}
		doc.Merge(ops)
	}
	return nil
}

// RemoveLayer stops tracking and disconnects the layer with id.
func (r *Runner) RemoveLayer(ctx context.Context, id string) bool {
	r.mu.Lock()
	idx := slices.IndexFunc(r.layers, func(l domain.PersistenceLayer) bool { return l.ID() == id })
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	l := r.layers[idx]
	r.layers = slices.Delete(r.layers, idx, idx+1)
	stop := r.tracked[id]
	delete(r.tracked, id)
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
	if err := l.Disconnect(ctx); err != nil {
		r.fault(l, "disconnect", err)
	}
	return true
}

// DocumentIDs returns the root document id followed by the loaded app trees.
func (r *Runner) DocumentIDs() []string {
	space := r.Space()
	if space == nil {
		return nil
	}
	var ids []string
	for _, d := range documents(space) {
		ids = append(ids, d.ID())
	}
	return ids
}

func documents(space *tree.Space) []*tree.Document {
	return append([]*tree.Document{space.Root()}, space.LoadedAppTrees()...)
}

// Dispose stops tracking and disconnects and disposes every layer. Pending
// writes are flushed first; in-flight loads are cancelled. Waiting for either
// ends when ctx is done.
func (r *Runner) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return
	}
	r.state = StateDisposed
	unsubs := r.unsubs
	r.unsubs = nil
	layers := slices.Clone(r.layers)
	r.tracked = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	r.wait(ctx, &r.writes, "pending writes")
	r.cancel()
	var g errgroup.Group
	for _, l := range layers {
		g.Go(func() error {
			if err := l.Disconnect(ctx); err != nil {
				r.fault(l, "disconnect", err)
			}
			if err := l.Dispose(ctx); err != nil {
				r.fault(l, "dispose", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.wait(ctx, &r.wg, "background loads")
}

func (r *Runner) wait(ctx context.Context, wg *sync.WaitGroup, what string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("dispose stopped waiting", zap.String("for", what), zap.Error(ctx.Err()))
	}
}

func (r *Runner) fault(l domain.PersistenceLayer, op string, err error) {
	r.metrics.fault(l.ID(), op)
	r.logger.Warn("layer operation failed", zap.String("layer", l.ID()), zap.String("op", op), zap.Error(err))
}
