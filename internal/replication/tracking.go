package replication

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spacesync/internal/tree"
	"spacesync/pkg/domain"
)

// layerOps is what one layer returned for a document during a load.
type layerOps struct {
	layer domain.PersistenceLayer
	ops   []domain.Operation
	ok    bool
}

// spawn runs fn in a goroutine counted by wg, which Dispose waits for. It
// refuses once the runner is disposed.
func (r *Runner) spawn(wg *sync.WaitGroup, fn func()) bool {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return false
	}
	wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer wg.Done()
		fn()
	}()
	return true
}

// wire subscribes the runner to the space's documents and secrets.
func (r *Runner) wire(space *tree.Space) {
	for _, doc := range documents(space) {
		r.subscribe(space, doc)
	}
	unsubs := []func(){
		space.OnAppTreeCreated(func(doc *tree.Document) {
			r.subscribe(space, doc)
			r.pushDocument(doc)
		}),
		space.OnAppTreeLoaded(func(doc *tree.Document) { r.subscribe(space, doc) }),
		space.OnSecretWritten(r.saveSecrets),
	}
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsubs...)
	r.mu.Unlock()
}

func (r *Runner) subscribe(space *tree.Space, doc *tree.Document) {
	r.mu.Lock()
	if r.docs[doc.ID()] {
		r.mu.Unlock()
		return
	}
	r.docs[doc.ID()] = true
	r.mu.Unlock()
	unsub := doc.OnOpApplied(func(op domain.Operation) {
		// merged ops came from a layer; only this peer's writes travel out
		if op.ID.AuthorID != space.Peer() {
			return
		}
		r.forward(doc.ID(), []domain.Operation{op})
	})
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
}

// trackedLayers returns the layers currently receiving forwarded writes.
func (r *Runner) trackedLayers() []domain.PersistenceLayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PersistenceLayer, 0, len(r.tracked))
	for _, l := range r.layers {
		if _, ok := r.tracked[l.ID()]; ok {
			out = append(out, l)
		}
	}
	return out
}

// forward sends ops to every tracked layer without waiting for the writes.
func (r *Runner) forward(treeID string, ops []domain.Operation) {
	for _, l := range r.trackedLayers() {
		r.spawn(&r.writes, func() {
			if err := l.SaveTreeOps(r.life, treeID, ops); err != nil {
				r.fault(l, "save", err)
				return
			}
			r.metrics.forwarded(l.ID(), len(ops))
		})
	}
}

// pushDocument forwards a new document's whole op set, root op included.
func (r *Runner) pushDocument(doc *tree.Document) {
	r.forward(doc.ID(), doc.Ops())
}

func (r *Runner) saveSecrets(secrets map[string]string) {
	for _, l := range r.trackedLayers() {
		if !l.Capabilities().Secrets {
			continue
		}
		r.spawn(&r.writes, func() {
			if err := l.SaveSecrets(r.life, maps.Clone(secrets)); err != nil {
				r.fault(l, "save_secrets", err)
			}
		})
	}
}

// track starts delivering l's remote ops into the loaded documents and makes
// l a forwarding target. Tracking a layer twice is a no-op.
func (r *Runner) track(l domain.PersistenceLayer) {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.tracked[l.ID()]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.life)
	r.tracked[l.ID()] = cancel
	space := r.space
	r.mu.Unlock()

	if !l.Capabilities().Listen || space == nil {
		return
	}
	err := l.StartListening(ctx, func(treeID string, ops []domain.Operation) {
		doc, ok := space.Document(treeID)
		if !ok {
			return
		}
		if applied := doc.Merge(ops); len(applied) > 0 {
			r.logger.Debug("merged remote ops", zap.String("layer", l.ID()), zap.String("tree", treeID), zap.Int("ops", len(applied)))
		}
	})
	if err != nil {
		r.fault(l, "listen", err)
	}
}

// pushAll writes every loaded document to every layer, root first.
func (r *Runner) pushAll(ctx context.Context, space *tree.Space, layers []domain.PersistenceLayer) {
	docs := documents(space)
	var g errgroup.Group
	for _, l := range layers {
		g.Go(func() error {
			for _, doc := range docs {
				ops := doc.Ops()
				if err := l.SaveTreeOps(ctx, doc.ID(), ops); err != nil {
					r.fault(l, "save", err)
					return nil
				}
				r.metrics.reconciled(l.ID(), len(ops))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// pushMissing sends each successfully loaded layer the ops of doc that beat
// what it held. Upload-capable layers get the whole op set instead. The
// returned entries record what every layer holds afterwards, so a later call
// only sends ops merged in the meantime.
func (r *Runner) pushMissing(ctx context.Context, doc *tree.Document, responded []layerOps) []layerOps {
	all := doc.Ops()
	out := slices.Clone(responded)
	var g errgroup.Group
	for i, lo := range responded {
		if !lo.ok {
			continue
		}
		g.Go(func() error {
			missing := missingOps(lo.ops, all)
			if len(missing) == 0 {
				return nil
			}
			if lo.layer.Capabilities().Upload {
				if err := lo.layer.UploadMissing(ctx, doc.ID(), all); err != nil {
					r.fault(lo.layer, "upload", err)
					return nil
				}
			} else if err := lo.layer.SaveTreeOps(ctx, doc.ID(), missing); err != nil {
				r.fault(lo.layer, "save", err)
				return nil
			}
			r.metrics.reconciled(lo.layer.ID(), len(missing))
			out[i].ops = all
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// missingOps returns the ops of want that beat whatever have holds for their
// slot.
func missingOps(have, want []domain.Operation) []domain.Operation {
	held := domain.WinnersBySlot(have)
	var out []domain.Operation
	for _, op := range want {
		if cur, ok := held[op.Slot()]; ok && !cur.ID.Less(op.ID) {
			continue
		}
		out = append(out, op)
	}
	return out
}
