package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spacesync/pkg/domain"
)

// SyncReport summarises one reconciliation run.
type SyncReport struct {
	TreeID string
	// Delivered maps layer id to the number of ops written to it.
	Delivered map[string]int
	// Skipped lists layers excluded because their ops could not be loaded.
	Skipped []string
}

// Total is the number of ops delivered across all layers.
func (r SyncReport) Total() int {
	n := 0
	for _, v := range r.Delivered {
		n += v
	}
	return n
}

type syncConfig struct {
	logger  *zap.Logger
	metrics *Metrics
}

// SyncOption configures SyncTreeOpsBetweenLayers.
type SyncOption func(*syncConfig)

func SyncWithLogger(l *zap.Logger) SyncOption {
	return func(c *syncConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func SyncWithMetrics(m *Metrics) SyncOption { return func(c *syncConfig) { c.metrics = m } }

// SyncTreeOpsBetweenLayers brings every layer up to the per-slot winners held
// across all of them. A layer receives an op only when it holds nothing for
// the op's slot or holds a strictly older winner, so a compacted layer never
// gets superseded history back. Running it twice delivers nothing the second
// time.
func SyncTreeOpsBetweenLayers(ctx context.Context, treeID string, layers []domain.PersistenceLayer, opts ...SyncOption) (SyncReport, error) {
	cfg := syncConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	report := SyncReport{TreeID: treeID, Delivered: make(map[string]int)}

	loaded := make([][]domain.Operation, len(layers))
	failed := make([]error, len(layers))
	var g errgroup.Group
	for i, l := range layers {
		g.Go(func() error {
			loaded[i], failed[i] = l.LoadTreeOps(ctx, treeID)
			return nil
		})
	}
	_ = g.Wait()

	type member struct {
		layer domain.PersistenceLayer
		slots map[domain.Slot]domain.Operation
	}
	var members []member
	for i, l := range layers {
		if failed[i] != nil {
			cfg.metrics.fault(l.ID(), "sync_load")
			cfg.logger.Warn("layer excluded from sync", zap.String("layer", l.ID()), zap.String("tree", treeID), zap.Error(failed[i]))
			report.Skipped = append(report.Skipped, l.ID())
			continue
		}
		members = append(members, member{layer: l, slots: domain.WinnersBySlot(loaded[i])})
	}

	// queue[dst] collects ops by id so a winner offered by several sources is
	// delivered once
	queue := make([]map[domain.OperationID]domain.Operation, len(members))
	for d, dst := range members {
		for s, src := range members {
			if s == d {
				continue
			}
			for slot, op := range src.slots {
				if cur, ok := dst.slots[slot]; ok && !cur.ID.Less(op.ID) {
					continue
				}
				if queue[d] == nil {
					queue[d] = make(map[domain.OperationID]domain.Operation)
				}
				queue[d][op.ID] = op
			}
		}
	}

	// only the best candidate per slot is worth sending
	var errs []error
	results := make([]error, len(members))
	var deliver errgroup.Group
	for d, dst := range members {
		ops := newestPerSlot(queue[d])
		if len(ops) == 0 {
			continue
		}
		deliver.Go(func() error {
			if err := dst.layer.SaveTreeOps(ctx, treeID, ops); err != nil {
				results[d] = &domain.LayerError{Layer: dst.layer.ID(), Op: "sync_save", Err: err}
				return nil
			}
			return nil
		})
		report.Delivered[dst.layer.ID()] = len(ops)
	}
	_ = deliver.Wait()
	for d, dst := range members {
		if results[d] != nil {
			cfg.metrics.fault(dst.layer.ID(), "sync_save")
			delete(report.Delivered, dst.layer.ID())
			errs = append(errs, results[d])
			continue
		}
		cfg.metrics.reconciled(dst.layer.ID(), report.Delivered[dst.layer.ID()])
	}
	sort.Strings(report.Skipped)
	if len(errs) > 0 {
		return report, fmt.Errorf("sync tree %s: %w", treeID, errors.Join(errs...))
	}
	cfg.logger.Debug("tree synced", zap.String("tree", treeID), zap.Int("ops", report.Total()))
	return report, nil
}

func newestPerSlot(byID map[domain.OperationID]domain.Operation) []domain.Operation {
	if len(byID) == 0 {
		return nil
	}
	best := make(map[domain.Slot]domain.Operation, len(byID))
	for _, op := range byID {
		if cur, ok := best[op.Slot()]; !ok || cur.ID.Less(op.ID) {
			best[op.Slot()] = op
		}
	}
	out := make([]domain.Operation, 0, len(best))
	for _, op := range best {
		out = append(out, op)
	}
	domain.SortOperations(out)
	return out
}
