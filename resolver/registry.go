package resolver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"siyuan-fuse/metrics"
	"siyuan-fuse/siyuan"
)

// Registry maps notebook display names to notebooks. It is populated lazily
// and refreshed whenever a lookup misses.
type Registry struct {
	store   siyuan.Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	sf singleflight.Group

	mu sync.RWMutex
	// gen counts successful refreshes; zero means never populated.
	gen       uint64
	byName    map[string]siyuan.Notebook
	notebooks []siyuan.Notebook
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store siyuan.Store, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		logger:  logger.Named("registry"),
		metrics: m,
	}
}

// Lookup returns the open notebook called name. A miss triggers exactly one
// refresh before failing with ErrNotFound. Closed notebooks are not found.
func (r *Registry) Lookup(ctx context.Context, name string) (siyuan.Notebook, error) {
	nb, ok, gen := r.find(name)
	if ok {
		return nb, nil
	}
	if err := r.refresh(ctx, gen, false); err != nil {
		return siyuan.Notebook{}, err
	}
	if nb, ok, _ := r.find(name); ok {
		return nb, nil
	}
	return siyuan.Notebook{}, fmt.Errorf("notebook %q: %w", name, ErrNotFound)
}

func (r *Registry) find(name string) (siyuan.Notebook, bool, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nb, ok := r.byName[name]
	return nb, ok && !nb.Closed, r.gen
}

// Refresh replaces the whole mapping with a fresh listing. On failure the
// previous mapping is kept. Concurrent refreshes share one remote call.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.refresh(ctx, 0, true)
}

// refresh lists notebooks unless force is false and the mapping has been
// replaced since generation seen was observed.
func (r *Registry) refresh(ctx context.Context, seen uint64, force bool) error {
	_, err, shared := r.sf.Do("notebooks", func() (interface{}, error) {
		if !force {
			r.mu.RLock()
			current := r.gen
			r.mu.RUnlock()
			if current != seen {
				return nil, nil
			}
		}

		// The flight outlives any single caller's cancellation; the
		// client timeout still bounds it.
		nbs, err := r.store.ListNotebooks(context.WithoutCancel(ctx))
		r.metrics.RecordNotebookRefresh(err)
		if err != nil {
			return nil, err
		}

		byName := make(map[string]siyuan.Notebook, len(nbs))
		for _, nb := range nbs {
			// Duplicate names: an open notebook wins over a closed one,
			// otherwise the first listed wins.
			if prev, dup := byName[nb.Name]; dup && (!prev.Closed || nb.Closed) {
				continue
			}
			byName[nb.Name] = nb
		}

		r.mu.Lock()
		r.byName = byName
		r.notebooks = nbs
		r.gen++
		r.mu.Unlock()

		r.logger.Debug("notebooks refreshed", zap.Int("count", len(nbs)))
		return nil, nil
	})
	if err != nil {
		r.logger.Warn("notebook refresh failed", zap.Bool("shared", shared), zap.Error(err))
		return fmt.Errorf("failed to list notebooks: %w", err)
	}
	return nil
}

// Notebooks returns the open notebooks in remote order, populating the
// registry on first use.
func (r *Registry) Notebooks(ctx context.Context) ([]siyuan.Notebook, error) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()
	if gen == 0 {
		if err := r.refresh(ctx, 0, false); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	open := make([]siyuan.Notebook, 0, len(r.notebooks))
	for _, nb := range r.notebooks {
		if !nb.Closed && r.byName[nb.Name].ID == nb.ID {
			open = append(open, nb)
		}
	}
	return open, nil
}

// Clear forgets every notebook; the next lookup repopulates.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.gen = 0
	r.byName = nil
	r.notebooks = nil
	r.mu.Unlock()
}
