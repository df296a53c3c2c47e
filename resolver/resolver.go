// Package resolver maps human-readable virtual paths onto the block ID
// chains the remote note store addresses documents by.
//
// A virtual path "/Work/Plan/Tasks.md" names notebook "Work" and walks the
// document names "Plan" then "Tasks". Each prefix is looked up remotely
// ("/Plan", then "/Plan/Tasks") and the IDs found are joined into the
// resolved path "/<planID>/<tasksID>.sy" the store accepts as a location.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"siyuan-fuse/metrics"
	"siyuan-fuse/siyuan"
)

const (
	// DefaultPrefixCacheSize bounds the number of cached prefix lookups.
	DefaultPrefixCacheSize = 4096

	// DefaultPrefixTTL is how long a prefix lookup is trusted.
	DefaultPrefixTTL = 5 * time.Minute
)

// Resolved is the remote location of a virtual path.
type Resolved struct {
	Notebook siyuan.Notebook
	// Path is "/" for a notebook root, otherwise "/<id1>/.../<idN>.sy".
	// The container form of a node resolves to the same Path as its
	// document form.
	Path string
	Kind Kind
	// IDs is the block ID chain, one per segment below the notebook.
	IDs []string
}

// NotebookID returns the ID of the notebook the path lives in.
func (r Resolved) NotebookID() string {
	return r.Notebook.ID
}

// ID returns the ID of the addressed document, or "" for root and
// notebook paths.
func (r Resolved) ID() string {
	if len(r.IDs) == 0 {
		return ""
	}
	return r.IDs[len(r.IDs)-1]
}

// ParentPath returns the resolved path of the location that lists this
// node: "/" for top-level documents.
func (r Resolved) ParentPath() string {
	return StoragePath(r.IDs[:max(len(r.IDs)-1, 0)])
}

// StoragePath joins a block ID chain into a resolved path.
func StoragePath(ids []string) string {
	if len(ids) == 0 {
		return "/"
	}
	return "/" + strings.Join(ids, "/") + siyuan.StorageSuffix
}

// Options configures a Resolver.
type Options struct {
	// PrefixCacheSize bounds the prefix cache. Zero means
	// DefaultPrefixCacheSize.
	PrefixCacheSize int
	// PrefixTTL is the lifetime of a cached prefix lookup. Zero means
	// DefaultPrefixTTL.
	PrefixTTL time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Resolver turns virtual paths into resolved paths.
type Resolver struct {
	store    siyuan.Store
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics

	sf       singleflight.Group
	prefixes *expirable.LRU[string, string]

	// gen is bumped by every invalidation; a lookup started before one
	// does not cache its result.
	genMu sync.Mutex
	gen   uint64
}

// New creates a resolver that looks notebooks up through registry and
// document prefixes through store.
func New(store siyuan.Store, registry *Registry, opts Options) *Resolver {
	if opts.PrefixCacheSize <= 0 {
		opts.PrefixCacheSize = DefaultPrefixCacheSize
	}
	if opts.PrefixTTL <= 0 {
		opts.PrefixTTL = DefaultPrefixTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		registry: registry,
		logger:   logger.Named("resolver"),
		metrics:  opts.Metrics,
		prefixes: expirable.NewLRU[string, string](opts.PrefixCacheSize, nil, opts.PrefixTTL),
	}
}

// Registry returns the notebook registry the resolver uses.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve maps a virtual path to its notebook and resolved path. The root
// resolves without any remote call, and a notebook path needs at most the
// registry's notebook listing.
func (r *Resolver) Resolve(ctx context.Context, vpath string) (Resolved, error) {
	res, err := r.resolve(ctx, vpath)
	switch {
	case err == nil:
		r.metrics.RecordResolve("ok")
	case errors.Is(err, ErrNotFound):
		r.metrics.RecordResolve("not_found")
	default:
		r.metrics.RecordResolve("error")
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, vpath string) (Resolved, error) {
	vp, err := ParsePath(vpath)
	if err != nil {
		return Resolved{}, fmt.Errorf("%s: %w", vpath, err)
	}
	if vp.Kind == KindRoot {
		return Resolved{Path: "/", Kind: KindRoot}, nil
	}

	nb, err := r.registry.Lookup(ctx, vp.Notebook)
	if err != nil {
		return Resolved{}, err
	}
	if vp.Kind == KindNotebook {
		return Resolved{Notebook: nb, Path: "/", Kind: KindNotebook}, nil
	}

	ids := make([]string, 0, len(vp.Segments))
	for k := 1; k <= len(vp.Segments); k++ {
		id, err := r.resolvePrefix(ctx, nb.ID, vp.HPath(k), vp.Segments[k-1], ids)
		if err != nil {
			return Resolved{}, err
		}
		ids = append(ids, id)
	}

	return Resolved{
		Notebook: nb,
		Path:     StoragePath(ids),
		Kind:     vp.Kind,
		IDs:      ids,
	}, nil
}

func prefixKey(notebookID, hpath string) string {
	return notebookID + "\x00" + hpath
}

// resolvePrefix maps one hierarchical prefix to a single block ID. parents
// is the already resolved chain above it.
func (r *Resolver) resolvePrefix(ctx context.Context, notebookID, hpath, name string, parents []string) (string, error) {
	key := prefixKey(notebookID, hpath)
	if id, ok := r.prefixes.Get(key); ok {
		return id, nil
	}

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		if id, ok := r.prefixes.Get(key); ok {
			return id, nil
		}
		ctx := context.WithoutCancel(ctx)
		gen := r.generation()
		ids, err := r.store.GetIDsByHPath(ctx, notebookID, hpath)
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return "", fmt.Errorf("%s: %w", hpath, ErrNotFound)
		}
		id := ids[0]
		if len(ids) > 1 {
			id = r.disambiguate(ctx, notebookID, name, ids, parents)
		}
		r.remember(gen, key, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// disambiguate picks one of several IDs returned for the same hierarchical
// path. IDs listed under the resolved parent with the expected name are
// preferred; among the remaining candidates the smallest (oldest) ID wins.
func (r *Resolver) disambiguate(ctx context.Context, notebookID, name string, ids, parents []string) string {
	candidates := append([]string(nil), ids...)
	sort.Strings(candidates)

	children, err := r.store.ListDocsByPath(ctx, notebookID, StoragePath(parents))
	if err != nil {
		r.logger.Debug("parent listing failed during disambiguation", zap.Error(err))
		return candidates[0]
	}
	under := make(map[string]bool, len(children))
	for _, c := range children {
		if c.DisplayName() == name {
			under[c.ID] = true
		}
	}
	for _, id := range candidates {
		if under[id] {
			r.logger.Debug("ambiguous path", zap.String("name", name), zap.Strings("ids", candidates), zap.String("chosen", id))
			return id
		}
	}
	return candidates[0]
}

func (r *Resolver) generation() uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.gen
}

func (r *Resolver) remember(gen uint64, key, id string) {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	if r.gen == gen {
		r.prefixes.Add(key, id)
	}
}

// Invalidate forgets the cached lookup of hpath in a notebook and of every
// path below it. Lookups already in flight are not cached.
func (r *Resolver) Invalidate(notebookID, hpath string) {
	base := prefixKey(notebookID, strings.TrimSuffix(hpath, "/"))
	r.genMu.Lock()
	defer r.genMu.Unlock()
	r.gen++
	r.sf.Forget(base)
	for _, k := range r.prefixes.Keys() {
		if k == base || strings.HasPrefix(k, base+"/") {
			r.prefixes.Remove(k)
		}
	}
}

// InvalidatePath forgets the cached lookups behind a virtual path.
func (r *Resolver) InvalidatePath(vpath string) {
	vp, err := ParsePath(vpath)
	if err != nil || vp.Kind == KindRoot {
		return
	}
	nb, ok, _ := r.registry.find(vp.Notebook)
	if !ok {
		return
	}
	if vp.Kind == KindNotebook {
		r.Invalidate(nb.ID, "")
		return
	}
	r.Invalidate(nb.ID, vp.HPath(len(vp.Segments)))
}

// Clear drops every cached prefix and the notebook registry.
func (r *Resolver) Clear() {
	r.genMu.Lock()
	r.gen++
	r.prefixes.Purge()
	r.genMu.Unlock()
	r.registry.Clear()
}
