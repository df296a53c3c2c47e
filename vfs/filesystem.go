// Package vfs presents a remote note store as a conventional filesystem.
//
// Paths are virtual: "/" lists the open notebooks, "/<notebook>" is a
// notebook root, and below it every document "X" appears as a file "X.md".
// A document that has sub-documents also appears as a directory "X" holding
// them. Both forms address the same remote node.
//
// Reads go through a TTL content cache; writes replace the whole document
// remotely and then write the new content through to the cache. Stat results
// and the parent listings they are derived from are cached with the same TTL.
package vfs

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"siyuan-fuse/cache"
	"siyuan-fuse/diag"
	"siyuan-fuse/metadata"
	"siyuan-fuse/metrics"
	"siyuan-fuse/resolver"
	"siyuan-fuse/siyuan"
)

// DefaultInstance names the connection when Options.Instance is empty.
const DefaultInstance = "default"

// Options configures a FileSystem.
type Options struct {
	// Instance names the remote connection. It scopes every cache key.
	Instance string
	// CacheTTL is the lifetime of content, stat and listing entries.
	// Zero means cache.DefaultTTL.
	CacheTTL time.Duration
	// SweepInterval is how often expired entries are removed. Zero means
	// cache.DefaultSweepInterval.
	SweepInterval time.Duration
	// WatchFlushInterval is how long watch events are batched. Zero means
	// DefaultWatchFlushInterval.
	WatchFlushInterval time.Duration
	// PrefixCacheSize bounds the resolver's prefix cache.
	PrefixCacheSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Diag    *diag.Tracker
	// Clock replaces time.Now, for tests.
	Clock func() time.Time
}

// FileSystem is the virtual filesystem over one remote connection. It is
// safe for concurrent use.
type FileSystem struct {
	instance string
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	diag     *diag.Tracker
	now      func() time.Time
	started  time.Time

	mu       sync.RWMutex
	store    siyuan.Store
	resolver *resolver.Resolver

	content  *cache.Cache[[]byte]
	stats    *cache.Cache[FileInfo]
	listings *cache.Cache[[]siyuan.DocEntry]

	// mutations counts successful writes and deletes; a read only caches
	// what it fetched if none happened meanwhile. genMu makes that check
	// and the cache store one step.
	genMu     sync.Mutex
	mutations uint64
	reads     singleflight.Group

	watches *watchHub
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New creates a FileSystem backed by store and starts its cache sweepers
// and watch flusher. Close releases them.
func New(store siyuan.Store, opts Options) *FileSystem {
	if opts.Instance == "" {
		opts.Instance = DefaultInstance
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("vfs").With(zap.String("instance", opts.Instance))

	cacheOpts := []cache.Option{
		cache.WithClock(opts.Clock),
		cache.WithSweepInterval(opts.SweepInterval),
		cache.WithMetrics(opts.Metrics),
	}
	ctx, cancel := context.WithCancel(context.Background())
	fs := &FileSystem{
		instance: opts.Instance,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		diag:     opts.Diag,
		now:      opts.Clock,
		started:  opts.Clock(),
		content:  cache.New[[]byte]("content", opts.CacheTTL, cacheOpts...),
		stats:    cache.New[FileInfo]("stat", opts.CacheTTL, cacheOpts...),
		listings: cache.New[[]siyuan.DocEntry]("listing", opts.CacheTTL, cacheOpts...),
		watches:  newWatchHub(opts.WatchFlushInterval, opts.Clock, logger, opts.Metrics),
		cancel:   cancel,
	}
	fs.setStore(store)
	fs.content.Start(ctx)
	fs.stats.Start(ctx)
	fs.listings.Start(ctx)
	return fs
}

func (fs *FileSystem) setStore(store siyuan.Store) {
	r := resolver.New(store, resolver.NewRegistry(store, fs.logger, fs.metrics), resolver.Options{
		PrefixCacheSize: fs.opts.PrefixCacheSize,
		PrefixTTL:       fs.content.TTL(),
		Logger:          fs.logger,
		Metrics:         fs.metrics,
	})
	fs.mu.Lock()
	fs.store = store
	fs.resolver = r
	fs.mu.Unlock()
}

func (fs *FileSystem) conn() (siyuan.Store, *resolver.Resolver) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.store, fs.resolver
}

// Instance returns the connection name.
func (fs *FileSystem) Instance() string {
	return fs.instance
}

func (fs *FileSystem) key(p string) string {
	return cache.Key(fs.instance, p)
}

func (fs *FileSystem) listingKey(notebookID, storagePath string) string {
	return cache.Key(fs.instance, notebookID+":"+storagePath)
}

func (fs *FileSystem) track(method, p string) *diag.OpHandle {
	return diag.Track(fs.diag, fs.instance, "vfs", method, p)
}

// parse cleans p and classifies it. Malformed paths are not found.
func parse(op, p string) (resolver.VirtualPath, string, error) {
	vp, err := resolver.ParsePath(p)
	if err != nil {
		return vp, p, wrapError(op, p, err)
	}
	return vp, vp.String(), nil
}

// Stat describes the entry at p.
func (fs *FileSystem) Stat(ctx context.Context, p string) (FileInfo, error) {
	h := fs.track("Stat", p)
	defer h.Done()

	vp, p, err := parse("stat", p)
	if err != nil {
		return FileInfo{}, err
	}
	store, r := fs.conn()

	switch vp.Kind {
	case resolver.KindRoot:
		t := metadata.Timestamps{Ctime: fs.started, Mtime: fs.started, Atime: fs.started}
		return FileInfo{Name: "/", Type: TypeDirectory, Times: t}, nil
	case resolver.KindNotebook:
		h.SetPhase("notebook lookup")
		nb, err := r.Registry().Lookup(ctx, vp.Notebook)
		if err != nil {
			return FileInfo{}, wrapError("stat", p, err)
		}
		return FileInfo{Name: nb.Name, Type: TypeDirectory, ID: nb.ID, Times: metadata.ForNotebook(nb)}, nil
	}

	key := fs.key(p)
	if fi, ok := fs.stats.Get(key); ok {
		return fi, nil
	}

	h.SetPhase("resolve")
	res, err := r.Resolve(ctx, p)
	if err != nil {
		return FileInfo{}, wrapError("stat", p, err)
	}
	h.SetPhase("remote listDocsByPath")
	entries, err := fs.listing(ctx, store, res.NotebookID(), res.ParentPath())
	if err != nil {
		return FileInfo{}, wrapError("stat", p, err)
	}
	leaf := vp.Segments[len(vp.Segments)-1]
	for _, e := range entries {
		if e.ID != res.ID() || e.DisplayName() != leaf {
			continue
		}
		fi, ok := infoFor(e, vp.Kind)
		if !ok {
			break
		}
		fs.stats.Set(key, fi)
		return fi, nil
	}
	return FileInfo{}, newError("stat", p, ErrNotFound)
}

// infoFor describes one form of a listed document. The container form only
// exists while the document has children.
func infoFor(e siyuan.DocEntry, kind resolver.Kind) (FileInfo, bool) {
	if kind == resolver.KindContainer {
		if !e.HasChildren() {
			return FileInfo{}, false
		}
		return FileInfo{Name: e.DisplayName(), Type: TypeDirectory, ID: e.ID, Times: metadata.ForDocument(e)}, true
	}
	return FileInfo{
		Name:  e.DisplayName() + resolver.DocumentSuffix,
		Type:  TypeFile,
		Size:  e.Size,
		ID:    e.ID,
		Times: metadata.ForDocument(e),
	}, true
}

// listing returns the children at a resolved location, cache first.
func (fs *FileSystem) listing(ctx context.Context, store siyuan.Store, notebookID, storagePath string) ([]siyuan.DocEntry, error) {
	key := fs.listingKey(notebookID, storagePath)
	if entries, ok := fs.listings.Get(key); ok {
		return entries, nil
	}
	entries, err := store.ListDocsByPath(ctx, notebookID, storagePath)
	if err != nil {
		return nil, err
	}
	fs.listings.Set(key, entries)
	return entries, nil
}

// ListChildren lists the directory at p. The root lists one directory per
// open notebook. A notebook or container lists every child document as
// "<name>.md", plus a "<name>" directory for each child with children of
// its own.
func (fs *FileSystem) ListChildren(ctx context.Context, p string) ([]DirEntry, error) {
	h := fs.track("ListChildren", p)
	defer h.Done()

	vp, p, err := parse("readdir", p)
	if err != nil {
		return nil, err
	}
	store, r := fs.conn()

	switch vp.Kind {
	case resolver.KindDocument:
		return nil, newError("readdir", p, ErrNotDirectory)
	case resolver.KindRoot:
		h.SetPhase("remote lsNotebooks")
		nbs, err := r.Registry().Notebooks(ctx)
		if err != nil {
			return nil, wrapError("readdir", p, err)
		}
		out := make([]DirEntry, 0, len(nbs))
		for _, nb := range nbs {
			out = append(out, DirEntry{Name: nb.Name, Type: TypeDirectory, ID: nb.ID})
		}
		return out, nil
	}

	h.SetPhase("resolve")
	res, err := r.Resolve(ctx, p)
	if err != nil {
		return nil, wrapError("readdir", p, err)
	}
	h.SetPhase("remote listDocsByPath")
	children, err := store.ListDocsByPath(ctx, res.NotebookID(), res.Path)
	if err != nil {
		return nil, wrapError("readdir", p, err)
	}
	if vp.Kind == resolver.KindContainer && len(children) == 0 {
		return nil, newError("readdir", p, ErrNotFound)
	}
	fs.listings.Set(fs.listingKey(res.NotebookID(), res.Path), children)

	// Sibling documents may share a name; the smallest ID is the one the
	// resolver picks, so it is the one listed.
	sorted := append([]siyuan.DocEntry(nil), children...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	byName := make(map[string]siyuan.DocEntry, len(sorted))
	for _, c := range sorted {
		if _, dup := byName[c.DisplayName()]; !dup {
			byName[c.DisplayName()] = c
		}
	}

	out := make([]DirEntry, 0, len(children)*2)
	for _, c := range children {
		name := c.DisplayName()
		if byName[name].ID != c.ID {
			continue
		}
		docPath := resolver.DocumentPath(p, name)
		if fi, ok := infoFor(c, resolver.KindDocument); ok {
			fs.stats.Set(fs.key(docPath), fi)
		}
		out = append(out, DirEntry{Name: name + resolver.DocumentSuffix, Type: TypeFile, ID: c.ID, Size: c.Size})
		if c.HasChildren() {
			if strings.HasSuffix(name, resolver.DocumentSuffix) {
				// "<name>" would read back as a document path.
				fs.logger.Debug("container not listed", zap.String("path", p), zap.String("name", name), zap.String("id", c.ID))
				continue
			}
			dirPath := resolver.ContainerPath(p, name)
			if fi, ok := infoFor(c, resolver.KindContainer); ok {
				fs.stats.Set(fs.key(dirPath), fi)
			}
			out = append(out, DirEntry{Name: name, Type: TypeDirectory, ID: c.ID})
		}
	}
	return out, nil
}

// ReadFile returns the markdown of the document at p. The returned slice
// is shared with the cache and must not be modified.
func (fs *FileSystem) ReadFile(ctx context.Context, p string) ([]byte, error) {
	h := fs.track("ReadFile", p)
	defer h.Done()

	vp, p, err := parse("read", p)
	if err != nil {
		return nil, err
	}
	if vp.Kind.IsDir() {
		return nil, newError("read", p, ErrIsDirectory)
	}

	key := fs.key(p)
	if data, ok := fs.content.Get(key); ok {
		return data, nil
	}

	store, r := fs.conn()
	v, err, _ := fs.reads.Do(key, func() (interface{}, error) {
		if data, ok := fs.content.Get(key); ok {
			return data, nil
		}
		// Callers joined on this flight must not fail because the first
		// one was interrupted; the client timeout still bounds the call.
		ctx := context.WithoutCancel(ctx)
		gen := fs.generation()
		h.SetPhase("resolve")
		res, err := r.Resolve(ctx, p)
		if err != nil {
			return nil, err
		}
		h.SetPhase("remote exportMdContent")
		md, err := store.GetContent(ctx, res.ID())
		if err != nil {
			return nil, err
		}
		data := []byte(md)
		fs.cacheRead(gen, key, data)
		return data, nil
	})
	if err != nil {
		return nil, wrapError("read", p, err)
	}
	return v.([]byte), nil
}

// WriteFile replaces the whole document at p with data. Only document paths
// are writable. On success the new content is written through to the cache
// and a change event is published; on failure the cache is left as it was.
func (fs *FileSystem) WriteFile(ctx context.Context, p string, data []byte) error {
	h := fs.track("WriteFile", p)
	defer h.Done()

	vp, p, err := parse("write", p)
	if err != nil {
		return err
	}
	if vp.Kind != resolver.KindDocument {
		return newError("write", p, ErrNoPermission)
	}

	store, r := fs.conn()
	h.SetPhase("resolve")
	res, err := r.Resolve(ctx, p)
	if err != nil {
		return wrapError("write", p, err)
	}
	h.SetPhase("remote updateBlock")
	if err := store.UpdateContent(ctx, res.ID(), string(data)); err != nil {
		fs.logger.Warn("write failed", zap.String("path", p), zap.Error(err))
		return wrapError("write", p, err)
	}

	key := fs.key(p)
	content := append([]byte(nil), data...)
	fs.mutated(func() { fs.content.Set(key, content) })
	if fi, ok := fs.stats.Get(key); ok {
		fi.Size = int64(len(content))
		fi.Times = fi.Times.Touched(fs.now())
		fs.stats.Set(key, fi)
	}
	fs.listings.Delete(fs.listingKey(res.NotebookID(), res.ParentPath()))

	fs.logger.Debug("document written", zap.String("path", p), zap.String("id", res.ID()), zap.Int("bytes", len(content)))
	fs.watches.publish(EventChanged, p)
	return nil
}

// Delete removes the document at p, addressed by either of its forms,
// together with its sub-documents.
func (fs *FileSystem) Delete(ctx context.Context, p string) error {
	h := fs.track("Delete", p)
	defer h.Done()

	vp, p, err := parse("delete", p)
	if err != nil {
		return err
	}
	if vp.Kind == resolver.KindRoot || vp.Kind == resolver.KindNotebook {
		return newError("delete", p, ErrNoPermission)
	}

	store, r := fs.conn()
	h.SetPhase("resolve")
	res, err := r.Resolve(ctx, p)
	if err != nil {
		return wrapError("delete", p, err)
	}
	h.SetPhase("remote removeDocByID")
	if err := store.RemoveDoc(ctx, res.ID()); err != nil {
		return wrapError("delete", p, err)
	}

	forms := resolver.Forms(p)
	below := fs.key(forms[len(forms)-1] + "/")
	fs.mutated(func() {
		for _, f := range forms {
			fs.content.Delete(fs.key(f))
		}
		fs.content.DeletePrefix(below)
	})
	for _, f := range forms {
		fs.stats.Delete(fs.key(f))
	}
	fs.stats.DeletePrefix(below)

	nbID := res.NotebookID()
	fs.listings.Delete(fs.listingKey(nbID, res.ParentPath()))
	if n := len(res.IDs); n > 1 {
		// The parent may have lost its last child, and with it its
		// container form.
		fs.stats.Delete(fs.key(path.Dir(forms[0])))
		fs.listings.Delete(fs.listingKey(nbID, resolver.StoragePath(res.IDs[:n-2])))
	}
	fs.listings.Delete(fs.listingKey(nbID, res.Path))
	fs.listings.DeletePrefix(fs.listingKey(nbID, "/"+strings.Join(res.IDs, "/")+"/"))
	r.InvalidatePath(p)

	fs.logger.Debug("document deleted", zap.String("path", p), zap.String("id", res.ID()))
	fs.watches.publish(EventDeleted, forms...)
	return nil
}

func (fs *FileSystem) generation() uint64 {
	fs.genMu.Lock()
	defer fs.genMu.Unlock()
	return fs.mutations
}

// mutated records a successful write or delete and applies its content
// cache update before any read that started earlier can store.
func (fs *FileSystem) mutated(apply func()) {
	fs.genMu.Lock()
	defer fs.genMu.Unlock()
	fs.mutations++
	apply()
}

// cacheRead stores fetched content unless a mutation happened since gen.
func (fs *FileSystem) cacheRead(gen uint64, key string, data []byte) bool {
	fs.genMu.Lock()
	defer fs.genMu.Unlock()
	if fs.mutations != gen {
		return false
	}
	fs.content.Set(key, data)
	return true
}

// CreateDirectory always fails with ErrUnsupported: the remote store has no
// standalone directories.
func (fs *FileSystem) CreateDirectory(ctx context.Context, p string) error {
	return newError("mkdir", p, ErrUnsupported)
}

// Rename always fails with ErrUnsupported. Documents are addressed by ID and
// moving one would need metadata the store does not expose.
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	return newError("rename", oldPath+" -> "+newPath, ErrUnsupported)
}

// Watch reports changes made through this FileSystem at p, at its direct
// children, and with recursive set at any descendant. Events arrive in
// batches; a consumer that falls behind loses batches instead of blocking
// writers.
func (fs *FileSystem) Watch(p string, recursive bool) *Watch {
	return fs.watches.add(path.Clean("/"+p), recursive)
}

// UpdateConnection switches to a new remote store, for example after the
// host changed the base URL or token. Every cache is cleared.
func (fs *FileSystem) UpdateConnection(store siyuan.Store) {
	fs.setStore(store)
	fs.InvalidateAll()
	fs.logger.Info("connection updated")
}

// InvalidateAll drops every cached entry, resolved prefix and notebook.
func (fs *FileSystem) InvalidateAll() {
	_, r := fs.conn()
	r.Clear()
	fs.content.Clear()
	fs.stats.Clear()
	fs.listings.Clear()
}

// Close stops the cache sweepers and the watch flusher and closes every
// watch. It returns ErrClosed when called twice.
func (fs *FileSystem) Close() error {
	if !fs.closed.CompareAndSwap(false, true) {
		return newError("close", fs.instance, ErrClosed)
	}
	fs.cancel()
	fs.content.Close()
	fs.stats.Close()
	fs.listings.Close()
	fs.watches.close()
	return nil
}
