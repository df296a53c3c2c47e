// Package fuse mounts a vfs.FileSystem with go-fuse.
//
// Every node remembers its virtual path and delegates to the facade, so the
// kernel sees exactly what vfs.FileSystem reports: notebooks as top-level
// directories, documents as "<name>.md" files, and documents with
// sub-documents additionally as "<name>" directories.
//
// Writes are buffered in the open file handle and pushed to the remote store
// as a whole-document replace when the handle is flushed (close(2) or
// fsync(2)).
package fuse

import (
	"context"
	"hash/fnv"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"siyuan-fuse/diag"
	"siyuan-fuse/metadata"
	"siyuan-fuse/vfs"
)

// Kernel cache timeouts. These override the zero timeouts set in mount
// options for the nodes that return them.
const (
	// DefaultEntryTimeout is how long the kernel caches name lookups.
	DefaultEntryTimeout = 1 * time.Second

	// DefaultAttrTimeout is how long the kernel caches attributes.
	DefaultAttrTimeout = 1 * time.Second

	// cacheTTLStatic is for the mount root, which never changes identity.
	cacheTTLStatic = 1 * time.Hour
)

// Options configures the node tree.
type Options struct {
	EntryTimeout time.Duration
	AttrTimeout  time.Duration
	Logger       *zap.Logger
	Diag         *diag.Tracker
}

// tree holds what every node of one mount shares.
type tree struct {
	fsys         *vfs.FileSystem
	entryTimeout time.Duration
	attrTimeout  time.Duration
	logger       *zap.Logger
	diag         *diag.Tracker
	started      time.Time
}

func (t *tree) track(method, p string) *diag.OpHandle {
	return diag.Track(t.diag, t.fsys.Instance(), "fuse", method, p)
}

// ino derives a stable inode number from a virtual path, so the document
// and container forms of one node get distinct inodes that survive
// kernel forgets.
func (t *tree) ino(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(t.fsys.Instance()))
	h.Write([]byte{0})
	h.Write([]byte(p))
	return h.Sum64()
}

func (t *tree) errno(op, p string, err error) syscall.Errno {
	errno := vfs.Errno(err)
	if errno == syscall.EIO {
		t.logger.Warn("operation failed", zap.String("op", op), zap.String("path", p), zap.Error(err))
	} else {
		t.logger.Debug("operation failed", zap.String("op", op), zap.String("path", p), zap.Error(err))
	}
	return errno
}

func (t *tree) fillAttr(info vfs.FileInfo, attr *fuse.Attr) {
	if info.IsDir() {
		attr.Mode = fuse.S_IFDIR | 0755
		attr.Size = 0
	} else {
		attr.Mode = fuse.S_IFREG | 0644
		attr.Size = uint64(info.Size)
	}
	info.Times.ApplyWithFallback(attr, t.started)
}

func (t *tree) newNode(p string, info vfs.FileInfo) (fs.InodeEmbedder, fs.StableAttr) {
	if info.IsDir() {
		return &DirNode{tree: t, path: p}, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: t.ino(p)}
	}
	return &FileNode{tree: t, path: p}, fs.StableAttr{Mode: fuse.S_IFREG, Ino: t.ino(p)}
}

// --- Root ---

// Root is the mount root. It lists the open notebooks and, once mounted,
// forwards facade change events to the kernel so cached pages and entries
// of modified documents are dropped.
type Root struct {
	DirNode
	watch *vfs.Watch
}

var _ = (fs.NodeOnAdder)((*Root)(nil))
var _ = (fs.NodeGetattrer)((*Root)(nil))

// NewRoot builds the node tree over fsys.
func NewRoot(fsys *vfs.FileSystem, opts Options) *Root {
	if opts.EntryTimeout == 0 {
		opts.EntryTimeout = DefaultEntryTimeout
	}
	if opts.AttrTimeout == 0 {
		opts.AttrTimeout = DefaultAttrTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &tree{
		fsys:         fsys,
		entryTimeout: opts.EntryTimeout,
		attrTimeout:  opts.AttrTimeout,
		logger:       logger.Named("fuse").With(zap.String("instance", fsys.Instance())),
		diag:         opts.Diag,
		started:      time.Now(),
	}
	return &Root{DirNode: DirNode{tree: t, path: "/"}}
}

// OnAdd runs once the root is attached to a mounted server.
func (r *Root) OnAdd(ctx context.Context) {
	r.watch = r.tree.fsys.Watch("/", true)
	go r.forward(r.watch.Events())
}

func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	metadata.Timestamps{}.ApplyWithFallback(&out.Attr, r.tree.started)
	out.SetTimeout(cacheTTLStatic)
	return 0
}

// Close stops forwarding change events. The facade closes the watch too
// when it is itself closed.
func (r *Root) Close() {
	if r.watch != nil {
		r.watch.Close()
	}
}

func (r *Root) forward(events <-chan []vfs.Event) {
	for batch := range events {
		for _, ev := range batch {
			r.notify(ev)
		}
	}
}

// notify invalidates the kernel's view of ev.Path. Nodes the kernel never
// looked up have nothing cached and are skipped.
func (r *Root) notify(ev vfs.Event) {
	dir, name := path.Split(ev.Path)
	parent := r.lookupLoaded(path.Clean(dir))
	if parent == nil || name == "" {
		return
	}
	if ev.Type == vfs.EventChanged {
		if child := parent.GetChild(name); child != nil {
			if errno := child.NotifyContent(0, 0); errno != 0 && errno != syscall.ENOENT {
				r.tree.logger.Debug("content notify failed", zap.String("path", ev.Path), zap.Error(errno))
			}
		}
	}
	if errno := parent.NotifyEntry(name); errno != 0 && errno != syscall.ENOENT {
		r.tree.logger.Debug("entry notify failed", zap.String("path", ev.Path), zap.Error(errno))
	}
}

func (r *Root) lookupLoaded(p string) *fs.Inode {
	node := r.EmbeddedInode()
	if p == "/" {
		return node
	}
	for _, seg := range splitPath(p) {
		node = node.GetChild(seg)
		if node == nil {
			return nil
		}
	}
	return node
}

func splitPath(p string) []string {
	var segs []string
	for p != "/" && p != "." && p != "" {
		dir, name := path.Split(p)
		segs = append([]string{name}, segs...)
		p = path.Clean(dir)
	}
	return segs
}
