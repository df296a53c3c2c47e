package fuse

import (
	"context"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"siyuan-fuse/vfs"
)

// DirNode is a notebook root or the container form of a document.
type DirNode struct {
	fs.Inode
	tree *tree
	path string
}

var _ = (fs.NodeLookuper)((*DirNode)(nil))
var _ = (fs.NodeReaddirer)((*DirNode)(nil))
var _ = (fs.NodeGetattrer)((*DirNode)(nil))
var _ = (fs.NodeUnlinker)((*DirNode)(nil))
var _ = (fs.NodeRmdirer)((*DirNode)(nil))
var _ = (fs.NodeMkdirer)((*DirNode)(nil))
var _ = (fs.NodeCreater)((*DirNode)(nil))
var _ = (fs.NodeRenamer)((*DirNode)(nil))

func (d *DirNode) child(name string) string {
	return path.Join(d.path, name)
}

func (d *DirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := d.child(name)
	h := d.tree.track("Lookup", p)
	defer h.Done()

	info, err := d.tree.fsys.Stat(ctx, p)
	if err != nil {
		return nil, d.tree.errno("lookup", p, err)
	}
	d.tree.fillAttr(info, &out.Attr)
	out.SetEntryTimeout(d.tree.entryTimeout)
	out.SetAttrTimeout(d.tree.attrTimeout)

	node, attr := d.tree.newNode(p, info)
	return d.NewInode(ctx, node, attr), 0
}

func (d *DirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	h := d.tree.track("Readdir", d.path)
	defer h.Done()

	children, err := d.tree.fsys.ListChildren(ctx, d.path)
	if err != nil {
		return nil, d.tree.errno("readdir", d.path, err)
	}
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(fuse.S_IFREG)
		if c.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: c.Name,
			Mode: mode,
			Ino:  d.tree.ino(d.child(c.Name)),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *DirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := d.tree.fsys.Stat(ctx, d.path)
	if err != nil {
		return d.tree.errno("getattr", d.path, err)
	}
	d.tree.fillAttr(info, &out.Attr)
	out.SetTimeout(d.tree.attrTimeout)
	return 0
}

// Unlink removes the document behind a "<name>.md" entry along with its
// sub-documents.
func (d *DirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return d.remove(ctx, "Unlink", name)
}

// Rmdir removes the document behind a container entry. The container and
// the document form are one remote node, so this removes both.
func (d *DirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return d.remove(ctx, "Rmdir", name)
}

func (d *DirNode) remove(ctx context.Context, method, name string) syscall.Errno {
	p := d.child(name)
	h := d.tree.track(method, p)
	defer h.Done()

	if err := d.tree.fsys.Delete(ctx, p); err != nil {
		return d.tree.errno("delete", p, err)
	}
	d.tree.logger.Info("document removed", zap.String("path", p))
	return 0
}

func (d *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, vfs.Errno(d.tree.fsys.CreateDirectory(ctx, d.child(name)))
}

// Create is rejected: new documents need a parent block and an ID that only
// the remote store can allocate.
func (d *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.ENOTSUP
}

func (d *DirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newPath := newName
	if parent, ok := newParent.(interface{ virtualPath() string }); ok {
		newPath = path.Join(parent.virtualPath(), newName)
	}
	return vfs.Errno(d.tree.fsys.Rename(ctx, d.child(name), newPath))
}

func (d *DirNode) virtualPath() string {
	return d.path
}
