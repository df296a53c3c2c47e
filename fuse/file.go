package fuse

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// FileNode is the document form "<name>.md" of a document.
type FileNode struct {
	fs.Inode
	tree *tree
	path string
}

var _ = (fs.NodeOpener)((*FileNode)(nil))
var _ = (fs.NodeGetattrer)((*FileNode)(nil))
var _ = (fs.NodeSetattrer)((*FileNode)(nil))

func (n *FileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.tree.fsys.Stat(ctx, n.path)
	if err != nil {
		return n.tree.errno("getattr", n.path, err)
	}
	n.tree.fillAttr(info, &out.Attr)
	if h, ok := f.(*FileHandle); ok {
		if size, dirty := h.pendingSize(); dirty {
			out.Size = uint64(size)
		}
	}
	out.SetTimeout(n.tree.attrTimeout)
	return 0
}

// Open returns a handle that snapshots the document on first read and
// buffers writes until Flush. O_TRUNC starts from an empty, dirty buffer.
func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h := &FileHandle{node: n}
	if flags&syscall.O_TRUNC != 0 && flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		h.loaded = true
		h.dirty = true
	}
	return h, fuse.FOPEN_DIRECT_IO, 0
}

// Setattr supports truncation. Mode, owner and time changes are accepted
// and ignored.
func (n *FileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		h, isHandle := f.(*FileHandle)
		if !isHandle {
			// truncate(2) by path: apply immediately.
			h = &FileHandle{node: n}
			if errno := h.truncate(ctx, int64(size)); errno != 0 {
				return errno
			}
			if errno := h.Flush(ctx); errno != 0 {
				return errno
			}
		} else if errno := h.truncate(ctx, int64(size)); errno != 0 {
			return errno
		}
	}
	return n.Getattr(ctx, f, out)
}

// FileHandle is an open document.
type FileHandle struct {
	node *FileNode

	mu     sync.Mutex
	data   []byte
	loaded bool
	dirty  bool
}

var _ = (fs.FileReader)((*FileHandle)(nil))
var _ = (fs.FileWriter)((*FileHandle)(nil))
var _ = (fs.FileFlusher)((*FileHandle)(nil))
var _ = (fs.FileFsyncer)((*FileHandle)(nil))

// load fetches the document once per handle. Callers hold h.mu.
func (h *FileHandle) load(ctx context.Context) syscall.Errno {
	if h.loaded {
		return 0
	}
	data, err := h.node.tree.fsys.ReadFile(ctx, h.node.path)
	if err != nil {
		return h.node.tree.errno("read", h.node.path, err)
	}
	// The facade's slice is shared with its cache.
	h.data = append([]byte(nil), data...)
	h.loaded = true
	return 0
}

func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	op := h.node.tree.track("Read", h.node.path)
	defer op.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	if errno := h.load(ctx); errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(readAt(h.data, dest, off)), 0
}

// Write patches the buffered document. Nothing reaches the remote store
// until Flush.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if errno := h.load(ctx); errno != 0 {
		return 0, errno
	}
	end := off + int64(len(data))
	if end > int64(len(h.data)) {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

// Flush is called synchronously during close(2), so the caller blocks until
// the document is stored. It may run several times for dup'd descriptors;
// only the first one after a change sends anything.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return 0
	}

	op := h.node.tree.track("Flush", h.node.path)
	defer op.Done()

	if err := h.node.tree.fsys.WriteFile(ctx, h.node.path, h.data); err != nil {
		return h.node.tree.errno("write", h.node.path, err)
	}
	h.dirty = false
	h.node.tree.logger.Debug("document stored", zap.String("path", h.node.path), zap.Int("size", len(h.data)))
	return 0
}

func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

func (h *FileHandle) truncate(ctx context.Context, size int64) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == 0 {
		h.data = nil
		h.loaded = true
	} else if errno := h.load(ctx); errno != 0 {
		return errno
	}
	switch {
	case size < int64(len(h.data)):
		h.data = h.data[:size]
	case size > int64(len(h.data)):
		grown := make([]byte, size)
		copy(grown, h.data)
		h.data = grown
	}
	h.dirty = true
	return 0
}

func (h *FileHandle) pendingSize() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data)), h.dirty
}

func readAt(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return []byte{}
	}
	end := int64(len(data))
	if int64(len(dest)) < end-off {
		end = off + int64(len(dest))
	}
	return data[off:end]
}
