package fuse

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/stretchr/testify/require"

	"siyuan-fuse/mockserver"
	"siyuan-fuse/siyuan"
	"siyuan-fuse/vfs"
)

const (
	nbWork   = "20240101000000-nbwork1"
	docPlan  = "20240101000001-plan000"
	docTasks = "20240101000002-tasks00"
	docNotes = "20240101000003-notes00"
)

func newTestServer(opts ...mockserver.Option) *mockserver.Server {
	opts = append([]mockserver.Option{
		mockserver.WithNotebook(siyuan.Notebook{ID: nbWork, Name: "Work"},
			mockserver.Doc(docPlan, "Plan", "# Plan\n",
				mockserver.Doc(docTasks, "Tasks", "- [ ] ship\n"),
			),
			mockserver.Doc(docNotes, "Notes", "notes"),
		),
	}, opts...)
	return mockserver.New(opts...)
}

// newTestRoot builds an unmounted node tree over a mock server. Node and
// handle methods that do not touch the inode tree can be called directly.
func newTestRoot(t *testing.T) (*Root, *mockserver.Server) {
	t.Helper()
	s := newTestServer()
	t.Cleanup(s.Close)
	fsys := vfs.New(siyuan.NewClient(siyuan.Config{BaseURL: s.URL, Timeout: 5 * time.Second}), vfs.Options{
		WatchFlushInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { fsys.Close() })
	return NewRoot(fsys, Options{}), s
}

func (r *Root) fileNode(p string) *FileNode {
	return &FileNode{tree: r.tree, path: p}
}

func (r *Root) dirNode(p string) *DirNode {
	return &DirNode{tree: r.tree, path: p}
}

// requireFUSE skips tests that need a kernel mount when the environment
// cannot provide one.
func requireFUSE(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}
	if _, err := exec.LookPath("fusermount3"); err != nil {
		if _, err := exec.LookPath("fusermount"); err != nil {
			t.Skip("fusermount not available")
		}
	}
}

// mountTestFS mounts a mock-backed tree in a temp dir and unmounts it when
// the test ends.
func mountTestFS(t *testing.T) (string, *mockserver.Server) {
	t.Helper()
	requireFUSE(t)

	root, s := newTestRoot(t)
	mnt := t.TempDir()

	opts := &fs.Options{}
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout

	fssrv, err := fs.Mount(mnt, root, opts)
	require.NoError(t, err, "mount failed")
	t.Cleanup(func() {
		root.Close()
		fssrv.Unmount()
	})
	return mnt, s
}
