package vfs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"siyuan-fuse/mockserver"
	"siyuan-fuse/siyuan"
)

const (
	nbWork    = "20240101000000-nbwork1"
	nbArchive = "20240101000000-nbarch1"
	docPlan   = "20240101000001-plan000"
	docTasks  = "20240101000002-tasks00"
	docNotes  = "20240101000003-notes00"
)

func newTestServer(opts ...mockserver.Option) *mockserver.Server {
	opts = append([]mockserver.Option{
		mockserver.WithNotebook(siyuan.Notebook{ID: nbWork, Name: "Work"},
			mockserver.Doc(docPlan, "Plan", "# Plan\n",
				mockserver.Doc(docTasks, "Tasks", "- [ ] ship\n"),
			),
			mockserver.Doc(docNotes, "Notes", "notes"),
		),
		mockserver.WithNotebook(siyuan.Notebook{ID: nbArchive, Name: "Archive", Closed: true}),
	}, opts...)
	return mockserver.New(opts...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// newTestFS mounts a FileSystem on a mock server. The server and the
// FileSystem are closed when the test ends.
func newTestFS(t *testing.T, opts Options, serverOpts ...mockserver.Option) (*FileSystem, *mockserver.Server) {
	t.Helper()
	s := newTestServer(serverOpts...)
	t.Cleanup(s.Close)
	fs := New(siyuan.NewClient(siyuan.Config{BaseURL: s.URL, Timeout: 5 * time.Second}), opts)
	t.Cleanup(func() { fs.Close() })
	return fs, s
}

// flakyStore fails UpdateContent with a network error while failing is set.
type flakyStore struct {
	siyuan.Store

	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyStore) UpdateContent(ctx context.Context, id, markdown string) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return fmt.Errorf("updateBlock: connection reset: %w", siyuan.ErrNetwork)
	}
	return f.Store.UpdateContent(ctx, id, markdown)
}
