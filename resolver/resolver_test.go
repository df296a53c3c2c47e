package resolver

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siyuan-fuse/metrics"
	"siyuan-fuse/mockserver"
	"siyuan-fuse/siyuan"
)

const (
	nbWork    = "20240101000000-nbwork1"
	nbArchive = "20240101000000-nbarch1"
	docPlan   = "20240101000001-plan000"
	docTasks  = "20240101000002-tasks00"
	docDup    = "20240101000005-plan001"
	docDupKid = "20240101000000-tasks01"
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

func newTestResolver(s *mockserver.Server) *Resolver {
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	return New(client, NewRegistry(client, nil, nil), Options{})
}

func TestResolve_Document(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)

	res, err := r.Resolve(context.Background(), "/Work/Plan.md")
	require.NoError(t, err)
	assert.Equal(t, nbWork, res.NotebookID())
	assert.Equal(t, "/"+docPlan+".sy", res.Path)
	assert.Equal(t, KindDocument, res.Kind)
	assert.Equal(t, docPlan, res.ID())
	assert.Equal(t, "/", res.ParentPath())
}

func TestResolve_Nested(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	assert.Equal(t, "/"+docPlan+"/"+docTasks+".sy", res.Path)
	assert.Equal(t, []string{docPlan, docTasks}, res.IDs)
	assert.Equal(t, "/"+docPlan+".sy", res.ParentPath())
}

func TestResolve_ContainerSharesDocumentPath(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	doc, err := r.Resolve(ctx, "/Work/Plan.md")
	require.NoError(t, err)
	dir, err := r.Resolve(ctx, "/Work/Plan")
	require.NoError(t, err)

	assert.Equal(t, doc.Path, dir.Path)
	assert.Equal(t, doc.IDs, dir.IDs)
	assert.Equal(t, KindContainer, dir.Kind)
}

func TestResolve_NotFound(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	for _, p := range []string{"/Work/Missing.md", "/Work/Plan/Missing.md", "/Work/Missing/Tasks.md", "/Nope", "/Nope/Plan.md", "/Archive"} {
		_, err := r.Resolve(ctx, p)
		assert.ErrorIs(t, err, ErrNotFound, p)
	}
}

func TestResolve_RootAndNotebookAvoidLookups(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, KindRoot, res.Kind)
	assert.Zero(t, s.TotalCalls())

	res, err = r.Resolve(ctx, "/Work")
	require.NoError(t, err)
	assert.Equal(t, KindNotebook, res.Kind)
	assert.Equal(t, "/", res.Path)
	assert.Empty(t, res.IDs)
	assert.Equal(t, int32(1), s.Calls("lsNotebooks"))
	assert.Equal(t, int32(1), s.TotalCalls())
}

func TestResolve_Deterministic(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	ctx := context.Background()

	first, err := newTestResolver(s).Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := newTestResolver(s).Resolve(ctx, "/Work/Plan/Tasks.md")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolve_ConcurrentColdRegistry(t *testing.T) {
	s := newTestServer(mockserver.WithLatency(20 * time.Millisecond))
	defer s.Close()
	r := newTestResolver(s)

	const n = 10
	results := make([]Resolved, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "/Work/Plan.md")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), s.Calls("lsNotebooks"))
	assert.Equal(t, int32(1), s.Calls("getIDsByHPath"))
}

func TestResolve_PrefixCacheAndInvalidate(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.Calls("getIDsByHPath"))

	_, err = r.Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "/Work/Plan")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.Calls("getIDsByHPath"), "prefixes served from cache")

	r.Invalidate(nbWork, "/Plan/Tasks")
	_, err = r.Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.Calls("getIDsByHPath"), "only the invalidated prefix is looked up again")

	r.InvalidatePath("/Work/Plan.md")
	_, err = r.Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	assert.Equal(t, int32(5), s.Calls("getIDsByHPath"), "descendants dropped with their parent")

	r.Clear()
	_, err = r.Resolve(ctx, "/Work/Notes.md")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.Calls("lsNotebooks"))
}

func TestResolve_DuplicateNamesPreferConfirmedChild(t *testing.T) {
	s := mockserver.New(
		mockserver.WithNotebook(siyuan.Notebook{ID: nbWork, Name: "Work"},
			mockserver.Doc(docPlan, "Plan", "first",
				mockserver.Doc(docTasks, "Tasks", "first tasks"),
			),
			mockserver.Doc(docDup, "Plan", "second",
				mockserver.Doc(docDupKid, "Tasks", "second tasks"),
			),
		),
	)
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	plan, err := r.Resolve(ctx, "/Work/Plan.md")
	require.NoError(t, err)
	assert.Equal(t, docPlan, plan.ID(), "smallest ID wins among siblings")

	// docDupKid sorts first, but only docTasks lives under the chosen Plan.
	tasks, err := r.Resolve(ctx, "/Work/Plan/Tasks.md")
	require.NoError(t, err)
	assert.Equal(t, []string{docPlan, docTasks}, tasks.IDs)
}

func TestResolve_RemoteErrorPropagates(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "/Work")
	require.NoError(t, err)

	s.FailEndpoint("getIDsByHPath", "kernel busy")
	_, err = r.Resolve(ctx, "/Work/Plan.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, siyuan.ErrRemote)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestResolve_Metrics(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL}, siyuan.WithMetrics(m))
	r := New(client, NewRegistry(client, nil, m), Options{Metrics: m})
	ctx := context.Background()

	_, _ = r.Resolve(ctx, "/Work/Plan.md")
	_, _ = r.Resolve(ctx, "/Work/Missing.md")

	count, err := testutil.GatherAndCount(reg, "siyuan_fuse_resolve_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestResolve_InvalidateDuringLookup(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := newTestServer(mockserver.WithRequestHook(func(endpoint string, _ *http.Request) {
		if endpoint == "getIDsByHPath" {
			once.Do(func() {
				close(started)
				<-release
			})
		}
	}))
	defer s.Close()
	r := newTestResolver(s)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "/Work/Notes.md")
		done <- err
	}()
	<-started
	r.Invalidate(nbWork, "/Notes")
	close(release)
	require.NoError(t, <-done)

	_, err := r.Resolve(ctx, "/Work/Notes.md")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.Calls("getIDsByHPath"), "a lookup that overlapped an invalidation is not cached")
}
