package mockserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siyuan-fuse/siyuan"
)

const (
	nbWork  = "20240101000000-nbwork1"
	docPlan = "20240101000001-plan000"
	docTask = "20240101000002-tasks00"
	docDup  = "20240101000003-plan001"
)

func newTestServer(opts ...Option) *Server {
	opts = append([]Option{
		WithNotebook(siyuan.Notebook{ID: nbWork, Name: "Work"},
			Doc(docPlan, "Plan", "# Plan\n",
				Doc(docTask, "Tasks", "- [ ] ship\n"),
			),
			Doc(docDup, "Plan", "second plan"),
		),
	}, opts...)
	return New(opts...)
}

func TestNew_ServesNotebooks(t *testing.T) {
	s := newTestServer()
	defer s.Close()

	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	nbs, err := client.ListNotebooks(context.Background())
	require.NoError(t, err)
	require.Len(t, nbs, 1)
	assert.Equal(t, "Work", nbs[0].Name)
	assert.Equal(t, int32(1), s.Calls("lsNotebooks"))
}

func TestIDsByHPath(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	ctx := context.Background()

	ids, err := client.GetIDsByHPath(ctx, nbWork, "/Plan")
	require.NoError(t, err)
	assert.Equal(t, []string{docPlan, docDup}, ids)

	ids, err = client.GetIDsByHPath(ctx, nbWork, "/Plan/Tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{docTask}, ids)

	ids, err = client.GetIDsByHPath(ctx, nbWork, "/Nope")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListDocsByPath(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	ctx := context.Background()

	root, err := client.ListDocsByPath(ctx, nbWork, "/")
	require.NoError(t, err)
	require.Len(t, root, 2)
	assert.Equal(t, "/"+docPlan+".sy", root[0].Path)
	assert.Equal(t, 1, root[0].SubFileCount)
	assert.Equal(t, int64(len("# Plan\n")), root[0].Size)

	children, err := client.ListDocsByPath(ctx, nbWork, "/"+docPlan+".sy")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Tasks", children[0].DisplayName())
	assert.Equal(t, "/"+docPlan+"/"+docTask+".sy", children[0].Path)
	assert.False(t, children[0].HasChildren())
}

func TestUpdateAndRemove(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	ctx := context.Background()

	require.NoError(t, client.UpdateContent(ctx, docTask, "done"))
	content, ok := s.Content(docTask)
	require.True(t, ok)
	assert.Equal(t, "done", content)

	require.NoError(t, client.RemoveDoc(ctx, docPlan))
	_, ok = s.Content(docTask)
	assert.False(t, ok, "children go with their parent")

	err := client.RemoveDoc(ctx, docPlan)
	assert.ErrorIs(t, err, siyuan.ErrRemote)
}

func TestWithToken(t *testing.T) {
	s := newTestServer(WithToken("secret"))
	defer s.Close()
	ctx := context.Background()

	_, err := siyuan.NewClient(siyuan.Config{BaseURL: s.URL}).ListNotebooks(ctx)
	assert.ErrorIs(t, err, siyuan.ErrAuthentication)

	_, err = siyuan.NewClient(siyuan.Config{BaseURL: s.URL, Token: "secret"}).ListNotebooks(ctx)
	assert.NoError(t, err)
}

func TestWithErrorMode(t *testing.T) {
	s := newTestServer(WithErrorMode(http.StatusForbidden))
	defer s.Close()

	_, err := siyuan.NewClient(siyuan.Config{BaseURL: s.URL}).GetContent(context.Background(), docPlan)
	assert.ErrorIs(t, err, siyuan.ErrPermission)
}

func TestFailEndpoint(t *testing.T) {
	s := newTestServer()
	defer s.Close()
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	ctx := context.Background()

	s.FailEndpoint("updateBlock", "readonly")
	err := client.UpdateContent(ctx, docPlan, "x")
	assert.ErrorIs(t, err, siyuan.ErrRemote)
	content, _ := s.Content(docPlan)
	assert.Equal(t, "# Plan\n", content)

	s.ClearFailures()
	assert.NoError(t, client.UpdateContent(ctx, docPlan, "x"))
}

func TestCallCounters(t *testing.T) {
	var seen []string
	s := newTestServer(WithRequestHook(func(endpoint string, r *http.Request) {
		seen = append(seen, endpoint)
	}))
	defer s.Close()
	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
	ctx := context.Background()

	_, _ = client.ListNotebooks(ctx)
	_, _ = client.GetContent(ctx, docPlan)
	_, _ = client.GetContent(ctx, docPlan)

	assert.Equal(t, int32(2), s.Calls("exportMdContent"))
	assert.Equal(t, int32(3), s.TotalCalls())
	assert.Equal(t, []string{"lsNotebooks", "exportMdContent", "exportMdContent"}, seen)

	s.ResetCalls()
	assert.Zero(t, s.TotalCalls())
}
