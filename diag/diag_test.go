package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackAndDone(t *testing.T) {
	tr := NewTracker()

	h := tr.Track("work", "vfs", "ReadFile", "/Work/Plan.md")
	ops := tr.InFlight()
	require.Len(t, ops, 1)
	assert.Equal(t, "work", ops[0].Instance)
	assert.Equal(t, "vfs", ops[0].Component)
	assert.Equal(t, "ReadFile", ops[0].Method)
	assert.Equal(t, "/Work/Plan.md", ops[0].Path)
	assert.NotZero(t, ops[0].ID)
	assert.False(t, ops[0].Started.IsZero())

	h.SetPhase("remote exportMdContent")
	assert.Equal(t, "remote exportMdContent", tr.InFlight()[0].Phase)

	h.Done()
	h.Done()
	assert.Empty(t, tr.InFlight())
}

func TestNilTrackerIsNoop(t *testing.T) {
	h := Track(nil, "work", "vfs", "Stat", "/")
	h.SetPhase("resolve")
	h.Done()

	var nilHandle *OpHandle
	nilHandle.SetPhase("x")
	nilHandle.Done()
}

func TestInFlightOrder(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.mu.Lock()
	tr.ops[3] = Op{ID: 3, Component: "C", Method: "M", Started: now.Add(2 * time.Second)}
	tr.ops[1] = Op{ID: 1, Component: "A", Method: "M", Started: now}
	tr.ops[5] = Op{ID: 5, Component: "B2", Method: "M", Started: now.Add(time.Second)}
	tr.ops[2] = Op{ID: 2, Component: "B1", Method: "M", Started: now.Add(time.Second)}
	tr.mu.Unlock()

	var got []string
	for _, op := range tr.InFlight() {
		got = append(got, op.Component)
	}
	assert.Equal(t, []string{"A", "B1", "B2", "C"}, got)
}

func TestDump(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, "no in-flight operations\n", tr.Dump())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return start }
	h := tr.Track("work", "vfs", "WriteFile", "/Work/Plan.md")
	h.SetPhase("remote updateBlock")
	tr.now = func() time.Time { return start.Add(1500 * time.Millisecond) }

	assert.Equal(t, "1 in-flight operation(s):\n  [1] work/vfs.WriteFile /Work/Plan.md [remote updateBlock] (1.5s)\n", tr.Dump())
}

func TestHandler(t *testing.T) {
	tr := NewTracker()
	tr.Track("", "fuse", "Readdir", "/Work")
	mux := http.NewServeMux()
	tr.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ops", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fuse.Readdir /Work")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ops?json", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var ops []Op
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "Readdir", ops[0].Method)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stacks", nil))
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestGoroutineStacks(t *testing.T) {
	s := GoroutineStacks()
	assert.Contains(t, s, "TestGoroutineStacks")
}
