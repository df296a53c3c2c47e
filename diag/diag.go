// Package diag tracks in-flight filesystem operations and serves them, along
// with goroutine stacks, over HTTP.
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Op is one in-flight operation.
type Op struct {
	ID        uint64    `json:"id"`
	Instance  string    `json:"instance,omitempty"`
	Component string    `json:"component"` // e.g. "vfs", "fuse"
	Method    string    `json:"method"`    // e.g. "ReadFile", "Flush"
	Path      string    `json:"path,omitempty"`
	Phase     string    `json:"phase,omitempty"` // e.g. "resolve", "remote updateBlock"
	Started   time.Time `json:"started"`
}

// OpHandle lets the owner of an operation annotate its current phase and
// report completion. The zero value is a no-op.
type OpHandle struct {
	tracker *Tracker
	id      uint64
}

// SetPhase updates the phase annotation.
func (h *OpHandle) SetPhase(phase string) {
	if h == nil || h.tracker == nil {
		return
	}
	t := h.tracker
	t.mu.Lock()
	if op, ok := t.ops[h.id]; ok {
		op.Phase = phase
		t.ops[h.id] = op
	}
	t.mu.Unlock()
}

// Done removes the operation from the tracker.
func (h *OpHandle) Done() {
	if h == nil || h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	delete(h.tracker.ops, h.id)
	h.tracker.mu.Unlock()
}

// Tracker records in-flight operations.
type Tracker struct {
	nextID atomic.Uint64
	mu     sync.Mutex
	ops    map[uint64]Op
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ops: make(map[uint64]Op),
		now: time.Now,
	}
}

// Track records the start of an operation. Done must be called on the
// returned handle when it completes.
func (t *Tracker) Track(instance, component, method, path string) *OpHandle {
	id := t.nextID.Add(1)
	t.mu.Lock()
	t.ops[id] = Op{
		ID:        id,
		Instance:  instance,
		Component: component,
		Method:    method,
		Path:      path,
		Started:   t.now(),
	}
	t.mu.Unlock()
	return &OpHandle{tracker: t, id: id}
}

// Track is Tracker.Track that tolerates a nil tracker.
func Track(t *Tracker, instance, component, method, path string) *OpHandle {
	if t == nil {
		return &OpHandle{}
	}
	return t.Track(instance, component, method, path)
}

// InFlight returns a snapshot of the in-flight operations, oldest first.
func (t *Tracker) InFlight() []Op {
	t.mu.Lock()
	ops := make([]Op, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Started.Equal(ops[j].Started) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].Started.Before(ops[j].Started)
	})
	return ops
}

// Dump formats the in-flight operations one per line.
func (t *Tracker) Dump() string {
	ops := t.InFlight()
	if len(ops) == 0 {
		return "no in-flight operations\n"
	}
	now := t.now()
	var b strings.Builder
	fmt.Fprintf(&b, "%d in-flight operation(s):\n", len(ops))
	for _, op := range ops {
		fmt.Fprintf(&b, "  [%d] ", op.ID)
		if op.Instance != "" {
			fmt.Fprintf(&b, "%s/", op.Instance)
		}
		fmt.Fprintf(&b, "%s.%s", op.Component, op.Method)
		if op.Path != "" {
			fmt.Fprintf(&b, " %s", op.Path)
		}
		if op.Phase != "" {
			fmt.Fprintf(&b, " [%s]", op.Phase)
		}
		fmt.Fprintf(&b, " (%s)\n", now.Sub(op.Started).Truncate(time.Millisecond))
	}
	return b.String()
}

// Handler serves the in-flight operations as text, or as JSON when the
// request carries a "json" query parameter.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, wantJSON := r.URL.Query()["json"]; wantJSON {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(t.InFlight()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, t.Dump())
	})
}

// Register mounts the diagnostics endpoints on mux: /debug/ops and
// /debug/stacks.
func (t *Tracker) Register(mux *http.ServeMux) {
	mux.Handle("/debug/ops", t.Handler())
	mux.HandleFunc("/debug/stacks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, GoroutineStacks())
	})
}

const maxGoroutineStackSize = 64 * 1024

// GoroutineStacks returns the stacks of all goroutines, truncated to 64KB.
// Useful when an operation hangs inside go-fuse or the kernel rather than
// in the gateway.
func GoroutineStacks() string {
	buf := make([]byte, maxGoroutineStackSize)
	n := runtime.Stack(buf, true)
	s := string(buf[:n])
	if n >= maxGoroutineStackSize {
		s += "\n... truncated at 64KB ...\n"
	}
	return s
}
