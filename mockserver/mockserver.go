// Package mockserver provides an in-memory note store backend for testing.
//
// It speaks the same POST + {code,msg,data} protocol as the real store for
// every endpoint the gateway uses: notebook listing, hierarchical path
// lookup, child listing, markdown export, block update and document removal.
//
// Usage:
//
//	s := mockserver.New(
//		mockserver.WithNotebook(siyuan.Notebook{ID: "20240101000000-nbwork1", Name: "Work"},
//			mockserver.Doc("20240101000001-plan000", "Plan", "# Plan",
//				mockserver.Doc("20240101000002-tasks00", "Tasks", "- [ ] ship"),
//			),
//		),
//	)
//	defer s.Close()
//	client := siyuan.NewClient(siyuan.Config{BaseURL: s.URL})
package mockserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"siyuan-fuse/siyuan"
)

// Node is a document in the mock tree.
type Node struct {
	ID       string
	Name     string
	Content  string
	Mtime    time.Time
	Children []*Node
}

// Doc builds a document node.
func Doc(id, name, content string, children ...*Node) *Node {
	return &Node{ID: id, Name: name, Content: content, Children: children}
}

type notebook struct {
	nb   siyuan.Notebook
	docs []*Node
}

// Server wraps an httptest.Server with a preconfigured note store backend.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	notebooks []*notebook

	calls sync.Map // endpoint name -> *int32

	token string

	// errorMode, if set, makes every endpoint return this HTTP status.
	errorMode int

	// endpointErrors forces an application error (code -1) on one endpoint.
	endpointErrors map[string]string

	latency     time.Duration
	requestHook func(endpoint string, r *http.Request)
}

// Option configures a mock server.
type Option func(*Server)

// WithNotebook registers a notebook and its top-level documents.
func WithNotebook(nb siyuan.Notebook, docs ...*Node) Option {
	return func(s *Server) {
		s.notebooks = append(s.notebooks, &notebook{nb: nb, docs: docs})
	}
}

// WithToken requires "Authorization: Token <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithErrorMode makes every endpoint answer with the given HTTP status code
// and an unstructured body.
func WithErrorMode(statusCode int) Option {
	return func(s *Server) {
		s.errorMode = statusCode
	}
}

// WithLatency delays every response, which widens the window in which
// concurrent callers overlap.
func WithLatency(d time.Duration) Option {
	return func(s *Server) {
		s.latency = d
	}
}

// WithRequestHook sets a callback invoked on every request before routing.
func WithRequestHook(h func(endpoint string, r *http.Request)) Option {
	return func(s *Server) {
		s.requestHook = h
	}
}

// New creates and starts a mock note store.
func New(opts ...Option) *Server {
	s := &Server{endpointErrors: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

// Calls returns how many requests hit the named endpoint, e.g. "lsNotebooks".
func (s *Server) Calls(endpoint string) int32 {
	v, ok := s.calls.Load(endpoint)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(v.(*int32))
}

// TotalCalls returns the number of requests across all endpoints.
func (s *Server) TotalCalls() int32 {
	var total int32
	s.calls.Range(func(_, v any) bool {
		total += atomic.LoadInt32(v.(*int32))
		return true
	})
	return total
}

// ResetCalls zeroes every call counter.
func (s *Server) ResetCalls() {
	s.calls.Range(func(k, _ any) bool {
		s.calls.Delete(k)
		return true
	})
}

// FailEndpoint makes the named endpoint answer with an application error
// carrying msg until ClearFailures is called.
func (s *Server) FailEndpoint(endpoint, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpointErrors[endpoint] = msg
}

// ClearFailures removes every forced endpoint failure.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpointErrors = make(map[string]string)
}

// Content returns the stored markdown of a document.
func (s *Server) Content(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nb := range s.notebooks {
		if n, _ := findByID(nb.docs, id, nil); n != nil {
			return n.Content, true
		}
	}
	return "", false
}

// SetContent changes a document behind the gateway's back.
func (s *Server) SetContent(id, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nb := range s.notebooks {
		if n, _ := findByID(nb.docs, id, nil); n != nil {
			n.Content = content
			n.Mtime = time.Now()
			return true
		}
	}
	return false
}

// AddNotebook registers a notebook after the server has started.
func (s *Server) AddNotebook(nb siyuan.Notebook, docs ...*Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notebooks = append(s.notebooks, &notebook{nb: nb, docs: docs})
}

func (s *Server) count(endpoint string) {
	v, _ := s.calls.LoadOrStore(endpoint, new(int32))
	atomic.AddInt32(v.(*int32), 1)
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	s.count(endpoint)

	if s.requestHook != nil {
		s.requestHook(endpoint, r)
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	if s.errorMode != 0 {
		w.WriteHeader(s.errorMode)
		w.Write([]byte("mock error"))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" && r.Header.Get("Authorization") != "Token "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req struct {
		Notebook string `json:"notebook"`
		Path     string `json:"path"`
		ID       string `json:"id"`
		DataType string `json:"dataType"`
		Data     string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, -1, "invalid request body", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.endpointErrors[endpoint]; ok {
		writeEnvelope(w, -1, msg, nil)
		return
	}

	switch r.URL.Path {
	case "/api/notebook/lsNotebooks":
		nbs := make([]siyuan.Notebook, 0, len(s.notebooks))
		for _, nb := range s.notebooks {
			nbs = append(nbs, nb.nb)
		}
		writeEnvelope(w, 0, "", map[string]any{"notebooks": nbs})

	case "/api/filetree/getIDsByHPath":
		nb := s.notebook(req.Notebook)
		if nb == nil {
			writeEnvelope(w, -1, "notebook not found", nil)
			return
		}
		writeEnvelope(w, 0, "", idsByHPath(nb.docs, req.Path))

	case "/api/filetree/listDocsByPath":
		nb := s.notebook(req.Notebook)
		if nb == nil {
			writeEnvelope(w, -1, "notebook not found", nil)
			return
		}
		children, storagePath, ok := childrenAt(nb.docs, req.Path)
		if !ok {
			writeEnvelope(w, 0, "", map[string]any{"box": req.Notebook, "path": req.Path, "files": []siyuan.DocEntry{}})
			return
		}
		files := make([]siyuan.DocEntry, 0, len(children))
		for _, c := range children {
			files = append(files, entryFor(c, storagePath))
		}
		writeEnvelope(w, 0, "", map[string]any{"box": req.Notebook, "path": req.Path, "files": files})

	case "/api/export/exportMdContent":
		n := s.findDoc(req.ID)
		if n == nil {
			writeEnvelope(w, -1, "block not found", nil)
			return
		}
		writeEnvelope(w, 0, "", map[string]any{"hPath": "/" + n.Name, "content": n.Content})

	case "/api/block/updateBlock":
		n := s.findDoc(req.ID)
		if n == nil {
			writeEnvelope(w, -1, "block not found", nil)
			return
		}
		n.Content = req.Data
		n.Mtime = time.Now()
		writeEnvelope(w, 0, "", []any{})

	case "/api/filetree/removeDocByID":
		for _, nb := range s.notebooks {
			if removed := removeByID(&nb.docs, req.ID); removed {
				writeEnvelope(w, 0, "", nil)
				return
			}
		}
		writeEnvelope(w, -1, "document not found", nil)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) notebook(id string) *notebook {
	for _, nb := range s.notebooks {
		if nb.nb.ID == id {
			return nb
		}
	}
	return nil
}

func (s *Server) findDoc(id string) *Node {
	for _, nb := range s.notebooks {
		if n, _ := findByID(nb.docs, id, nil); n != nil {
			return n
		}
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

// idsByHPath returns the IDs of every document whose name chain matches
// hpath, sorted.
func idsByHPath(docs []*Node, hpath string) []string {
	segs := strings.Split(strings.Trim(hpath, "/"), "/")
	level := docs
	var matches []*Node
	for i, seg := range segs {
		matches = matches[:0]
		for _, n := range level {
			if n.Name == seg {
				matches = append(matches, n)
			}
		}
		if len(matches) == 0 {
			return []string{}
		}
		if i == len(segs)-1 {
			break
		}
		var next []*Node
		for _, m := range matches {
			next = append(next, m.Children...)
		}
		level = next
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

// childrenAt returns the children at a storage path such as "/" or
// "/id1/id2.sy", along with the normalized parent storage path.
func childrenAt(docs []*Node, path string) ([]*Node, string, bool) {
	path = strings.TrimSuffix(path, siyuan.StorageSuffix)
	if path == "" || path == "/" {
		return docs, "", true
	}
	level := docs
	var cur *Node
	for _, id := range strings.Split(strings.Trim(path, "/"), "/") {
		cur = nil
		for _, n := range level {
			if n.ID == id {
				cur = n
				break
			}
		}
		if cur == nil {
			return nil, "", false
		}
		level = cur.Children
	}
	return cur.Children, path, true
}

func entryFor(n *Node, parentPath string) siyuan.DocEntry {
	var mtime, ctime int64
	if t, ok := siyuan.ParseBlockTime(n.ID); ok {
		ctime = t.Unix()
		mtime = t.Unix()
	}
	if !n.Mtime.IsZero() {
		mtime = n.Mtime.Unix()
	}
	return siyuan.DocEntry{
		ID:           n.ID,
		Name:         n.Name + siyuan.StorageSuffix,
		Path:         parentPath + "/" + n.ID + siyuan.StorageSuffix,
		Size:         int64(len(n.Content)),
		SubFileCount: len(n.Children),
		Mtime:        mtime,
		Ctime:        ctime,
	}
}

func findByID(docs []*Node, id string, parent *Node) (*Node, *Node) {
	for _, n := range docs {
		if n.ID == id {
			return n, parent
		}
		if found, p := findByID(n.Children, id, n); found != nil {
			return found, p
		}
	}
	return nil, nil
}

func removeByID(docs *[]*Node, id string) bool {
	for i, n := range *docs {
		if n.ID == id {
			*docs = append((*docs)[:i], (*docs)[i+1:]...)
			return true
		}
		if removeByID(&n.Children, id) {
			return true
		}
	}
	return false
}
