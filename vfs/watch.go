package vfs

import (
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"siyuan-fuse/metrics"
)

// DefaultWatchFlushInterval is how long events are buffered before a batch
// is delivered.
const DefaultWatchFlushInterval = 50 * time.Millisecond

// watchBuffer is the number of undelivered batches a watcher may hold before
// further batches are dropped.
const watchBuffer = 16

// EventType is the kind of a change event.
type EventType int

const (
	EventChanged EventType = iota + 1
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventChanged:
		return "changed"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a change made through this filesystem.
type Event struct {
	Type EventType
	Path string
	Time time.Time
}

// Watch receives batches of events for a path. The remote store has no push
// channel, so only changes made through the same FileSystem are reported.
type Watch struct {
	hub       *watchHub
	path      string
	recursive bool
	ch        chan []Event

	// pending is guarded by hub.mu.
	pending []Event
}

// Events returns the channel batches are delivered on. It is closed when
// the watch or its FileSystem is closed.
func (w *Watch) Events() <-chan []Event {
	return w.ch
}

// Close stops delivery and closes the events channel.
func (w *Watch) Close() {
	w.hub.remove(w)
}

// matches reports whether an event at p concerns this watch: the path
// itself, a direct child, or with recursive set any descendant.
func (w *Watch) matches(p string) bool {
	if p == w.path || path.Dir(p) == w.path {
		return true
	}
	if !w.recursive {
		return false
	}
	if w.path == "/" {
		return true
	}
	return strings.HasPrefix(p, w.path+"/")
}

// watchHub buffers published events per watch and flushes them on a timer.
// Publishing never blocks: a watcher whose channel is full loses the batch.
type watchHub struct {
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	watches map[*Watch]struct{}
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func newWatchHub(interval time.Duration, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *watchHub {
	if interval <= 0 {
		interval = DefaultWatchFlushInterval
	}
	h := &watchHub{
		interval: interval,
		now:      now,
		logger:   logger,
		metrics:  m,
		watches:  make(map[*Watch]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *watchHub) add(p string, recursive bool) *Watch {
	w := &Watch{
		hub:       h,
		path:      path.Clean("/" + p),
		recursive: recursive,
		ch:        make(chan []Event, watchBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(w.ch)
		return w
	}
	h.watches[w] = struct{}{}
	return w
}

func (h *watchHub) remove(w *Watch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watches[w]; !ok {
		return
	}
	delete(h.watches, w)
	close(w.ch)
}

func (h *watchHub) publish(t EventType, paths ...string) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range paths {
		h.metrics.RecordWatchEvent(t.String())
		for w := range h.watches {
			if w.matches(p) {
				w.pending = append(w.pending, Event{Type: t, Path: p, Time: now})
			}
		}
	}
}

// flush delivers every pending batch. Sends happen under mu, so a watch
// cannot be closed while its channel is written.
func (h *watchHub) flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watches {
		if len(w.pending) == 0 {
			continue
		}
		select {
		case w.ch <- w.pending:
		default:
			h.metrics.RecordWatchDropped()
			h.logger.Debug("watch batch dropped", zap.String("path", w.path), zap.Int("events", len(w.pending)))
		}
		w.pending = nil
	}
}

func (h *watchHub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

// close delivers what is pending, then closes every watch.
func (h *watchHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	close(h.stop)
	<-h.done
	h.flush()

	h.mu.Lock()
	for w := range h.watches {
		close(w.ch)
	}
	h.watches = make(map[*Watch]struct{})
	h.mu.Unlock()
}
