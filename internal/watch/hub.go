// Package watch implements the per-project file-watch hub (SPEC_FULL.md
// §4.6): a single fsnotify watcher per project directory, shared across N
// subscribers via reference counting, with write-coalescing so a burst of
// saves collapses into one file_change event per path.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// stabilityWindow is how long a path's events are coalesced before the
// hub emits a single file_change for it (SPEC_FULL.md §4.6's "≥300 ms").
const stabilityWindow = 300 * time.Millisecond

var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
}

// Event is one coalesced file_change notification.
type Event struct {
	Path      string // relative to the watched project root
	Op        string // "create" | "write" | "remove" | "rename"
	Timestamp time.Time
}

// projectWatch is one project's shared fsnotify.Watcher plus its
// subscriber set and pending-coalesce state.
type projectWatch struct {
	mu          sync.Mutex
	root        string
	watcher     *fsnotify.Watcher
	subscribers map[chan Event]bool
	pending     map[string]*time.Timer
	closeCh     chan struct{}
}

// Hub owns every project's watcher, keyed by project root.
type Hub struct {
	mu       sync.Mutex
	projects map[string]*projectWatch
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{projects: map[string]*projectWatch{}}
}

// Subscribe starts (or joins) the watcher for root and returns a buffered
// channel of coalesced file_change events. Call Unsubscribe to release it;
// when the last subscriber departs, the watcher is closed.
func (h *Hub) Subscribe(root string) (chan Event, error) {
	h.mu.Lock()
	pw, ok := h.projects[root]
	if !ok {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		pw = &projectWatch{
			root:        root,
			watcher:     w,
			subscribers: map[chan Event]bool{},
			pending:     map[string]*time.Timer{},
			closeCh:     make(chan struct{}),
		}
		h.projects[root] = pw
		if err := addRecursive(w, root); err != nil {
			h.mu.Unlock()
			_ = w.Close()
			return nil, err
		}
		go pw.run()
	}
	h.mu.Unlock()

	ch := make(chan Event, 256)
	pw.mu.Lock()
	pw.subscribers[ch] = true
	pw.mu.Unlock()
	return ch, nil
}

// Unsubscribe removes ch from root's subscriber set, closing the watcher
// once no subscribers remain.
func (h *Hub) Unsubscribe(root string, ch chan Event) {
	h.mu.Lock()
	pw, ok := h.projects[root]
	h.mu.Unlock()
	if !ok {
		return
	}

	pw.mu.Lock()
	delete(pw.subscribers, ch)
	close(ch)
	empty := len(pw.subscribers) == 0
	pw.mu.Unlock()

	if empty {
		h.mu.Lock()
		delete(h.projects, root)
		h.mu.Unlock()
		close(pw.closeCh)
		_ = pw.watcher.Close()
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if ignoredDirs[base] || strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func (pw *projectWatch) run() {
	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handle(ev)
		case <-pw.watcher.Errors:
			// swallow; a watcher-level error doesn't terminate the hub.
		case <-pw.closeCh:
			return
		}
	}
}

func (pw *projectWatch) handle(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if ignoredDirs[base] || strings.HasPrefix(base, ".") {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = pw.watcher.Add(ev.Name)
		}
	}

	op := opName(ev.Op)
	if op == "" {
		return
	}

	rel, err := filepath.Rel(pw.root, ev.Name)
	if err != nil {
		rel = ev.Name
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	if timer, exists := pw.pending[rel]; exists {
		timer.Stop()
	}
	pw.pending[rel] = time.AfterFunc(stabilityWindow, func() {
		pw.mu.Lock()
		delete(pw.pending, rel)
		pw.mu.Unlock()
		pw.emit(Event{Path: rel, Op: op, Timestamp: time.Now()})
	})
}

func opName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	default:
		return ""
	}
}

func (pw *projectWatch) emit(ev Event) {
	pw.mu.Lock()
	subs := make([]chan Event, 0, len(pw.subscribers))
	for ch := range pw.subscribers {
		subs = append(subs, ch)
	}
	pw.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
