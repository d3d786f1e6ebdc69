package watcher

import (
	"context"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeloom/internal/ignore"
	mylog "codeloom/internal/log"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// ChangeEvent is pushed to websocket subscribers so the UI can refetch.
// There is no lock against concurrent external editors; this is the
// cooperative half of that policy.
type ChangeEvent struct {
	Type  string   `json:"type"`
	Paths []string `json:"paths"`
}

// Hub fans messages out to the connected websocket clients.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan any
	lg    *mylog.Logger
}

func NewHub(lg *mylog.Logger) *Hub {
	return &Hub{conns: make(map[*websocket.Conn]chan any), lg: lg}
}

// Broadcast queues v for every subscriber; slow clients drop messages
// rather than stall the watcher.
func (h *Hub) Broadcast(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.conns {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribers reports the connected client count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Serve upgrades the request and pumps broadcasts to the client until it
// goes away. Ping/pong keeps half-open connections from lingering.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := make(chan any, 32)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-ch:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Watcher polls the ignore-filtered workspace for mtime/size changes and
// broadcasts the changed paths.
type Watcher struct {
	root     string
	interval time.Duration
	hub      *Hub
	lg       *mylog.Logger
}

func New(root string, interval time.Duration, hub *Hub, lg *mylog.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{root: root, interval: interval, hub: hub, lg: lg}
}

type stamp struct {
	mtime time.Time
	size  int64
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	prev := w.scan()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cur := w.scan()
			changed := diffStamps(prev, cur)
			prev = cur
			if len(changed) == 0 {
				continue
			}
			w.lg.Debug("watcher.change", "count", len(changed))
			w.hub.Broadcast(ChangeEvent{Type: "fs-change", Paths: changed})
		}
	}
}

func (w *Watcher) scan() map[string]stamp {
	matcher := ignore.NewMatcher(ignore.LoadWorkspaceRules(w.root))
	out := make(map[string]stamp)
	_ = filepath.WalkDir(w.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || path == w.root {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.Match(rel, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil
		}
		out[rel] = stamp{mtime: info.ModTime(), size: info.Size()}
		return nil
	})
	return out
}

func diffStamps(prev, cur map[string]stamp) []string {
	set := make(map[string]bool)
	for p, st := range cur {
		old, ok := prev[p]
		if !ok || old != st {
			set[p] = true
		}
	}
	for p := range prev {
		if _, ok := cur[p]; !ok {
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
