// Package ws streams committed events to websocket subscribers. Each
// subscriber tails the event log from its own sequence watermark, so a
// reconnecting client resumes without gaps or duplicates.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/eventstore"
)

const (
	writeTimeout        = 5 * time.Second
	pageSize            = 200
	DefaultPollInterval = 500 * time.Millisecond
)

// EventSource is the read side of the event store.
type EventSource interface {
	Read(ctx context.Context, f eventstore.Filter) ([]core.Event, error)
}

type Hub struct {
	src  EventSource
	poll time.Duration
	log  *slog.Logger

	mu     sync.Mutex
	conns  map[string]map[*websocket.Conn]struct{}
	signal chan struct{}
}

type Option func(*Hub)

func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.poll = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func NewHub(src EventSource, opts ...Option) *Hub {
	h := &Hub{
		src:    src,
		poll:   DefaultPollInterval,
		log:    slog.Default(),
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		signal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "ws")
	return h
}

// Wake tells every subscriber to check for new events now instead of at
// the next poll tick. The daemon calls it after each committed write.
func (h *Hub) Wake() {
	h.mu.Lock()
	close(h.signal)
	h.signal = make(chan struct{})
	h.mu.Unlock()
}

func (h *Hub) wakeup() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signal
}

// Handler serves GET /v1/events/stream?project=&after=&types=a,b.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		project := strings.TrimSpace(q.Get("project"))
		info, _ := auth.FromContext(r.Context())
		if info.Mode == auth.ModeAPIKey {
			if project != "" && project != info.Project {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			project = info.Project
		}
		var after int64
		if v := q.Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			after = n
		}
		var types []core.EventType
		if v := strings.TrimSpace(q.Get("types")); v != "" {
			for _, t := range strings.Split(v, ",") {
				et := core.EventType(strings.TrimSpace(t))
				if !et.Valid() {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				types = append(types, et)
			}
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.add(project, conn)
		defer h.remove(project, conn)

		// subscribers never send; CloseRead cancels ctx when the peer goes away
		ctx := conn.CloseRead(r.Context())
		f := eventstore.Filter{ProjectKey: project, Types: types, AfterSequence: after, Limit: pageSize}
		if err := h.tail(ctx, conn, f); err != nil && ctx.Err() == nil {
			h.log.Debug("event stream closed", "project", project, "after", f.AfterSequence, "error", err)
			conn.Close(websocket.StatusInternalError, "stream failed")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *Hub) tail(ctx context.Context, conn *websocket.Conn, f eventstore.Filter) error {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		wake := h.wakeup()
		evs, err := h.src.Read(ctx, f)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return err
			}
			f.AfterSequence = ev.Sequence
		}
		if len(evs) == pageSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Count returns the number of subscribers for project, or for all projects
// when project is empty.
func (h *Hub) Count(project string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if project != "" {
		return len(h.conns[project])
	}
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// CloseAll disconnects every subscriber, used on daemon shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*websocket.Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(websocket.StatusGoingAway, "daemon shutting down")
		}()
	}
	wg.Wait()
}

func (h *Hub) add(project string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[project]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[project] = set
	}
	set[conn] = struct{}{}
}

func (h *Hub) remove(project string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[project]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.conns, project)
	}
}
