package fanout

import (
	"encoding/json"
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Heartbeat and buffer tuning for viewer connections.
const (
	heartbeatInterval = 25 * time.Second
	writeWait         = 10 * time.Second
	viewerBuffer      = 64
)

var (
	metricViewers = expvar.NewInt("callbridge_fanout_viewers")
	metricDropped = expvar.NewInt("callbridge_fanout_dropped_viewers")
)

// Hub broadcasts serialized events to attached viewers, keyed by session,
// plus a global set that observes every session.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Viewer]struct{}
	global   map[*Viewer]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*Viewer]struct{}),
		global:   make(map[*Viewer]struct{}),
	}
}

// Viewer is one attached websocket connection.
type Viewer struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string // empty means global
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Attach registers conn as a viewer of sessionID, or of all sessions when
// sessionID is empty, and starts its pumps. The viewer removes itself when
// the connection dies.
func (h *Hub) Attach(conn *websocket.Conn, sessionID string) *Viewer {
	v := &Viewer{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, viewerBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if sessionID == "" {
		h.global[v] = struct{}{}
	} else {
		set, ok := h.sessions[sessionID]
		if !ok {
			set = make(map[*Viewer]struct{})
			h.sessions[sessionID] = set
		}
		set[v] = struct{}{}
	}
	h.mu.Unlock()
	metricViewers.Add(1)

	go v.writePump()
	go v.readPump()
	return v
}

// Broadcast serializes event once and delivers it to the session's viewers
// and every global viewer. Viewers whose buffers are full are dropped.
func (h *Hub) Broadcast(sessionID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal fanout event failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	targets := make([]*Viewer, 0, len(h.global)+8)
	for v := range h.global {
		targets = append(targets, v)
	}
	for v := range h.sessions[sessionID] {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	for _, v := range targets {
		select {
		case <-v.done:
		case v.send <- data:
		default:
			// Slow consumer; cutting it loose keeps delivery moving for
			// everyone else.
			metricDropped.Add(1)
			v.Close()
		}
	}
}

// ViewerCount returns how many viewers are attached across all sessions.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.global)
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// Close detaches the viewer and closes its connection. Safe to call from
// any goroutine, any number of times.
func (v *Viewer) Close() {
	v.closeOnce.Do(func() {
		v.hub.detach(v)
		close(v.done)
		metricViewers.Add(-1)
	})
}

func (h *Hub) detach(v *Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v.sessionID == "" {
		delete(h.global, v)
		return
	}
	if set, ok := h.sessions[v.sessionID]; ok {
		delete(set, v)
		if len(set) == 0 {
			delete(h.sessions, v.sessionID)
		}
	}
}

func (v *Viewer) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case <-v.done:
			v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				v.Close()
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				v.Close()
				return
			}
		}
	}
}

// readPump drains inbound frames so pongs and close frames are processed;
// viewers never send application data.
func (v *Viewer) readPump() {
	v.conn.SetReadLimit(1 << 16)
	v.conn.SetPongHandler(func(string) error { return nil })
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			v.Close()
			return
		}
	}
}
