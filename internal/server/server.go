// Package server wires the orchestration core together and exposes its
// HTTP surface: telephony webhooks, the media-stream websocket, and the
// viewer/desk fan-out sockets.
package server

import (
	"expvar"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crowstack/callbridge/internal/fanout"
	"github.com/crowstack/callbridge/pkg/call"
	"github.com/crowstack/callbridge/pkg/engine"
	"github.com/crowstack/callbridge/pkg/escalation"
	"github.com/crowstack/callbridge/pkg/session"
	"github.com/crowstack/callbridge/pkg/telephony"
	"github.com/crowstack/callbridge/pkg/worker"
)

// Paths served in addition to the escalation webhook paths.
const (
	PathIncoming    = "/telephony/incoming"
	PathCallStatus  = "/telephony/call-status"
	PathMediaStream = "/media-stream"
	PathViewer      = "/ws/viewer"
	PathDesk        = "/ws/desk"
)

var (
	metricActiveCalls = expvar.NewInt("callbridge_active_calls")
	metricUtterances  = expvar.NewInt("callbridge_utterances_total")
	metricTurns       = expvar.NewInt("callbridge_engine_turns_total")
	metricTurnMillis  = expvar.NewInt("callbridge_turn_millis_total")
	metricBargeIns    = expvar.NewInt("callbridge_barge_ins_total")
)

// Deps carries the collaborators the server orchestrates.
type Deps struct {
	Registry    *call.Registry
	Store       session.Store
	Provider    telephony.Provider
	Coordinator *escalation.Coordinator
	Worker      *worker.Worker
	Engine      engine.Engine
	Transcriber engine.Transcriber
	Synthesizer engine.Synthesizer
	Hub         *fanout.Hub
	DeskHub     *fanout.DeskHub

	// PublicURL is the externally reachable base URL, used to derive the
	// media-stream websocket address.
	PublicURL string
}

// Server is the orchestration core's HTTP surface.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader

	mu          sync.Mutex
	humanChecks map[string]*worker.Handle
}

// New builds a server over deps.
func New(deps Deps) *Server {
	return &Server{
		deps:        deps,
		humanChecks: make(map[string]*worker.Handle),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider sends no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the full handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathIncoming, s.handleIncoming)
	mux.HandleFunc(PathCallStatus, s.handleCallStatus)
	mux.HandleFunc(PathMediaStream, s.handleMediaStream)
	mux.HandleFunc(PathViewer, s.handleViewer)
	mux.HandleFunc(PathDesk, s.handleDesk)

	mux.HandleFunc(escalation.PathAnswer, s.handleEscalationAnswer)
	mux.HandleFunc(escalation.PathKeypress, s.handleEscalationKeypress)
	mux.HandleFunc(escalation.PathTimeout, s.handleEscalationTimeout)
	mux.HandleFunc(escalation.PathStatus, s.handleEscalationStatus)
	mux.HandleFunc(escalation.PathConference, s.handleEscalationConference)
	mux.HandleFunc(escalation.PathJoin, s.handleEscalationJoin)
	mux.HandleFunc(escalation.PathReturn, s.handleReturn)

	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// trackHumanCheck stores the supervision handle for the session's running
// availability check, stopping any previous one first.
func (s *Server) trackHumanCheck(sessionID string, h *worker.Handle) {
	s.mu.Lock()
	prev := s.humanChecks[sessionID]
	s.humanChecks[sessionID] = h
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// stopHumanCheck cancels and joins the session's availability check.
func (s *Server) stopHumanCheck(sessionID string) {
	s.mu.Lock()
	h := s.humanChecks[sessionID]
	delete(s.humanChecks, sessionID)
	s.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// streamURL converts the public base URL into the websocket address the
// provider connects its media stream to.
func (s *Server) streamURL() string {
	base := s.deps.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + PathMediaStream
}

func writeInstructions(w http.ResponseWriter, resp *telephony.Response) {
	out, err := resp.Render()
	if err != nil {
		http.Error(w, "instruction rendering failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(out)
}

// handleViewer attaches a dashboard viewer, per-session when session_id is
// given, global otherwise.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.deps.Hub.Attach(conn, r.URL.Query().Get("session_id"))
}

// handleDesk attaches a desk agent and relays its ring responses.
func (s *Server) handleDesk(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := s.deps.DeskHub.AttachAgent(func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	defer func() {
		s.deps.DeskHub.DetachAgent(id)
		conn.Close()
	}()

	for {
		var msg struct {
			Type   string `json:"type"`
			RingID string `json:"ring_id"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "accept":
			s.deps.DeskHub.Resolve(msg.RingID, true)
		case "decline":
			s.deps.DeskHub.Resolve(msg.RingID, false)
		}
	}
}
