package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/crowstack/callbridge/internal/fanout"
	"github.com/crowstack/callbridge/pkg/call"
	"github.com/crowstack/callbridge/pkg/session"
	"github.com/crowstack/callbridge/pkg/telephony"
)

// handleIncoming registers the inbound call and answers with instructions
// that open the media stream.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")
	if callID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	sessionID := r.PostForm.Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c := call.New(callID, sessionID, from)
	if err := s.deps.Registry.Register(c); err != nil {
		slog.Warn("incoming call already registered",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		http.Error(w, "conflict", http.StatusConflict)
		return
	}
	metricActiveCalls.Add(1)

	if _, err := session.Update(r.Context(), s.deps.Store, sessionID, func(st *session.State) error {
		if st.Customer == nil && from != "" {
			st.Customer = &session.Customer{Phone: from}
		}
		return nil
	}); err != nil {
		slog.Error("initialize session failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	slog.Info("incoming call",
		slog.String("call_id", callID),
		slog.String("session_id", sessionID),
		slog.String("from", from))
	s.deps.Hub.Broadcast(sessionID, fanout.NewLifecycle("call_started", sessionID, callID, from))

	writeInstructions(w, telephony.StreamInstructions(s.streamURL(), sessionID))
}

// handleCallStatus processes status callbacks for the caller leg.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallSid")
	status := telephony.CallStatus(r.PostForm.Get("CallStatus"))

	c, ok := s.deps.Registry.ByCall(callID)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	slog.Info("caller leg status",
		slog.String("call_id", callID),
		slog.String("status", string(status)))

	if status.Terminal() {
		// The caller hung up (or the leg died); mid-conference or not,
		// the caller leg ending ends the engagement.
		s.cleanupCall(r.Context(), c)
	}
	w.WriteHeader(http.StatusOK)
}

// cleanupCall tears the call down completely: escalation watchdog joined,
// background check joined, all registry indices dropped together.
func (s *Server) cleanupCall(ctx context.Context, c *call.ActiveCall) {
	if !c.MarkEnded() {
		return
	}

	s.deps.Coordinator.Cancel(ctx, c.SessionID)
	s.deps.Coordinator.Stop(c.SessionID)
	s.stopHumanCheck(c.SessionID)

	s.deps.Registry.Remove(c.CallID)
	metricActiveCalls.Add(-1)

	s.deps.Hub.Broadcast(c.SessionID,
		fanout.NewLifecycle("call_ended", c.SessionID, c.CallID, c.From))
	slog.Info("call ended",
		slog.String("call_id", c.CallID),
		slog.String("session_id", c.SessionID))
}

func (s *Server) handleEscalationAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	// Machine-detection verdicts are advisory except here, where a machine
	// cannot confirm: hang the leg up instead of playing the gather.
	if answeredBy := r.PostForm.Get("AnsweredBy"); strings.HasPrefix(answeredBy, "machine") {
		resp, err := s.deps.Coordinator.HandleMachineAnswer(r.Context(), sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeInstructions(w, resp)
		return
	}

	resp, err := s.deps.Coordinator.HandleAnswer(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeInstructions(w, resp)
}

func (s *Server) handleEscalationKeypress(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	step, _ := strconv.Atoi(r.URL.Query().Get("step"))
	digit := r.PostForm.Get("Digits")

	resp, err := s.deps.Coordinator.HandleKeypress(r.Context(), sessionID, step, digit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeInstructions(w, resp)
}

func (s *Server) handleEscalationTimeout(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	resp, err := s.deps.Coordinator.HandleKeypressTimeout(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeInstructions(w, resp)
}

func (s *Server) handleEscalationStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	status := telephony.CallStatus(r.PostForm.Get("CallStatus"))
	s.deps.Coordinator.HandleCallStatus(r.Context(), sessionID, status)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEscalationConference(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	event := r.PostForm.Get("StatusCallbackEvent")
	if event == "" {
		event = r.PostForm.Get("ConferenceStatus")
	}
	// The provider prefixes conference events, e.g. "participant-leave".
	switch {
	case event == "conference-start" || event == "start":
		s.deps.Coordinator.HandleConference(r.Context(), sessionID, "start")
	case event == "conference-end" || event == "end":
		s.deps.Coordinator.HandleConference(r.Context(), sessionID, "end")
	case event == "participant-join" || event == "join":
		s.deps.Coordinator.HandleConference(r.Context(), sessionID, "join")
	case event == "participant-leave" || event == "leave":
		s.deps.Coordinator.HandleConference(r.Context(), sessionID, "leave")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEscalationJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	resp, err := s.deps.Coordinator.CallerJoinInstructions(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeInstructions(w, resp)
}

// handleReturn serves stream instructions for a caller coming back from a
// conference: the provider opens a fresh media stream for the same session.
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, ok := s.deps.Registry.BySession(sessionID); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeInstructions(w, telephony.StreamInstructions(s.streamURL(), sessionID))
}
