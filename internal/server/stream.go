package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crowstack/callbridge/internal/fanout"
	"github.com/crowstack/callbridge/pkg/call"
	"github.com/crowstack/callbridge/pkg/engine"
	"github.com/crowstack/callbridge/pkg/telephony"
	"github.com/crowstack/callbridge/pkg/vad"
)

// turnQueueSize bounds turns waiting behind the one in flight.
const turnQueueSize = 8

// turnInput is one unit of work for the turn loop: either a raw utterance
// to transcribe or ready-made text (a marker). An empty input still runs a
// turn if the side channels hold notifications.
type turnInput struct {
	text      string
	utterance []byte
}

// streamConn is the state of one media-stream websocket connection. Frames
// are handled by the read loop alone; turns run on their own goroutine so
// barge-in frames are seen while playback is in flight.
type streamConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	c         *call.ActiveCall
	seg       *vad.Segmenter
	streamSID string

	turns     chan turnInput
	turnsDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &streamConn{
		srv:       s,
		conn:      conn,
		seg:       vad.New(vad.Config{}),
		turns:     make(chan turnInput, turnQueueSize),
		turnsDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	sc.run()
}

func (sc *streamConn) run() {
	defer func() {
		sc.cancel()
		if sc.c != nil {
			// Wait for the in-flight turn before the stream state goes
			// away beneath it.
			close(sc.turns)
			<-sc.turnsDone
		}
		sc.conn.Close()
	}()

	for {
		var msg telephony.StreamMessage
		if err := sc.conn.ReadJSON(&msg); err != nil {
			sc.streamClosed()
			return
		}

		switch msg.Event {
		case telephony.EventConnected:
			// Handshake only; the start event carries the identifiers.

		case telephony.EventStart:
			if !sc.handleStart(msg.Start) {
				return
			}

		case telephony.EventMedia:
			sc.handleMedia(msg.Media)

		case telephony.EventDTMF:
			if msg.DTMF != nil && sc.c != nil {
				slog.Debug("caller keypress",
					slog.String("call_id", sc.c.CallID),
					slog.String("digit", msg.DTMF.Digit))
			}

		case telephony.EventStop:
			sc.streamClosed()
			return
		}
	}
}

// handleStart binds the stream to its call via the session parameter the
// instructions passed through.
func (sc *streamConn) handleStart(start *telephony.StreamStart) bool {
	if start == nil {
		return false
	}
	if sc.c != nil {
		// The provider sends start once; a repeat must not spawn a second
		// turn loop.
		slog.Warn("duplicate stream start ignored",
			slog.String("call_id", sc.c.CallID),
			slog.String("stream_sid", start.StreamSID))
		return true
	}
	sessionID := start.CustomParameters["session_id"]
	c, ok := sc.srv.deps.Registry.BySession(sessionID)
	if !ok {
		slog.Warn("media stream for unknown session",
			slog.String("session_id", sessionID),
			slog.String("stream_sid", start.StreamSID))
		return false
	}
	if err := sc.srv.deps.Registry.AttachStream(c.CallID, start.StreamSID); err != nil {
		slog.Error("attach stream failed",
			slog.String("call_id", c.CallID),
			slog.String("error", err.Error()))
		return false
	}

	sc.c = c
	sc.streamSID = start.StreamSID

	go sc.turnLoop()

	// A fresh call gets the engine's greeting; a stream reopened after a
	// conference already has its return marker queued as a pending event.
	if c.CompareAndSetState(call.StateConnecting, call.StateAiConversation) {
		sc.enqueueTurn(turnInput{text: engine.MarkerCallStarted})
	}

	slog.Info("media stream started",
		slog.String("call_id", c.CallID),
		slog.String("session_id", sessionID),
		slog.String("stream_sid", start.StreamSID))
	sc.srv.deps.Hub.Broadcast(sessionID,
		fanout.NewLifecycle("stream_started", sessionID, c.CallID, c.From))
	return true
}

// handleMedia processes one inbound frame: pending events first, then the
// segmenter.
func (sc *streamConn) handleMedia(media *telephony.StreamMedia) {
	if sc.c == nil || media == nil {
		return
	}
	frame, err := media.Frame()
	if err != nil {
		slog.Warn("undecodable media frame", slog.String("call_id", sc.c.CallID))
		return
	}

	for _, ev := range sc.c.DrainEvents() {
		// Every pending event may pre-empt playback; its turn decides
		// what the caller hears next.
		if sc.c.Playing() {
			sc.c.RequestBargeIn()
			sc.sendClear()
		}
		sc.enqueueTurn(turnInput{text: ev.Message})
	}

	for _, ev := range sc.seg.Push(frame, sc.c.Playing()) {
		switch ev.Type {
		case vad.EventBargeIn:
			metricBargeIns.Add(1)
			sc.c.RequestBargeIn()
			sc.sendClear()
		case vad.EventUtteranceEnd:
			metricUtterances.Add(1)
			sc.enqueueTurn(turnInput{utterance: ev.Utterance})
		}
	}
}

// streamClosed handles the stop event and read failures. A call that is
// mid-escalation or mid-conference survives its stream; everything else is
// torn down completely.
func (sc *streamConn) streamClosed() {
	if sc.c == nil {
		return
	}
	c := sc.c

	sc.srv.deps.Hub.Broadcast(c.SessionID,
		fanout.NewLifecycle("stream_ended", c.SessionID, c.CallID, c.From))

	if c.State().KeepAliveOnStreamStop() {
		slog.Info("stream stopped mid-escalation, keeping call",
			slog.String("call_id", c.CallID),
			slog.String("state", c.State().String()))
		if sc.streamSID != "" {
			sc.srv.deps.Registry.DetachStream(sc.streamSID)
		}
		return
	}
	sc.srv.cleanupCall(context.Background(), c)
}

func (sc *streamConn) enqueueTurn(in turnInput) {
	select {
	case sc.turns <- in:
	default:
		slog.Warn("turn queue full, dropping input",
			slog.String("call_id", sc.c.CallID))
	}
}

func (sc *streamConn) turnLoop() {
	defer close(sc.turnsDone)
	for in := range sc.turns {
		sc.runTurn(in)
	}
}

func (sc *streamConn) write(data []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

func (sc *streamConn) sendClear() {
	msg, err := telephony.ClearMessage(sc.streamSID)
	if err != nil {
		return
	}
	if err := sc.write(msg); err != nil {
		slog.Debug("send clear failed", slog.String("error", err.Error()))
	}
}
