package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crowstack/callbridge/internal/fanout"
	"github.com/crowstack/callbridge/pkg/audio"
	"github.com/crowstack/callbridge/pkg/call"
	"github.com/crowstack/callbridge/pkg/engine"
	"github.com/crowstack/callbridge/pkg/session"
	"github.com/crowstack/callbridge/pkg/telephony"
)

// frameInterval paces outbound playback at the line rate: one 160-byte
// mu-law chunk per 20ms.
const frameInterval = 20 * time.Millisecond

// endCallGrace lets the provider flush the farewell before the leg is
// completed.
const endCallGrace = 500 * time.Millisecond

// runTurn executes one conversation turn: sync the session record with its
// side channels, build the engine input from the utterance or marker plus
// any drained notifications, run exactly one engine call, persist, fan out,
// and play the reply.
func (sc *streamConn) runTurn(in turnInput) {
	ctx := sc.ctx
	c := sc.c
	deps := sc.srv.deps

	// The conversation cycle: Processing for the span of the turn, back to
	// AiConversation once playback is done. Escalation transitions made
	// mid-turn win both races.
	if c.CompareAndSetState(call.StateAiConversation, call.StateProcessing) {
		defer c.CompareAndSetState(call.StateProcessing, call.StateAiConversation)
	}

	sttStart := time.Now()
	text := in.text
	if len(in.utterance) > 0 {
		text = sc.transcribe(ctx, in.utterance)
	}
	sttDur := time.Since(sttStart)

	st, notifs, err := session.Sync(ctx, deps.Store, c.SessionID)
	if err != nil {
		slog.Error("session sync failed",
			slog.String("session_id", c.SessionID),
			slog.String("error", err.Error()))
		return
	}

	lines := make([]string, 0, len(notifs)+1)
	for _, n := range notifs {
		if n.Priority == session.PriorityInterrupt && c.Playing() {
			c.RequestBargeIn()
			sc.sendClear()
		}
		lines = append(lines, engine.NotificationMarker(n.Kind))
	}
	if text != "" {
		lines = append(lines, text)
	}
	if len(lines) == 0 {
		return
	}
	input := strings.Join(lines, "\n")

	llmStart := time.Now()
	res, err := deps.Engine.ProcessTurn(ctx, st, input)
	llmDur := time.Since(llmStart)
	if err != nil {
		slog.Error("engine turn failed",
			slog.String("session_id", c.SessionID),
			slog.String("error", err.Error()))
		return
	}
	metricTurns.Add(1)

	userMsg := c.AppendTranscript("user", input)
	assistantMsg := c.AppendTranscript("assistant", res.Reply)
	if res.CustomerName != "" {
		c.SetCustomerName(res.CustomerName)
	}

	st, err = session.Update(ctx, deps.Store, c.SessionID, func(st *session.State) error {
		st.Messages = append(st.Messages, userMsg, assistantMsg)
		st.Stage = res.Stage
		st.Intent = res.Intent
		st.Confidence = res.Confidence
		if res.Slots != nil {
			st.Slots = res.Slots
		}
		if res.ConfirmedBooking != nil {
			st.ConfirmedBooking = res.ConfirmedBooking
		}
		if res.CustomerName != "" {
			if st.Customer == nil {
				st.Customer = &session.Customer{}
			}
			st.Customer.Name = res.CustomerName
		}
		return nil
	})
	if err != nil {
		slog.Error("session persist failed",
			slog.String("session_id", c.SessionID),
			slog.String("error", err.Error()))
	}

	deps.Hub.Broadcast(c.SessionID, fanout.NewTranscript(c.SessionID, "user", input))
	deps.Hub.Broadcast(c.SessionID, fanout.NewTranscript(c.SessionID, "assistant", res.Reply))
	if st != nil {
		deps.Hub.Broadcast(c.SessionID, fanout.NewStateUpdate(st))
	}

	if res.Escalate {
		sc.startEscalation(ctx, res.Intent)
	}

	ttsStart := time.Now()
	if res.Reply != "" {
		sc.speak(ctx, res.Reply)
	}
	ttsDur := time.Since(ttsStart)

	deps.Hub.Broadcast(c.SessionID,
		fanout.NewLatency(c.SessionID, sttDur, llmDur, ttsDur))
	metricTurnMillis.Add((sttDur + llmDur + ttsDur).Milliseconds())

	if res.EndCall {
		select {
		case <-time.After(endCallGrace):
		case <-ctx.Done():
		}
		if err := deps.Provider.EndCall(ctx, c.CallID); err != nil {
			slog.Error("hangup failed",
				slog.String("call_id", c.CallID),
				slog.String("error", err.Error()))
		}
		sc.srv.cleanupCall(ctx, c)
	}
}

// transcribe packages the mu-law utterance as 16kHz WAV and runs it through
// the transcriber. Failures are not terminal: the engine gets a marker and
// apologizes in its own words.
func (sc *streamConn) transcribe(ctx context.Context, mulaw []byte) string {
	pcm := audio.DecodeMulaw(mulaw)
	wide, err := audio.Resample(pcm, audio.LineRate, audio.WideRate)
	if err != nil {
		slog.Warn("utterance resample failed", slog.String("error", err.Error()))
		wide = pcm
	}
	wav := audio.EncodeWAV(wide, audio.WideRate, 1)

	text, err := sc.srv.deps.Transcriber.Transcribe(ctx, wav)
	if err != nil {
		// Fatal means misconfiguration, not a bad utterance; it still only
		// degrades this turn, but an operator needs to see it.
		if engine.IsFatal(err) {
			slog.Error("transcription failed permanently",
				slog.String("call_id", sc.c.CallID),
				slog.String("error", err.Error()))
		} else {
			slog.Warn("transcription failed",
				slog.String("call_id", sc.c.CallID),
				slog.String("error", err.Error()))
		}
		return engine.MarkerSpeechFailed
	}
	if strings.TrimSpace(text) == "" {
		return engine.MarkerSpeechFailed
	}
	return text
}

// startEscalation records the human-check task, starts the availability
// worker, and dials the human leg.
func (sc *streamConn) startEscalation(ctx context.Context, reason string) {
	c := sc.c
	deps := sc.srv.deps

	taskID := uuid.NewString()
	task := session.BackgroundTask{
		ID:        taskID,
		Type:      session.TaskHumanCheck,
		Status:    session.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := session.Update(ctx, deps.Store, c.SessionID, func(st *session.State) error {
		st.Tasks = append(st.Tasks, task)
		return nil
	}); err != nil {
		slog.Error("recording human-check task failed",
			slog.String("session_id", c.SessionID),
			slog.String("error", err.Error()))
	}
	deps.Hub.Broadcast(c.SessionID, fanout.NewTaskUpdate(c.SessionID, task))

	if deps.Worker != nil {
		h := deps.Worker.StartHumanCheck(context.Background(), c.SessionID, taskID)
		sc.srv.trackHumanCheck(c.SessionID, h)
		go func() {
			// The finished check wakes the turn loop so its notification is
			// delivered without waiting for the caller to speak.
			<-h.Done()
			c.PushEvent(call.PendingEvent{Type: "task_complete", Timestamp: time.Now().UTC()})
		}()
	}

	if deps.Coordinator != nil {
		if err := deps.Coordinator.Start(ctx, c, reason); err != nil {
			slog.Error("escalation start failed",
				slog.String("call_id", c.CallID),
				slog.String("error", err.Error()))
		}
	}
}

// speak synthesizes the reply, downsamples it to the line rate, and streams
// it out in paced 20ms chunks, stopping early on barge-in.
func (sc *streamConn) speak(ctx context.Context, text string) {
	c := sc.c

	pcm, rate, err := sc.srv.deps.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		if engine.IsFatal(err) {
			slog.Error("synthesis failed permanently",
				slog.String("call_id", c.CallID),
				slog.String("error", err.Error()))
		} else {
			slog.Warn("synthesis failed",
				slog.String("call_id", c.CallID),
				slog.String("error", err.Error()))
		}
		return
	}
	line, err := audio.Resample(pcm, rate, audio.LineRate)
	if err != nil {
		slog.Warn("playback resample failed", slog.String("error", err.Error()))
		return
	}
	mulaw := audio.EncodeMulaw(line)

	c.SetPlaying(true)
	defer c.SetPlaying(false)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for off := 0; off < len(mulaw); off += audio.FrameBytes {
		if c.BargeInRequested() {
			sc.sendClear()
			return
		}
		end := off + audio.FrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		msg, err := telephony.MediaMessage(sc.streamSID, mulaw[off:end])
		if err != nil {
			return
		}
		if err := sc.write(msg); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
