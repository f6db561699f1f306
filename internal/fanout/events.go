// Package fanout pushes call events to live viewers: per-session watchers,
// global dashboards, and the connected human desk. Delivery is best-effort;
// a slow or dead viewer is dropped rather than allowed to block the rest.
package fanout

import (
	"time"

	"github.com/crowstack/callbridge/pkg/session"
)

// TimeFormat is the one textual date-time format every event uses.
const TimeFormat = time.RFC3339

func now() string {
	return time.Now().UTC().Format(TimeFormat)
}

type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StateUpdate mirrors the session record for dashboards.
type StateUpdate struct {
	envelope
	CurrentStage         string                   `json:"current_stage,omitempty"`
	Intent               string                   `json:"intent,omitempty"`
	Confidence           float64                  `json:"confidence"`
	EscalationInProgress bool                     `json:"escalation_in_progress"`
	HumanStatus          string                   `json:"human_status,omitempty"`
	Customer             *session.Customer        `json:"customer,omitempty"`
	Slots                map[string]any           `json:"slots,omitempty"`
	ConfirmedBooking     map[string]any           `json:"confirmed_booking,omitempty"`
	PendingTasks         []session.BackgroundTask `json:"pending_tasks"`
}

// NewStateUpdate snapshots st into an event.
func NewStateUpdate(st *session.State) StateUpdate {
	pending := make([]session.BackgroundTask, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		if t.Status == session.TaskPending || t.Status == session.TaskRunning {
			pending = append(pending, t)
		}
	}
	return StateUpdate{
		envelope:             envelope{Type: "state_update", SessionID: st.ID, Timestamp: now()},
		CurrentStage:         st.Stage,
		Intent:               st.Intent,
		Confidence:           st.Confidence,
		EscalationInProgress: st.EscalationInProgress,
		HumanStatus:          st.HumanStatus,
		Customer:             st.Customer,
		Slots:                st.Slots,
		ConfirmedBooking:     st.ConfirmedBooking,
		PendingTasks:         pending,
	}
}

// Transcript is one spoken line, caller or engine.
type Transcript struct {
	envelope
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewTranscript builds a transcript event.
func NewTranscript(sessionID, role, content string) Transcript {
	return Transcript{
		envelope: envelope{Type: "transcript", SessionID: sessionID, Timestamp: now()},
		Role:     role,
		Content:  content,
	}
}

// TaskUpdate reports a background task's new shape.
type TaskUpdate struct {
	envelope
	Task session.BackgroundTask `json:"task"`
}

// NewTaskUpdate builds a task_update event.
func NewTaskUpdate(sessionID string, task session.BackgroundTask) TaskUpdate {
	return TaskUpdate{
		envelope: envelope{Type: "task_update", SessionID: sessionID, Timestamp: now()},
		Task:     task,
	}
}

// HumanStatus reports a change on the escalation leg.
type HumanStatus struct {
	envelope
	Status string `json:"status"`
}

// NewHumanStatus builds a human_status event.
func NewHumanStatus(sessionID, status string) HumanStatus {
	return HumanStatus{
		envelope: envelope{Type: "human_status", SessionID: sessionID, Timestamp: now()},
		Status:   status,
	}
}

// Lifecycle reports call and stream boundaries. Type is one of
// call_started, call_ended, stream_started, stream_ended.
type Lifecycle struct {
	envelope
	CallID string `json:"call_id,omitempty"`
	From   string `json:"from,omitempty"`
}

// NewLifecycle builds a lifecycle event of the given type.
func NewLifecycle(eventType, sessionID, callID, from string) Lifecycle {
	return Lifecycle{
		envelope: envelope{Type: eventType, SessionID: sessionID, Timestamp: now()},
		CallID:   callID,
		From:     from,
	}
}

// Latency reports per-turn pipeline timings in milliseconds.
type Latency struct {
	envelope
	STTMillis   int64 `json:"stt_ms"`
	LLMMillis   int64 `json:"llm_ms"`
	TTSMillis   int64 `json:"tts_ms"`
	TotalMillis int64 `json:"total_ms"`
}

// NewLatency builds a latency event from the turn's stage durations.
func NewLatency(sessionID string, stt, llm, tts time.Duration) Latency {
	return Latency{
		envelope:    envelope{Type: "latency", SessionID: sessionID, Timestamp: now()},
		STTMillis:   stt.Milliseconds(),
		LLMMillis:   llm.Milliseconds(),
		TTSMillis:   tts.Milliseconds(),
		TotalMillis: (stt + llm + tts).Milliseconds(),
	}
}
