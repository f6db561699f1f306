// Package escalation runs the "bring in a human" sub-protocol: an outbound
// call to the human desk, a two-step keypress confirmation, a conference
// transfer, and a reconciliation watchdog for the callbacks that never
// arrive. Each escalation is an independent state machine beside the
// caller's primary call state; the caller keeps talking to the engine the
// whole time.
package escalation

import "fmt"

// Status is the escalation's own state, separate from the call state.
type Status int

const (
	StatusNone Status = iota
	// StatusCalling: the outbound human leg has been placed.
	StatusCalling
	// StatusRinging: the provider reports the leg ringing.
	StatusRinging
	// StatusWaitingConfirmation: the leg answered; a keypress is required
	// before anyone believes a human is present.
	StatusWaitingConfirmation
	// StatusConfirmed: the human pressed the accept digit.
	StatusConfirmed
	// StatusInConference: caller and human share the bridge.
	StatusInConference
	// StatusFailed: terminal, no human reached.
	StatusFailed
	// StatusCompleted: terminal, the conference happened and ended.
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusWaitingConfirmation:
		return "waiting_confirmation"
	case StatusConfirmed:
		return "confirmed"
	case StatusInConference:
		return "in_conference"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether the escalation can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// Reason codes carried in notifications and marker turns. The conversation
// engine phrases these for the caller; the core never does.
const (
	ReasonNoAnswer   = "no-answer"
	ReasonBusy       = "busy"
	ReasonFailed     = "failed"
	ReasonCanceled   = "canceled"
	ReasonDeclined   = "declined"
	ReasonConfirmed  = "confirmed"
	ReasonHumanEnded = "human_ended"
)

// Notification kinds the coordinator emits.
const (
	KindHumanConfirmed     = "human_confirmed"
	KindEscalationFailed   = "escalation_failed"
	KindEscalationReturned = "escalation_returned"
)
