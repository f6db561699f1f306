// Package telephony abstracts the telephony provider: placing and steering
// calls over its REST surface, describing call handling with XML voice
// instructions, and speaking the media-stream websocket protocol. The shapes
// follow the Twilio wire formats but nothing outside this package depends on
// that.
package telephony

// CallStatus is the provider's view of one call leg.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
	StatusCompleted  CallStatus = "completed"
)

// Terminal reports whether the leg can no longer change state.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

// Answered reports whether the leg was picked up. This is weak evidence of
// a human: screening services and voicemail also answer.
func (s CallStatus) Answered() bool {
	return s == StatusInProgress
}
