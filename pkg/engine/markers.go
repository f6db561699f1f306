package engine

import "fmt"

// Marker turns are synthetic inputs the orchestrator injects instead of a
// caller utterance, so the engine can phrase what happened in its own
// words. Reason codes ride inside the marker; the core never writes
// caller-facing text.

// MarkerCallStarted opens a new call and asks the engine for its greeting.
const MarkerCallStarted = "[CALL_STARTED]"

// MarkerSpeechFailed reports that transcription or synthesis failed for one
// utterance; the engine apologizes and the call continues.
const MarkerSpeechFailed = "[SPEECH_FAILED]"

// HumanStatusMarker reports a change on the human escalation leg, carrying
// a reason code such as "confirmed", "no-answer", "busy", or "declined".
func HumanStatusMarker(code string) string {
	return fmt.Sprintf("[HUMAN_STATUS:%s]", code)
}

// EscalationReturnedMarker reports that the caller is back with the engine
// after a conference ended, carrying the reason the conference closed.
func EscalationReturnedMarker(reason string) string {
	return fmt.Sprintf("[ESCALATION_RETURNED:%s]", reason)
}

// NotificationMarker delivers a background-task notification kind to the
// engine for phrasing.
func NotificationMarker(kind string) string {
	return fmt.Sprintf("[NOTIFICATION:%s]", kind)
}
