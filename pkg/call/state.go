// Package call tracks active telephony calls: one record per live call leg
// plus the registry that indexes records by call, stream, and session
// identifier.
package call

import "fmt"

// State is the primary lifecycle of a call.
type State int32

const (
	// StateConnecting: the provider reported the inbound call but the
	// media stream has not started yet.
	StateConnecting State = iota
	// StateAiConversation: the caller is talking with the engine.
	StateAiConversation
	// StateProcessing: an utterance is being transcribed, answered, and
	// synthesized.
	StateProcessing
	// StateEscalating: an outbound human leg is being established while
	// the caller keeps talking to the engine.
	StateEscalating
	// StateInConference: caller and human share a conference bridge.
	StateInConference
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAiConversation:
		return "ai_conversation"
	case StateProcessing:
		return "processing"
	case StateEscalating:
		return "escalating"
	case StateInConference:
		return "in_conference"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// KeepAliveOnStreamStop reports whether the call must survive its media
// stream stopping. A conference keeps the leg alive independently of the
// original stream connection.
func (s State) KeepAliveOnStreamStop() bool {
	return s == StateEscalating || s == StateInConference
}
