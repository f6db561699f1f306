// Package engine defines the boundary to the external conversation engine
// and its speech collaborators. The orchestration core never phrases
// caller-facing wording itself: it hands the engine transcribed utterances
// and marker turns, and plays back whatever the engine decides to say.
package engine

import (
	"context"

	"github.com/crowstack/callbridge/pkg/session"
)

// TurnResult is the engine's decision for one conversation turn.
type TurnResult struct {
	// Reply is the text to synthesize and play to the caller.
	Reply string

	// Stage, Intent, and Confidence describe where the engine thinks the
	// conversation is; they are fanned out to viewers verbatim.
	Stage      string
	Intent     string
	Confidence float64

	// Escalate asks the orchestrator to bring in a human.
	Escalate bool

	// EndCall asks the orchestrator to hang up after Reply has played.
	EndCall bool

	// CustomerName is set once the engine has learned who is calling.
	CustomerName string

	// Slots is the engine-owned collection state, stored opaquely.
	Slots map[string]any

	// ConfirmedBooking is the engine's summary of a finalized booking,
	// persisted and fanned out verbatim once set.
	ConfirmedBooking map[string]any
}

// Engine produces one turn of conversation. Implementations receive the
// session record already synced with side channels and may read but not
// write it; all persistence goes through the orchestrator.
type Engine interface {
	ProcessTurn(ctx context.Context, st *session.State, input string) (*TurnResult, error)
}

// Transcriber turns one WAV-packaged utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer turns reply text into 16-bit mono PCM at the returned sample
// rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (pcm []byte, sampleRate int, err error)
}
