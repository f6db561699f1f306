package telephony

import (
	"context"
	"time"
)

// CallRequest describes an outbound call to place.
type CallRequest struct {
	To   string
	From string

	// InstructionsURL is fetched by the provider when the callee answers;
	// it must return voice instructions (see instructions.go).
	InstructionsURL string

	// StatusCallbackURL receives call-status webhooks for the leg.
	StatusCallbackURL string

	// RingTimeout bounds how long the provider lets the leg ring.
	RingTimeout time.Duration

	// MachineDetection asks the provider for its answering-machine
	// heuristic. Advisory only; the confirmation protocol is what decides
	// whether a human is present.
	MachineDetection bool
}

// Call is the provider's record of a placed leg.
type Call struct {
	ID     string
	Status CallStatus
}

// Provider is the outbound control surface of the telephony provider.
type Provider interface {
	// PlaceCall starts an outbound leg and returns immediately; progress
	// arrives via status callbacks or polling.
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)

	// RedirectCall points an in-progress leg at new voice instructions.
	RedirectCall(ctx context.Context, callID, instructionsURL string) error

	// EndCall hangs up the leg.
	EndCall(ctx context.Context, callID string) error

	// CallState polls the provider for the leg's current status. The
	// reconciliation watchdog uses this when callbacks go missing.
	CallState(ctx context.Context, callID string) (CallStatus, error)
}
