package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crowstack/callbridge/pkg/session"
)

// PendingQueueLimit bounds the per-call pending-event queue. Producers are
// webhook handlers; the consumer is the audio loop, which drains at every
// frame, so the queue only grows if the stream has stalled.
const PendingQueueLimit = 16

// PendingEvent is a message from a webhook handler to the call's audio
// loop, delivered at the next frame boundary.
type PendingEvent struct {
	Type      string
	Message   string
	Timestamp time.Time
}

// ActiveCall is the record of one live call leg. All mutable fields are
// guarded by the call's own mutex; webhook handlers and the audio loop
// touch the same record concurrently.
type ActiveCall struct {
	// Immutable after creation.
	CallID    string
	SessionID string
	From      string
	StartedAt time.Time

	mu             sync.Mutex
	streamID       string
	state          State
	customerName   string
	conferenceName string
	humanCallID    string
	humanStatus    string
	transcript     []session.Message
	pending        []PendingEvent
	playing        bool
	bargeIn        bool
}

// New creates a record in StateConnecting.
func New(callID, sessionID, from string) *ActiveCall {
	return &ActiveCall{
		CallID:    callID,
		SessionID: sessionID,
		From:      from,
		StartedAt: time.Now().UTC(),
		state:     StateConnecting,
	}
}

// State returns the current lifecycle state.
func (c *ActiveCall) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the call to s.
func (c *ActiveCall) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// CompareAndSetState moves to next only if the call is currently in from.
func (c *ActiveCall) CompareAndSetState(from, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = next
	return true
}

// MarkEnded moves the call to StateEnded and reports whether this caller
// performed the transition, so cleanup runs exactly once.
func (c *ActiveCall) MarkEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return false
	}
	c.state = StateEnded
	return true
}

// StreamID returns the attached media-stream identifier, empty if none.
func (c *ActiveCall) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

func (c *ActiveCall) setStreamID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID = id
}

// SetCustomerName records the display name once the engine learns it.
func (c *ActiveCall) SetCustomerName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customerName = name
}

// CustomerName returns the display name, possibly empty.
func (c *ActiveCall) CustomerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customerName
}

// SetConference records the conference and human-leg identifiers for an
// escalation in flight.
func (c *ActiveCall) SetConference(name, humanCallID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conferenceName = name
	c.humanCallID = humanCallID
}

// Conference returns the conference name and human-leg call id.
func (c *ActiveCall) Conference() (name, humanCallID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conferenceName, c.humanCallID
}

// SetHumanStatus records the latest human-leg status string.
func (c *ActiveCall) SetHumanStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.humanStatus = status
}

// HumanStatus returns the latest human-leg status string.
func (c *ActiveCall) HumanStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.humanStatus
}

// AppendTranscript adds one line to the rolling transcript.
func (c *ActiveCall) AppendTranscript(role, content string) session.Message {
	msg := session.Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
	c.mu.Lock()
	c.transcript = append(c.transcript, msg)
	c.mu.Unlock()
	return msg
}

// Transcript returns a copy of the transcript so far.
func (c *ActiveCall) Transcript() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Message(nil), c.transcript...)
}

// PushEvent queues an event for the audio loop. When the queue is full the
// oldest entry is dropped and logged, never the newest: late events carry
// the freshest state.
func (c *ActiveCall) PushEvent(ev PendingEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= PendingQueueLimit {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		slog.Warn("pending-event queue full, dropping oldest",
			slog.String("call_id", c.CallID),
			slog.String("dropped_type", dropped.Type))
	}
	c.pending = append(c.pending, ev)
}

// DrainEvents removes and returns all queued events in arrival order.
func (c *ActiveCall) DrainEvents() []PendingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// SetPlaying flags whether synthesized audio is being sent to the caller.
// Stopping playback clears any barge-in request.
func (c *ActiveCall) SetPlaying(playing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = playing
	if !playing {
		c.bargeIn = false
	}
}

// Playing reports whether playback is in progress.
func (c *ActiveCall) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// RequestBargeIn asks the playback loop to stop at the next chunk boundary.
func (c *ActiveCall) RequestBargeIn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		c.bargeIn = true
	}
}

// BargeInRequested reports whether a barge-in is pending.
func (c *ActiveCall) BargeInRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bargeIn
}
