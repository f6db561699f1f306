package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// DeskHub rings connected desk agents and waits for an explicit accept. It
// implements the worker's Desk interface: availability means a connected
// agent accepted the ring before the caller's wait ran out.
type DeskHub struct {
	mu      sync.Mutex
	agents  map[string]func([]byte) error
	pending map[string]chan bool
}

// NewDeskHub returns an empty desk hub.
func NewDeskHub() *DeskHub {
	return &DeskHub{
		agents:  make(map[string]func([]byte) error),
		pending: make(map[string]chan bool),
	}
}

// deskRing is the message sent to every connected agent.
type deskRing struct {
	Type   string `json:"type"`
	RingID string `json:"ring_id"`
}

// AttachAgent registers a desk agent by its send function and returns the
// agent id for DetachAgent. The websocket handler wraps its connection's
// write in the function.
func (d *DeskHub) AttachAgent(send func([]byte) error) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.agents[id] = send
	d.mu.Unlock()
	return id
}

// DetachAgent removes a disconnected agent.
func (d *DeskHub) DetachAgent(id string) {
	d.mu.Lock()
	delete(d.agents, id)
	d.mu.Unlock()
}

// AgentCount returns how many agents are connected.
func (d *DeskHub) AgentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.agents)
}

// CheckAvailability rings every connected agent and blocks until one
// accepts, one declines on behalf of the desk, or ctx expires. No connected
// agents means immediately unavailable.
func (d *DeskHub) CheckAvailability(ctx context.Context) (bool, error) {
	d.mu.Lock()
	if len(d.agents) == 0 {
		d.mu.Unlock()
		return false, nil
	}

	ringID := uuid.NewString()
	result := make(chan bool, 1)
	d.pending[ringID] = result

	msg, err := json.Marshal(deskRing{Type: "ring", RingID: ringID})
	if err != nil {
		delete(d.pending, ringID)
		d.mu.Unlock()
		return false, err
	}
	sends := make([]func([]byte) error, 0, len(d.agents))
	for _, send := range d.agents {
		sends = append(sends, send)
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, ringID)
		d.mu.Unlock()
	}()

	delivered := false
	for _, send := range sends {
		if err := send(msg); err == nil {
			delivered = true
		}
	}
	if !delivered {
		return false, nil
	}

	select {
	case accepted := <-result:
		return accepted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers a pending ring. The agent websocket handler calls it when
// an accept or decline message arrives. Unknown or already-resolved rings
// are ignored.
func (d *DeskHub) Resolve(ringID string, accepted bool) {
	d.mu.Lock()
	result, ok := d.pending[ringID]
	if ok {
		delete(d.pending, ringID)
	}
	d.mu.Unlock()
	if ok {
		result <- accepted
	}
}
