package call

import (
	"fmt"
	"sync"
)

// Registry owns every ActiveCall and indexes each by call, stream, and
// session identifier. The backing maps are never exposed; all access goes
// through the registry's lock.
type Registry struct {
	mu        sync.RWMutex
	byCall    map[string]*ActiveCall
	byStream  map[string]*ActiveCall
	bySession map[string]*ActiveCall
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byCall:    make(map[string]*ActiveCall),
		byStream:  make(map[string]*ActiveCall),
		bySession: make(map[string]*ActiveCall),
	}
}

// Register adds a new call. It fails if the call or session id is already
// registered.
func (r *Registry) Register(c *ActiveCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCall[c.CallID]; ok {
		return fmt.Errorf("call: %s already registered", c.CallID)
	}
	if _, ok := r.bySession[c.SessionID]; ok {
		return fmt.Errorf("call: session %s already has an active call", c.SessionID)
	}
	r.byCall[c.CallID] = c
	r.bySession[c.SessionID] = c
	return nil
}

// AttachStream indexes the call under its media-stream identifier once the
// stream's start event names it.
func (r *Registry) AttachStream(callID, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCall[callID]
	if !ok {
		return fmt.Errorf("call: %s not registered", callID)
	}
	if prev := c.StreamID(); prev != "" {
		delete(r.byStream, prev)
	}
	c.setStreamID(streamID)
	r.byStream[streamID] = c
	return nil
}

// DetachStream drops only the stream index, keeping the call registered.
// Used when a stream stops while the call is mid-conference.
func (r *Registry) DetachStream(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byStream[streamID]
	if !ok {
		return
	}
	delete(r.byStream, streamID)
	c.setStreamID("")
}

// ByCall looks up by call identifier.
func (r *Registry) ByCall(callID string) (*ActiveCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byCall[callID]
	return c, ok
}

// ByStream looks up by media-stream identifier.
func (r *Registry) ByStream(streamID string) (*ActiveCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byStream[streamID]
	return c, ok
}

// BySession looks up by session identifier.
func (r *Registry) BySession(sessionID string) (*ActiveCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bySession[sessionID]
	return c, ok
}

// Remove deregisters the call from all three indices together.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCall[callID]
	if !ok {
		return
	}
	delete(r.byCall, callID)
	delete(r.bySession, c.SessionID)
	if sid := c.StreamID(); sid != "" {
		delete(r.byStream, sid)
	}
}

// Len returns the number of registered calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}
