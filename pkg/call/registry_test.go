package call

import (
	"testing"

	"github.com/matryer/is"
)

func TestRegistryLifecycle(t *testing.T) {
	is := is.New(t)

	r := NewRegistry()
	c := New("CA1", "sess-1", "+15550001111")
	is.NoErr(r.Register(c))
	is.Equal(c.State(), StateConnecting)

	// Duplicate call or session ids are rejected.
	is.True(r.Register(New("CA1", "sess-2", "")) != nil)
	is.True(r.Register(New("CA2", "sess-1", "")) != nil)

	is.NoErr(r.AttachStream("CA1", "MZ1"))

	byCall, ok := r.ByCall("CA1")
	is.True(ok)
	byStream, ok := r.ByStream("MZ1")
	is.True(ok)
	bySession, ok := r.BySession("sess-1")
	is.True(ok)
	is.Equal(byCall, c)
	is.Equal(byStream, c)
	is.Equal(bySession, c)

	// Removal clears all three indices together.
	r.Remove("CA1")
	_, ok = r.ByCall("CA1")
	is.True(!ok)
	_, ok = r.ByStream("MZ1")
	is.True(!ok)
	_, ok = r.BySession("sess-1")
	is.True(!ok)
	is.Equal(r.Len(), 0)
}

func TestRegistryDetachStreamKeepsCall(t *testing.T) {
	is := is.New(t)

	r := NewRegistry()
	c := New("CA1", "sess-1", "")
	is.NoErr(r.Register(c))
	is.NoErr(r.AttachStream("CA1", "MZ1"))
	c.SetState(StateInConference)

	// The conference outlives the media stream: only the stream index goes.
	r.DetachStream("MZ1")
	_, ok := r.ByStream("MZ1")
	is.True(!ok)
	_, ok = r.ByCall("CA1")
	is.True(ok)
	_, ok = r.BySession("sess-1")
	is.True(ok)
	is.Equal(c.StreamID(), "")
}

func TestRegistryReattachStream(t *testing.T) {
	is := is.New(t)

	r := NewRegistry()
	c := New("CA1", "sess-1", "")
	is.NoErr(r.Register(c))
	is.NoErr(r.AttachStream("CA1", "MZ1"))
	is.NoErr(r.AttachStream("CA1", "MZ2"))

	_, ok := r.ByStream("MZ1")
	is.True(!ok)
	got, ok := r.ByStream("MZ2")
	is.True(ok)
	is.Equal(got, c)

	is.True(r.AttachStream("CA-missing", "MZ3") != nil)
}

func TestPendingEventQueueBounded(t *testing.T) {
	is := is.New(t)

	c := New("CA1", "sess-1", "")
	for i := 0; i < PendingQueueLimit+4; i++ {
		c.PushEvent(PendingEvent{Type: "notification", Message: string(rune('a' + i))})
	}

	events := c.DrainEvents()
	is.Equal(len(events), PendingQueueLimit)
	// Oldest entries were dropped; the newest survives at the tail.
	is.Equal(events[len(events)-1].Message, string(rune('a'+PendingQueueLimit+3)))
	is.Equal(len(c.DrainEvents()), 0)
}

func TestBargeInFlagFollowsPlayback(t *testing.T) {
	is := is.New(t)

	c := New("CA1", "sess-1", "")

	// No playback, nothing to barge into.
	c.RequestBargeIn()
	is.True(!c.BargeInRequested())

	c.SetPlaying(true)
	c.RequestBargeIn()
	is.True(c.BargeInRequested())

	// Stopping playback clears the request.
	c.SetPlaying(false)
	is.True(!c.BargeInRequested())
}

func TestCompareAndSetState(t *testing.T) {
	is := is.New(t)

	c := New("CA1", "sess-1", "")
	is.True(c.CompareAndSetState(StateConnecting, StateAiConversation))
	is.True(!c.CompareAndSetState(StateConnecting, StateProcessing))
	is.Equal(c.State(), StateAiConversation)
}

func TestKeepAliveOnStreamStop(t *testing.T) {
	tests := []struct {
		state State
		keep  bool
	}{
		{StateConnecting, false},
		{StateAiConversation, false},
		{StateProcessing, false},
		{StateEscalating, true},
		{StateInConference, true},
		{StateEnded, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.KeepAliveOnStreamStop(); got != tt.keep {
				t.Errorf("KeepAliveOnStreamStop() = %v, want %v", got, tt.keep)
			}
		})
	}
}
