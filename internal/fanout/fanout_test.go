package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/crowstack/callbridge/pkg/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// hubServer attaches every incoming connection to the hub for sessionID.
func hubServer(t *testing.T, hub *Hub, sessionID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		hub.Attach(conn, sessionID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForViewers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ViewerCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("viewer count never reached %d", n)
}

func TestHubBroadcastReachesSessionAndGlobalViewers(t *testing.T) {
	is := is.New(t)
	hub := NewHub()

	sessionSrv := hubServer(t, hub, "sess-1")
	globalSrv := hubServer(t, hub, "")
	otherSrv := hubServer(t, hub, "sess-2")

	sessionConn := dial(t, sessionSrv)
	globalConn := dial(t, globalSrv)
	otherConn := dial(t, otherSrv)
	waitForViewers(t, hub, 3)

	hub.Broadcast("sess-1", NewTranscript("sess-1", "user", "hello there"))

	for _, conn := range []*websocket.Conn{sessionConn, globalConn} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		is.NoErr(err)

		var got map[string]any
		is.NoErr(json.Unmarshal(data, &got))
		is.Equal(got["type"], "transcript")
		is.Equal(got["session_id"], "sess-1")
		is.Equal(got["content"], "hello there")
		_, err = time.Parse(TimeFormat, got["timestamp"].(string))
		is.NoErr(err)
	}

	// The other session's viewer hears nothing.
	otherConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := otherConn.ReadMessage()
	is.True(err != nil)
}

func TestHubDropsDeadViewerWithoutBlocking(t *testing.T) {
	is := is.New(t)
	hub := NewHub()

	srv := hubServer(t, hub, "sess-1")
	conn := dial(t, srv)
	waitForViewers(t, hub, 1)

	// Kill the client and flood: broadcasts must keep returning promptly
	// and the viewer must eventually be detached.
	conn.Close()
	for i := 0; i < viewerBuffer*3; i++ {
		hub.Broadcast("sess-1", NewHumanStatus("sess-1", "calling"))
	}
	waitForViewers(t, hub, 0)
	is.Equal(hub.ViewerCount(), 0)
}

func TestStateUpdateEvent(t *testing.T) {
	is := is.New(t)

	st := session.NewState("sess-1")
	st.Stage = "booking"
	st.EscalationInProgress = true
	st.Tasks = []session.BackgroundTask{
		{ID: "t1", Status: session.TaskRunning},
		{ID: "t2", Status: session.TaskCompleted},
	}

	ev := NewStateUpdate(st)
	is.Equal(ev.Type, "state_update")
	is.Equal(ev.CurrentStage, "booking")
	is.True(ev.EscalationInProgress)
	is.Equal(len(ev.PendingTasks), 1) // completed tasks are not pending
	is.Equal(ev.PendingTasks[0].ID, "t1")
}

func TestDeskHubNoAgents(t *testing.T) {
	is := is.New(t)
	hub := NewDeskHub()

	available, err := hub.CheckAvailability(context.Background())
	is.NoErr(err)
	is.True(!available)
}

func TestDeskHubAccept(t *testing.T) {
	is := is.New(t)
	hub := NewDeskHub()

	rings := make(chan string, 1)
	id := hub.AttachAgent(func(data []byte) error {
		var ring deskRing
		if err := json.Unmarshal(data, &ring); err != nil {
			return err
		}
		rings <- ring.RingID
		return nil
	})
	defer hub.DetachAgent(id)

	go func() {
		hub.Resolve(<-rings, true)
	}()

	available, err := hub.CheckAvailability(context.Background())
	is.NoErr(err)
	is.True(available)
}

func TestDeskHubDeclineAndTimeout(t *testing.T) {
	is := is.New(t)
	hub := NewDeskHub()

	rings := make(chan string, 1)
	id := hub.AttachAgent(func(data []byte) error {
		var ring deskRing
		json.Unmarshal(data, &ring)
		rings <- ring.RingID
		return nil
	})
	defer hub.DetachAgent(id)

	go func() {
		hub.Resolve(<-rings, false)
	}()
	available, err := hub.CheckAvailability(context.Background())
	is.NoErr(err)
	is.True(!available)

	// Nobody answers the second ring.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	available, err = hub.CheckAvailability(ctx)
	is.True(errors.Is(err, context.DeadlineExceeded))
	is.True(!available)

	// Late or duplicate resolves are ignored.
	hub.Resolve(<-rings, true)
	hub.Resolve("unknown", true)
}

func TestDeskHubUndeliverableRing(t *testing.T) {
	is := is.New(t)
	hub := NewDeskHub()

	id := hub.AttachAgent(func([]byte) error { return errors.New("gone") })
	defer hub.DetachAgent(id)

	available, err := hub.CheckAvailability(context.Background())
	is.NoErr(err)
	is.True(!available)
}
