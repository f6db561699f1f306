package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/crowstack/callbridge/pkg/session"
)

type scriptedDesk struct {
	available bool
	err       error
	block     bool
}

func (d *scriptedDesk) CheckAvailability(ctx context.Context) (bool, error) {
	if d.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return d.available, d.err
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to+": "+subject)
	return nil
}

func fixedNow() time.Time {
	// Wednesday 10:05 local time.
	return time.Date(2025, time.March, 5, 10, 5, 0, 0, time.UTC)
}

func TestHumanCheckAvailable(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := session.NewMemoryStore()

	w, err := New(Config{Store: store, Desk: &scriptedDesk{available: true}, Now: fixedNow})
	is.NoErr(err)

	h := w.StartHumanCheck(ctx, "sess-1", "task-1")
	<-h.Done()

	updates, err := store.DrainTaskUpdates(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(len(updates), 2) // running, then completed
	is.Equal(*updates[0].Status, session.TaskRunning)
	is.Equal(*updates[1].Status, session.TaskCompleted)
	is.True(updates[1].Result.HumanAvailable)

	notifs, err := store.DrainNotifications(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(len(notifs), 1)
	is.Equal(notifs[0].Kind, KindHumanAvailable)
	is.Equal(notifs[0].Priority, session.PriorityInterrupt)
}

func TestHumanCheckUnavailableSchedulesCallback(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := session.NewMemoryStore()
	mailer := &recordingMailer{}

	w, err := New(Config{
		Store:         store,
		Desk:          &scriptedDesk{available: false},
		Mailer:        mailer,
		FallbackEmail: "desk@example.com",
		Now:           fixedNow,
	})
	is.NoErr(err)

	h := w.StartHumanCheck(ctx, "sess-1", "task-1")
	<-h.Done()

	updates, err := store.DrainTaskUpdates(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(*updates[len(updates)-1].Status, session.TaskFailed)
	result := updates[len(updates)-1].Result
	is.True(!result.HumanAvailable)
	is.Equal(result.CallbackAt, NextCallbackSlot(fixedNow()))

	notifs, err := store.DrainNotifications(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(len(notifs), 1)
	is.Equal(notifs[0].Kind, KindHumanUnavailable)
	is.Equal(notifs[0].Priority, session.PriorityHigh)
	is.True(notifs[0].Data["callback_at"] != "")

	is.Equal(len(mailer.sent), 1)
}

func TestHumanCheckErrorMeansUnavailable(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := session.NewMemoryStore()

	w, err := New(Config{Store: store, Desk: &scriptedDesk{err: errors.New("desk offline")}, Now: fixedNow})
	is.NoErr(err)

	h := w.StartHumanCheck(ctx, "sess-1", "task-1")
	<-h.Done()

	updates, err := store.DrainTaskUpdates(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(*updates[len(updates)-1].Status, session.TaskFailed)
}

func TestHumanCheckStopJoins(t *testing.T) {
	is := is.New(t)
	store := session.NewMemoryStore()

	w, err := New(Config{
		Store:               store,
		Desk:                &scriptedDesk{block: true},
		AvailabilityTimeout: time.Minute,
		Now:                 fixedNow,
	})
	is.NoErr(err)

	h := w.StartHumanCheck(context.Background(), "sess-1", "task-1")
	h.Stop()

	select {
	case <-h.Done():
	default:
		t.Fatal("Stop returned before the check finished")
	}
}

func TestNextCallbackSlot(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid-morning rounds up to half hour",
			now:  time.Date(2025, time.March, 5, 10, 5, 0, 0, loc),
			want: time.Date(2025, time.March, 5, 10, 30, 0, 0, loc),
		},
		{
			name: "on the boundary moves to next slot",
			now:  time.Date(2025, time.March, 5, 10, 30, 0, 0, loc),
			want: time.Date(2025, time.March, 5, 11, 0, 0, 0, loc),
		},
		{
			name: "late evening rolls to next morning",
			now:  time.Date(2025, time.March, 5, 18, 40, 0, 0, loc),
			want: time.Date(2025, time.March, 6, 9, 0, 0, 0, loc),
		},
		{
			name: "before opening clamps to opening",
			now:  time.Date(2025, time.March, 5, 7, 10, 0, 0, loc),
			want: time.Date(2025, time.March, 5, 9, 0, 0, 0, loc),
		},
		{
			name: "saturday evening skips sunday",
			now:  time.Date(2025, time.March, 8, 19, 0, 0, 0, loc),
			want: time.Date(2025, time.March, 10, 9, 0, 0, 0, loc),
		},
		{
			name: "last slot of the day",
			now:  time.Date(2025, time.March, 5, 16, 20, 0, 0, loc),
			want: time.Date(2025, time.March, 5, 16, 30, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextCallbackSlot(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("NextCallbackSlot(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}
