package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestPutCompareAndSet(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	st := NewState("sess-1")
	is.NoErr(store.Put(ctx, st, 0))
	is.Equal(st.Version, int64(1))

	// Two writers read version 1.
	a, err := store.Get(ctx, "sess-1")
	is.NoErr(err)
	b, err := store.Get(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(a.Version, int64(1))
	is.Equal(b.Version, int64(1))

	// First write wins and bumps the version by exactly one.
	a.Stage = "greeting"
	is.NoErr(store.Put(ctx, a, a.Version))
	is.Equal(a.Version, int64(2))

	// The stale writer is rejected without mutating anything.
	b.Stage = "farewell"
	err = store.Put(ctx, b, 1)
	is.True(errors.Is(err, ErrConflict))

	got, err := store.Get(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(got.Stage, "greeting")
	is.Equal(got.Version, int64(2))
}

func TestPutRejectsStaleCreate(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	is.NoErr(store.Put(ctx, NewState("sess-1"), 0))

	// Creating over an existing record with expected version 0 conflicts.
	err := store.Put(ctx, NewState("sess-1"), 0)
	is.True(errors.Is(err, ErrConflict))
}

func TestGetReturnsCopy(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	st := NewState("sess-1")
	st.Messages = []Message{{Role: "user", Content: "hello"}}
	is.NoErr(store.Put(ctx, st, 0))

	a, err := store.Get(ctx, "sess-1")
	is.NoErr(err)
	a.Messages[0].Content = "mutated"

	b, err := store.Get(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(b.Messages[0].Content, "hello")
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 2}

	is.NoErr(store.Store.Put(ctx, NewState("sess-1"), 0))

	st, err := Update(ctx, store, "sess-1", func(st *State) error {
		st.Stage = "booking"
		return nil
	})
	is.NoErr(err)
	is.Equal(st.Stage, "booking")
	is.Equal(store.puts, 3) // two rejected, one applied

	got, err := store.Get(ctx, "sess-1")
	is.NoErr(err)
	is.Equal(got.Stage, "booking")
}

func TestUpdateForcesAfterExhaustedRetries(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := &conflictStore{Store: NewMemoryStore(), conflicts: MaxPutRetries + 1}

	is.NoErr(store.Store.Put(ctx, NewState("sess-1"), 0))

	st, err := Update(ctx, store, "sess-1", func(st *State) error {
		st.Stage = "booking"
		return nil
	})
	is.NoErr(err)
	is.Equal(st.Stage, "booking")
	is.Equal(store.forced, 1)
}

func TestUpdateCreatesMissingRecord(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	st, err := Update(ctx, store, "sess-new", func(st *State) error {
		st.Customer = &Customer{Name: "Ada"}
		return nil
	})
	is.NoErr(err)
	is.Equal(st.Version, int64(1))

	got, err := store.Get(ctx, "sess-new")
	is.NoErr(err)
	is.Equal(got.Customer.Name, "Ada")
}

func TestSyncMergesSideChannels(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	st := NewState("sess-1")
	st.Tasks = []BackgroundTask{{ID: "task-1", Type: TaskHumanCheck, Status: TaskPending}}
	is.NoErr(store.Put(ctx, st, 0))

	done := TaskCompleted
	now := time.Now().UTC()
	is.NoErr(store.AppendTaskUpdate(ctx, "sess-1", TaskUpdate{
		TaskID:      "task-1",
		Status:      &done,
		CompletedAt: &now,
		Result:      &TaskResult{HumanAvailable: true},
	}))
	is.NoErr(store.AppendNotification(ctx, "sess-1", Notification{
		ID:       "n-1",
		TaskID:   "task-1",
		Priority: PriorityInterrupt,
		Kind:     "human_available",
	}))

	merged, notifs, err := Sync(ctx, store, "sess-1")
	is.NoErr(err)
	is.Equal(len(notifs), 1)
	is.Equal(notifs[0].Priority, PriorityInterrupt)

	task := merged.Task("task-1")
	is.True(task != nil)
	is.Equal(task.Status, TaskCompleted)
	is.True(task.Result.HumanAvailable)

	// The update only touched the fields it carried.
	is.Equal(task.Type, TaskHumanCheck)

	// Drained notifications land on the record marked delivered.
	is.Equal(len(merged.Notifications), 1)
	is.True(merged.Notifications[0].Delivered)

	// A second sync observes nothing: side channels are consumed once.
	_, notifs, err = Sync(ctx, store, "sess-1")
	is.NoErr(err)
	is.Equal(len(notifs), 0)
}

// conflictStore rejects the first n Puts to exercise the retry path.
type conflictStore struct {
	Store
	conflicts int
	puts      int
	forced    int
}

func (c *conflictStore) Put(ctx context.Context, st *State, expectedVersion int64) error {
	c.puts++
	if c.puts <= c.conflicts {
		return ErrConflict
	}
	return c.Store.Put(ctx, st, expectedVersion)
}

func (c *conflictStore) ForcePut(ctx context.Context, st *State) error {
	c.forced++
	return c.Store.ForcePut(ctx, st)
}
