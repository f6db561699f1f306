package session

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
)

var (
	metricConflicts    = expvar.NewInt("callbridge_session_cas_conflicts")
	metricForcedWrites = expvar.NewInt("callbridge_session_forced_writes")
)

var (
	// ErrNotFound reports that no record exists for the session.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict reports a compare-and-set rejection: the stored version
	// moved past the one the writer read. Nothing was mutated.
	ErrConflict = errors.New("session: version conflict")
)

// MaxPutRetries bounds compare-and-set retries before Update falls back to
// a forced overwrite.
const MaxPutRetries = 3

// Store persists session records with optimistic concurrency, plus two
// append-only side channels that background units write to without touching
// the record's version.
type Store interface {
	// Get returns a copy of the record, ErrNotFound if absent.
	Get(ctx context.Context, id string) (*State, error)

	// Put writes st if the stored version still equals expectedVersion;
	// absent records count as version zero. On success st.Version is set
	// to expectedVersion+1. On mismatch it returns ErrConflict and writes
	// nothing.
	Put(ctx context.Context, st *State, expectedVersion int64) error

	// ForcePut overwrites unconditionally, advancing the stored version by
	// one past whatever is there. It exists only as the bounded-retry
	// escape hatch and its use is a correctness-risk event.
	ForcePut(ctx context.Context, st *State) error

	// Delete removes the record and both side channels.
	Delete(ctx context.Context, id string) error

	AppendNotification(ctx context.Context, id string, n Notification) error
	DrainNotifications(ctx context.Context, id string) ([]Notification, error)

	AppendTaskUpdate(ctx context.Context, id string, u TaskUpdate) error
	DrainTaskUpdates(ctx context.Context, id string) ([]TaskUpdate, error)
}

// Update applies fn under compare-and-set, retrying on conflict up to
// MaxPutRetries with a fresh read each time. If every attempt conflicts it
// logs the forced overwrite and falls back to ForcePut, so the caller's
// delta is never silently lost. A missing record starts from NewState.
func Update(ctx context.Context, s Store, id string, fn func(*State) error) (*State, error) {
	var st *State
	for attempt := 0; attempt < MaxPutRetries; attempt++ {
		var err error
		st, err = s.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			st = NewState(id)
		case err != nil:
			return nil, fmt.Errorf("session: update read: %w", err)
		}

		if err := fn(st); err != nil {
			return nil, err
		}

		err = s.Put(ctx, st, st.Version)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("session: update write: %w", err)
		}
		metricConflicts.Add(1)
	}

	metricForcedWrites.Add(1)
	slog.Error("session write conflicts exhausted, forcing overwrite",
		slog.String("session_id", id),
		slog.Int("attempts", MaxPutRetries))
	if err := s.ForcePut(ctx, st); err != nil {
		return nil, fmt.Errorf("session: forced write: %w", err)
	}
	return st, nil
}

// Sync drains both side channels and merges them into the record under the
// normal compare-and-set path. It is called at the start of each foreground
// turn. The returned notifications are the ones drained by this call, in
// append order; they are also recorded on the state as delivered.
func Sync(ctx context.Context, s Store, id string) (*State, []Notification, error) {
	notifs, err := s.DrainNotifications(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("session: drain notifications: %w", err)
	}
	updates, err := s.DrainTaskUpdates(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("session: drain task updates: %w", err)
	}

	st, err := Update(ctx, s, id, func(st *State) error {
		for _, u := range updates {
			if t := st.Task(u.TaskID); t != nil {
				u.Apply(t)
			} else {
				slog.Warn("task update for unknown task",
					slog.String("session_id", id),
					slog.String("task_id", u.TaskID))
			}
		}
		for _, n := range notifs {
			n.Delivered = true
			st.Notifications = append(st.Notifications, n)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return st, notifs, nil
}
