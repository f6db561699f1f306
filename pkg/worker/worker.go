// Package worker runs long-lived background checks off the call path. The
// only way results travel back to the conversation is through the session
// store's side channels, so the worker never contends with foreground turns
// on the record's version.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crowstack/callbridge/pkg/session"
)

// Notification kinds the worker emits.
const (
	KindHumanAvailable   = "human_available"
	KindHumanUnavailable = "human_unavailable"
)

// DefaultAvailabilityTimeout bounds how long a desk check may block.
const DefaultAvailabilityTimeout = 30 * time.Second

// Desk answers whether a human is free to take a call. Implementations
// block until they know or the context expires.
type Desk interface {
	CheckAvailability(ctx context.Context) (bool, error)
}

// Mailer delivers the fallback side effect when no human is available.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config wires the worker's collaborators.
type Config struct {
	Store session.Store
	Desk  Desk

	// Mailer and FallbackEmail are optional; when both are set, a failed
	// availability check emails the callback slot to the desk.
	Mailer        Mailer
	FallbackEmail string

	AvailabilityTimeout time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Worker starts supervised availability checks.
type Worker struct {
	cfg Config
}

// New validates cfg and returns a worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if cfg.Desk == nil {
		return nil, fmt.Errorf("worker: desk is required")
	}
	if cfg.AvailabilityTimeout == 0 {
		cfg.AvailabilityTimeout = DefaultAvailabilityTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{cfg: cfg}, nil
}

// Handle supervises one running check. The owner cancels and joins it on
// call cleanup so the goroutine never outlives its call.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the check and waits for it to finish.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done closes when the check has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// StartHumanCheck runs the availability check for the given task in the
// background and returns its supervision handle. Progress and the outcome
// are published on the session's side channels only.
func (w *Worker) StartHumanCheck(ctx context.Context, sessionID, taskID string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		w.runHumanCheck(ctx, sessionID, taskID)
	}()
	return h
}

func (w *Worker) runHumanCheck(ctx context.Context, sessionID, taskID string) {
	log := slog.With(slog.String("session_id", sessionID), slog.String("task_id", taskID))

	started := w.cfg.Now().UTC()
	running := session.TaskRunning
	if err := w.cfg.Store.AppendTaskUpdate(ctx, sessionID, session.TaskUpdate{
		TaskID:    taskID,
		Status:    &running,
		StartedAt: &started,
	}); err != nil {
		log.Error("publish task start failed", slog.String("error", err.Error()))
	}

	checkCtx, cancel := context.WithTimeout(ctx, w.cfg.AvailabilityTimeout)
	available, err := w.cfg.Desk.CheckAvailability(checkCtx)
	cancel()
	if err != nil {
		// Errors and timeouts both mean "assume unavailable", never a
		// silent stop.
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			log.Error("availability check failed", slog.String("error", err.Error()))
		}
		available = false
	}

	if ctx.Err() != nil {
		// Owner cancelled; the call is gone, publish nothing.
		return
	}

	if available {
		w.finish(ctx, log, sessionID, taskID, session.TaskCompleted,
			&session.TaskResult{HumanAvailable: true},
			session.Notification{
				ID:       uuid.NewString(),
				TaskID:   taskID,
				Priority: session.PriorityInterrupt,
				Kind:     KindHumanAvailable,
			})
		return
	}

	slot := NextCallbackSlot(w.cfg.Now())
	w.sendFallbackMail(ctx, log, sessionID, slot)
	w.finish(ctx, log, sessionID, taskID, session.TaskFailed,
		&session.TaskResult{HumanAvailable: false, CallbackAt: slot},
		session.Notification{
			ID:       uuid.NewString(),
			TaskID:   taskID,
			Priority: session.PriorityHigh,
			Kind:     KindHumanUnavailable,
			Data:     map[string]string{"callback_at": slot.Format(time.RFC3339)},
		})
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, sessionID, taskID string,
	status session.TaskStatus, result *session.TaskResult, n session.Notification) {

	completed := w.cfg.Now().UTC()
	if err := w.cfg.Store.AppendTaskUpdate(ctx, sessionID, session.TaskUpdate{
		TaskID:      taskID,
		Status:      &status,
		CompletedAt: &completed,
		Result:      result,
	}); err != nil {
		log.Error("publish task result failed", slog.String("error", err.Error()))
	}

	n.CreatedAt = completed
	if err := w.cfg.Store.AppendNotification(ctx, sessionID, n); err != nil {
		log.Error("publish notification failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) sendFallbackMail(ctx context.Context, log *slog.Logger, sessionID string, slot time.Time) {
	if w.cfg.Mailer == nil || w.cfg.FallbackEmail == "" {
		return
	}
	subject := "Callback requested"
	body := fmt.Sprintf("Session %s requested a human agent; no one was available.\nSuggested callback: %s\n",
		sessionID, slot.Format(time.RFC3339))
	if err := w.cfg.Mailer.Send(ctx, w.cfg.FallbackEmail, subject, body); err != nil {
		log.Error("fallback mail failed", slog.String("error", err.Error()))
	}
}
