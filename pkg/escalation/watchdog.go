package escalation

import (
	"context"
	"log/slog"
	"time"
)

// The reconciliation watchdog exists because provider status callbacks can
// be dropped. It polls the human leg's actual status at a soft deadline
// (past the expected ring window) and a hard ceiling, and drives the same
// transitions the missing callback would have, so the caller is never left
// waiting on a leg that already died.

func (c *Coordinator) runWatchdog(ctx context.Context, rec *record) {
	soft := time.NewTimer(c.cfg.WatchdogSoft)
	defer soft.Stop()
	select {
	case <-ctx.Done():
		return
	case <-soft.C:
	}
	c.reconcile(ctx, rec, false)

	remaining := c.cfg.WatchdogHard - c.cfg.WatchdogSoft
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	hard := time.NewTimer(remaining)
	defer hard.Stop()
	select {
	case <-ctx.Done():
		return
	case <-hard.C:
	}
	c.reconcile(ctx, rec, true)
}

func (c *Coordinator) reconcile(ctx context.Context, rec *record, hard bool) {
	c.mu.Lock()
	status := rec.status
	humanID := rec.humanCallID
	c.mu.Unlock()

	if status.Terminal() || status == StatusConfirmed || status == StatusInConference {
		return
	}
	if !hard && status == StatusWaitingConfirmation {
		// The confirmation gather has its own timeout; give it until the
		// hard ceiling.
		return
	}

	log := slog.With(
		slog.String("session_id", rec.sessionID),
		slog.String("human_call_id", humanID),
		slog.Bool("hard", hard))

	polled, err := c.cfg.Provider.CallState(ctx, humanID)
	if err != nil {
		log.Error("watchdog poll failed", slog.String("error", err.Error()))
		if hard {
			// Assume unavailable rather than leave the caller waiting.
			c.fail(ctx, rec, ReasonNoAnswer)
		}
		return
	}

	if polled.Terminal() {
		log.Warn("watchdog observed terminal status with no callback",
			slog.String("status", string(polled)))
		metricWatchdog.Add(1)
		c.HandleCallStatus(ctx, rec.sessionID, polled)
		return
	}

	if hard {
		log.Warn("watchdog hard ceiling reached, abandoning human leg",
			slog.String("status", string(polled)))
		metricWatchdog.Add(1)
		if err := c.cfg.Provider.EndCall(ctx, humanID); err != nil {
			log.Warn("end stale human leg failed", slog.String("error", err.Error()))
		}
		c.fail(ctx, rec, ReasonNoAnswer)
	}
}
