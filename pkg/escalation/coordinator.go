package escalation

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowstack/callbridge/pkg/call"
	"github.com/crowstack/callbridge/pkg/engine"
	"github.com/crowstack/callbridge/pkg/session"
	"github.com/crowstack/callbridge/pkg/telephony"
)

// Webhook paths the coordinator's instructions point at. The HTTP server
// registers handlers on these and forwards to the matching Handle method.
const (
	PathAnswer     = "/telephony/escalation/answer"
	PathKeypress   = "/telephony/escalation/keypress"
	PathTimeout    = "/telephony/escalation/timeout"
	PathStatus     = "/telephony/escalation/status"
	PathConference = "/telephony/escalation/conference"
	PathJoin       = "/telephony/escalation/join"
	PathReturn     = "/telephony/return"
)

// Default protocol timings.
const (
	DefaultRingTimeout    = 30 * time.Second
	DefaultConfirmTimeout = 10 * time.Second
	DefaultTransferDelay  = 5 * time.Second
	DefaultWatchdogSoft   = 30 * time.Second
	DefaultWatchdogHard   = 60 * time.Second
)

// AcceptDigit is the explicit second-step confirmation digit.
const AcceptDigit = "1"

var (
	metricStarted   = expvar.NewInt("callbridge_escalations_started")
	metricConfirmed = expvar.NewInt("callbridge_escalations_confirmed")
	metricFailed    = expvar.NewInt("callbridge_escalations_failed")
	metricReturned  = expvar.NewInt("callbridge_escalations_returned")
	metricWatchdog  = expvar.NewInt("callbridge_escalation_watchdog_recoveries")
)

// Config wires the coordinator.
type Config struct {
	Provider telephony.Provider
	Store    session.Store

	// HumanNumber is the desk to dial; CallerID is the number the leg is
	// placed from.
	HumanNumber string
	CallerID    string

	// PublicURL is the externally reachable base for webhook callbacks.
	PublicURL string

	RingTimeout    time.Duration
	ConfirmTimeout time.Duration
	TransferDelay  time.Duration
	WatchdogSoft   time.Duration
	WatchdogHard   time.Duration

	// Prompts spoken to the human callee. These address the desk, not the
	// caller, so they live in configuration rather than the engine.
	PromptPressAny string
	PromptAccept   string // fmt template: customer name, reason

	// OnStatus, when set, observes every status change for fan-out.
	OnStatus func(sessionID string, status Status)
}

func (c Config) withDefaults() Config {
	if c.RingTimeout == 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.TransferDelay == 0 {
		c.TransferDelay = DefaultTransferDelay
	}
	if c.WatchdogSoft == 0 {
		c.WatchdogSoft = DefaultWatchdogSoft
	}
	if c.WatchdogHard == 0 {
		c.WatchdogHard = DefaultWatchdogHard
	}
	if c.PromptPressAny == "" {
		c.PromptPressAny = "Incoming escalation request. Press any key to continue."
	}
	if c.PromptAccept == "" {
		c.PromptAccept = "Call from %s regarding %s. Press 1 to accept, or any other key to decline."
	}
	return c
}

// Coordinator runs at most one escalation per session.
type Coordinator struct {
	cfg Config

	mu   sync.Mutex
	live map[string]*record
}

type record struct {
	sessionID   string
	caller      *call.ActiveCall
	reason      string
	humanCallID string
	conference  string

	status      Status
	transferred bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and returns a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("escalation: provider is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("escalation: store is required")
	}
	if cfg.HumanNumber == "" {
		return nil, fmt.Errorf("escalation: human number is required")
	}
	return &Coordinator{cfg: cfg.withDefaults(), live: make(map[string]*record)}, nil
}

// Start places the outbound human leg for the caller's session. reason is
// what the engine gave as the escalation cause; it is spoken to the human
// in the confirmation prompt. The caller keeps talking to the engine.
func (c *Coordinator) Start(ctx context.Context, caller *call.ActiveCall, reason string) error {
	c.mu.Lock()
	if rec, ok := c.live[caller.SessionID]; ok && !rec.status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("escalation: session %s already escalating", caller.SessionID)
	}
	rec := &record{
		sessionID:  caller.SessionID,
		caller:     caller,
		reason:     reason,
		conference: "conf-" + uuid.NewString(),
		status:     StatusCalling,
		done:       make(chan struct{}),
	}
	c.live[caller.SessionID] = rec
	c.mu.Unlock()

	placed, err := c.cfg.Provider.PlaceCall(ctx, telephony.CallRequest{
		To:                c.cfg.HumanNumber,
		From:              c.cfg.CallerID,
		InstructionsURL:   c.webhookURL(PathAnswer, rec.sessionID, 0),
		StatusCallbackURL: c.webhookURL(PathStatus, rec.sessionID, 0),
		RingTimeout:       c.cfg.RingTimeout,
		MachineDetection:  true,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.live, caller.SessionID)
		c.mu.Unlock()
		close(rec.done)
		return fmt.Errorf("escalation: place human leg: %w", err)
	}

	// The record is already visible through c.live, so late-bound fields
	// are written under the same lock their readers take.
	c.mu.Lock()
	rec.humanCallID = placed.ID
	c.mu.Unlock()
	caller.SetState(call.StateEscalating)
	caller.SetConference(rec.conference, placed.ID)
	caller.SetHumanStatus(StatusCalling.String())
	metricStarted.Add(1)
	c.notifyStatus(rec)

	if _, err := session.Update(ctx, c.cfg.Store, rec.sessionID, func(st *session.State) error {
		st.EscalationInProgress = true
		st.HumanStatus = StatusCalling.String()
		return nil
	}); err != nil {
		slog.Error("mark escalation in progress failed",
			slog.String("session_id", rec.sessionID),
			slog.String("error", err.Error()))
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	rec.cancel = cancel
	c.mu.Unlock()
	go func() {
		defer close(rec.done)
		c.runWatchdog(wctx, rec)
	}()

	slog.Info("escalation started",
		slog.String("session_id", rec.sessionID),
		slog.String("human_call_id", placed.ID),
		slog.String("conference", rec.conference))
	return nil
}

// Status returns the session's escalation status, StatusNone if no
// escalation exists.
func (c *Coordinator) Status(sessionID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.live[sessionID]
	if !ok {
		return StatusNone
	}
	return rec.status
}

// HandleAnswer serves the instructions for the human leg the moment it
// answers. A pickup is not a human: the first gather only asks for any key.
func (c *Coordinator) HandleAnswer(_ context.Context, sessionID string) (*telephony.Response, error) {
	rec, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !rec.status.Terminal() {
		rec.status = StatusWaitingConfirmation
	}
	c.mu.Unlock()
	rec.caller.SetHumanStatus(StatusWaitingConfirmation.String())
	c.notifyStatus(rec)

	return telephony.GatherInstructions(
		c.cfg.PromptPressAny,
		c.webhookURL(PathKeypress, sessionID, 1),
		c.webhookURL(PathTimeout, sessionID, 1),
		int(c.cfg.ConfirmTimeout.Seconds()),
	), nil
}

// HandleMachineAnswer ends a leg the provider's answering-machine detection
// flagged. The AMD verdict is advisory everywhere else; here the leg cannot
// press a key, so the whole attempt fails as unanswered.
func (c *Coordinator) HandleMachineAnswer(ctx context.Context, sessionID string) (*telephony.Response, error) {
	rec, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	slog.Info("human leg answered by machine",
		slog.String("session_id", sessionID))
	c.fail(ctx, rec, ReasonNoAnswer)
	return telephony.HangupInstructions(), nil
}

// HandleKeypress processes a digit from the human leg. Step 1 accepts any
// key as weak evidence of a human and plays the full context; step 2
// requires the explicit accept digit.
func (c *Coordinator) HandleKeypress(ctx context.Context, sessionID string, step int, digit string) (*telephony.Response, error) {
	rec, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	switch step {
	case 1:
		name := rec.caller.CustomerName()
		if name == "" {
			name = "an unidentified caller"
		}
		reason := rec.reason
		if reason == "" {
			reason = "an open request"
		}
		prompt := fmt.Sprintf(c.cfg.PromptAccept, name, reason)
		return telephony.GatherInstructions(
			prompt,
			c.webhookURL(PathKeypress, sessionID, 2),
			c.webhookURL(PathTimeout, sessionID, 2),
			int(c.cfg.ConfirmTimeout.Seconds()),
		), nil

	case 2:
		if digit != AcceptDigit {
			c.fail(ctx, rec, ReasonDeclined)
			return telephony.SayHangupInstructions("Declined. Goodbye."), nil
		}
		c.confirm(ctx, rec)
		return telephony.ConferenceInstructions(
			rec.conference,
			c.webhookURL(PathConference, sessionID, 0),
			true, // the bridge ends when the human leaves
		), nil

	default:
		return nil, fmt.Errorf("escalation: unknown keypress step %d", step)
	}
}

// HandleKeypressTimeout fires when a gather elapsed with no digit. Both
// steps treat silence as a decline.
func (c *Coordinator) HandleKeypressTimeout(ctx context.Context, sessionID string) (*telephony.Response, error) {
	rec, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	c.fail(ctx, rec, ReasonDeclined)
	return telephony.SayHangupInstructions("No response. Goodbye."), nil
}

// HandleCallStatus processes a status callback for the human leg. The
// watchdog funnels polled statuses through the same method, so a dropped
// callback and a late poll drive identical transitions.
func (c *Coordinator) HandleCallStatus(ctx context.Context, sessionID string, status telephony.CallStatus) {
	rec, err := c.get(sessionID)
	if err != nil {
		return
	}

	c.mu.Lock()
	cur := rec.status
	c.mu.Unlock()
	if cur.Terminal() {
		return
	}

	switch status {
	case telephony.StatusRinging:
		c.mu.Lock()
		if rec.status == StatusCalling {
			rec.status = StatusRinging
		}
		c.mu.Unlock()
		rec.caller.SetHumanStatus(StatusRinging.String())
		c.notifyStatus(rec)

	case telephony.StatusInProgress:
		// Answered. The instructions webhook takes it from here; nothing
		// is believed about a human yet.

	case telephony.StatusBusy:
		c.fail(ctx, rec, ReasonBusy)
	case telephony.StatusNoAnswer:
		c.fail(ctx, rec, ReasonNoAnswer)
	case telephony.StatusFailed:
		c.fail(ctx, rec, ReasonFailed)
	case telephony.StatusCanceled:
		c.fail(ctx, rec, ReasonCanceled)

	case telephony.StatusCompleted:
		if cur == StatusInConference {
			c.returnCaller(ctx, rec, ReasonHumanEnded)
			return
		}
		// The leg ended without a confirmation: answered by a machine,
		// screened, or hung up first.
		c.fail(ctx, rec, ReasonNoAnswer)
	}
}

// HandleConference processes conference bridge events.
func (c *Coordinator) HandleConference(ctx context.Context, sessionID, event string) {
	rec, err := c.get(sessionID)
	if err != nil {
		return
	}

	switch event {
	case "join":
		c.mu.Lock()
		confirmed := rec.status == StatusConfirmed
		if confirmed {
			rec.status = StatusInConference
		}
		c.mu.Unlock()
		if confirmed {
			rec.caller.SetState(call.StateInConference)
			rec.caller.SetHumanStatus(StatusInConference.String())
			c.notifyStatus(rec)
		}

	case "leave", "end":
		c.mu.Lock()
		inConf := rec.status == StatusInConference
		c.mu.Unlock()
		if inConf {
			c.returnCaller(ctx, rec, ReasonHumanEnded)
		}
	}
}

// CallerJoinInstructions serves the caller leg's redirect target: join the
// shared conference without ending it on exit.
func (c *Coordinator) CallerJoinInstructions(sessionID string) (*telephony.Response, error) {
	rec, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	return telephony.ConferenceInstructions(rec.conference, "", false), nil
}

// Cancel aborts an escalation in flight, hanging up the human leg.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) {
	rec, err := c.get(sessionID)
	if err != nil {
		return
	}
	c.mu.Lock()
	terminal := rec.status.Terminal()
	humanID := rec.humanCallID
	c.mu.Unlock()
	if terminal {
		return
	}
	if humanID != "" {
		if err := c.cfg.Provider.EndCall(ctx, humanID); err != nil {
			slog.Warn("end human leg failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
	c.fail(ctx, rec, ReasonCanceled)
}

// Stop cancels the escalation's watchdog and waits for it, then forgets the
// record. Called during final call cleanup.
func (c *Coordinator) Stop(sessionID string) {
	c.mu.Lock()
	rec, ok := c.live[sessionID]
	var cancel context.CancelFunc
	if ok {
		delete(c.live, sessionID)
		cancel = rec.cancel
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
		<-rec.done
	}
}

// confirm marks the human confirmed and schedules the one-shot conference
// transfer of the caller after the fixed delay.
func (c *Coordinator) confirm(ctx context.Context, rec *record) {
	c.mu.Lock()
	if rec.status.Terminal() || rec.status == StatusConfirmed {
		c.mu.Unlock()
		return
	}
	rec.status = StatusConfirmed
	c.mu.Unlock()

	metricConfirmed.Add(1)
	rec.caller.SetHumanStatus(StatusConfirmed.String())
	c.notifyStatus(rec)

	c.publish(ctx, rec, session.Notification{
		ID:       uuid.NewString(),
		Priority: session.PriorityInterrupt,
		Kind:     KindHumanConfirmed,
		Data:     map[string]string{"reason": ReasonConfirmed},
	})
	rec.caller.PushEvent(call.PendingEvent{
		Type:    "human_status",
		Message: engine.HumanStatusMarker(ReasonConfirmed),
	})

	if _, err := session.Update(ctx, c.cfg.Store, rec.sessionID, func(st *session.State) error {
		st.HumanStatus = StatusConfirmed.String()
		return nil
	}); err != nil {
		slog.Error("record confirmation failed",
			slog.String("session_id", rec.sessionID),
			slog.String("error", err.Error()))
	}

	// The delay lets the "connecting" announcement finish on the human's
	// line before the caller lands in the bridge.
	go func() {
		timer := time.NewTimer(c.cfg.TransferDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-rec.done:
			return
		}
		c.transferCaller(context.WithoutCancel(ctx), rec)
	}()
}

// transferCaller moves the caller leg into the conference exactly once.
func (c *Coordinator) transferCaller(ctx context.Context, rec *record) {
	c.mu.Lock()
	if rec.transferred || rec.status.Terminal() {
		c.mu.Unlock()
		return
	}
	rec.transferred = true
	c.mu.Unlock()

	joinURL := c.webhookURL(PathJoin, rec.sessionID, 0)
	if err := c.cfg.Provider.RedirectCall(ctx, rec.caller.CallID, joinURL); err != nil {
		slog.Error("caller conference transfer failed",
			slog.String("session_id", rec.sessionID),
			slog.String("error", err.Error()))
		c.fail(ctx, rec, ReasonFailed)
		return
	}
	slog.Info("caller transferred to conference",
		slog.String("session_id", rec.sessionID),
		slog.String("conference", rec.conference))
}

// fail terminates the escalation, resets the session's escalation flags so
// the caller can retry, and emits the reason for the engine to phrase.
func (c *Coordinator) fail(ctx context.Context, rec *record, reason string) {
	c.mu.Lock()
	if rec.status.Terminal() {
		c.mu.Unlock()
		return
	}
	rec.status = StatusFailed
	c.mu.Unlock()

	metricFailed.Add(1)
	rec.caller.SetHumanStatus(StatusFailed.String())
	rec.caller.CompareAndSetState(call.StateEscalating, call.StateAiConversation)
	c.notifyStatus(rec)
	if rec.cancel != nil {
		rec.cancel()
	}

	c.resetSession(ctx, rec)
	c.publish(ctx, rec, session.Notification{
		ID:       uuid.NewString(),
		Priority: session.PriorityHigh,
		Kind:     KindEscalationFailed,
		Data:     map[string]string{"reason": reason},
	})
	rec.caller.PushEvent(call.PendingEvent{
		Type:    "human_status",
		Message: engine.HumanStatusMarker(reason),
	})

	slog.Info("escalation failed",
		slog.String("session_id", rec.sessionID),
		slog.String("reason", reason))
}

// returnCaller brings the caller back to the engine after the human left,
// carrying the reason into the next turn.
func (c *Coordinator) returnCaller(ctx context.Context, rec *record, reason string) {
	c.mu.Lock()
	if rec.status.Terminal() {
		c.mu.Unlock()
		return
	}
	rec.status = StatusCompleted
	c.mu.Unlock()

	metricReturned.Add(1)
	rec.caller.SetHumanStatus(StatusCompleted.String())
	rec.caller.SetState(call.StateAiConversation)
	c.notifyStatus(rec)
	if rec.cancel != nil {
		rec.cancel()
	}

	c.resetSession(ctx, rec)
	c.publish(ctx, rec, session.Notification{
		ID:       uuid.NewString(),
		Priority: session.PriorityHigh,
		Kind:     KindEscalationReturned,
		Data:     map[string]string{"reason": reason},
	})
	rec.caller.PushEvent(call.PendingEvent{
		Type:    "escalation_returned",
		Message: engine.EscalationReturnedMarker(reason),
	})

	returnURL := c.webhookURL(PathReturn, rec.sessionID, 0)
	if err := c.cfg.Provider.RedirectCall(ctx, rec.caller.CallID, returnURL); err != nil {
		slog.Error("return caller to engine failed",
			slog.String("session_id", rec.sessionID),
			slog.String("error", err.Error()))
	}

	slog.Info("caller returned from conference",
		slog.String("session_id", rec.sessionID),
		slog.String("reason", reason))
}

func (c *Coordinator) resetSession(ctx context.Context, rec *record) {
	if _, err := session.Update(ctx, c.cfg.Store, rec.sessionID, func(st *session.State) error {
		st.EscalationInProgress = false
		st.HumanStatus = ""
		return nil
	}); err != nil {
		slog.Error("reset escalation flags failed",
			slog.String("session_id", rec.sessionID),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) publish(ctx context.Context, rec *record, n session.Notification) {
	n.CreatedAt = time.Now().UTC()
	if err := c.cfg.Store.AppendNotification(ctx, rec.sessionID, n); err != nil {
		slog.Error("append escalation notification failed",
			slog.String("session_id", rec.sessionID),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) notifyStatus(rec *record) {
	if c.cfg.OnStatus == nil {
		return
	}
	c.mu.Lock()
	status := rec.status
	c.mu.Unlock()
	c.cfg.OnStatus(rec.sessionID, status)
}

func (c *Coordinator) get(sessionID string) (*record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.live[sessionID]
	if !ok {
		return nil, fmt.Errorf("escalation: no escalation for session %s", sessionID)
	}
	return rec, nil
}

func (c *Coordinator) webhookURL(path, sessionID string, step int) string {
	u := c.cfg.PublicURL + path + "?session_id=" + url.QueryEscape(sessionID)
	if step > 0 {
		u += "&step=" + strconv.Itoa(step)
	}
	return u
}
