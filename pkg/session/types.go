// Package session holds the shared conversation record and the versioned
// store it lives in. The record is written by both the orchestration core
// and the conversation engine, so every mutation goes through the store's
// compare-and-set path; background workers publish through append-only side
// channels instead of contending on the version.
package session

import "time"

// Priority orders notification delivery relative to the conversation turn.
type Priority string

const (
	// PriorityLow is delivered with the next turn.
	PriorityLow Priority = "low"
	// PriorityHigh is delivered at the next pause in playback.
	PriorityHigh Priority = "high"
	// PriorityInterrupt pre-empts current playback, like a barge-in.
	PriorityInterrupt Priority = "interrupt"
)

// TaskStatus is the lifecycle of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskType discriminates background task kinds.
type TaskType string

// TaskHumanCheck is the human-availability check started on escalation.
const TaskHumanCheck TaskType = "human_check"

// Message is one transcript line.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Customer is the display identity attached to a session.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// TaskResult is the payload a completed background task carries.
type TaskResult struct {
	HumanAvailable bool      `json:"human_available"`
	CallbackAt     time.Time `json:"callback_at,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// BackgroundTask is one long-running check owned by the task worker.
type BackgroundTask struct {
	ID          string      `json:"id"`
	Type        TaskType    `json:"type"`
	Status      TaskStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
}

// Notification is a one-shot message from a background unit to the
// conversation turn loop. It is consumed exactly once, by the first turn
// that observes it undelivered.
type Notification struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id,omitempty"`
	Priority  Priority          `json:"priority"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Delivered bool              `json:"delivered"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskUpdate is a side-channel delta against one task. Only non-nil fields
// are merged, so a worker can report progress without knowing the rest of
// the task record.
type TaskUpdate struct {
	TaskID      string      `json:"task_id"`
	Status      *TaskStatus `json:"status,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
}

// Apply merges the update's present fields into the task.
func (u TaskUpdate) Apply(t *BackgroundTask) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.StartedAt != nil {
		t.StartedAt = *u.StartedAt
	}
	if u.CompletedAt != nil {
		t.CompletedAt = *u.CompletedAt
	}
	if u.Result != nil {
		r := *u.Result
		t.Result = &r
	}
}

// State is the full session record. Slots and ConfirmedBooking are owned by
// the conversation engine and opaque to the orchestration core.
type State struct {
	ID                   string           `json:"id"`
	Stage                string           `json:"stage,omitempty"`
	Intent               string           `json:"intent,omitempty"`
	Confidence           float64          `json:"confidence,omitempty"`
	EscalationInProgress bool             `json:"escalation_in_progress"`
	HumanStatus          string           `json:"human_status,omitempty"`
	Customer             *Customer        `json:"customer,omitempty"`
	Slots                map[string]any   `json:"slots,omitempty"`
	ConfirmedBooking     map[string]any   `json:"confirmed_booking,omitempty"`
	Messages             []Message        `json:"messages,omitempty"`
	Tasks                []BackgroundTask `json:"tasks,omitempty"`
	Notifications        []Notification   `json:"notifications,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`

	// Version is the optimistic-concurrency counter. It is set by the
	// store on read and advanced by exactly one on every successful write.
	Version int64 `json:"version"`
}

// NewState returns an empty record at version zero.
func NewState(id string) *State {
	return &State{ID: id, UpdatedAt: time.Now().UTC()}
}

// Task returns the task with the given id, or nil.
func (s *State) Task(id string) *BackgroundTask {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy so store implementations never hand out
// aliased slices or maps.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Customer != nil {
		cust := *s.Customer
		c.Customer = &cust
	}
	c.Slots = cloneMap(s.Slots)
	c.ConfirmedBooking = cloneMap(s.ConfirmedBooking)
	c.Messages = append([]Message(nil), s.Messages...)
	c.Notifications = make([]Notification, len(s.Notifications))
	for i, n := range s.Notifications {
		c.Notifications[i] = n
		if n.Data != nil {
			d := make(map[string]string, len(n.Data))
			for k, v := range n.Data {
				d[k] = v
			}
			c.Notifications[i].Data = d
		}
	}
	c.Tasks = make([]BackgroundTask, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t
		if t.Result != nil {
			r := *t.Result
			c.Tasks[i].Result = &r
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
