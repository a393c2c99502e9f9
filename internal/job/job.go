// Package job defines the domain model shared by every nexq component:
// jobs and their state machine, attempt and result records, recurring
// schedules, list filters and the stats projection.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusDelayed, StatusActive, StatusCompleted, StatusFailed}

// Terminal reports whether no further automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a user supplied status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Default values applied by producers when a request leaves them unset.
const (
	DefaultQueue       = "default"
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
)

// Job is a single unit of work.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Queue        string          `json:"queue"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      time.Duration   `json:"backoff,omitempty"` // initial retry delay; 0 uses the policy default
	DelayUntil   *time.Time      `json:"delay_until,omitempty"`
	Timeout      time.Duration   `json:"timeout"`
	Progress     int             `json:"progress"`
	LastError    string          `json:"last_error,omitempty"`
	ScheduleName string          `json:"schedule_name,omitempty"`
	ClaimToken   string          `json:"-"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Eligible reports whether j may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return true
	case StatusDelayed:
		return j.DelayUntil == nil || !j.DelayUntil.After(now)
	default:
		return false
	}
}

// InitialStatus returns the status a freshly created job starts in.
func InitialStatus(delayUntil *time.Time, now time.Time) Status {
	if delayUntil != nil && delayUntil.After(now) {
		return StatusDelayed
	}
	return StatusPending
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	c.DelayUntil = cloneTime(j.DelayUntil)
	c.ClaimedAt = cloneTime(j.ClaimedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// Outcome is the result of a single execution attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is an append-only record of one finished execution attempt.
type Attempt struct {
	JobID      string      `json:"job_id"`
	Number     int         `json:"number"`
	Outcome    Outcome     `json:"outcome"`
	Kind       FailureKind `json:"kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Result is written once, when a job completes successfully.
type Result struct {
	JobID     string          `json:"job_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Duration  time.Duration   `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
}

// Action tells the store where a failed job goes next.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionTerminal
)

// NextAction is the retry policy decision for a failed attempt.
type NextAction struct {
	Action Action
	Delay  time.Duration
}

// Retry builds a retry decision.
func Retry(delay time.Duration) NextAction {
	return NextAction{Action: ActionRetry, Delay: delay}
}

// Terminal builds a terminal decision.
func Terminal() NextAction {
	return NextAction{Action: ActionTerminal}
}

func (a NextAction) String() string {
	if a.Action == ActionRetry {
		return fmt.Sprintf("retry in %s", a.Delay)
	}
	return "terminal"
}

// RetryOptions controls a manual retry of a failed job.
type RetryOptions struct {
	// Budget is the number of further attempts granted. MaxAttempts is raised
	// to Attempts+Budget when lower; Attempts and history are always kept.
	// Values below 1 grant a single attempt.
	Budget int
}

// Apply raises j.MaxAttempts so that at least Budget more attempts are allowed.
func (o RetryOptions) Apply(j *Job) {
	budget := o.Budget
	if budget < 1 {
		budget = 1
	}
	if j.MaxAttempts < j.Attempts+budget {
		j.MaxAttempts = j.Attempts + budget
	}
}

// Filter selects jobs for listing.
type Filter struct {
	Queue    string
	Type     string
	Status   Status
	Schedule string
	Limit    int
	Offset   int
}

// DefaultListLimit caps unbounded list requests.
const DefaultListLimit = 100

// Normalize fills in paging defaults.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether j passes every set field of f.
func (f Filter) Matches(j *Job) bool {
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Schedule != "" && j.ScheduleName != f.Schedule {
		return false
	}
	return true
}
