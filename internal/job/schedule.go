package job

import (
	"encoding/json"
	"time"
)

// Schedule is a named recurring job template.
type Schedule struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Queue         string          `json:"queue"`
	Cron          string          `json:"cron"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	MaxAttempts   int             `json:"max_attempts"`
	Timeout       time.Duration   `json:"timeout"`
	Enabled       bool            `json:"enabled"`
	Invalid       bool            `json:"invalid,omitempty"`
	InvalidReason string          `json:"invalid_reason,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     time.Time       `json:"next_run_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Due reports whether the schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && !s.Invalid && !s.NextRunAt.After(now)
}

// NewJob instantiates the template as a concrete pending job.
func (s *Schedule) NewJob(id string, now time.Time) *Job {
	return &Job{
		ID:           id,
		Type:         s.Type,
		Queue:        s.Queue,
		Priority:     s.Priority,
		Payload:      append(json.RawMessage(nil), s.Payload...),
		Status:       StatusPending,
		MaxAttempts:  s.MaxAttempts,
		Timeout:      s.Timeout,
		ScheduleName: s.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Payload != nil {
		c.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	c.LastRunAt = cloneTime(s.LastRunAt)
	return &c
}
