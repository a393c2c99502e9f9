// Package store defines the persistence contract of the queue engine.
//
// A Store owns jobs, their attempt and result history, and schedules.
// Every implementation must make ClaimNext and FireSchedule linearizable
// across all goroutines and processes sharing the same backing storage.
package store

import (
	"context"
	"time"

	"github.com/aatumaykin/nexq/internal/job"
)

// JobStore is the job half of the contract.
type JobStore interface {
	// Create persists j. j.ID must be set; status and timestamps are taken as given.
	Create(ctx context.Context, j *job.Job) (string, error)

	// ClaimNext atomically moves the best eligible job of queue to active and
	// returns it with a fresh claim token. types restricts the claim to the
	// given job types when non-empty. Returns job.ErrNotFound when the queue
	// has nothing eligible at now.
	ClaimNext(ctx context.Context, queue string, types []string, now time.Time) (*job.Job, error)

	// MarkCompleted finishes the claimed attempt successfully and stores res.
	MarkCompleted(ctx context.Context, id, token string, res job.Result, now time.Time) error

	// MarkFailed finishes the claimed attempt with a failure record and
	// applies next: Retry moves the job to delayed, Terminal to failed.
	MarkFailed(ctx context.Context, id, token string, attempt job.Attempt, next job.NextAction, now time.Time) error

	// UpdateProgress writes the handler progress for a claimed job.
	UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) error

	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]*job.Job, error)
	Attempts(ctx context.Context, id string) ([]job.Attempt, error)
	Result(ctx context.Context, id string) (*job.Result, error)

	// Retry moves a failed job back to pending in its queue, keeping history.
	Retry(ctx context.Context, id string, opts job.RetryOptions, now time.Time) error

	// PromoteDelayed moves delayed jobs whose delay elapsed back to pending.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)

	// StaleActive lists active jobs whose claim is older than their timeout
	// plus grace. Jobs stored without a timeout use fallback (0 means
	// job.DefaultTimeout).
	StaleActive(ctx context.Context, fallback, grace time.Duration, now time.Time) ([]*job.Job, error)

	// Purge deletes terminal jobs (and their history) finished before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)

	// Stats aggregates counts and durations. Read only.
	Stats(ctx context.Context, now time.Time) (job.Stats, error)
}

// ScheduleStore is the schedule half of the contract.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *job.Schedule) error
	UpsertSchedule(ctx context.Context, s *job.Schedule) error
	GetSchedule(ctx context.Context, name string) (*job.Schedule, error)
	ListSchedules(ctx context.Context, dueOnly bool, now time.Time) ([]*job.Schedule, error)

	// SetScheduleEnabled toggles the schedule; nextRun replaces next_run_at when enabling.
	SetScheduleEnabled(ctx context.Context, name string, enabled bool, nextRun time.Time, now time.Time) error
	DeleteSchedule(ctx context.Context, name string) error

	// FireSchedule is the scheduler's claim-and-advance. In one atomic step it
	// compares next_run_at with expected, and only if equal sets it to next,
	// sets last_run_at to now and creates j. It reports whether this caller won.
	FireSchedule(ctx context.Context, name string, expected, next time.Time, j *job.Job, now time.Time) (bool, error)

	// MarkScheduleInvalid flags a schedule whose cron expression cannot be evaluated.
	MarkScheduleInvalid(ctx context.Context, name, reason string, now time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	JobStore
	ScheduleStore
	Close() error
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
