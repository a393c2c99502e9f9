package job

import (
	"fmt"
	"time"
)

// The methods below are the job state machine. Stores call them inside their
// atomic sections so that every backend applies identical transitions:
//
//	pending -> active -> completed
//	                  -> delayed -> pending -> active ...
//	                  -> failed  -> pending (manual retry)
//	delayed -> active (claim once the delay elapsed)

// Claim moves an eligible job to active under a new claim token.
func (j *Job) Claim(token string, now time.Time) error {
	if !j.Eligible(now) {
		return fmt.Errorf("%w: claim %s job", ErrInvalidTransition, j.Status)
	}
	j.Status = StatusActive
	j.ClaimToken = token
	j.ClaimedAt = TimePtr(now)
	if j.StartedAt == nil {
		j.StartedAt = TimePtr(now)
	}
	j.DelayUntil = nil
	j.Progress = 0
	j.UpdatedAt = now
	return nil
}

// CheckLease verifies that token still owns the active job.
func (j *Job) CheckLease(token string) error {
	if j.Status != StatusActive || j.ClaimToken == "" || j.ClaimToken != token {
		return ErrLeaseLost
	}
	return nil
}

// Complete finishes the current attempt successfully and returns its record.
func (j *Job) Complete(token string, now time.Time) (Attempt, error) {
	if err := j.CheckLease(token); err != nil {
		return Attempt{}, err
	}
	j.Attempts++
	rec := Attempt{
		JobID:      j.ID,
		Number:     j.Attempts,
		Outcome:    OutcomeSucceeded,
		StartedAt:  claimedOr(j.ClaimedAt, now),
		FinishedAt: now,
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.LastError = ""
	j.ClaimToken = ""
	j.CompletedAt = TimePtr(now)
	j.UpdatedAt = now
	return rec, nil
}

// Fail finishes the current attempt with a failure and applies next.
// The returned record carries the attempt number assigned by the job.
func (j *Job) Fail(token string, failure Attempt, next NextAction, now time.Time) (Attempt, error) {
	if err := j.CheckLease(token); err != nil {
		return Attempt{}, err
	}
	j.Attempts++
	rec := Attempt{
		JobID:      j.ID,
		Number:     j.Attempts,
		Outcome:    OutcomeFailed,
		Kind:       failure.Kind,
		Error:      failure.Error,
		StartedAt:  failure.StartedAt,
		FinishedAt: now,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = claimedOr(j.ClaimedAt, now)
	}
	if rec.Kind == "" {
		rec.Kind = KindTransient
	}

	j.LastError = failure.Error
	j.ClaimToken = ""
	j.UpdatedAt = now
	switch next.Action {
	case ActionRetry:
		j.Status = StatusDelayed
		j.DelayUntil = TimePtr(now.Add(next.Delay))
	default:
		j.Status = StatusFailed
		j.DelayUntil = nil
		j.CompletedAt = TimePtr(now)
	}
	return rec, nil
}

// Requeue moves a failed job back to pending, keeping its attempt count.
func (j *Job) Requeue(opts RetryOptions, now time.Time) error {
	if j.Status != StatusFailed {
		return fmt.Errorf("%w: only failed jobs can be retried, job is %s", ErrInvalidTransition, j.Status)
	}
	opts.Apply(j)
	j.Status = StatusPending
	j.DelayUntil = nil
	j.CompletedAt = nil
	j.Progress = 0
	j.UpdatedAt = now
	return nil
}

// Promote moves a delayed job whose delay elapsed back to pending.
func (j *Job) Promote(now time.Time) bool {
	if j.Status != StatusDelayed || (j.DelayUntil != nil && j.DelayUntil.After(now)) {
		return false
	}
	j.Status = StatusPending
	j.DelayUntil = nil
	j.UpdatedAt = now
	return true
}

// Stale reports whether an active job's claim outlived its timeout plus
// grace. Jobs without a timeout use fallback, or DefaultTimeout when
// fallback is zero.
func (j *Job) Stale(fallback, grace time.Duration, now time.Time) bool {
	if j.Status != StatusActive || j.ClaimedAt == nil {
		return false
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return now.Sub(*j.ClaimedAt) > timeout+grace
}

func claimedOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
