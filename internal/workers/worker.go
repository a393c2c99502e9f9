package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexq/internal/handlers"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/retry"
)

// slot is the claim loop of one execution slot. It ends only when the pool
// is stopped.
func (p *Pool) slot(id int, wake <-chan struct{}) {
	defer p.wg.Done()

	p.logger.DebugCtx(p.ctx, "worker slot started", logger.Field{Key: "slot", Value: id})

	idle := p.cfg.PollInterval
	for p.step(id, wake, &idle) {
	}
	p.logger.DebugCtx(p.ctx, "worker slot stopping", logger.Field{Key: "slot", Value: id})
}

// step claims and runs one job, or waits when there is nothing to claim.
// It reports whether the slot should continue. A panic outside the handler
// is logged and the slot carries on after an idle wait.
func (p *Pool) step(id int, wake <-chan struct{}, idle *time.Duration) (more bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker slot panic recovered",
				fmt.Errorf("panic: %v", r),
				logger.Field{Key: "slot", Value: id})
			more = p.wait(wake, idle)
		}
	}()

	if p.ctx.Err() != nil {
		return false
	}

	j, err := p.store.ClaimNext(p.ctx, p.cfg.Queue, p.cfg.Types, p.clock.Now())
	switch {
	case err == nil:
		*idle = p.cfg.PollInterval
		p.processJob(id, j)
		return true
	case errors.Is(err, job.ErrNotFound):
	case p.ctx.Err() != nil:
		return false
	default:
		p.logger.Warn("claim failed, backing off",
			logger.Field{Key: "slot", Value: id},
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "backoff", Value: idle.String()})
	}
	return p.wait(wake, idle)
}

// wait sleeps for the idle interval, doubling it up to MaxPollInterval, or
// until a wake-up resets it. It returns false once the pool is stopped.
func (p *Pool) wait(wake <-chan struct{}, idle *time.Duration) bool {
	timer := time.NewTimer(*idle)
	select {
	case <-p.ctx.Done():
		timer.Stop()
		return false
	case <-wake:
		timer.Stop()
		*idle = p.cfg.PollInterval
	case <-timer.C:
		*idle = min(*idle*2, p.cfg.MaxPollInterval)
	}
	return true
}

// processJob executes one claimed job and records its outcome.
// Execution is detached from the pool context: Stop lets in-flight jobs
// finish and only the job timeout bounds them.
func (p *Pool) processJob(slot int, j *job.Job) {
	p.setBusy(1)
	defer p.setBusy(-1)
	p.incrementClaimed()
	p.recorder.JobClaimed(j.Queue, j.Type)

	fields := []logger.Field{
		{Key: "slot", Value: slot},
		{Key: "job_id", Value: j.ID},
		{Key: "job_type", Value: j.Type},
		{Key: "attempt", Value: j.Attempts + 1},
	}
	p.logger.Debug("processing job", fields...)

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	startedAt := p.clock.Now()
	began := time.Now()

	var (
		output json.RawMessage
		err    error
	)
	h, err := p.registry.Get(j.Type)
	if err == nil {
		task := handlers.NewTask(execCtx, j, p.progressFunc(j))
		output, err = p.executeWithTimeout(execCtx, h, task, timeout)
	}
	duration := time.Since(began)
	p.recordDuration(duration)

	if err == nil {
		p.complete(j, output, duration, fields)
		return
	}
	p.fail(j, err, startedAt, duration, fields)
}

func (p *Pool) progressFunc(j *job.Job) handlers.ProgressFunc {
	return func(ctx context.Context, pct int) error {
		return p.store.UpdateProgress(ctx, j.ID, j.ClaimToken, pct, p.clock.Now())
	}
}

func (p *Pool) complete(j *job.Job, output json.RawMessage, d time.Duration, fields []logger.Field) {
	err := p.writeOutcome(func(ctx context.Context) error {
		now := p.clock.Now()
		return p.store.MarkCompleted(ctx, j.ID, j.ClaimToken, job.Result{
			JobID:     j.ID,
			Output:    output,
			Duration:  d,
			CreatedAt: now,
		}, now)
	})
	if err != nil {
		p.outcomeLost(j, err, fields)
		return
	}

	p.incrementCompleted()
	p.recorder.JobCompleted(j.Queue, j.Type, d)
	p.logger.Info("job completed", append(fields, logger.Field{Key: "duration_ms", Value: d.Milliseconds()})...)
}

func (p *Pool) fail(j *job.Job, cause error, startedAt time.Time, d time.Duration, fields []logger.Field) {
	kind := job.Classify(cause)
	attempt := j.Attempts + 1
	next := p.policy.Decide(attempt, j.MaxAttempts, j.Backoff, kind)

	err := p.writeOutcome(func(ctx context.Context) error {
		return p.store.MarkFailed(ctx, j.ID, j.ClaimToken, job.Attempt{
			JobID:     j.ID,
			Kind:      kind,
			Error:     cause.Error(),
			StartedAt: startedAt,
		}, next, p.clock.Now())
	})
	if err != nil {
		p.outcomeLost(j, err, fields)
		return
	}

	retried := next.Action == job.ActionRetry
	p.incrementFailed(retried)
	p.recorder.JobFailed(j.Queue, j.Type, kind, retried, d)

	fields = append(fields,
		logger.Field{Key: "kind", Value: string(kind)},
		logger.Field{Key: "next", Value: next.String()})
	if retried {
		p.logger.Warn("job attempt failed", append(fields, logger.Field{Key: "error", Value: cause.Error()})...)
		return
	}
	p.logger.Error("job failed permanently", cause, fields...)
}

// writeOutcome retries transient store failures; the claim token makes a
// duplicate write impossible.
func (p *Pool) writeOutcome(write func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	return retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second},
		func(err error) bool { return errors.Is(err, job.ErrStoreUnavailable) },
		func() error { return write(ctx) })
}

func (p *Pool) outcomeLost(j *job.Job, err error, fields []logger.Field) {
	if errors.Is(err, job.ErrLeaseLost) {
		p.incrementLeaseLost()
		p.logger.Warn("job lease lost before outcome was recorded", fields...)
		return
	}
	p.logger.Error("failed to record job outcome", err, fields...)
}
