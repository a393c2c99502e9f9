// Package janitor performs periodic queue maintenance: it promotes delayed
// jobs whose delay elapsed, fails claims abandoned by crashed workers and
// purges old terminal jobs.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/retry"
	"github.com/aatumaykin/nexq/internal/store"
)

// Deps are the janitor collaborators. Store is required.
type Deps struct {
	Store    store.JobStore
	Policy   *retry.Policy
	Clock    clock.Clock
	Logger   *logger.Logger
	Recorder Recorder
}

// Janitor runs maintenance on a ticker.
type Janitor struct {
	cfg      Config
	store    store.JobStore
	policy   *retry.Policy
	clock    clock.Clock
	logger   *logger.Logger
	recorder Recorder
}

// New creates a janitor.
func New(cfg Config, deps Deps) *Janitor {
	if deps.Policy == nil {
		deps.Policy = retry.NewPolicy(retry.Config{})
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Janitor{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		policy:   deps.Policy,
		clock:    deps.Clock,
		logger:   deps.Logger.With(logger.Field{Key: "component", Value: "janitor"}),
		recorder: deps.Recorder,
	}
}

// Run performs an initial pass, then one pass per interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info("janitor started",
		logger.Field{Key: "interval", Value: j.cfg.Interval.String()},
		logger.Field{Key: "grace", Value: j.cfg.Grace.String()},
		logger.Field{Key: "retention", Value: j.cfg.Retention.String()})

	for {
		j.runOnce(ctx)
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Janitor) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error("janitor run failed", err)
	}
	if stats.Promoted > 0 || stats.Abandoned > 0 || stats.Purged > 0 {
		j.logger.Info(fmt.Sprintf("janitor run: promoted %d, abandoned %d, purged %d",
			stats.Promoted, stats.Abandoned, stats.Purged),
			logger.Field{Key: "promoted", Value: stats.Promoted},
			logger.Field{Key: "abandoned", Value: stats.Abandoned},
			logger.Field{Key: "purged", Value: stats.Purged},
			logger.Field{Key: "duration_ms", Value: stats.Duration.Milliseconds()})
	} else {
		j.logger.Debug("janitor run: nothing to do")
	}
}

// Sweep runs every maintenance step once. Steps are independent: a failing
// step does not prevent the others, and all errors are returned joined.
func (j *Janitor) Sweep(ctx context.Context) (Stats, error) {
	started := time.Now()
	now := j.clock.Now()

	var (
		stats Stats
		errs  []error
		err   error
	)

	if stats.Promoted, err = j.store.PromoteDelayed(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("promote delayed: %w", err))
	}
	if stats.Abandoned, err = j.reapAbandoned(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("reap abandoned: %w", err))
	}
	if j.cfg.Retention > 0 {
		if stats.Purged, err = j.store.Purge(ctx, now.Add(-j.cfg.Retention)); err != nil {
			errs = append(errs, fmt.Errorf("purge: %w", err))
		}
	}

	stats.Duration = time.Since(started)
	j.recorder.JanitorRun(stats)
	return stats, errors.Join(errs...)
}

// reapAbandoned fails active jobs whose claim outlived timeout plus grace.
// The failure goes through the retry policy like any other attempt.
func (j *Janitor) reapAbandoned(ctx context.Context, now time.Time) (int, error) {
	// The store applies one fallback to untimed jobs; the shortest queue
	// default yields a superset that is narrowed per queue below.
	stale, err := j.store.StaleActive(ctx, j.cfg.minTimeout(), j.cfg.Grace, now)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var errs []error
	for _, sj := range stale {
		if !sj.Stale(j.cfg.queueTimeout(sj.Queue), j.cfg.Grace, now) {
			continue
		}
		next := j.policy.Decide(sj.Attempts+1, sj.MaxAttempts, sj.Backoff, job.KindAbandoned)
		startedAt := now
		if sj.ClaimedAt != nil {
			startedAt = *sj.ClaimedAt
		}
		attempt := job.Attempt{
			JobID:     sj.ID,
			Kind:      job.KindAbandoned,
			Error:     fmt.Sprintf("claim abandoned: no outcome within %s", j.timeout(sj)+j.cfg.Grace),
			StartedAt: startedAt,
		}

		err := j.store.MarkFailed(ctx, sj.ID, sj.ClaimToken, attempt, next, now)
		switch {
		case err == nil:
			reaped++
			j.logger.Warn("abandoned job reaped",
				logger.Field{Key: "job_id", Value: sj.ID},
				logger.Field{Key: "job_type", Value: sj.Type},
				logger.Field{Key: "queue", Value: sj.Queue},
				logger.Field{Key: "next", Value: next.String()})
		case errors.Is(err, job.ErrLeaseLost), errors.Is(err, job.ErrNotFound):
			// The worker recorded its outcome after all.
		default:
			errs = append(errs, fmt.Errorf("job %s: %w", sj.ID, err))
		}
	}
	return reaped, errors.Join(errs...)
}

func (j *Janitor) timeout(sj *job.Job) time.Duration {
	if sj.Timeout > 0 {
		return sj.Timeout
	}
	return j.cfg.queueTimeout(sj.Queue)
}
