// Package scheduler turns recurring schedule templates into jobs.
//
// The scheduler keeps no state of its own. Every poll it reads the due
// schedules from the store and fires each one with FireSchedule, which
// advances next_run_at with a compare-and-set. Any number of scheduler
// instances may share a store: exactly one of them wins each trigger, and
// triggers missed while nothing was running collapse into a single catch-up
// job because the next run is always computed from the current time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/store"
)

// DefaultPollInterval is how often due schedules are checked.
const DefaultPollInterval = time.Second

// Config holds scheduler settings.
type Config struct {
	PollInterval       time.Duration // default: 1s
	DefaultMaxAttempts int           // for templates without max_attempts (default: 3)
}

// Recorder receives scheduler events for metrics.
type Recorder interface {
	ScheduleFired(name string)
	ScheduleRaceLost(name string)
}

type nopRecorder struct{}

func (nopRecorder) ScheduleFired(string)    {}
func (nopRecorder) ScheduleRaceLost(string) {}

// Deps are the scheduler collaborators. Store is required.
type Deps struct {
	Store    store.ScheduleStore
	Cron     *clock.Evaluator
	Clock    clock.Clock
	Logger   *logger.Logger
	Notifier notify.Notifier
	Recorder Recorder
}

// Scheduler fires due schedules.
type Scheduler struct {
	cfg      Config
	store    store.ScheduleStore
	cron     *clock.Evaluator
	clock    clock.Clock
	logger   *logger.Logger
	notifier notify.Notifier
	recorder Recorder

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if deps.Cron == nil {
		deps.Cron = clock.NewEvaluator()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		cron:     deps.Cron,
		clock:    deps.Clock,
		logger:   deps.Logger.With(logger.Field{Key: "component", Value: "scheduler"}),
		notifier: deps.Notifier,
		recorder: deps.Recorder,
	}
}

// Start begins polling in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true

	s.logger.Info("scheduler started",
		logger.Field{Key: "poll_interval", Value: s.cfg.PollInterval.String()})

	go s.loop(ctx, s.done)
	return nil
}

// Stop stops polling and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduler tick failed", logger.Field{Key: "error", Value: err.Error()})
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick fires every schedule due at the current time and returns how many
// jobs this instance created. Losing a race to another instance is not an
// error.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.ListSchedules(ctx, true, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	fired := 0
	var errs []error
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.fire(ctx, sc, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.Name, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, sc *job.Schedule, now time.Time) (bool, error) {
	fields := []logger.Field{
		{Key: "schedule", Value: sc.Name},
		{Key: "cron", Value: sc.Cron},
	}

	next, err := s.cron.Next(sc.Cron, now)
	if err != nil {
		var parseErr *job.ScheduleParseError
		if !errors.As(err, &parseErr) {
			return false, err
		}
		// Invalid schedules are no longer listed as due, so this logs once.
		if err := s.store.MarkScheduleInvalid(ctx, sc.Name, parseErr.Error(), now); err != nil {
			return false, fmt.Errorf("mark invalid: %w", err)
		}
		s.logger.Error("schedule has an invalid cron expression and was disabled", err, fields...)
		return false, nil
	}

	j := sc.NewJob(uuid.NewString(), now)
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	won, err := s.store.FireSchedule(ctx, sc.Name, sc.NextRunAt, next, j, now)
	if err != nil {
		return false, err
	}
	if !won {
		s.recorder.ScheduleRaceLost(sc.Name)
		s.logger.Debug("schedule already fired elsewhere", fields...)
		return false, nil
	}

	s.recorder.ScheduleFired(sc.Name)
	if err := s.notifier.Notify(ctx, j.Queue); err != nil {
		s.logger.Warn("wake-up notification failed",
			logger.Field{Key: "queue", Value: j.Queue},
			logger.Field{Key: "error", Value: err.Error()})
	}
	s.logger.Info("schedule fired", append(fields,
		logger.Field{Key: "job_id", Value: j.ID},
		logger.Field{Key: "due_at", Value: sc.NextRunAt.Format(time.RFC3339)},
		logger.Field{Key: "next_run_at", Value: next.Format(time.RFC3339)})...)
	return true, nil
}
