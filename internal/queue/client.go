// Package queue is the producer side of nexq: enqueueing and inspecting
// jobs, manual retry, and schedule management. Every dashboard or CLI
// action goes through a Client; nothing here touches worker state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/store"
)

// Config holds producer defaults.
type Config struct {
	DefaultQueue       string        // default: "default"
	DefaultMaxAttempts int           // default: 3
	DefaultTimeout     time.Duration // default: 30s
	RetryBudget        int           // attempts granted by a manual retry (default: 1)

	// QueueTimeouts overrides DefaultTimeout for jobs of the named queues.
	QueueTimeouts map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultQueue == "" {
		c.DefaultQueue = job.DefaultQueue
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = job.DefaultMaxAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = job.DefaultTimeout
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 1
	}
	return c
}

// timeoutFor returns the timeout given to jobs of queue that set none.
func (c Config) timeoutFor(queue string) time.Duration {
	if d, ok := c.QueueTimeouts[queue]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// Deps are the client collaborators. Store is required.
type Deps struct {
	Store    store.Store
	Cron     *clock.Evaluator
	Clock    clock.Clock
	Notifier notify.Notifier
	Logger   *logger.Logger
}

// Client implements the producer and schedule management APIs.
type Client struct {
	cfg      Config
	store    store.Store
	cron     *clock.Evaluator
	clock    clock.Clock
	notifier notify.Notifier
	logger   *logger.Logger
}

// New creates a client.
func New(cfg Config, deps Deps) *Client {
	if deps.Cron == nil {
		deps.Cron = clock.NewEvaluator()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Client{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		cron:     deps.Cron,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		logger:   deps.Logger,
	}
}

// EnqueueRequest describes a job to submit. Zero values take the client defaults.
type EnqueueRequest struct {
	Type        string
	Queue       string
	Payload     json.RawMessage
	Priority    int
	Delay       time.Duration // run no earlier than now+Delay
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration // initial retry delay; 0 uses the policy default
}

// JobView is a job together with its history.
type JobView struct {
	Job      *job.Job      `json:"job"`
	Attempts []job.Attempt `json:"attempts"`
	Result   *job.Result   `json:"result,omitempty"`
}

// Enqueue validates req, persists the job and returns its id. Jobs that are
// immediately eligible wake idle workers of their queue.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	j, err := c.buildJob(req)
	if err != nil {
		return "", err
	}

	id, err := c.store.Create(ctx, j)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", j.Type, err)
	}

	if j.Status == job.StatusPending {
		if err := c.notifier.Notify(ctx, j.Queue); err != nil {
			c.logger.Warn("wake-up notification failed",
				logger.Field{Key: "queue", Value: j.Queue},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}

	c.logger.Debug("job enqueued",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "job_type", Value: j.Type},
		logger.Field{Key: "queue", Value: j.Queue},
		logger.Field{Key: "priority", Value: j.Priority},
		logger.Field{Key: "status", Value: string(j.Status)})
	return id, nil
}

func (c *Client) buildJob(req EnqueueRequest) (*job.Job, error) {
	typ, err := job.NormalizeName("type", req.Type)
	if err != nil {
		return nil, err
	}
	queue, err := c.queueName(req.Queue)
	if err != nil {
		return nil, err
	}
	payload, err := validPayload(req.Payload)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Delay < 0:
		return nil, fmt.Errorf("%w: negative delay %s", job.ErrInvalidJob, req.Delay)
	case req.MaxAttempts < 0:
		return nil, fmt.Errorf("%w: negative max attempts %d", job.ErrInvalidJob, req.MaxAttempts)
	case req.Timeout < 0:
		return nil, fmt.Errorf("%w: negative timeout %s", job.ErrInvalidJob, req.Timeout)
	case req.Backoff < 0:
		return nil, fmt.Errorf("%w: negative backoff %s", job.ErrInvalidJob, req.Backoff)
	}

	now := c.clock.Now()
	var delayUntil *time.Time
	if req.Delay > 0 {
		delayUntil = job.TimePtr(now.Add(req.Delay))
	}

	j := &job.Job{
		ID:          uuid.NewString(),
		Type:        typ,
		Queue:       queue,
		Priority:    req.Priority,
		Payload:     payload,
		Status:      job.InitialStatus(delayUntil, now),
		MaxAttempts: req.MaxAttempts,
		Backoff:     req.Backoff,
		DelayUntil:  delayUntil,
		Timeout:     req.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = c.cfg.DefaultMaxAttempts
	}
	if j.Timeout == 0 {
		j.Timeout = c.cfg.timeoutFor(j.Queue)
	}
	return j, nil
}

func (c *Client) queueName(q string) (string, error) {
	if q == "" {
		return c.cfg.DefaultQueue, nil
	}
	return job.NormalizeName("queue", q)
}

func validPayload(p json.RawMessage) (json.RawMessage, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", job.ErrInvalidJob)
	}
	return append(json.RawMessage(nil), p...), nil
}

// GetJob returns the job with its attempt history and result.
func (c *Client) GetJob(ctx context.Context, id string) (*JobView, error) {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := c.store.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: j, Attempts: attempts}

	if j.Status == job.StatusCompleted {
		res, err := c.store.Result(ctx, id)
		switch {
		case err == nil:
			view.Result = res
		case !errors.Is(err, job.ErrNotFound):
			return nil, err
		}
	}
	return view, nil
}

// ListJobs lists jobs matching f, newest first.
func (c *Client) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	if f.Queue != "" {
		q, err := job.NormalizeName("queue", f.Queue)
		if err != nil {
			return nil, err
		}
		f.Queue = q
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", job.ErrInvalidJob, f.Status)
	}
	return c.store.List(ctx, f.Normalize())
}

// Retry re-queues a failed job in its original queue. Attempt history is
// kept; the job gets the configured number of further attempts.
func (c *Client) Retry(ctx context.Context, id string) error {
	if err := c.store.Retry(ctx, id, job.RetryOptions{Budget: c.cfg.RetryBudget}, c.clock.Now()); err != nil {
		return err
	}

	j, err := c.store.Get(ctx, id)
	if err != nil {
		// The retry is recorded; only the wake-up is skipped.
		return nil
	}
	if err := c.notifier.Notify(ctx, j.Queue); err != nil {
		c.logger.Warn("wake-up notification failed",
			logger.Field{Key: "queue", Value: j.Queue},
			logger.Field{Key: "error", Value: err.Error()})
	}
	c.logger.Info("job manually retried",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "attempts", Value: j.Attempts},
		logger.Field{Key: "max_attempts", Value: j.MaxAttempts})
	return nil
}

// Stats returns the read-only stats projection.
func (c *Client) Stats(ctx context.Context) (job.Stats, error) {
	return c.store.Stats(ctx, c.clock.Now())
}
