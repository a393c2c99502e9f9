package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
)

// ScheduleRequest describes a recurring job template.
type ScheduleRequest struct {
	Name        string
	Type        string
	Queue       string
	Cron        string
	Payload     json.RawMessage
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
	Enabled     bool
}

// CreateSchedule validates req and stores a new schedule. The first run is
// the first cron trigger after now.
func (c *Client) CreateSchedule(ctx context.Context, req ScheduleRequest) (*job.Schedule, error) {
	sc, err := c.buildSchedule(req)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	c.logger.Info("schedule created",
		logger.Field{Key: "schedule", Value: sc.Name},
		logger.Field{Key: "cron", Value: sc.Cron},
		logger.Field{Key: "next_run_at", Value: sc.NextRunAt.Format(time.RFC3339)})
	return sc, nil
}

func (c *Client) buildSchedule(req ScheduleRequest) (*job.Schedule, error) {
	name, err := job.NormalizeName("schedule", req.Name)
	if err != nil {
		return nil, err
	}
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
	if req.MaxAttempts < 0 || req.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative max attempts or timeout", job.ErrInvalidJob)
	}

	now := c.clock.Now()
	next, err := c.cron.Next(req.Cron, now)
	if err != nil {
		return nil, err
	}

	sc := &job.Schedule{
		Name:        name,
		Type:        typ,
		Queue:       queue,
		Cron:        req.Cron,
		Payload:     payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Timeout:     req.Timeout,
		Enabled:     req.Enabled,
		NextRunAt:   next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sc.MaxAttempts == 0 {
		sc.MaxAttempts = c.cfg.DefaultMaxAttempts
	}
	if sc.Timeout == 0 {
		sc.Timeout = c.cfg.timeoutFor(sc.Queue)
	}
	return sc, nil
}

// EnableSchedule enables a schedule. next_run_at is recomputed from now so
// the time spent disabled never produces a catch-up run.
func (c *Client) EnableSchedule(ctx context.Context, name string) error {
	sc, err := c.store.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	next, err := c.cron.Next(sc.Cron, now)
	if err != nil {
		return err
	}
	if err := c.store.SetScheduleEnabled(ctx, name, true, next, now); err != nil {
		return err
	}
	c.logger.Info("schedule enabled", logger.Field{Key: "schedule", Value: name})
	return nil
}

// DisableSchedule stops a schedule from firing until it is enabled again.
func (c *Client) DisableSchedule(ctx context.Context, name string) error {
	now := c.clock.Now()
	if err := c.store.SetScheduleEnabled(ctx, name, false, time.Time{}, now); err != nil {
		return err
	}
	c.logger.Info("schedule disabled", logger.Field{Key: "schedule", Value: name})
	return nil
}

// DeleteSchedule removes a schedule. Jobs it already created are kept.
func (c *Client) DeleteSchedule(ctx context.Context, name string) error {
	if err := c.store.DeleteSchedule(ctx, name); err != nil {
		return err
	}
	c.logger.Info("schedule deleted", logger.Field{Key: "schedule", Value: name})
	return nil
}

// ListSchedules returns every schedule ordered by name.
func (c *Client) ListSchedules(ctx context.Context) ([]*job.Schedule, error) {
	return c.store.ListSchedules(ctx, false, c.clock.Now())
}

// GetSchedule returns one schedule.
func (c *Client) GetSchedule(ctx context.Context, name string) (*job.Schedule, error) {
	return c.store.GetSchedule(ctx, name)
}
