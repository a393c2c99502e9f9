package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
)

// ScheduleFile is the YAML layout accepted by ImportSchedules:
//
//	schedules:
//	  - name: nightly-report
//	    type: report.build
//	    cron: "0 3 * * *"
//	    payload: {kind: daily}
type ScheduleFile struct {
	Schedules []ScheduleSpec `yaml:"schedules"`
}

// ScheduleSpec is one schedule entry of a ScheduleFile.
type ScheduleSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Queue       string `yaml:"queue"`
	Cron        string `yaml:"cron"`
	Payload     any    `yaml:"payload"`
	Priority    int    `yaml:"priority"`
	MaxAttempts int    `yaml:"max_attempts"`
	Timeout     string `yaml:"timeout"`
	Enabled     *bool  `yaml:"enabled"` // default true
}

func (s ScheduleSpec) request() (ScheduleRequest, error) {
	req := ScheduleRequest{
		Name:        s.Name,
		Type:        s.Type,
		Queue:       s.Queue,
		Cron:        s.Cron,
		Priority:    s.Priority,
		MaxAttempts: s.MaxAttempts,
		Enabled:     s.Enabled == nil || *s.Enabled,
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return req, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		req.Timeout = d
	}
	if s.Payload != nil {
		data, err := json.Marshal(s.Payload)
		if err != nil {
			return req, fmt.Errorf("payload: %w", err)
		}
		req.Payload = data
	}
	return req, nil
}

// ParseScheduleFile decodes a ScheduleFile, rejecting unknown fields.
func ParseScheduleFile(r io.Reader) (*ScheduleFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f ScheduleFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse schedule file: %w", err)
	}
	return &f, nil
}

// ImportSchedules creates or replaces every schedule in the YAML file at
// path. All entries are validated before any is written. It returns the
// number of schedules imported.
func (c *Client) ImportSchedules(ctx context.Context, path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open schedule file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	f, err := ParseScheduleFile(fh)
	if err != nil {
		return 0, err
	}
	return c.Import(ctx, f)
}

// Import upserts the schedules of f.
func (c *Client) Import(ctx context.Context, f *ScheduleFile) (int, error) {
	seen := make(map[string]bool, len(f.Schedules))
	built := make([]*job.Schedule, 0, len(f.Schedules))
	for i, spec := range f.Schedules {
		req, err := spec.request()
		if err != nil {
			return 0, fmt.Errorf("schedule #%d (%s): %w", i+1, spec.Name, err)
		}
		sc, err := c.buildSchedule(req)
		if err != nil {
			return 0, fmt.Errorf("schedule #%d (%s): %w", i+1, spec.Name, err)
		}
		if seen[sc.Name] {
			return 0, fmt.Errorf("schedule #%d: duplicate name %q", i+1, sc.Name)
		}
		seen[sc.Name] = true
		built = append(built, sc)
	}

	for _, sc := range built {
		if err := c.store.UpsertSchedule(ctx, sc); err != nil {
			return 0, fmt.Errorf("import schedule %s: %w", sc.Name, err)
		}
		c.logger.Info("schedule imported",
			logger.Field{Key: "schedule", Value: sc.Name},
			logger.Field{Key: "cron", Value: sc.Cron},
			logger.Field{Key: "enabled", Value: sc.Enabled})
	}
	return len(built), nil
}
