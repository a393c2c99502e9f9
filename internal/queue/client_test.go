package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/store/memory"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	client   *Client
	store    *memory.Store
	clock    *clock.Fake
	notifier *notify.Local
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		clock:    clock.NewFake(base),
		notifier: notify.NewLocal(),
	}
	f.client = New(cfg, Deps{Store: f.store, Clock: f.clock, Notifier: f.notifier})
	t.Cleanup(func() { _ = f.notifier.Close() })
	return f
}

// fail claims id and records a terminal failure.
func (f *fixture) fail(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	j, err := f.store.ClaimNext(ctx, job.DefaultQueue, nil, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, id, j.ID)
	require.NoError(t, f.store.MarkFailed(ctx, id, j.ClaimToken,
		job.Attempt{JobID: id, Kind: job.KindTransient, Error: "boom", StartedAt: f.clock.Now()},
		job.Terminal(), f.clock.Now()))
}

func TestEnqueue_UsesQueueTimeout(t *testing.T) {
	f := newFixture(t, Config{
		DefaultTimeout: 30 * time.Second,
		QueueTimeouts:  map[string]time.Duration{"reports": 10 * time.Minute},
	})
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
		want time.Duration
	}{
		{name: "configured queue", req: EnqueueRequest{Type: "report.build", Queue: "reports"}, want: 10 * time.Minute},
		{name: "default queue", req: EnqueueRequest{Type: "email.send"}, want: 30 * time.Second},
		{name: "unlisted queue", req: EnqueueRequest{Type: "email.send", Queue: "mail"}, want: 30 * time.Second},
		{name: "explicit timeout wins", req: EnqueueRequest{Type: "report.build", Queue: "reports", Timeout: time.Second}, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.client.Enqueue(ctx, tt.req)
			require.NoError(t, err)
			j, err := f.store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, j.Timeout)
		})
	}

	sc, err := f.client.CreateSchedule(ctx, ScheduleRequest{
		Name: "weekly", Cron: "0 6 * * 1", Type: "report.build", Queue: "reports", Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, sc.Timeout)
}

func TestEnqueue_AppliesDefaults(t *testing.T) {
	f := newFixture(t, Config{DefaultMaxAttempts: 5, DefaultTimeout: time.Minute})
	wake, unsubscribe := f.notifier.Subscribe(job.DefaultQueue)
	defer unsubscribe()

	id, err := f.client.Enqueue(context.Background(), EnqueueRequest{
		Type:    "  email.send ",
		Payload: json.RawMessage(`{"to":"ops@example.com"}`),
	})
	require.NoError(t, err)

	j, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "email.send", j.Type)
	assert.Equal(t, job.DefaultQueue, j.Queue)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 5, j.MaxAttempts)
	assert.Equal(t, time.Minute, j.Timeout)
	assert.Equal(t, base, j.CreatedAt)
	assert.Zero(t, j.Attempts)

	select {
	case <-wake:
	default:
		t.Fatal("pending job should wake the queue")
	}
}

func TestEnqueue_DelayedJob(t *testing.T) {
	f := newFixture(t, Config{})
	wake, unsubscribe := f.notifier.Subscribe("mail")
	defer unsubscribe()

	id, err := f.client.Enqueue(context.Background(), EnqueueRequest{
		Type:  "email.send",
		Queue: "mail",
		Delay: 10 * time.Minute,
	})
	require.NoError(t, err)

	j, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDelayed, j.Status)
	require.NotNil(t, j.DelayUntil)
	assert.Equal(t, base.Add(10*time.Minute), *j.DelayUntil)

	select {
	case <-wake:
		t.Fatal("delayed job must not wake the queue")
	default:
	}

	_, err = f.store.ClaimNext(context.Background(), "mail", nil, base.Add(time.Minute))
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestEnqueue_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{name: "missing type", req: EnqueueRequest{}},
		{name: "blank type", req: EnqueueRequest{Type: "   "}},
		{name: "type with spaces", req: EnqueueRequest{Type: "send email"}},
		{name: "bad queue", req: EnqueueRequest{Type: "t", Queue: "a\tb"}},
		{name: "invalid payload", req: EnqueueRequest{Type: "t", Payload: json.RawMessage(`{nope`)}},
		{name: "negative delay", req: EnqueueRequest{Type: "t", Delay: -time.Second}},
		{name: "negative attempts", req: EnqueueRequest{Type: "t", MaxAttempts: -1}},
		{name: "negative timeout", req: EnqueueRequest{Type: "t", Timeout: -time.Second}},
		{name: "negative backoff", req: EnqueueRequest{Type: "t", Backoff: -time.Second}},
	}

	f := newFixture(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, job.ErrInvalidJob)
		})
	}

	jobs, err := f.client.ListJobs(context.Background(), job.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGetJob_IncludesHistoryAndResult(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id, err := f.client.Enqueue(ctx, EnqueueRequest{Type: "report"})
	require.NoError(t, err)

	view, err := f.client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, view.Job.ID)
	assert.Empty(t, view.Attempts)
	assert.Nil(t, view.Result)

	j, err := f.store.ClaimNext(ctx, job.DefaultQueue, nil, base)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkCompleted(ctx, id, j.ClaimToken,
		job.Result{JobID: id, Output: json.RawMessage(`{"rows":3}`), Duration: time.Second, CreatedAt: base}, base))

	view, err = f.client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, view.Job.Status)
	require.Len(t, view.Attempts, 1)
	require.NotNil(t, view.Result)
	assert.JSONEq(t, `{"rows":3}`, string(view.Result.Output))

	_, err = f.client.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestListJobs_Filters(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, q := range []string{"a", "a", "b"} {
		_, err := f.client.Enqueue(ctx, EnqueueRequest{Type: "t", Queue: q})
		require.NoError(t, err)
	}

	jobs, err := f.client.ListJobs(ctx, job.Filter{Queue: " a "})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = f.client.ListJobs(ctx, job.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = f.client.ListJobs(ctx, job.Filter{Status: "bogus"})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
}

func TestRetry_KeepsHistory(t *testing.T) {
	f := newFixture(t, Config{RetryBudget: 2})
	ctx := context.Background()

	id, err := f.client.Enqueue(ctx, EnqueueRequest{Type: "t", MaxAttempts: 1})
	require.NoError(t, err)
	f.fail(t, id)

	// Retrying a job that is not failed is rejected.
	other, err := f.client.Enqueue(ctx, EnqueueRequest{Type: "t"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.client.Retry(ctx, other), job.ErrInvalidTransition)

	wake, unsubscribe := f.notifier.Subscribe(job.DefaultQueue)
	defer unsubscribe()

	require.NoError(t, f.client.Retry(ctx, id))

	view, err := f.client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, view.Job.Status)
	assert.Equal(t, job.DefaultQueue, view.Job.Queue)
	assert.Equal(t, 1, view.Job.Attempts)
	assert.Equal(t, 3, view.Job.MaxAttempts)
	require.Len(t, view.Attempts, 1)
	assert.Equal(t, "boom", view.Attempts[0].Error)

	select {
	case <-wake:
	default:
		t.Fatal("retry should wake the queue")
	}

	assert.ErrorIs(t, f.client.Retry(ctx, "missing"), job.ErrNotFound)
}

func TestSchedules_Lifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sc, err := f.client.CreateSchedule(ctx, ScheduleRequest{
		Name:    "nightly",
		Type:    "report",
		Cron:    "0 3 * * *",
		Payload: json.RawMessage(`{"kind":"daily"}`),
		Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC), sc.NextRunAt)
	assert.Equal(t, job.DefaultQueue, sc.Queue)
	assert.Equal(t, job.DefaultMaxAttempts, sc.MaxAttempts)

	_, err = f.client.CreateSchedule(ctx, ScheduleRequest{Name: "nightly", Type: "report", Cron: "0 3 * * *"})
	assert.ErrorIs(t, err, job.ErrScheduleExists)

	_, err = f.client.CreateSchedule(ctx, ScheduleRequest{Name: "broken", Type: "report", Cron: "not a cron"})
	var parseErr *job.ScheduleParseError
	assert.ErrorAs(t, err, &parseErr)

	require.NoError(t, f.client.DisableSchedule(ctx, "nightly"))
	got, err := f.client.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// Re-enabling two days later skips the missed runs.
	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.client.EnableSchedule(ctx, "nightly"))
	got, err = f.client.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, time.Date(2026, 3, 17, 3, 0, 0, 0, time.UTC), got.NextRunAt)

	list, err := f.client.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.client.DeleteSchedule(ctx, "nightly"))
	assert.ErrorIs(t, f.client.DeleteSchedule(ctx, "nightly"), job.ErrNotFound)
	assert.ErrorIs(t, f.client.EnableSchedule(ctx, "nightly"), job.ErrNotFound)
}

const scheduleYAML = `
schedules:
  - name: nightly
    type: report
    cron: "0 3 * * *"
    payload:
      kind: daily
      limit: 10
    priority: 5
    timeout: 2m
  - name: heartbeat
    type: nexq.noop
    queue: system
    cron: "@every 1m"
    enabled: false
`

func TestImportSchedules(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scheduleYAML), 0o600))

	n, err := f.client.ImportSchedules(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	nightly, err := f.client.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, nightly.Enabled)
	assert.Equal(t, 5, nightly.Priority)
	assert.Equal(t, 2*time.Minute, nightly.Timeout)
	assert.JSONEq(t, `{"kind":"daily","limit":10}`, string(nightly.Payload))

	hb, err := f.client.GetSchedule(ctx, "heartbeat")
	require.NoError(t, err)
	assert.False(t, hb.Enabled)
	assert.Equal(t, "system", hb.Queue)
	assert.Equal(t, base.Add(time.Minute), hb.NextRunAt)

	// Importing again updates in place.
	n, err = f.client.ImportSchedules(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	list, err := f.client.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestImport_RejectsBadFilesAtomically(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown field", yaml: "schedules:\n  - name: a\n    type: t\n    cron: '@hourly'\n    colour: red\n"},
		{name: "bad cron", yaml: "schedules:\n  - name: a\n    type: t\n    cron: '@hourly'\n  - name: b\n    type: t\n    cron: 'nope'\n"},
		{name: "duplicate", yaml: "schedules:\n  - name: a\n    type: t\n    cron: '@hourly'\n  - name: ' a'\n    type: t\n    cron: '@daily'\n"},
		{name: "bad timeout", yaml: "schedules:\n  - name: a\n    type: t\n    cron: '@hourly'\n    timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			file, err := ParseScheduleFile(strings.NewReader(tt.yaml))
			if err == nil {
				_, err = f.client.Import(context.Background(), file)
			}
			require.Error(t, err)

			list, err := f.client.ListSchedules(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestParseScheduleFile_Empty(t *testing.T) {
	file, err := ParseScheduleFile(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, file.Schedules)
}
