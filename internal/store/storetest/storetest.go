// Package storetest is a conformance suite shared by every store.Store
// implementation. Each backend's tests call Run with a factory that returns
// a fresh, empty store.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/store"
)

// Factory opens an empty store. Cleanup is registered on t by the factory.
type Factory func(t *testing.T) store.Store

// base is microsecond aligned so that every backend round-trips it exactly.
var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"PriorityThenFIFO", testPriorityThenFIFO},
		{"DelayedInvisibleUntilDue", testDelayedInvisible},
		{"QueueAndTypeFilter", testQueueAndTypeFilter},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"CompleteRecordsAttemptAndResult", testComplete},
		{"FailuresExhaustBudget", testFailuresExhaustBudget},
		{"LeaseLost", testLeaseLost},
		{"UpdateProgress", testUpdateProgress},
		{"ManualRetryKeepsHistory", testManualRetry},
		{"PromoteDelayed", testPromoteDelayed},
		{"StaleActive", testStaleActive},
		{"StaleActiveFallback", testStaleActiveFallback},
		{"Purge", testPurge},
		{"List", testList},
		{"Stats", testStats},
		{"ScheduleCRUD", testScheduleCRUD},
		{"FireScheduleIsExclusive", testFireScheduleExclusive},
		{"FireScheduleSkipsDisabledAndInvalid", testFireScheduleSkips},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewJob builds a pending job with sensible defaults.
func NewJob(queue, typ string, priority int, created time.Time) *job.Job {
	return &job.Job{
		ID:          uuid.NewString(),
		Type:        typ,
		Queue:       queue,
		Priority:    priority,
		Payload:     json.RawMessage(`{"n":1}`),
		Status:      job.StatusPending,
		MaxAttempts: 3,
		Timeout:     10 * time.Second,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func mustCreate(t *testing.T, s store.Store, j *job.Job) *job.Job {
	t.Helper()
	_, err := s.Create(context.Background(), j)
	require.NoError(t, err)
	return j
}

func mustClaim(t *testing.T, s store.Store, queue string, now time.Time) *job.Job {
	t.Helper()
	got, err := s.ClaimNext(context.Background(), queue, nil, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("default", "email", 5, base)
	j.ScheduleName = "nightly"
	mustCreate(t, s, j)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "email", got.Type)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, 10*time.Second, got.Timeout)
	assert.Equal(t, "nightly", got.ScheduleName)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func testPriorityThenFIFO(t *testing.T, s store.Store) {
	low := mustCreate(t, s, NewJob("q", "t", 0, base))
	highLate := mustCreate(t, s, NewJob("q", "t", 10, base.Add(2*time.Second)))
	highEarly := mustCreate(t, s, NewJob("q", "t", 10, base.Add(time.Second)))
	mid := mustCreate(t, s, NewJob("q", "t", 5, base))

	now := base.Add(time.Minute)
	want := []string{highEarly.ID, highLate.ID, mid.ID, low.ID}
	for _, id := range want {
		got := mustClaim(t, s, "q", now)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, job.StatusActive, got.Status)
		assert.NotEmpty(t, got.ClaimToken)
	}

	_, err := s.ClaimNext(context.Background(), "q", nil, now)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func testDelayedInvisible(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", "t", 0, base)
	j.Status = job.StatusDelayed
	j.DelayUntil = job.TimePtr(base.Add(time.Hour))
	mustCreate(t, s, j)

	_, err := s.ClaimNext(ctx, "q", nil, base.Add(59*time.Minute))
	assert.ErrorIs(t, err, job.ErrNotFound)

	got := mustClaim(t, s, "q", base.Add(time.Hour))
	assert.Equal(t, j.ID, got.ID)
	assert.Nil(t, got.DelayUntil)
}

func testQueueAndTypeFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	mail := mustCreate(t, s, NewJob("mail", "send", 0, base))
	report := mustCreate(t, s, NewJob("reports", "pdf", 0, base))
	other := mustCreate(t, s, NewJob("reports", "csv", 9, base))

	_, err := s.ClaimNext(ctx, "nothing", nil, base)
	assert.ErrorIs(t, err, job.ErrNotFound)

	got, err := s.ClaimNext(ctx, "reports", []string{"pdf"}, base)
	require.NoError(t, err)
	assert.Equal(t, report.ID, got.ID)

	_, err = s.ClaimNext(ctx, "reports", []string{"pdf"}, base)
	assert.ErrorIs(t, err, job.ErrNotFound)

	assert.Equal(t, other.ID, mustClaim(t, s, "reports", base).ID)
	assert.Equal(t, mail.ID, mustClaim(t, s, "mail", base).ID)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	const jobs, workers = 40, 8
	for i := 0; i < jobs; i++ {
		mustCreate(t, s, NewJob("q", "t", i%3, base.Add(time.Duration(i)*time.Millisecond)))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	now := base.Add(time.Minute)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ClaimNext(context.Background(), "q", nil, now)
				if errors.Is(err, job.ErrNotFound) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				claimed[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("q", "t", 0, base))
	claimAt := base.Add(time.Second)
	got := mustClaim(t, s, "q", claimAt)

	doneAt := claimAt.Add(2 * time.Second)
	res := job.Result{Output: json.RawMessage(`{"ok":true}`), Duration: 2 * time.Second}
	require.NoError(t, s.MarkCompleted(ctx, got.ID, got.ClaimToken, res, doneAt))

	after, err := s.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, after.Status)
	assert.Equal(t, 1, after.Attempts)
	assert.Equal(t, 100, after.Progress)
	require.NotNil(t, after.StartedAt)
	require.NotNil(t, after.CompletedAt)
	assert.True(t, claimAt.Equal(*after.StartedAt))
	assert.True(t, doneAt.Equal(*after.CompletedAt))

	attempts, err := s.Attempts(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, job.OutcomeSucceeded, attempts[0].Outcome)

	stored, err := s.Result(ctx, got.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(stored.Output))
	assert.Equal(t, 2*time.Second, stored.Duration)
}

func testFailuresExhaustBudget(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := mustCreate(t, s, NewJob("q", "t", 0, base))

	now := base
	for i := 1; i <= j.MaxAttempts; i++ {
		got := mustClaim(t, s, "q", now)
		next := job.Retry(time.Second)
		if i == j.MaxAttempts {
			next = job.Terminal()
		}
		fail := job.Attempt{Kind: job.KindTransient, Error: fmt.Sprintf("boom %d", i), StartedAt: now}
		now = now.Add(100 * time.Millisecond)
		require.NoError(t, s.MarkFailed(ctx, got.ID, got.ClaimToken, fail, next, now))

		after, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, i, after.Attempts)
		if i < j.MaxAttempts {
			assert.Equal(t, job.StatusDelayed, after.Status)
			require.NotNil(t, after.DelayUntil)
			assert.True(t, now.Add(time.Second).Equal(*after.DelayUntil))
			now = now.Add(time.Second)
		} else {
			assert.Equal(t, job.StatusFailed, after.Status)
			assert.NotNil(t, after.CompletedAt)
			assert.Equal(t, "boom 3", after.LastError)
		}
	}

	attempts, err := s.Attempts(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, attempts, j.MaxAttempts)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, job.OutcomeFailed, a.Outcome)
		assert.Equal(t, job.KindTransient, a.Kind)
	}

	_, err = s.ClaimNext(ctx, "q", nil, now.Add(time.Hour))
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func testLeaseLost(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("q", "t", 0, base))
	got := mustClaim(t, s, "q", base)

	err := s.MarkCompleted(ctx, got.ID, "not-the-token", job.Result{}, base)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	err = s.MarkFailed(ctx, got.ID, "not-the-token", job.Attempt{Error: "x"}, job.Terminal(), base)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	require.NoError(t, s.MarkCompleted(ctx, got.ID, got.ClaimToken, job.Result{}, base))
	err = s.MarkCompleted(ctx, got.ID, got.ClaimToken, job.Result{}, base)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	attempts, err := s.Attempts(ctx, got.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	err = s.MarkCompleted(ctx, "missing", "tok", job.Result{}, base)
	assert.Error(t, err)
}

func testUpdateProgress(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("q", "t", 0, base))
	got := mustClaim(t, s, "q", base)

	require.NoError(t, s.UpdateProgress(ctx, got.ID, got.ClaimToken, 40, base))
	after, err := s.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, after.Progress)

	require.NoError(t, s.UpdateProgress(ctx, got.ID, got.ClaimToken, 250, base))
	after, err = s.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, after.Progress)

	assert.ErrorIs(t, s.UpdateProgress(ctx, got.ID, "stale", 10, base), job.ErrLeaseLost)
}

func testManualRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", "t", 0, base)
	j.MaxAttempts = 1
	mustCreate(t, s, j)

	assert.ErrorIs(t, s.Retry(ctx, j.ID, job.RetryOptions{}, base), job.ErrInvalidTransition)

	got := mustClaim(t, s, "q", base)
	require.NoError(t, s.MarkFailed(ctx, got.ID, got.ClaimToken,
		job.Attempt{Kind: job.KindPermanent, Error: "bad"}, job.Terminal(), base.Add(time.Second)))

	require.NoError(t, s.Retry(ctx, j.ID, job.RetryOptions{Budget: 2}, base.Add(2*time.Second)))
	after, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, after.Status)
	assert.Equal(t, 1, after.Attempts)
	assert.Equal(t, 3, after.MaxAttempts)
	assert.Nil(t, after.CompletedAt)

	got = mustClaim(t, s, "q", base.Add(3*time.Second))
	require.NoError(t, s.MarkCompleted(ctx, got.ID, got.ClaimToken, job.Result{}, base.Add(4*time.Second)))

	attempts, err := s.Attempts(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, job.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, job.OutcomeSucceeded, attempts[1].Outcome)
	assert.Equal(t, 2, attempts[1].Number)

	assert.ErrorIs(t, s.Retry(ctx, "missing", job.RetryOptions{}, base), job.ErrNotFound)
}

func testPromoteDelayed(t *testing.T, s store.Store) {
	ctx := context.Background()
	soon := NewJob("q", "t", 0, base)
	soon.Status = job.StatusDelayed
	soon.DelayUntil = job.TimePtr(base.Add(time.Second))
	later := NewJob("q", "t", 0, base)
	later.Status = job.StatusDelayed
	later.DelayUntil = job.TimePtr(base.Add(time.Hour))
	mustCreate(t, s, soon)
	mustCreate(t, s, later)

	n, err := s.PromoteDelayed(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Nil(t, got.DelayUntil)

	got, err = s.Get(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDelayed, got.Status)
}

func testStaleActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("q", "t", 0, base))
	got := mustClaim(t, s, "q", base)

	stale, err := s.StaleActive(ctx, 0, 5*time.Second, base.Add(15*time.Second))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.StaleActive(ctx, time.Hour, 5*time.Second, base.Add(16*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1, "a job's own timeout wins over the fallback")
	assert.Equal(t, got.ID, stale[0].ID)
	assert.Equal(t, got.ClaimToken, stale[0].ClaimToken)
}

func testStaleActiveFallback(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", "t", 0, base)
	j.Timeout = 0
	mustCreate(t, s, j)
	mustClaim(t, s, "q", base)

	stale, err := s.StaleActive(ctx, time.Minute, time.Second, base.Add(50*time.Second))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.StaleActive(ctx, 2*time.Second, time.Second, base.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, j.ID, stale[0].ID)

	stale, err = s.StaleActive(ctx, 0, time.Second, base.Add(job.DefaultTimeout))
	require.NoError(t, err)
	assert.Empty(t, stale, "zero fallback means the default timeout")
}

func testPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := mustCreate(t, s, NewJob("q", "t", 1, base))
	keep := mustCreate(t, s, NewJob("q", "t", 0, base))
	pending := mustCreate(t, s, NewJob("other", "t", 0, base))

	got := mustClaim(t, s, "q", base)
	require.Equal(t, old.ID, got.ID)
	require.NoError(t, s.MarkCompleted(ctx, got.ID, got.ClaimToken, job.Result{}, base.Add(time.Second)))
	got = mustClaim(t, s, "q", base)
	require.NoError(t, s.MarkCompleted(ctx, got.ID, got.ClaimToken, job.Result{}, base.Add(time.Hour)))

	n, err := s.Purge(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Get(ctx, keep.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustCreate(t, s, NewJob("a", "x", 0, base.Add(time.Duration(i)*time.Second)))
	}
	mustCreate(t, s, NewJob("b", "y", 0, base))

	all, err := s.List(ctx, job.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	page, err := s.List(ctx, job.Filter{Queue: "a", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	for _, j := range page {
		assert.Equal(t, "a", j.Queue)
	}

	byType, err := s.List(ctx, job.Filter{Type: "y"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "b", byType[0].Queue)

	none, err := s.List(ctx, job.Filter{Status: job.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("mail", "send", 1, base))
	mustCreate(t, s, NewJob("mail", "send", 0, base))
	mustCreate(t, s, NewJob("reports", "pdf", 0, base))

	got := mustClaim(t, s, "mail", base)
	require.NoError(t, s.MarkCompleted(ctx, got.ID, got.ClaimToken, job.Result{Duration: 4 * time.Second}, base))

	st, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueCount("mail", job.StatusPending))
	assert.Equal(t, 1, st.QueueCount("mail", job.StatusCompleted))
	assert.Equal(t, 1, st.QueueCount("reports", job.StatusPending))
	assert.Equal(t, 1, st.TypeCount("send", job.StatusCompleted))
	assert.Equal(t, 1, st.TypeCount("pdf", job.StatusPending))
	require.Len(t, st.Durations, 1)
	assert.Equal(t, "send", st.Durations[0].Type)
	assert.Equal(t, 4*time.Second, st.Durations[0].Average)
}

func newSchedule(name string, next time.Time) *job.Schedule {
	return &job.Schedule{
		Name:        name,
		Type:        "report",
		Queue:       "default",
		Cron:        "*/5 * * * *",
		Payload:     json.RawMessage(`{"kind":"daily"}`),
		MaxAttempts: 2,
		Timeout:     time.Minute,
		Enabled:     true,
		NextRunAt:   next,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func testScheduleCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	sc := newSchedule("nightly", base.Add(5*time.Minute))
	require.NoError(t, s.CreateSchedule(ctx, sc))
	assert.ErrorIs(t, s.CreateSchedule(ctx, sc), job.ErrScheduleExists)

	got, err := s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.Cron)
	assert.True(t, got.Enabled)
	assert.True(t, base.Add(5*time.Minute).Equal(got.NextRunAt))
	assert.JSONEq(t, `{"kind":"daily"}`, string(got.Payload))

	due, err := s.ListSchedules(ctx, true, base)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.ListSchedules(ctx, true, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, s.SetScheduleEnabled(ctx, "nightly", false, time.Time{}, base))
	due, err = s.ListSchedules(ctx, true, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.SetScheduleEnabled(ctx, "nightly", true, base.Add(2*time.Hour), base.Add(time.Hour)))
	got, err = s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, base.Add(2*time.Hour).Equal(got.NextRunAt))

	sc.Cron = "0 * * * *"
	require.NoError(t, s.UpsertSchedule(ctx, sc))
	got, err = s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.Cron)

	require.NoError(t, s.MarkScheduleInvalid(ctx, "nightly", "bad cron", base))
	got, err = s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, got.Invalid)
	assert.Equal(t, "bad cron", got.InvalidReason)

	all, err := s.ListSchedules(ctx, false, base)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "nightly"))
	_, err = s.GetSchedule(ctx, "nightly")
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSchedule(ctx, "nightly"), job.ErrNotFound)
}

func testFireScheduleExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	due := base.Add(5 * time.Minute)
	sc := newSchedule("tick", due)
	require.NoError(t, s.CreateSchedule(ctx, sc))

	const racers = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := sc.NewJob(uuid.NewString(), due)
			won, err := s.FireSchedule(ctx, "tick", due, due.Add(5*time.Minute), j, due)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	jobs, err := s.List(ctx, job.Filter{Schedule: "tick"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "report", jobs[0].Type)
	assert.Equal(t, 2, jobs[0].MaxAttempts)

	got, err := s.GetSchedule(ctx, "tick")
	require.NoError(t, err)
	assert.True(t, due.Add(5*time.Minute).Equal(got.NextRunAt))
	require.NotNil(t, got.LastRunAt)
	assert.True(t, due.Equal(*got.LastRunAt))
}

func testFireScheduleSkips(t *testing.T, s store.Store) {
	ctx := context.Background()
	due := base
	require.NoError(t, s.CreateSchedule(ctx, newSchedule("off", due)))
	require.NoError(t, s.SetScheduleEnabled(ctx, "off", false, time.Time{}, due))

	won, err := s.FireSchedule(ctx, "off", due, due.Add(time.Minute), NewJob("default", "report", 0, due), due)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.CreateSchedule(ctx, newSchedule("broken", due)))
	require.NoError(t, s.MarkScheduleInvalid(ctx, "broken", "parse error", due))
	won, err = s.FireSchedule(ctx, "broken", due, due.Add(time.Minute), NewJob("default", "report", 0, due), due)
	require.NoError(t, err)
	assert.False(t, won)

	jobs, err := s.List(ctx, job.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
