package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Eligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{name: "pending", job: Job{Status: StatusPending}, want: true},
		{name: "delayed future", job: Job{Status: StatusDelayed, DelayUntil: TimePtr(now.Add(time.Second))}, want: false},
		{name: "delayed exactly now", job: Job{Status: StatusDelayed, DelayUntil: TimePtr(now)}, want: true},
		{name: "delayed past", job: Job{Status: StatusDelayed, DelayUntil: TimePtr(now.Add(-time.Minute))}, want: true},
		{name: "active", job: Job{Status: StatusActive}, want: false},
		{name: "completed", job: Job{Status: StatusCompleted}, want: false},
		{name: "failed", job: Job{Status: StatusFailed}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Eligible(now))
		})
	}
}

func TestInitialStatus(t *testing.T) {
	now := time.Now()
	assert.Equal(t, StatusPending, InitialStatus(nil, now))
	assert.Equal(t, StatusPending, InitialStatus(TimePtr(now.Add(-time.Second)), now))
	assert.Equal(t, StatusDelayed, InitialStatus(TimePtr(now.Add(time.Second)), now))
}

func TestStatus_TerminalAndParse(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusDelayed.Terminal())

	st, err := ParseStatus("active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)

	_, err = ParseStatus("dead")
	assert.Error(t, err)
}

func TestJob_CloneIsDeep(t *testing.T) {
	orig := &Job{ID: "a", Payload: []byte(`{"x":1}`), StartedAt: TimePtr(time.Unix(10, 0))}
	c := orig.Clone()
	c.Payload[2] = 'y'
	*c.StartedAt = time.Unix(20, 0)

	assert.Equal(t, `{"x":1}`, string(orig.Payload))
	assert.Equal(t, time.Unix(10, 0), *orig.StartedAt)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "plain", err: errors.New("connection reset"), want: KindTransient},
		{name: "permanent", err: Permanent(errors.New("bad payload")), want: KindPermanent},
		{name: "wrapped permanent", err: fmt.Errorf("decode: %w", Permanent(errors.New("bad"))), want: KindPermanent},
		{name: "handler not found", err: &HandlerNotFoundError{Type: "email"}, want: KindHandlerNotFound},
		{name: "panic", err: &PanicError{Value: "boom"}, want: KindPanic},
		{name: "timeout", err: ErrTimeout, want: KindTimeout},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "nil", err: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.False(t, KindPermanent.Retryable())
	assert.False(t, KindHandlerNotFound.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindAbandoned.Retryable())
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Unavailable("claim next", cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestNormalizeName(t *testing.T) {
	// "é" composed vs decomposed.
	composed, err := NormalizeName("queue", " café ")
	require.NoError(t, err)
	decomposed, err := NormalizeName("queue", "café")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)

	_, err = NormalizeName("queue", "   ")
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = NormalizeName("type", "send email")
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestFilter(t *testing.T) {
	f := Filter{Limit: -1, Offset: -5}.Normalize()
	assert.Equal(t, DefaultListLimit, f.Limit)
	assert.Zero(t, f.Offset)

	j := &Job{Queue: "mail", Type: "send", Status: StatusFailed}
	assert.True(t, Filter{Queue: "mail", Status: StatusFailed}.Matches(j))
	assert.False(t, Filter{Type: "other"}.Matches(j))
}

func TestStatsBuilder(t *testing.T) {
	b := NewStatsBuilder()
	b.AddJob("default", "email", StatusPending, 2)
	b.AddJob("default", "email", StatusCompleted, 1)
	b.AddJob("reports", "pdf", StatusPending, 1)
	b.AddDuration("email", 2, 3*time.Second)

	st := b.Build(time.Unix(0, 0))
	assert.Equal(t, 2, st.QueueCount("default", StatusPending))
	assert.Equal(t, 1, st.TypeCount("pdf", StatusPending))
	assert.Equal(t, 0, st.QueueCount("reports", StatusFailed))
	require.Len(t, st.Durations, 1)
	assert.Equal(t, 1500*time.Millisecond, st.Durations[0].Average)
}

func TestSchedule_DueAndNewJob(t *testing.T) {
	now := time.Now()
	s := &Schedule{Name: "nightly", Type: "report", Queue: "default", Enabled: true, NextRunAt: now, MaxAttempts: 2}
	assert.True(t, s.Due(now))

	s.Invalid = true
	assert.False(t, s.Due(now))

	j := s.NewJob("id-1", now)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, "nightly", j.ScheduleName)
	assert.Equal(t, 2, j.MaxAttempts)
}

func TestRetryOptions_Apply(t *testing.T) {
	j := &Job{Attempts: 3, MaxAttempts: 3}
	RetryOptions{}.Apply(j)
	assert.Equal(t, 4, j.MaxAttempts)

	j = &Job{Attempts: 3, MaxAttempts: 3}
	RetryOptions{Budget: 3}.Apply(j)
	assert.Equal(t, 6, j.MaxAttempts)

	// A permanent failure on attempt 1 of 5 still has budget left.
	j = &Job{Attempts: 1, MaxAttempts: 5}
	RetryOptions{Budget: 1}.Apply(j)
	assert.Equal(t, 5, j.MaxAttempts)
}
