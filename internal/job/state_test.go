package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_SuccessPath(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	j := &Job{ID: "j1", Status: StatusPending, MaxAttempts: 3}

	require.NoError(t, j.Claim("tok", t0))
	assert.Equal(t, StatusActive, j.Status)
	assert.Equal(t, t0, *j.StartedAt)

	rec, err := j.Complete("tok", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, 1, rec.Number)
	assert.Equal(t, OutcomeSucceeded, rec.Outcome)
	assert.Equal(t, t0.Add(time.Second), *j.CompletedAt)
	assert.Empty(t, j.ClaimToken)
}

func TestStateMachine_StartedAtSetOnce(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	j := &Job{ID: "j1", Status: StatusPending, MaxAttempts: 3}

	require.NoError(t, j.Claim("a", t0))
	_, err := j.Fail("a", Attempt{Error: "boom"}, Retry(time.Second), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, j.Status)
	assert.Nil(t, j.CompletedAt)

	// Not yet eligible.
	assert.Error(t, j.Claim("b", t0.Add(1500*time.Millisecond)))

	require.NoError(t, j.Claim("b", t0.Add(2*time.Second)))
	assert.Equal(t, t0, *j.StartedAt)
	assert.Equal(t, t0.Add(2*time.Second), *j.ClaimedAt)
}

func TestStateMachine_LeaseChecks(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "j1", Status: StatusPending}
	require.NoError(t, j.Claim("owner", now))

	_, err := j.Complete("intruder", now)
	assert.ErrorIs(t, err, ErrLeaseLost)

	_, err = j.Fail("intruder", Attempt{}, Terminal(), now)
	assert.ErrorIs(t, err, ErrLeaseLost)

	_, err = j.Complete("owner", now)
	require.NoError(t, err)

	// A second completion with the same token is rejected.
	_, err = j.Complete("owner", now)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestStateMachine_TerminalFailureAndRequeue(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "j1", Status: StatusPending, MaxAttempts: 1}
	require.NoError(t, j.Claim("t", now))

	rec, err := j.Fail("t", Attempt{Kind: KindPermanent, Error: "bad payload"}, Terminal(), now)
	require.NoError(t, err)
	assert.Equal(t, KindPermanent, rec.Kind)
	assert.Equal(t, StatusFailed, j.Status)
	assert.NotNil(t, j.CompletedAt)
	assert.Equal(t, "bad payload", j.LastError)

	require.NoError(t, j.Requeue(RetryOptions{}, now))
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, 2, j.MaxAttempts)
	assert.Nil(t, j.CompletedAt)

	assert.ErrorIs(t, j.Requeue(RetryOptions{}, now), ErrInvalidTransition)
}

func TestStateMachine_PromoteAndStale(t *testing.T) {
	now := time.Now()
	j := &Job{Status: StatusDelayed, DelayUntil: TimePtr(now.Add(time.Minute))}
	assert.False(t, j.Promote(now))
	assert.True(t, j.Promote(now.Add(time.Minute)))
	assert.Equal(t, StatusPending, j.Status)

	active := &Job{Status: StatusActive, ClaimedAt: TimePtr(now), Timeout: 10 * time.Second}
	assert.False(t, active.Stale(0, 5*time.Second, now.Add(15*time.Second)))
	assert.True(t, active.Stale(0, 5*time.Second, now.Add(16*time.Second)))
	assert.False(t, active.Stale(time.Hour, 5*time.Second, now.Add(15*time.Second)), "own timeout wins over fallback")

	untimed := &Job{Status: StatusActive, ClaimedAt: TimePtr(now)}
	assert.False(t, untimed.Stale(0, 0, now.Add(DefaultTimeout)))
	assert.True(t, untimed.Stale(0, 0, now.Add(DefaultTimeout+time.Second)))
	assert.True(t, untimed.Stale(2*time.Second, time.Second, now.Add(4*time.Second)))
	assert.False(t, untimed.Stale(10*time.Minute, time.Second, now.Add(2*time.Minute)))
}
