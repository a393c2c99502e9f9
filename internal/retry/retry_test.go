package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/job"
)

func noJitter() float64  { return 0 }
func maxJitter() float64 { return 0.999999 }

func TestPolicy_DecideExponential(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Hour}).WithRandom(noJitter)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 1 * time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
	}

	for _, tt := range tests {
		action := p.Decide(tt.attempt, 5, 0, job.KindTransient)
		assert.Equal(t, job.ActionRetry, action.Action, "attempt %d", tt.attempt)
		assert.Equal(t, tt.want, action.Delay, "attempt %d", tt.attempt)
	}
}

func TestPolicy_TerminalAtMaxAttempts(t *testing.T) {
	p := NewPolicy(Config{}).WithRandom(noJitter)

	assert.Equal(t, job.ActionRetry, p.Decide(1, 3, time.Second, job.KindTransient).Action)
	assert.Equal(t, job.ActionRetry, p.Decide(2, 3, time.Second, job.KindTransient).Action)
	assert.Equal(t, job.ActionTerminal, p.Decide(3, 3, time.Second, job.KindTransient).Action)
	assert.Equal(t, job.ActionTerminal, p.Decide(4, 3, time.Second, job.KindTransient).Action)
}

func TestPolicy_NonRetryableKinds(t *testing.T) {
	p := NewPolicy(Config{})

	assert.Equal(t, job.ActionTerminal, p.Decide(1, 10, 0, job.KindPermanent).Action)
	assert.Equal(t, job.ActionTerminal, p.Decide(1, 10, 0, job.KindHandlerNotFound).Action)
	assert.Equal(t, job.ActionRetry, p.Decide(1, 10, 0, job.KindTimeout).Action)
	assert.Equal(t, job.ActionRetry, p.Decide(1, 10, 0, job.KindPanic).Action)
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := NewPolicy(Config{InitialBackoff: 1000 * time.Millisecond}).WithRandom(maxJitter)

	delay := p.Backoff(1, 1000*time.Millisecond)
	assert.GreaterOrEqual(t, delay, 1000*time.Millisecond)
	assert.LessOrEqual(t, delay, 1100*time.Millisecond)

	// Real random source stays within [delay, delay*1.1].
	p = NewPolicy(Config{})
	for i := 0; i < 100; i++ {
		d := p.Backoff(3, time.Second)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
	}
}

func TestPolicy_Ceiling(t *testing.T) {
	p := NewPolicy(Config{MaxBackoff: 10 * time.Second}).WithRandom(maxJitter)

	assert.Equal(t, 10*time.Second, p.Backoff(10, time.Second))
	assert.Equal(t, 10*time.Second, p.Backoff(200, time.Second))
}

func TestPolicy_DefaultMaxAttempts(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 7})
	assert.Equal(t, 7, p.DefaultMaxAttempts())
	assert.Equal(t, job.ActionRetry, p.Decide(6, 0, 0, job.KindTransient).Action)
	assert.Equal(t, job.ActionTerminal, p.Decide(7, 0, 0, job.KindTransient).Action)
}

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, nil, func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Do(context.Background(), cfg, nil, func() error { return cause })
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "all 3 attempts failed")
	})

	t.Run("non retryable stops immediately", func(t *testing.T) {
		calls := 0
		permanent := errors.New("bad dsn")
		err := Do(context.Background(), cfg, func(err error) bool { return !errors.Is(err, permanent) }, func() error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := Config{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
		err := Do(ctx, slow, nil, func() error { return errors.New("down") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
