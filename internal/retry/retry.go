// Package retry provides the job retry policy (exponential backoff with
// jitter) and a generic retry helper for infrastructure calls.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aatumaykin/nexq/internal/job"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 1 * time.Hour
	defaultJitter       = 0.1
)

// Config represents retry configuration.
type Config struct {
	MaxAttempts    int           // Default max attempts for jobs that do not set one (default: 3)
	InitialBackoff time.Duration // Delay before the second attempt (default: 1s)
	MaxBackoff     time.Duration // Ceiling for any single delay (default: 1h)
	Jitter         float64       // Fraction of the delay added at random (default: 0.1)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Policy decides what happens to a job after a failed attempt. It is pure
// apart from the jitter source.
type Policy struct {
	cfg    Config
	random func() float64 // returns [0,1)
}

// NewPolicy builds a policy from cfg. A zero Jitter in cfg means the 10% default;
// use WithRandom to make jitter deterministic.
func NewPolicy(cfg Config) *Policy {
	if cfg.Jitter == 0 {
		cfg.Jitter = defaultJitter
	}
	return &Policy{cfg: cfg.withDefaults(), random: rand.Float64}
}

// WithRandom replaces the jitter source.
func (p *Policy) WithRandom(fn func() float64) *Policy {
	p.random = fn
	return p
}

// DefaultMaxAttempts is applied to jobs enqueued without an explicit budget.
func (p *Policy) DefaultMaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Decide maps a failed attempt onto Retry(delay) or Terminal.
// attempt is the 1-based number of the attempt that just failed.
func (p *Policy) Decide(attempt, maxAttempts int, initial time.Duration, kind job.FailureKind) job.NextAction {
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if !kind.Retryable() || attempt >= maxAttempts {
		return job.Terminal()
	}
	if initial <= 0 {
		initial = p.cfg.InitialBackoff
	}
	return job.Retry(p.Backoff(attempt, initial))
}

// Backoff returns initial * 2^(attempt-1) plus jitter in [0, delay*Jitter],
// capped at MaxBackoff.
func (p *Policy) Backoff(attempt int, initial time.Duration) time.Duration {
	delay := calculateBackoff(attempt-1, initial, p.cfg.MaxBackoff)
	if p.cfg.Jitter > 0 && p.random != nil {
		delay += time.Duration(float64(delay) * p.cfg.Jitter * p.random())
	}
	if delay > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return delay
}

// calculateBackoff returns 2^exp * initial, capped at max.
func calculateBackoff(exp int, initial, max time.Duration) time.Duration {
	if exp < 0 {
		exp = 0
	}
	// Stop doubling before the shift overflows.
	if exp > 62 {
		return max
	}
	backoff := initial
	for i := 0; i < exp; i++ {
		backoff *= 2
		if backoff > max || backoff <= 0 {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// Do calls fn until it succeeds, retryable reports false, the attempts run
// out or ctx is cancelled. retryable may be nil, in which case every error
// is retried.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}
