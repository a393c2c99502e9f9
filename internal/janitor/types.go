package janitor

import (
	"time"

	"github.com/aatumaykin/nexq/internal/job"
)

// Stats holds the outcome of one janitor run.
type Stats struct {
	Promoted  int           // delayed jobs moved back to pending
	Abandoned int           // stale active jobs failed with kind abandoned
	Purged    int           // terminal jobs deleted by retention
	Duration  time.Duration // time taken for the run
}

// Config holds janitor settings.
type Config struct {
	Interval  time.Duration // time between runs (default: 5s)
	Grace     time.Duration // extra time past a job timeout before its claim is abandoned (default: 1m)
	Retention time.Duration // age of terminal jobs before purge (0 = keep forever)

	// Timeouts are the per-queue defaults workers apply to jobs stored
	// without a timeout. Queues not listed use DefaultTimeout.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration // default: 30s
}

// Defaults.
const (
	DefaultInterval = 5 * time.Second
	DefaultGrace    = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = job.DefaultTimeout
	}
	return c
}

// queueTimeout is the timeout a worker of queue applies to untimed jobs.
func (c Config) queueTimeout(queue string) time.Duration {
	if d, ok := c.Timeouts[queue]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// minTimeout is the shortest untimed-job timeout across all queues.
func (c Config) minTimeout() time.Duration {
	least := c.DefaultTimeout
	for _, d := range c.Timeouts {
		if d > 0 && d < least {
			least = d
		}
	}
	return least
}

// Recorder receives janitor results for metrics.
type Recorder interface {
	JanitorRun(s Stats)
}

type nopRecorder struct{}

func (nopRecorder) JanitorRun(Stats) {}
