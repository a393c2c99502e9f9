// Package workers runs jobs: a Pool owns a fixed number of slots for one
// queue, each slot claiming jobs from the store, executing the registered
// handler under the job timeout and recording the outcome.
package workers

import (
	"time"

	"github.com/aatumaykin/nexq/internal/job"
)

// Config describes one queue's pool.
type Config struct {
	Queue           string
	Concurrency     int           // number of slots (default: 5)
	Types           []string      // restrict claims to these job types; empty claims any type
	DefaultTimeout  time.Duration // used when a job has no timeout (default: 30s)
	PollInterval    time.Duration // first idle wait (default: 500ms)
	MaxPollInterval time.Duration // idle backoff ceiling (default: 5s)
	WriteTimeout    time.Duration // bound on recording an outcome (default: 10s)
}

// Constants for worker pool configuration
const (
	DefaultConcurrency     = 5
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxPollInterval = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = job.DefaultQueue
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = job.DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(DefaultMaxPollInterval, c.PollInterval)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// PoolMetrics tracks execution counters for the pool.
type PoolMetrics struct {
	Claimed       uint64
	Completed     uint64
	Failed        uint64 // attempts that failed, retried or not
	Retried       uint64 // failed attempts scheduled for another try
	LeaseLost     uint64
	TotalDuration time.Duration
}

// Recorder receives execution events, typically for Prometheus export.
type Recorder interface {
	JobClaimed(queue, typ string)
	JobCompleted(queue, typ string, d time.Duration)
	JobFailed(queue, typ string, kind job.FailureKind, retried bool, d time.Duration)
	SlotBusy(queue string, delta int)
}

type nopRecorder struct{}

func (nopRecorder) JobClaimed(string, string) {}
func (nopRecorder) JobCompleted(string, string, time.Duration) {}
func (nopRecorder) JobFailed(string, string, job.FailureKind, bool, time.Duration) {}
func (nopRecorder) SlotBusy(string, int) {}
