package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/handlers"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/retry"
	"github.com/aatumaykin/nexq/internal/store"
	"github.com/aatumaykin/nexq/internal/store/memory"
)

type fixture struct {
	store    *memory.Store
	registry *handlers.Registry
	notifier *notify.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		registry: handlers.NewRegistry(),
		notifier: notify.NewLocal(),
	}
	t.Cleanup(func() {
		_ = f.notifier.Close()
		_ = f.store.Close()
	})
	return f
}

func (f *fixture) pool(cfg Config) *Pool {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
		cfg.MaxPollInterval = 20 * time.Millisecond
	}
	return NewPool(cfg, Deps{
		Store:    f.store,
		Registry: f.registry,
		Policy:   retry.NewPolicy(retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Jitter: -1}),
		Notifier: f.notifier,
	})
}

func (f *fixture) enqueue(t *testing.T, typ string, priority, maxAttempts int, timeout time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	j := &job.Job{
		ID:          uuid.NewString(),
		Type:        typ,
		Queue:       job.DefaultQueue,
		Priority:    priority,
		Status:      job.StatusPending,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := f.store.Create(context.Background(), j)
	require.NoError(t, err)
	return j.ID
}

func (f *fixture) waitStatus(t *testing.T, id string, want job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func (f *fixture) attempts(t *testing.T, id string) []job.Attempt {
	t.Helper()
	a, err := f.store.Attempts(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestPool_CompletesJob(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("echo", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	}))
	id := f.enqueue(t, "echo", 0, 3, time.Second)

	p := f.pool(Config{Concurrency: 2})
	p.Start()
	defer p.Stop()

	got := f.waitStatus(t, id, job.StatusCompleted)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 100, got.Progress)

	res, err := f.store.Result(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(res.Output))

	require.Eventually(t, func() bool { return p.Metrics().Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), p.Metrics().Claimed)
}

func TestPool_RetriesUntilBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.registry.RegisterFunc("flaky", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	}))
	id := f.enqueue(t, "flaky", 0, 3, time.Second)

	p := f.pool(Config{Concurrency: 1})
	p.Start()
	defer p.Stop()

	got := f.waitStatus(t, id, job.StatusFailed)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "upstream unavailable", got.LastError)
	assert.Equal(t, int32(3), calls.Load())

	attempts := f.attempts(t, id)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, job.KindTransient, a.Kind)
	}
}

func TestPool_EventualSuccessAfterRetries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("third-time", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		if task.Attempt < 3 {
			return nil, errors.New("not yet")
		}
		return nil, nil
	}))
	id := f.enqueue(t, "third-time", 0, 3, time.Second)

	p := f.pool(Config{Concurrency: 1})
	p.Start()
	defer p.Stop()

	got := f.waitStatus(t, id, job.StatusCompleted)
	assert.Equal(t, 3, got.Attempts)

	attempts := f.attempts(t, id)
	require.Len(t, attempts, 3)
	assert.Equal(t, job.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, job.OutcomeFailed, attempts[1].Outcome)
	assert.Equal(t, job.OutcomeSucceeded, attempts[2].Outcome)
}

func TestPool_TerminalFailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		register bool
		handler  handlers.HandlerFunc
		timeout  time.Duration
		want     job.FailureKind
		attempts int
	}{
		{
			name:     "permanent",
			register: true,
			handler: func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
				return nil, job.Permanent(errors.New("bad payload"))
			},
			want:     job.KindPermanent,
			attempts: 1,
		},
		{
			name:     "handler not found",
			register: false,
			want:     job.KindHandlerNotFound,
			attempts: 1,
		},
		{
			name:     "panic",
			register: true,
			handler: func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
				panic("boom")
			},
			want:     job.KindPanic,
			attempts: 2,
		},
		{
			name:     "timeout ignoring cancellation",
			register: true,
			timeout:  20 * time.Millisecond,
			handler: func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
				time.Sleep(300 * time.Millisecond)
				return nil, nil
			},
			want:     job.KindTimeout,
			attempts: 2,
		},
		{
			name:     "timeout honoring cancellation",
			register: true,
			timeout:  20 * time.Millisecond,
			handler: func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			want:     job.KindTimeout,
			attempts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.register {
				require.NoError(t, f.registry.Register("subject", tt.handler))
			}
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}
			id := f.enqueue(t, "subject", 0, 2, timeout)

			p := f.pool(Config{Concurrency: 1})
			p.Start()
			defer p.Stop()

			got := f.waitStatus(t, id, job.StatusFailed)
			assert.Equal(t, tt.attempts, got.Attempts)
			attempts := f.attempts(t, id)
			require.Len(t, attempts, tt.attempts)
			assert.Equal(t, tt.want, attempts[len(attempts)-1].Kind)
		})
	}
}

func TestPool_PriorityOrderWithSingleSlot(t *testing.T) {
	f := newFixture(t)
	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, f.registry.RegisterFunc("record", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	}))
	low := f.enqueue(t, "record", 1, 1, time.Second)
	time.Sleep(time.Millisecond)
	high := f.enqueue(t, "record", 10, 1, time.Second)

	p := f.pool(Config{Concurrency: 1})
	p.Start()
	defer p.Stop()

	f.waitStatus(t, low, job.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{high, low}, order)
}

func TestPool_StopWaitsForInFlightJob(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.RegisterFunc("slow", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}))
	id := f.enqueue(t, "slow", 0, 1, 5*time.Second)

	p := f.pool(Config{Concurrency: 1})
	p.Start()
	<-started
	assert.Equal(t, 1, p.Busy())
	p.Stop()

	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 0, p.Busy())

	// Nothing is claimed after Stop.
	other := f.enqueue(t, "slow", 0, 1, time.Second)
	time.Sleep(30 * time.Millisecond)
	got, err = f.store.Get(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestPool_ProgressIsWrittenThrough(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	require.NoError(t, f.registry.RegisterFunc("progress", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		if err := task.ReportProgress(40); err != nil {
			return nil, err
		}
		<-release
		return nil, nil
	}))
	id := f.enqueue(t, "progress", 0, 1, 5*time.Second)

	p := f.pool(Config{Concurrency: 1})
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		j, err := f.store.Get(context.Background(), id)
		return err == nil && j.Status == job.StatusActive && j.Progress == 40
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	f.waitStatus(t, id, job.StatusCompleted)
}

func TestPool_NotifierWakesIdleSlot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("quick", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		return nil, nil
	}))

	p := f.pool(Config{Concurrency: 1, PollInterval: time.Minute, MaxPollInterval: time.Minute})
	p.Start()
	defer p.Stop()

	// Let the slot find the queue empty and go idle.
	time.Sleep(20 * time.Millisecond)
	id := f.enqueue(t, "quick", 0, 1, time.Second)
	require.NoError(t, f.notifier.Notify(context.Background(), job.DefaultQueue))

	f.waitStatus(t, id, job.StatusCompleted)
}

func TestPool_TwoPoolsNeverRunAJobTwice(t *testing.T) {
	f := newFixture(t)
	var (
		mu   sync.Mutex
		runs = make(map[string]int)
	)
	require.NoError(t, f.registry.RegisterFunc("count", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		mu.Lock()
		runs[task.ID]++
		mu.Unlock()
		return nil, nil
	}))
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = f.enqueue(t, "count", i%4, 1, time.Second)
	}

	a := f.pool(Config{Concurrency: 3})
	b := f.pool(Config{Concurrency: 3})
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	for _, id := range ids {
		f.waitStatus(t, id, job.StatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, len(ids))
	for id, n := range runs {
		assert.Equal(t, 1, n, "job %s ran %d times", id, n)
	}
}

func TestPool_TypeFilter(t *testing.T) {
	f := newFixture(t)
	noop := handlers.HandlerFunc(func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, f.registry.Register("mine", noop))
	require.NoError(t, f.registry.Register("theirs", noop))
	mine := f.enqueue(t, "mine", 0, 1, time.Second)
	theirs := f.enqueue(t, "theirs", 5, 1, time.Second)

	p := f.pool(Config{Concurrency: 1, Types: []string{"mine"}})
	p.Start()
	defer p.Stop()

	f.waitStatus(t, mine, job.StatusCompleted)
	got, err := f.store.Get(context.Background(), theirs)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
}

// flakyStore fails the first fails claims as if the database were down.
type flakyStore struct {
	store.JobStore

	mu    sync.Mutex
	fails int
	calls []time.Time
}

func (s *flakyStore) ClaimNext(ctx context.Context, queue string, types []string, now time.Time) (*job.Job, error) {
	s.mu.Lock()
	s.calls = append(s.calls, time.Now())
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, job.Unavailable("claim job", errors.New("database is locked"))
	}
	s.mu.Unlock()
	return s.JobStore.ClaimNext(ctx, queue, types, now)
}

func (s *flakyStore) claimTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

func TestPool_BacksOffWhileStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("quick", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		return nil, nil
	}))
	first := f.enqueue(t, "quick", 0, 1, time.Second)

	fs := &flakyStore{JobStore: f.store, fails: 4}
	p := NewPool(Config{Concurrency: 1, PollInterval: 20 * time.Millisecond, MaxPollInterval: 80 * time.Millisecond}, Deps{
		Store:    fs,
		Registry: f.registry,
	})
	p.Start()
	defer p.Stop()

	f.waitStatus(t, first, job.StatusCompleted)

	calls := fs.claimTimes()
	require.GreaterOrEqual(t, len(calls), 5)
	want := []time.Duration{20, 40, 80, 80}
	for i, w := range want {
		gap := calls[i+1].Sub(calls[i])
		assert.GreaterOrEqual(t, gap, w*time.Millisecond, "wait before claim %d", i+2)
	}

	// The slot is still alive after the outage.
	second := f.enqueue(t, "quick", 0, 1, time.Second)
	f.waitStatus(t, second, job.StatusCompleted)
}

// panickingRecorder panics on the first claim it sees.
type panickingRecorder struct {
	nopRecorder
	once sync.Once
}

func (r *panickingRecorder) JobClaimed(queue, typ string) {
	r.once.Do(func() { panic("recorder exploded") })
}

func TestPool_SlotSurvivesPanicOutsideHandler(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	require.NoError(t, f.registry.RegisterFunc("quick", func(ctx context.Context, task *handlers.Task) (json.RawMessage, error) {
		runs.Add(1)
		return nil, nil
	}))
	lost := f.enqueue(t, "quick", 5, 1, time.Second)
	next := f.enqueue(t, "quick", 0, 1, time.Second)

	p := NewPool(Config{Concurrency: 1, PollInterval: 5 * time.Millisecond, MaxPollInterval: 20 * time.Millisecond}, Deps{
		Store:    f.store,
		Registry: f.registry,
		Recorder: &panickingRecorder{},
	})
	p.Start()
	defer p.Stop()

	f.waitStatus(t, next, job.StatusCompleted)
	assert.Equal(t, int32(1), runs.Load())

	// The claim hit by the panic stays active for the janitor to reap.
	got, err := f.store.Get(context.Background(), lost)
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, got.Status)
	require.Eventually(t, func() bool { return p.Busy() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPool_RunReturnsOnCancel(t *testing.T) {
	f := newFixture(t)
	p := f.pool(Config{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, job.DefaultQueue, c.Queue)
	assert.Equal(t, DefaultConcurrency, c.Concurrency)
	assert.Equal(t, job.DefaultTimeout, c.DefaultTimeout)
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultMaxPollInterval, c.MaxPollInterval)
}
