package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/clock"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/notify"
	"github.com/aatumaykin/nexq/internal/store"
	"github.com/aatumaykin/nexq/internal/store/memory"
	"github.com/aatumaykin/nexq/internal/store/sqlite"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type countingRecorder struct {
	mu    sync.Mutex
	fired int
	lost  int
}

func (r *countingRecorder) ScheduleFired(string) {
	r.mu.Lock()
	r.fired++
	r.mu.Unlock()
}

func (r *countingRecorder) ScheduleRaceLost(string) {
	r.mu.Lock()
	r.lost++
	r.mu.Unlock()
}

func everyMinute(name string) *job.Schedule {
	return &job.Schedule{
		Name:      name,
		Type:      "report",
		Queue:     job.DefaultQueue,
		Cron:      "* * * * *",
		Payload:   []byte(`{"kind":"daily"}`),
		Priority:  3,
		Enabled:   true,
		NextRunAt: base.Add(time.Minute),
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func scheduledJobs(t *testing.T, st store.JobStore, name string) []*job.Job {
	t.Helper()
	jobs, err := st.List(context.Background(), job.Filter{Schedule: name, Limit: 1000})
	require.NoError(t, err)
	return jobs
}

func TestTick_FiresDueSchedule(t *testing.T) {
	st := memory.New()
	clk := clock.NewFake(base)
	rec := &countingRecorder{}
	n := notify.NewLocal()
	defer n.Close()
	wake, unsubscribe := n.Subscribe(job.DefaultQueue)
	defer unsubscribe()

	require.NoError(t, st.CreateSchedule(context.Background(), everyMinute("reports")))
	s := New(Config{}, Deps{Store: st, Clock: clk, Notifier: n, Recorder: rec})

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired, "not due yet")

	clk.Advance(time.Minute)
	fired, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	jobs := scheduledJobs(t, st, "reports")
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, "report", j.Type)
	assert.Equal(t, 3, j.Priority)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.JSONEq(t, `{"kind":"daily"}`, string(j.Payload))

	sc, err := st.GetSchedule(context.Background(), "reports")
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), sc.NextRunAt)
	require.NotNil(t, sc.LastRunAt)
	assert.Equal(t, base.Add(time.Minute), *sc.LastRunAt)

	assert.Equal(t, 1, rec.fired)
	select {
	case <-wake:
	default:
		t.Fatal("expected a wake-up for the job queue")
	}
}

func TestTick_CatchUpCollapsesMissedTriggers(t *testing.T) {
	st := memory.New()
	clk := clock.NewFake(base)
	require.NoError(t, st.CreateSchedule(context.Background(), everyMinute("reports")))
	s := New(Config{}, Deps{Store: st, Clock: clk})

	// Nothing ran for five minutes.
	clk.Advance(5*time.Minute + 30*time.Second)
	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	assert.Len(t, scheduledJobs(t, st, "reports"), 1)
	sc, err := st.GetSchedule(context.Background(), "reports")
	require.NoError(t, err)
	assert.Equal(t, base.Add(6*time.Minute), sc.NextRunAt)
}

func TestTick_InvalidCronMarkedOnce(t *testing.T) {
	st := memory.New()
	clk := clock.NewFake(base.Add(time.Hour))
	sc := everyMinute("broken")
	sc.Cron = "61 * * * *"
	require.NoError(t, st.CreateSchedule(context.Background(), sc))
	s := New(Config{}, Deps{Store: st, Clock: clk})

	for range 3 {
		fired, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, fired)
		clk.Advance(time.Minute)
	}

	got, err := st.GetSchedule(context.Background(), "broken")
	require.NoError(t, err)
	assert.True(t, got.Invalid)
	assert.NotEmpty(t, got.InvalidReason)
	assert.Empty(t, scheduledJobs(t, st, "broken"))
}

func TestTick_DisabledScheduleIsSkipped(t *testing.T) {
	st := memory.New()
	clk := clock.NewFake(base.Add(time.Hour))
	sc := everyMinute("paused")
	sc.Enabled = false
	require.NoError(t, st.CreateSchedule(context.Background(), sc))
	s := New(Config{}, Deps{Store: st, Clock: clk})

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, scheduledJobs(t, st, "paused"))
}

func TestTick_TwoSchedulersNeverDoubleFire(t *testing.T) {
	tests := []struct {
		name  string
		store func(t *testing.T) (a, b store.Store)
	}{
		{
			name: "memory",
			store: func(t *testing.T) (store.Store, store.Store) {
				st := memory.New()
				return st, st
			},
		},
		{
			name: "sqlite two handles",
			store: func(t *testing.T) (store.Store, store.Store) {
				path := filepath.Join(t.TempDir(), "nexq.db")
				a, err := sqlite.Open(context.Background(), path, sqlite.Options{})
				require.NoError(t, err)
				b, err := sqlite.Open(context.Background(), path, sqlite.Options{})
				require.NoError(t, err)
				t.Cleanup(func() {
					_ = a.Close()
					_ = b.Close()
				})
				return a, b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := tt.store(t)
			clk := clock.NewFake(base)
			require.NoError(t, a.CreateSchedule(context.Background(), everyMinute("reports")))

			rec := &countingRecorder{}
			schedulers := []*Scheduler{
				New(Config{}, Deps{Store: a, Clock: clk, Recorder: rec}),
				New(Config{}, Deps{Store: b, Clock: clk, Recorder: rec}),
			}

			const minutes = 10
			for range minutes {
				clk.Advance(time.Minute)
				var wg sync.WaitGroup
				for _, s := range schedulers {
					for range 3 {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := s.Tick(context.Background())
							assert.NoError(t, err)
						}()
					}
				}
				wg.Wait()
			}

			jobs := scheduledJobs(t, a, "reports")
			assert.Len(t, jobs, minutes)
			assert.Equal(t, minutes, rec.fired)
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	st := memory.New()
	sc := everyMinute("reports")
	sc.NextRunAt = time.Now().UTC().Add(-time.Second)
	require.NoError(t, st.CreateSchedule(context.Background(), sc))

	s := New(Config{PollInterval: 10 * time.Millisecond}, Deps{Store: st})
	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "second start")

	require.Eventually(t, func() bool {
		return len(scheduledJobs(t, st, "reports")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
