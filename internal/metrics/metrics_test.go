package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/janitor"
	"github.com/aatumaykin/nexq/internal/job"
)

func TestPrometheusMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitPrometheusMetrics("", reg)

	m.JobClaimed("default", "email")
	m.JobClaimed("default", "email")
	m.JobCompleted("default", "email", 150*time.Millisecond)
	m.JobFailed("default", "email", job.KindTimeout, true, time.Second)
	m.SlotBusy("default", 1)
	m.SlotBusy("default", 1)
	m.SlotBusy("default", -1)
	m.ScheduleFired("nightly")
	m.ScheduleRaceLost("nightly")
	m.JanitorRun(janitor.Stats{Promoted: 2, Abandoned: 1, Purged: 5})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsClaimed.WithLabelValues("default", "email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsCompleted.WithLabelValues("default", "email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues("default", "email", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsRetried.WithLabelValues("default", "email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slotsBusy.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schedulesFired.WithLabelValues("nightly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduleRaceLost.WithLabelValues("nightly")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.janitorJobs.WithLabelValues("purged")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.jobDuration))
}

func TestInitPrometheusMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitPrometheusMetrics("nexq", reg)
	assert.Panics(t, func() { InitPrometheusMetrics("nexq", reg) })
}

type fakeStats struct {
	stats job.Stats
	err   error
}

func (f fakeStats) Stats(context.Context, time.Time) (job.Stats, error) {
	return f.stats, f.err
}

func TestStatsCollector(t *testing.T) {
	src := fakeStats{stats: job.Stats{
		ByQueue: []job.Count{
			{Key: "default", Status: job.StatusPending, Count: 4},
			{Key: "default", Status: job.StatusFailed, Count: 1},
		},
		Durations: []job.DurationStat{{Type: "email", Count: 2, Average: 1500 * time.Millisecond}},
	}}
	c := NewStatsCollector("nexq", src, time.Second)

	expected := `
# HELP nexq_jobs Jobs by queue and status
# TYPE nexq_jobs gauge
nexq_jobs{queue="default",status="failed"} 1
nexq_jobs{queue="default",status="pending"} 4
# HELP nexq_job_average_duration_seconds Average duration of completed jobs by type
# TYPE nexq_job_average_duration_seconds gauge
nexq_job_average_duration_seconds{type="email"} 1.5
# HELP nexq_store_up Whether the last stats query succeeded
# TYPE nexq_store_up gauge
nexq_store_up 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestStatsCollector_StoreDown(t *testing.T) {
	c := NewStatsCollector("nexq", fakeStats{err: errors.New("down")}, time.Second)

	expected := `
# HELP nexq_store_up Whether the last stats query succeeded
# TYPE nexq_store_up gauge
nexq_store_up 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "nexq_store_up"))
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}
