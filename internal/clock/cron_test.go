package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/job"
)

func TestEvaluator_Next(t *testing.T) {
	e := NewEvaluator()
	from := time.Date(2026, 5, 10, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{name: "every minute", expr: "* * * * *", want: time.Date(2026, 5, 10, 12, 1, 0, 0, time.UTC)},
		{name: "with seconds", expr: "*/10 * * * * *", want: time.Date(2026, 5, 10, 12, 0, 40, 0, time.UTC)},
		{name: "hourly descriptor", expr: "@hourly", want: time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)},
		{name: "daily at 2am", expr: "0 2 * * *", want: time.Date(2026, 5, 11, 2, 0, 0, 0, time.UTC)},
		{name: "every 90s", expr: "@every 90s", want: from.Add(90 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Next(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_NextIsStrictlyAfter(t *testing.T) {
	e := NewEvaluator()
	boundary := time.Date(2026, 5, 10, 12, 5, 0, 0, time.UTC)

	got, err := e.Next("* * * * *", boundary)
	require.NoError(t, err)
	assert.Equal(t, boundary.Add(time.Minute), got)
}

func TestEvaluator_InvalidExpression(t *testing.T) {
	e := NewEvaluator()

	err := e.Validate("not a cron")
	var parseErr *job.ScheduleParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "not a cron", parseErr.Expression)

	_, err = e.Next("61 * * * *", time.Now())
	assert.Error(t, err)

	assert.NoError(t, e.Validate("CRON_TZ=Europe/Berlin 0 9 * * 1-5"))
}

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())

	f.Set(start)
	assert.Equal(t, start, f.Now())
}
