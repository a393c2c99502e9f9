package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexq/internal/job"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("email", func(ctx context.Context, t *Task) (json.RawMessage, error) {
		return json.RawMessage(`"sent"`), nil
	}))

	h, err := r.Get("email")
	require.NoError(t, err)
	out, err := h.Handle(context.Background(), &Task{Type: "email"})
	require.NoError(t, err)
	assert.Equal(t, `"sent"`, string(out))

	_, err = r.Get("sms")
	var notFound *job.HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "sms", notFound.Type)
	assert.Equal(t, job.KindHandlerNotFound, job.Classify(err))
}

func TestRegistry_RejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("email", nil))
	assert.ErrorIs(t, r.RegisterFunc("  ", func(context.Context, *Task) (json.RawMessage, error) { return nil, nil }), job.ErrInvalidJob)
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, *Task) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))
	assert.Equal(t, []string{"a", "b"}, r.Types())
}

func TestTask_Decode(t *testing.T) {
	task := NewTask(context.Background(), &job.Job{ID: "1", Type: "email", Attempts: 2, Payload: json.RawMessage(`{"to":"a@b.c"}`)}, nil)
	assert.Equal(t, 3, task.Attempt)

	var p struct {
		To string `json:"to"`
	}
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, "a@b.c", p.To)

	task.Payload = json.RawMessage(`{broken`)
	err := task.Decode(&p)
	assert.Equal(t, job.KindPermanent, job.Classify(err))
}

func TestTask_ReportProgress(t *testing.T) {
	var got []int
	task := NewTask(context.Background(), &job.Job{ID: "1"}, func(ctx context.Context, pct int) error {
		got = append(got, pct)
		return nil
	})
	require.NoError(t, task.ReportProgress(10))
	require.NoError(t, task.ReportProgress(90))
	assert.Equal(t, []int{10, 90}, got)

	failing := NewTask(context.Background(), &job.Job{ID: "1"}, func(context.Context, int) error {
		return job.ErrLeaseLost
	})
	assert.True(t, errors.Is(failing.ReportProgress(50), job.ErrLeaseLost))

	// No sink configured.
	assert.NoError(t, NewTask(context.Background(), &job.Job{}, nil).ReportProgress(5))
}
