// Package handlers defines the contract between the worker pool and the
// code that actually performs jobs.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aatumaykin/nexq/internal/job"
)

// Handler performs jobs of one type.
// Returning an error wrapped with job.Permanent skips remaining retries.
type Handler interface {
	Handle(ctx context.Context, t *Task) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, t *Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, t *Task) (json.RawMessage, error) {
	return f(ctx, t)
}

// ProgressFunc persists a progress value for the running attempt.
type ProgressFunc func(ctx context.Context, pct int) error

// Task is the handler's view of a claimed job.
type Task struct {
	ID       string
	Type     string
	Queue    string
	Attempt  int // 1-based number of the running attempt
	Schedule string
	Payload  json.RawMessage

	ctx      context.Context
	progress ProgressFunc
}

// NewTask builds the task for a claimed job. progress may be nil.
func NewTask(ctx context.Context, j *job.Job, progress ProgressFunc) *Task {
	return &Task{
		ID:       j.ID,
		Type:     j.Type,
		Queue:    j.Queue,
		Attempt:  j.Attempts + 1,
		Schedule: j.ScheduleName,
		Payload:  j.Payload,
		ctx:      ctx,
		progress: progress,
	}
}

// Decode unmarshals the payload into v. A malformed payload will never
// decode on a later attempt either, so the error is permanent.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return job.Permanent(fmt.Errorf("decode %s payload: %w", t.Type, err))
	}
	return nil
}

// ReportProgress records pct (clamped to 0..100). It never changes the job status.
func (t *Task) ReportProgress(pct int) error {
	if t.progress == nil {
		return nil
	}
	return t.progress(t.ctx, pct)
}

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to typ, replacing any previous binding.
func (r *Registry) Register(typ string, h Handler) error {
	if h == nil {
		return fmt.Errorf("cannot register nil handler for %q", typ)
	}
	name, err := job.NormalizeName("type", typ)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(typ string, fn func(ctx context.Context, t *Task) (json.RawMessage, error)) error {
	return r.Register(typ, HandlerFunc(fn))
}

// Get returns the handler for typ or a *job.HandlerNotFoundError.
func (r *Registry) Get(typ string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[typ]
	if !ok {
		return nil, &job.HandlerNotFoundError{Type: typ}
	}
	return h, nil
}

// Types lists the registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
