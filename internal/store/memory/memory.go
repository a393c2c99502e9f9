// Package memory provides an in-process Store used by tests and by
// single-process deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/store"
)

type entry struct {
	job      *job.Job
	seq      uint64
	attempts []job.Attempt
	result   *job.Result
}

// Store keeps everything in maps guarded by a single mutex, which makes
// ClaimNext and FireSchedule trivially linearizable.
type Store struct {
	mu        sync.RWMutex
	seq       uint64
	jobs      map[string]*entry
	schedules map[string]*job.Schedule
	closed    bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:      make(map[string]*entry),
		schedules: make(map[string]*job.Schedule),
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return job.Unavailable(op, fmt.Errorf("store closed"))
	}
	return nil
}

func (s *Store) Create(ctx context.Context, j *job.Job) (string, error) {
	if j.ID == "" {
		return "", fmt.Errorf("%w: missing id", job.ErrInvalidJob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("create job"); err != nil {
		return "", err
	}
	if _, exists := s.jobs[j.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %s", job.ErrInvalidJob, j.ID)
	}
	s.insertLocked(j)
	return j.ID, nil
}

func (s *Store) insertLocked(j *job.Job) {
	s.seq++
	s.jobs[j.ID] = &entry{job: j.Clone(), seq: s.seq}
}

func (s *Store) ClaimNext(ctx context.Context, queue string, types []string, now time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("claim next"); err != nil {
		return nil, err
	}

	var best *entry
	for _, e := range s.jobs {
		if e.job.Queue != queue || !e.job.Eligible(now) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, e.job.Type) {
			continue
		}
		if best == nil || before(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, job.ErrNotFound
	}
	if err := best.job.Claim(uuid.NewString(), now); err != nil {
		return nil, err
	}
	return best.job.Clone(), nil
}

// before orders by priority descending, then creation time, then insertion.
func before(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *Store) MarkCompleted(ctx context.Context, id, token string, res job.Result, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("mark completed"); err != nil {
		return err
	}
	e, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if e.result != nil {
		return fmt.Errorf("mark completed: %w: result of job %s already recorded", job.ErrInvalidJob, id)
	}
	rec, err := e.job.Complete(token, now)
	if err != nil {
		return err
	}
	e.attempts = append(e.attempts, rec)
	res.JobID = id
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.Output = append([]byte(nil), res.Output...)
	e.result = &res
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, token string, attempt job.Attempt, next job.NextAction, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("mark failed"); err != nil {
		return err
	}
	e, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	rec, err := e.job.Fail(token, attempt, next, now)
	if err != nil {
		return err
	}
	e.attempts = append(e.attempts, rec)
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("update progress"); err != nil {
		return err
	}
	e, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if err := e.job.CheckLease(token); err != nil {
		return err
	}
	e.job.Progress = store.ClampProgress(progress)
	e.job.UpdatedAt = now
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("get job"); err != nil {
		return nil, err
	}
	e, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return e.job.Clone(), nil
}

func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list jobs"); err != nil {
		return nil, err
	}

	matched := make([]*entry, 0)
	for _, e := range s.jobs {
		if f.Matches(e.job) {
			matched = append(matched, e)
		}
	}
	// Newest first.
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	if f.Offset >= len(matched) {
		return []*job.Job{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]*job.Job, len(matched))
	for i, e := range matched {
		out[i] = e.job.Clone()
	}
	return out, nil
}

func (s *Store) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return slices.Clone(e.attempts), nil
}

func (s *Store) Result(ctx context.Context, id string) (*job.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok || e.result == nil {
		return nil, job.ErrNotFound
	}
	res := *e.result
	res.Output = append([]byte(nil), e.result.Output...)
	return &res, nil
}

func (s *Store) Retry(ctx context.Context, id string, opts job.RetryOptions, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retry job"); err != nil {
		return err
	}
	e, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	return e.job.Requeue(opts, now)
}

func (s *Store) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("promote delayed"); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range s.jobs {
		if e.job.Promote(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) StaleActive(ctx context.Context, fallback, grace time.Duration, now time.Time) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("stale active"); err != nil {
		return nil, err
	}
	var out []*job.Job
	for _, e := range s.jobs {
		if e.job.Stale(fallback, grace, now) {
			out = append(out, e.job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	return out, nil
}

func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("purge"); err != nil {
		return 0, err
	}
	n := 0
	for id, e := range s.jobs {
		if e.job.Status.Terminal() && e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (job.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("stats"); err != nil {
		return job.Stats{}, err
	}
	b := job.NewStatsBuilder()
	for _, e := range s.jobs {
		b.AddJob(e.job.Queue, e.job.Type, e.job.Status, 1)
		if e.result != nil {
			b.AddDuration(e.job.Type, 1, e.result.Duration)
		}
	}
	return b.Build(now), nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *job.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("create schedule"); err != nil {
		return err
	}
	if _, exists := s.schedules[sc.Name]; exists {
		return fmt.Errorf("%w: %s", job.ErrScheduleExists, sc.Name)
	}
	s.schedules[sc.Name] = sc.Clone()
	return nil
}

func (s *Store) UpsertSchedule(ctx context.Context, sc *job.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("upsert schedule"); err != nil {
		return err
	}
	c := sc.Clone()
	if prev, ok := s.schedules[sc.Name]; ok {
		c.CreatedAt = prev.CreatedAt
		c.LastRunAt = prev.LastRunAt
	}
	s.schedules[sc.Name] = c
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, name string) (*job.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[name]
	if !ok {
		return nil, job.ErrNotFound
	}
	return sc.Clone(), nil
}

func (s *Store) ListSchedules(ctx context.Context, dueOnly bool, now time.Time) ([]*job.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list schedules"); err != nil {
		return nil, err
	}
	out := make([]*job.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		if dueOnly && !sc.Due(now) {
			continue
		}
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool, nextRun, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[name]
	if !ok {
		return job.ErrNotFound
	}
	sc.Enabled = enabled
	if enabled {
		sc.NextRunAt = nextRun
	}
	sc.UpdatedAt = now
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[name]; !ok {
		return job.ErrNotFound
	}
	delete(s.schedules, name)
	return nil
}

func (s *Store) FireSchedule(ctx context.Context, name string, expected, next time.Time, j *job.Job, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("fire schedule"); err != nil {
		return false, err
	}
	sc, ok := s.schedules[name]
	if !ok {
		return false, job.ErrNotFound
	}
	if !sc.Enabled || sc.Invalid || !sc.NextRunAt.Equal(expected) {
		return false, nil
	}
	if _, exists := s.jobs[j.ID]; exists {
		return false, fmt.Errorf("%w: duplicate id %s", job.ErrInvalidJob, j.ID)
	}
	sc.NextRunAt = next
	sc.LastRunAt = job.TimePtr(now)
	sc.UpdatedAt = now
	s.insertLocked(j)
	return true, nil
}

func (s *Store) MarkScheduleInvalid(ctx context.Context, name, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[name]
	if !ok {
		return job.ErrNotFound
	}
	sc.Invalid = true
	sc.InvalidReason = reason
	sc.UpdatedAt = now
	return nil
}
