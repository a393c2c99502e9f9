// Package postgres implements store.Store on PostgreSQL through pgxpool.
// Claims use FOR UPDATE SKIP LOCKED so any number of worker processes can
// share the same tables.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Options tunes the pool.
type Options struct {
	MaxConns int32
	MinConns int32
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, job.Unavailable("open postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, job.Unavailable("open postgres", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("postgres migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for tests and health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const jobColumns = `id, type, queue, priority, payload, status, attempts, max_attempts, backoff_ns,
	delay_until, timeout_ns, progress, last_error, schedule_name, claim_token, claimed_at,
	created_at, started_at, completed_at, updated_at`

// ts normalizes a timestamp to what TIMESTAMPTZ can hold.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                job.Job
		status           string
		backoff, timeout int64
		payload          []byte
	)
	err := row.Scan(&j.ID, &j.Type, &j.Queue, &j.Priority, &payload, &status, &j.Attempts,
		&j.MaxAttempts, &backoff, &j.DelayUntil, &timeout, &j.Progress, &j.LastError,
		&j.ScheduleName, &j.ClaimToken, &j.ClaimedAt, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		j.Payload = payload
	}
	j.Status = job.Status(status)
	j.Backoff = time.Duration(backoff)
	j.Timeout = time.Duration(timeout)
	j.DelayUntil = utcPtr(j.DelayUntil)
	j.ClaimedAt = utcPtr(j.ClaimedAt)
	j.StartedAt = utcPtr(j.StartedAt)
	j.CompletedAt = utcPtr(j.CompletedAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrap maps driver errors onto the job error sentinels.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return job.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", op, job.ErrInvalidJob, err)
	default:
		return job.Unavailable(op, err)
	}
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func insertJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		j.ID, j.Type, j.Queue, j.Priority, []byte(j.Payload), string(j.Status), j.Attempts,
		j.MaxAttempts, int64(j.Backoff), tsPtr(j.DelayUntil), int64(j.Timeout), j.Progress,
		j.LastError, j.ScheduleName, j.ClaimToken, tsPtr(j.ClaimedAt), ts(j.CreatedAt),
		tsPtr(j.StartedAt), tsPtr(j.CompletedAt), ts(j.UpdatedAt))
	return err
}

func saveJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET status = $1, attempts = $2, max_attempts = $3,
		delay_until = $4, progress = $5, last_error = $6, claim_token = $7, claimed_at = $8,
		started_at = $9, completed_at = $10, updated_at = $11 WHERE id = $12`,
		string(j.Status), j.Attempts, j.MaxAttempts, tsPtr(j.DelayUntil), j.Progress, j.LastError,
		j.ClaimToken, tsPtr(j.ClaimedAt), tsPtr(j.StartedAt), tsPtr(j.CompletedAt), ts(j.UpdatedAt), j.ID)
	return err
}

// lockJob loads the row and holds its lock until the transaction ends.
func lockJob(ctx context.Context, tx pgx.Tx, id string) (*job.Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func insertAttempt(ctx context.Context, tx pgx.Tx, a job.Attempt) error {
	_, err := tx.Exec(ctx, `INSERT INTO attempts (job_id, number, outcome, kind, error, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.JobID, a.Number, string(a.Outcome), string(a.Kind), a.Error, ts(a.StartedAt), ts(a.FinishedAt))
	return err
}

func (s *Store) Create(ctx context.Context, j *job.Job) (string, error) {
	err := s.withTx(ctx, "create job", func(tx pgx.Tx) error {
		return wrap("create job", insertJob(ctx, tx, j))
	})
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Store) ClaimNext(ctx context.Context, queue string, types []string, now time.Time) (*job.Job, error) {
	if types == nil {
		types = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT seq FROM jobs
			WHERE queue = $1
			AND (status = 'pending' OR (status = 'delayed' AND delay_until <= $2))
			AND (cardinality($3::text[]) = 0 OR type = ANY($3::text[]))
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			status = 'active', claim_token = $4, claimed_at = $2,
			started_at = COALESCE(jobs.started_at, $2), delay_until = NULL, progress = 0, updated_at = $2
		FROM next
		WHERE jobs.seq = next.seq
		RETURNING `+qualified("jobs", jobColumns),
		queue, ts(now), types, uuid.NewString())

	j, err := scanJob(row)
	if err != nil {
		return nil, wrap("claim next", err)
	}
	return j, nil
}

func qualified(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) MarkCompleted(ctx context.Context, id, token string, res job.Result, now time.Time) error {
	return s.withTx(ctx, "mark completed", func(tx pgx.Tx) error {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return wrap("mark completed", err)
		}
		rec, err := j.Complete(token, now)
		if err != nil {
			return err
		}
		if err := saveJob(ctx, tx, j); err != nil {
			return wrap("mark completed", err)
		}
		if err := insertAttempt(ctx, tx, rec); err != nil {
			return wrap("mark completed", err)
		}
		if res.CreatedAt.IsZero() {
			res.CreatedAt = now
		}
		// Results are written once; a second insert fails on the primary key.
		_, err = tx.Exec(ctx, `INSERT INTO results (job_id, output, duration_ns, created_at) VALUES ($1,$2,$3,$4)`,
			id, []byte(res.Output), int64(res.Duration), ts(res.CreatedAt))
		return wrap("mark completed", err)
	})
}

func (s *Store) MarkFailed(ctx context.Context, id, token string, attempt job.Attempt, next job.NextAction, now time.Time) error {
	return s.withTx(ctx, "mark failed", func(tx pgx.Tx) error {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return wrap("mark failed", err)
		}
		rec, err := j.Fail(token, attempt, next, now)
		if err != nil {
			return err
		}
		if err := saveJob(ctx, tx, j); err != nil {
			return wrap("mark failed", err)
		}
		return wrap("mark failed", insertAttempt(ctx, tx, rec))
	})
}

func (s *Store) UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET progress = $1, updated_at = $2
		WHERE id = $3 AND status = 'active' AND claim_token = $4 AND claim_token <> ''`,
		store.ClampProgress(progress), ts(now), id, token)
	if err != nil {
		return wrap("update progress", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return job.ErrLeaseLost
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get job", err)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Queue != "" {
		add("queue = $%d", f.Queue)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Schedule != "" {
		add("schedule_name = $%d", f.Schedule)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, j)
	}
	return out, wrap(op, rows.Err())
}

func (s *Store) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT job_id, number, outcome, kind, error, started_at, finished_at
		FROM attempts WHERE job_id = $1 ORDER BY number`, id)
	if err != nil {
		return nil, wrap("attempts", err)
	}
	defer rows.Close()

	out := make([]job.Attempt, 0)
	for rows.Next() {
		var (
			a             job.Attempt
			outcome, kind string
		)
		if err := rows.Scan(&a.JobID, &a.Number, &outcome, &kind, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, wrap("attempts", err)
		}
		a.Outcome = job.Outcome(outcome)
		a.Kind = job.FailureKind(kind)
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		out = append(out, a)
	}
	return out, wrap("attempts", rows.Err())
}

func (s *Store) Result(ctx context.Context, id string) (*job.Result, error) {
	var (
		res      job.Result
		output   []byte
		duration int64
	)
	err := s.pool.QueryRow(ctx, `SELECT job_id, output, duration_ns, created_at FROM results WHERE job_id = $1`, id).
		Scan(&res.JobID, &output, &duration, &res.CreatedAt)
	if err != nil {
		return nil, wrap("result", err)
	}
	if len(output) > 0 {
		res.Output = output
	}
	res.Duration = time.Duration(duration)
	res.CreatedAt = res.CreatedAt.UTC()
	return &res, nil
}

func (s *Store) Retry(ctx context.Context, id string, opts job.RetryOptions, now time.Time) error {
	return s.withTx(ctx, "retry job", func(tx pgx.Tx) error {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return wrap("retry job", err)
		}
		if err := j.Requeue(opts, now); err != nil {
			return err
		}
		return wrap("retry job", saveJob(ctx, tx, j))
	})
}

func (s *Store) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'pending', delay_until = NULL, updated_at = $1
		WHERE status = 'delayed' AND (delay_until IS NULL OR delay_until <= $1)`, ts(now))
	if err != nil {
		return 0, wrap("promote delayed", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) StaleActive(ctx context.Context, fallback, grace time.Duration, now time.Time) ([]*job.Job, error) {
	if fallback <= 0 {
		fallback = job.DefaultTimeout
	}
	return s.queryJobs(ctx, "stale active", `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'active' AND claimed_at IS NOT NULL
		AND claimed_at + make_interval(secs => ((CASE WHEN timeout_ns > 0 THEN timeout_ns ELSE $1::bigint END + $2::bigint) / 1e9)::float8) < $3
		ORDER BY claimed_at`,
		int64(fallback), int64(grace), ts(now))
}

func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, "purge", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM jobs WHERE status IN ('completed', 'failed')
			AND completed_at IS NOT NULL AND completed_at < $1 RETURNING id`, ts(cutoff))
		if err != nil {
			return wrap("purge", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return wrap("purge", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM attempts WHERE job_id = ANY($1)`, ids); err != nil {
			return wrap("purge", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM results WHERE job_id = ANY($1)`, ids); err != nil {
			return wrap("purge", err)
		}
		n = int64(len(ids))
		return nil
	})
	return int(n), err
}

func (s *Store) Stats(ctx context.Context, now time.Time) (job.Stats, error) {
	b := job.NewStatsBuilder()

	rows, err := s.pool.Query(ctx, `SELECT queue, type, status, COUNT(*) FROM jobs GROUP BY queue, type, status`)
	if err != nil {
		return job.Stats{}, wrap("stats", err)
	}
	for rows.Next() {
		var (
			queue, typ, status string
			n                  int64
		)
		if err := rows.Scan(&queue, &typ, &status, &n); err != nil {
			rows.Close()
			return job.Stats{}, wrap("stats", err)
		}
		b.AddJob(queue, typ, job.Status(status), int(n))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return job.Stats{}, wrap("stats", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT j.type, COUNT(*), COALESCE(SUM(r.duration_ns), 0)::bigint
		FROM results r JOIN jobs j ON j.id = r.job_id GROUP BY j.type`)
	if err != nil {
		return job.Stats{}, wrap("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ      string
			n, total int64
		)
		if err := rows.Scan(&typ, &n, &total); err != nil {
			return job.Stats{}, wrap("stats", err)
		}
		b.AddDuration(typ, int(n), time.Duration(total))
	}
	if err := rows.Err(); err != nil {
		return job.Stats{}, wrap("stats", err)
	}
	return b.Build(now), nil
}
