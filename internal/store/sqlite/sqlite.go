// Package sqlite implements store.Store on a single SQLite database file.
//
// Timestamps are stored as unix nanoseconds. Writers use BEGIN IMMEDIATE so
// several processes may share one file; the claim is a single
// UPDATE ... RETURNING statement and is atomic on its own. Reads run on a
// separate query-only pool so that, under WAL, they neither wait for nor
// hold up the writer connection.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite backed store.Store.
type Store struct {
	db  *sql.DB // single writer connection
	rdb *sql.DB // query-only readers
}

var _ store.Store = (*Store)(nil)

// Options tunes the connections.
type Options struct {
	BusyTimeout time.Duration
	ReadConns   int // reader pool size (default: 4)
}

// DefaultReadConns is the reader pool size when Options.ReadConns is unset.
const DefaultReadConns = 4

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" || path == ":memory:" {
		return nil, fmt.Errorf("sqlite store needs a file path, got %q", path)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = DefaultReadConns
	}
	busy := fmt.Sprint(opts.BusyTimeout.Milliseconds())

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", busy)
	q.Set("_txlock", "immediate")
	q.Set("_synchronous", "NORMAL")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, job.Unavailable("open sqlite", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, job.Unavailable("open sqlite", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// One writer connection per process; cross-process exclusion comes from
	// the immediate transactions and the busy timeout.
	db.SetMaxOpenConns(1)

	// The journal mode is persistent, so readers open after the writer has
	// switched the file to WAL.
	rq := url.Values{}
	rq.Set("_busy_timeout", busy)
	rq.Set("_query_only", "1")
	rdb, err := sql.Open("sqlite3", "file:"+path+"?"+rq.Encode())
	if err != nil {
		_ = db.Close()
		return nil, job.Unavailable("open sqlite readers", err)
	}
	if err := rdb.PingContext(ctx); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, job.Unavailable("open sqlite readers", err)
	}
	rdb.SetMaxOpenConns(opts.ReadConns)
	rdb.SetMaxIdleConns(opts.ReadConns)

	return &Store{db: db, rdb: rdb}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return errors.Join(s.rdb.Close(), s.db.Close())
}

const jobColumns = `id, type, queue, priority, payload, status, attempts, max_attempts, backoff_ns,
	delay_until, timeout_ns, progress, last_error, schedule_name, claim_token, claimed_at,
	created_at, started_at, completed_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                                          job.Job
		status                                     string
		backoff, timeout                           int64
		delayUntil, claimedAt, startedAt, complete sql.NullInt64
		created, updated                           int64
		payload                                    []byte
	)
	err := row.Scan(&j.ID, &j.Type, &j.Queue, &j.Priority, &payload, &status, &j.Attempts,
		&j.MaxAttempts, &backoff, &delayUntil, &timeout, &j.Progress, &j.LastError,
		&j.ScheduleName, &j.ClaimToken, &claimedAt, &created, &startedAt, &complete, &updated)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		j.Payload = payload
	}
	j.Status = job.Status(status)
	j.Backoff = time.Duration(backoff)
	j.Timeout = time.Duration(timeout)
	j.DelayUntil = fromNull(delayUntil)
	j.ClaimedAt = fromNull(claimedAt)
	j.StartedAt = fromNull(startedAt)
	j.CompletedAt = fromNull(complete)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return &j, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// wrap maps driver errors onto the job error sentinels.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return job.ErrNotFound
	case isConstraint(err):
		return fmt.Errorf("%s: %w: %v", op, job.ErrInvalidJob, err)
	default:
		return job.Unavailable(op, err)
	}
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, j *job.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Type, j.Queue, j.Priority, []byte(j.Payload), string(j.Status), j.Attempts,
		j.MaxAttempts, int64(j.Backoff), toNull(j.DelayUntil), int64(j.Timeout), j.Progress,
		j.LastError, j.ScheduleName, j.ClaimToken, toNull(j.ClaimedAt), toNanos(j.CreatedAt),
		toNull(j.StartedAt), toNull(j.CompletedAt), toNanos(j.UpdatedAt))
	return err
}

// saveJob writes back the fields the state machine mutates.
func saveJob(ctx context.Context, tx *sql.Tx, j *job.Job) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = ?, max_attempts = ?,
		delay_until = ?, progress = ?, last_error = ?, claim_token = ?, claimed_at = ?,
		started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(j.Status), j.Attempts, j.MaxAttempts, toNull(j.DelayUntil), j.Progress, j.LastError,
		j.ClaimToken, toNull(j.ClaimedAt), toNull(j.StartedAt), toNull(j.CompletedAt),
		toNanos(j.UpdatedAt), j.ID)
	return err
}

func loadJob(ctx context.Context, tx *sql.Tx, id string) (*job.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a job.Attempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attempts (job_id, number, outcome, kind, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.JobID, a.Number, string(a.Outcome), string(a.Kind), a.Error, toNanos(a.StartedAt), toNanos(a.FinishedAt))
	return err
}

func (s *Store) Create(ctx context.Context, j *job.Job) (string, error) {
	err := s.withTx(ctx, "create job", func(tx *sql.Tx) error {
		return wrap("create job", insertJob(ctx, tx, j))
	})
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Store) ClaimNext(ctx context.Context, queue string, types []string, now time.Time) (*job.Job, error) {
	args := []any{uuid.NewString(), toNanos(now), toNanos(now), toNanos(now), queue, toNanos(now)}
	typeClause := ""
	if len(types) > 0 {
		typeClause = " AND type IN (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, t)
		}
	}

	row := s.db.QueryRowContext(ctx, `UPDATE jobs SET
			status = 'active', claim_token = ?, claimed_at = ?,
			started_at = COALESCE(started_at, ?), delay_until = NULL, progress = 0, updated_at = ?
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE queue = ? AND (status = 'pending' OR (status = 'delayed' AND delay_until <= ?))`+typeClause+`
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)

	j, err := scanJob(row)
	if err != nil {
		return nil, wrap("claim next", err)
	}
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) MarkCompleted(ctx context.Context, id, token string, res job.Result, now time.Time) error {
	return s.withTx(ctx, "mark completed", func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, id)
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
		_, err = tx.ExecContext(ctx, `INSERT INTO results (job_id, output, duration_ns, created_at) VALUES (?,?,?,?)`,
			id, []byte(res.Output), int64(res.Duration), toNanos(res.CreatedAt))
		return wrap("mark completed", err)
	})
}

func (s *Store) MarkFailed(ctx context.Context, id, token string, attempt job.Attempt, next job.NextAction, now time.Time) error {
	return s.withTx(ctx, "mark failed", func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, id)
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
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND claim_token = ? AND claim_token != ''`,
		store.ClampProgress(progress), toNanos(now), id, token)
	if err != nil {
		return wrap("update progress", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return job.ErrLeaseLost
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.rdb.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
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
	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Schedule != "" {
		where = append(where, "schedule_name = ?")
		args = append(args, f.Schedule)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.rdb.QueryContext(ctx, query, args...)
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
	rows, err := s.rdb.QueryContext(ctx, `SELECT job_id, number, outcome, kind, error, started_at, finished_at
		FROM attempts WHERE job_id = ? ORDER BY number`, id)
	if err != nil {
		return nil, wrap("attempts", err)
	}
	defer rows.Close()

	out := make([]job.Attempt, 0)
	for rows.Next() {
		var (
			a                 job.Attempt
			outcome, kind     string
			started, finished int64
		)
		if err := rows.Scan(&a.JobID, &a.Number, &outcome, &kind, &a.Error, &started, &finished); err != nil {
			return nil, wrap("attempts", err)
		}
		a.Outcome = job.Outcome(outcome)
		a.Kind = job.FailureKind(kind)
		a.StartedAt = fromNanos(started)
		a.FinishedAt = fromNanos(finished)
		out = append(out, a)
	}
	return out, wrap("attempts", rows.Err())
}

func (s *Store) Result(ctx context.Context, id string) (*job.Result, error) {
	var (
		res      job.Result
		output   []byte
		duration int64
		created  int64
	)
	err := s.rdb.QueryRowContext(ctx, `SELECT job_id, output, duration_ns, created_at FROM results WHERE job_id = ?`, id).
		Scan(&res.JobID, &output, &duration, &created)
	if err != nil {
		return nil, wrap("result", err)
	}
	if len(output) > 0 {
		res.Output = output
	}
	res.Duration = time.Duration(duration)
	res.CreatedAt = fromNanos(created)
	return &res, nil
}

func (s *Store) Retry(ctx context.Context, id string, opts job.RetryOptions, now time.Time) error {
	return s.withTx(ctx, "retry job", func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, id)
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
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', delay_until = NULL, updated_at = ?
		WHERE status = 'delayed' AND (delay_until IS NULL OR delay_until <= ?)`, toNanos(now), toNanos(now))
	if err != nil {
		return 0, wrap("promote delayed", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("promote delayed", err)
}

func (s *Store) StaleActive(ctx context.Context, fallback, grace time.Duration, now time.Time) ([]*job.Job, error) {
	if fallback <= 0 {
		fallback = job.DefaultTimeout
	}
	return s.queryJobs(ctx, "stale active", `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'active' AND claimed_at IS NOT NULL
		AND claimed_at + (CASE WHEN timeout_ns > 0 THEN timeout_ns ELSE ? END) + ? < ?
		ORDER BY claimed_at`,
		int64(fallback), int64(grace), toNanos(now))
}

func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, "purge", func(tx *sql.Tx) error {
		const victims = `SELECT id FROM jobs WHERE status IN ('completed', 'failed')
			AND completed_at IS NOT NULL AND completed_at < ?`
		if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE job_id IN (`+victims+`)`, toNanos(cutoff)); err != nil {
			return wrap("purge", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE job_id IN (`+victims+`)`, toNanos(cutoff)); err != nil {
			return wrap("purge", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+victims+`)`, toNanos(cutoff))
		if err != nil {
			return wrap("purge", err)
		}
		n, err = res.RowsAffected()
		return wrap("purge", err)
	})
	return int(n), err
}

func (s *Store) Stats(ctx context.Context, now time.Time) (job.Stats, error) {
	b := job.NewStatsBuilder()

	rows, err := s.rdb.QueryContext(ctx, `SELECT queue, type, status, COUNT(*) FROM jobs GROUP BY queue, type, status`)
	if err != nil {
		return job.Stats{}, wrap("stats", err)
	}
	for rows.Next() {
		var (
			queue, typ, status string
			n                  int
		)
		if err := rows.Scan(&queue, &typ, &status, &n); err != nil {
			rows.Close()
			return job.Stats{}, wrap("stats", err)
		}
		b.AddJob(queue, typ, job.Status(status), n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return job.Stats{}, wrap("stats", err)
	}

	rows, err = s.rdb.QueryContext(ctx, `SELECT j.type, COUNT(*), SUM(r.duration_ns)
		FROM results r JOIN jobs j ON j.id = r.job_id GROUP BY j.type`)
	if err != nil {
		return job.Stats{}, wrap("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ   string
			n     int
			total int64
		)
		if err := rows.Scan(&typ, &n, &total); err != nil {
			return job.Stats{}, wrap("stats", err)
		}
		b.AddDuration(typ, n, time.Duration(total))
	}
	if err := rows.Err(); err != nil {
		return job.Stats{}, wrap("stats", err)
	}
	return b.Build(now), nil
}
