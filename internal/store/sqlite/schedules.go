package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aatumaykin/nexq/internal/job"
)

const scheduleColumns = `name, type, queue, cron, payload, priority, max_attempts, timeout_ns,
	enabled, invalid, invalid_reason, last_run_at, next_run_at, created_at, updated_at`

func scanSchedule(row scanner) (*job.Schedule, error) {
	var (
		sc                        job.Schedule
		payload                   []byte
		timeout                   int64
		lastRun                   sql.NullInt64
		nextRun, created, updated int64
	)
	err := row.Scan(&sc.Name, &sc.Type, &sc.Queue, &sc.Cron, &payload, &sc.Priority, &sc.MaxAttempts,
		&timeout, &sc.Enabled, &sc.Invalid, &sc.InvalidReason, &lastRun, &nextRun, &created, &updated)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		sc.Payload = payload
	}
	sc.Timeout = time.Duration(timeout)
	sc.LastRunAt = fromNull(lastRun)
	sc.NextRunAt = fromNanos(nextRun)
	sc.CreatedAt = fromNanos(created)
	sc.UpdatedAt = fromNanos(updated)
	return &sc, nil
}

func scheduleArgs(sc *job.Schedule) []any {
	return []any{sc.Name, sc.Type, sc.Queue, sc.Cron, []byte(sc.Payload), sc.Priority, sc.MaxAttempts,
		int64(sc.Timeout), sc.Enabled, sc.Invalid, sc.InvalidReason, toNull(sc.LastRunAt),
		toNanos(sc.NextRunAt), toNanos(sc.CreatedAt), toNanos(sc.UpdatedAt)}
}

func (s *Store) CreateSchedule(ctx context.Context, sc *job.Schedule) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, scheduleArgs(sc)...)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", job.ErrScheduleExists, sc.Name)
	}
	return wrap("create schedule", err)
}

func (s *Store) UpsertSchedule(ctx context.Context, sc *job.Schedule) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type, queue = excluded.queue, cron = excluded.cron,
			payload = excluded.payload, priority = excluded.priority,
			max_attempts = excluded.max_attempts, timeout_ns = excluded.timeout_ns,
			enabled = excluded.enabled, invalid = excluded.invalid,
			invalid_reason = excluded.invalid_reason, next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`, scheduleArgs(sc)...)
	return wrap("upsert schedule", err)
}

func (s *Store) GetSchedule(ctx context.Context, name string) (*job.Schedule, error) {
	sc, err := scanSchedule(s.rdb.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name))
	if err != nil {
		return nil, wrap("get schedule", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, dueOnly bool, now time.Time) ([]*job.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if dueOnly {
		query += ` WHERE enabled = 1 AND invalid = 0 AND next_run_at <= ?`
		args = append(args, toNanos(now))
	}
	query += ` ORDER BY name`

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list schedules", err)
	}
	defer rows.Close()

	out := make([]*job.Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, wrap("list schedules", err)
		}
		out = append(out, sc)
	}
	return out, wrap("list schedules", rows.Err())
}

func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool, nextRun, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if enabled {
		res, err = s.db.ExecContext(ctx, `UPDATE schedules SET enabled = 1, next_run_at = ?, updated_at = ? WHERE name = ?`,
			toNanos(nextRun), toNanos(now), name)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE schedules SET enabled = 0, updated_at = ? WHERE name = ?`,
			toNanos(now), name)
	}
	return affectedOne("set schedule enabled", res, err)
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?`, name)
	return affectedOne("delete schedule", res, err)
}

func (s *Store) MarkScheduleInvalid(ctx context.Context, name, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET invalid = 1, invalid_reason = ?, updated_at = ? WHERE name = ?`,
		reason, toNanos(now), name)
	return affectedOne("mark schedule invalid", res, err)
}

func (s *Store) FireSchedule(ctx context.Context, name string, expected, next time.Time, j *job.Job, now time.Time) (bool, error) {
	won := false
	err := s.withTx(ctx, "fire schedule", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schedules SET next_run_at = ?, last_run_at = ?, updated_at = ?
			WHERE name = ? AND next_run_at = ? AND enabled = 1 AND invalid = 0`,
			toNanos(next), toNanos(now), toNanos(now), name, toNanos(expected))
		if err != nil {
			return wrap("fire schedule", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE name = ?`, name).Scan(&one)
			return wrap("fire schedule", err)
		}
		if err := insertJob(ctx, tx, j); err != nil {
			return wrap("fire schedule", err)
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return nil
}
