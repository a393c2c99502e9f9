package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aatumaykin/nexq/internal/job"
)

const scheduleColumns = `name, type, queue, cron, payload, priority, max_attempts, timeout_ns,
	enabled, invalid, invalid_reason, last_run_at, next_run_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*job.Schedule, error) {
	var (
		sc      job.Schedule
		payload []byte
		timeout int64
	)
	err := row.Scan(&sc.Name, &sc.Type, &sc.Queue, &sc.Cron, &payload, &sc.Priority, &sc.MaxAttempts,
		&timeout, &sc.Enabled, &sc.Invalid, &sc.InvalidReason, &sc.LastRunAt, &sc.NextRunAt,
		&sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		sc.Payload = payload
	}
	sc.Timeout = time.Duration(timeout)
	sc.LastRunAt = utcPtr(sc.LastRunAt)
	sc.NextRunAt = sc.NextRunAt.UTC()
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return &sc, nil
}

func scheduleArgs(sc *job.Schedule) []any {
	return []any{sc.Name, sc.Type, sc.Queue, sc.Cron, []byte(sc.Payload), sc.Priority, sc.MaxAttempts,
		int64(sc.Timeout), sc.Enabled, sc.Invalid, sc.InvalidReason, tsPtr(sc.LastRunAt),
		ts(sc.NextRunAt), ts(sc.CreatedAt), ts(sc.UpdatedAt)}
}

func (s *Store) CreateSchedule(ctx context.Context, sc *job.Schedule) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, scheduleArgs(sc)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", job.ErrScheduleExists, sc.Name)
	}
	return wrap("create schedule", err)
}

func (s *Store) UpsertSchedule(ctx context.Context, sc *job.Schedule) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type, queue = EXCLUDED.queue, cron = EXCLUDED.cron,
			payload = EXCLUDED.payload, priority = EXCLUDED.priority,
			max_attempts = EXCLUDED.max_attempts, timeout_ns = EXCLUDED.timeout_ns,
			enabled = EXCLUDED.enabled, invalid = EXCLUDED.invalid,
			invalid_reason = EXCLUDED.invalid_reason, next_run_at = EXCLUDED.next_run_at,
			updated_at = EXCLUDED.updated_at`, scheduleArgs(sc)...)
	return wrap("upsert schedule", err)
}

func (s *Store) GetSchedule(ctx context.Context, name string) (*job.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = $1`, name))
	if err != nil {
		return nil, wrap("get schedule", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, dueOnly bool, now time.Time) ([]*job.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if dueOnly {
		query += ` WHERE enabled AND NOT invalid AND next_run_at <= $1`
		args = append(args, ts(now))
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
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
		tag pgconn.CommandTag
		err error
	)
	if enabled {
		tag, err = s.pool.Exec(ctx, `UPDATE schedules SET enabled = TRUE, next_run_at = $1, updated_at = $2 WHERE name = $3`,
			ts(nextRun), ts(now), name)
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE schedules SET enabled = FALSE, updated_at = $1 WHERE name = $2`,
			ts(now), name)
	}
	return affectedOne("set schedule enabled", tag, err)
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE name = $1`, name)
	return affectedOne("delete schedule", tag, err)
}

func (s *Store) MarkScheduleInvalid(ctx context.Context, name, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET invalid = TRUE, invalid_reason = $1, updated_at = $2 WHERE name = $3`,
		reason, ts(now), name)
	return affectedOne("mark schedule invalid", tag, err)
}

func (s *Store) FireSchedule(ctx context.Context, name string, expected, next time.Time, j *job.Job, now time.Time) (bool, error) {
	won := false
	err := s.withTx(ctx, "fire schedule", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE schedules SET next_run_at = $1, last_run_at = $2, updated_at = $2
			WHERE name = $3 AND next_run_at = $4 AND enabled AND NOT invalid`,
			ts(next), ts(now), name, ts(expected))
		if err != nil {
			return wrap("fire schedule", err)
		}
		if tag.RowsAffected() == 0 {
			var one int
			return wrap("fire schedule", tx.QueryRow(ctx, `SELECT 1 FROM schedules WHERE name = $1`, name).Scan(&one))
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

func affectedOne(op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}
