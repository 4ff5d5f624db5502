package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/db/dialect"
)

const (
	defaultMaxAttempts  = 3
	retryBackoffSeconds = 5
	maxErrorLength      = 2000
)

// SQLQueue is the database-backed job queue. Enqueue and claim go
// through the writer connection so the claim's read-modify-write cycle
// always sees the latest rows.
type SQLQueue struct {
	db          *sqlx.DB
	driver      string
	logger      *logger.Logger
	maxAttempts int
}

var _ Queue = (*SQLQueue)(nil)

// NewSQLQueue creates the queue and ensures its schema exists.
// maxAttempts is the default attempt budget for jobs enqueued without
// WithMaxAttempts; zero or negative falls back to 3.
func NewSQLQueue(writer *sqlx.DB, driver string, log *logger.Logger, maxAttempts int) (*SQLQueue, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	q := &SQLQueue{db: writer, driver: driver, logger: log, maxAttempts: maxAttempts}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init jobs schema: %w", err)
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	ts := dialect.TimestampType(q.driver)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id %s,
			job_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			payload %s,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			run_at %s NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, dialect.AutoIncrementPK(q.driver), dialect.JSONType(q.driver), ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_at, id)`,
	}

	// Statements run one at a time because pgx rejects multi-statement Exec.
	for _, stmt := range statements {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue inserts a job. When the caller supplied a job id that is
// already present the insert is a no-op.
func (q *SQLQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) error {
	options := EnqueueOptions{MaxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&options)
	}
	if options.JobID == "" {
		options.JobID = uuid.New().String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	delay := fmt.Sprintf("%.3f", options.Delay.Seconds())
	query := q.db.Rebind(fmt.Sprintf(`
		INSERT INTO jobs (job_id, name, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, %s, '', %s, %s)
		ON CONFLICT(job_id) DO NOTHING`,
		dialect.NowPlusSeconds(q.driver, "?"), dialect.Now(q.driver), dialect.Now(q.driver)))

	result, err := q.db.ExecContext(ctx, query, options.JobID, name, string(body), options.MaxAttempts, delay)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		q.logger.Debug("duplicate job dropped",
			zap.String("job_name", name),
			zap.String("job_id", options.JobID))
	}
	return nil
}

// Claim takes the oldest due pending job for this worker, bumping its
// attempt counter. Returns nil when nothing is due.
func (q *SQLQueue) Claim(ctx context.Context) (*Job, error) {
	for {
		row := q.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id, job_id, name, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
			FROM jobs
			WHERE status = 'pending' AND run_at <= %s
			ORDER BY run_at ASC, id ASC
			LIMIT 1`, dialect.Now(q.driver)))
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select due job: %w", err)
		}

		result, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(`
			UPDATE jobs SET status = 'active', attempts = attempts + 1, updated_at = %s
			WHERE id = ? AND status = 'pending'`, dialect.Now(q.driver))), job.Seq)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			// Another worker claimed the row first; pick the next one.
			continue
		}
		job.Status = StatusActive
		job.Attempts++
		return job, nil
	}
}

// Complete marks a claimed job done. The attempt count is the claim
// fence: when the janitor requeued the job and another worker reclaimed
// it, the original claimant no longer matches and the update is a no-op.
func (q *SQLQueue) Complete(ctx context.Context, job *Job) error {
	_, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(
		`UPDATE jobs SET status = 'completed', last_error = '', updated_at = %s
		WHERE id = ? AND status = 'active' AND attempts = ?`,
		dialect.Now(q.driver))), job.Seq, job.Attempts)
	return err
}

// Fail records a handler failure. The job goes back to pending with a
// linear backoff until its attempts are spent, then parks as failed.
// Fenced on the attempt count like Complete.
func (q *SQLQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	msg := jobErr.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}

	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(
			`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = %s
			WHERE id = ? AND status = 'active' AND attempts = ?`,
			dialect.Now(q.driver))), msg, job.Seq, job.Attempts)
		return err
	}

	backoff := fmt.Sprintf("%d", job.Attempts*retryBackoffSeconds)
	_, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(
		`UPDATE jobs SET status = 'pending', last_error = ?, run_at = %s, updated_at = %s
		WHERE id = ? AND status = 'active' AND attempts = ?`,
		dialect.NowPlusSeconds(q.driver, "?"), dialect.Now(q.driver))), msg, backoff, job.Seq, job.Attempts)
	return err
}

// RequeueStale returns active jobs untouched for olderThan back to
// pending. Covers workers that died mid-job without reporting.
func (q *SQLQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	seconds := fmt.Sprintf("%d", int64(olderThan.Seconds()))
	result, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(
		`UPDATE jobs SET status = 'pending', updated_at = %s WHERE status = 'active' AND updated_at < %s`,
		dialect.Now(q.driver), dialect.NowMinusSeconds(q.driver, "?"))), seconds)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return result.RowsAffected()
}

// Prune deletes completed and failed jobs older than olderThan so the
// table does not grow without bound.
func (q *SQLQueue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	seconds := fmt.Sprintf("%d", int64(olderThan.Seconds()))
	result, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < %s`,
		dialect.NowMinusSeconds(q.driver, "?"))), seconds)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return result.RowsAffected()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var job Job
	var payload string
	err := scanner.Scan(
		&job.Seq,
		&job.JobID,
		&job.Name,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.RunAt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	return &job, nil
}
