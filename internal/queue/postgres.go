package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/store"
)

// PostgresQueue implements Queue on top of a jobs table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other on the
// same rows.
type PostgresQueue struct {
	db *store.DB
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue creates the queue and ensures the jobs table exists.
func NewPostgresQueue(ctx context.Context, db *store.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db}
	if err := q.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}
	return q, nil
}

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_by TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_delay_ms BIGINT NOT NULL DEFAULT 0,
		claim_expiry_ms BIGINT NOT NULL DEFAULT 0,
		run_after TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, run_after);
	CREATE INDEX IF NOT EXISTS idx_jobs_expiry ON jobs(status, expires_at);
	`
	_, err := q.db.Exec(ctx, schema)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = q.db.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, status, max_retries, retry_delay_ms, claim_expiry_ms, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $8)`,
		id, queue, data, opts.MaxRetries,
		opts.RetryDelay.Milliseconds(), opts.ClaimExpiry.Milliseconds(), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, queue, consumer string, limit int) ([]*Job, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE jobs
		SET status = 'claimed',
		    claimed_by = $1,
		    expires_at = NOW() + make_interval(secs => claim_expiry_ms / 1000.0),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $2 AND status = 'pending' AND run_after <= NOW()
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, status, claimed_by, retry_count, max_retries, run_after, expires_at, last_error, created_at, updated_at`,
		consumer, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = 'completed', expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("claimed job", jobID)
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    last_error = $1,
		    status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
		    claimed_by = '',
		    expires_at = NULL,
		    run_after = NOW() + make_interval(secs => retry_delay_ms / 1000.0),
		    updated_at = NOW()
		WHERE id = $2 AND status = 'claimed'`, msg, jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("claimed job", jobID)
	}
	return nil
}

func (q *PostgresQueue) ReleaseExpired(ctx context.Context) (int, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    last_error = 'claim expired',
		    status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
		    claimed_by = '',
		    expires_at = NULL,
		    run_after = NOW() + make_interval(secs => retry_delay_ms / 1000.0),
		    updated_at = NOW()
		WHERE status = 'claimed' AND expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) PendingCount(ctx context.Context, queue string) (int, error) {
	var count int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE queue = $1 AND status = 'pending' AND run_after <= NOW()`,
		queue).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// GetJob fetches a single job by id, mostly for tests and debugging.
func (q *PostgresQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx, `
		SELECT id, queue, payload, status, claimed_by, retry_count, max_retries, run_after, expires_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	var payload []byte
	err := row.Scan(&job.ID, &job.Queue, &payload, &job.Status, &job.ClaimedBy,
		&job.RetryCount, &job.MaxRetries, &job.RunAfter, &job.ExpiresAt,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	return &job, nil
}
