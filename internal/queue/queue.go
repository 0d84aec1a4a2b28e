// Package queue provides a durable job queue with at-least-once delivery.
// Jobs are claimed atomically so that concurrent workers never process the
// same job twice, and a claimed job that outlives its expiry is handed back
// for retry.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names used by the execution core.
const (
	QueueExecuteCapability = "execute-capability"
	QueueRunSession        = "run-session"
)

// JobStatus is the lifecycle status of a queued job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	RunAfter   time.Time       `json:"run_after"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Options control retry and expiry behavior per queue.
type Options struct {
	// MaxRetries is the number of re-deliveries after the first attempt.
	MaxRetries int
	// RetryDelay is the gap before a failed job becomes claimable again.
	RetryDelay time.Duration
	// ClaimExpiry bounds how long a claim may be held before the job is
	// considered abandoned and re-queued.
	ClaimExpiry time.Duration
}

// DefaultOptions returns the per-queue policies of the execution core.
func DefaultOptions(queue string) Options {
	switch queue {
	case QueueRunSession:
		return Options{MaxRetries: 1, RetryDelay: 30 * time.Second, ClaimExpiry: 8 * time.Hour}
	default:
		return Options{MaxRetries: 2, RetryDelay: 30 * time.Second, ClaimExpiry: 45 * time.Minute}
	}
}

// Handler processes one claimed job. A non-nil error triggers retry until
// MaxRetries is exhausted, after which the job is marked failed.
type Handler func(ctx context.Context, job *Job) error

// Queue is the durable job queue interface. Two implementations exist:
// Postgres for production and memory for development and tests.
type Queue interface {
	// Enqueue adds a job and returns its id.
	Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error)

	// Claim atomically claims up to limit due jobs for the given consumer.
	// A claimed job is invisible to other consumers until completed, failed,
	// or its claim expires.
	Claim(ctx context.Context, queue, consumer string, limit int) ([]*Job, error)

	// Complete marks a claimed job done.
	Complete(ctx context.Context, jobID string) error

	// Fail records a failure. The job is re-queued after its retry delay
	// unless retries are exhausted.
	Fail(ctx context.Context, jobID string, jobErr error) error

	// ReleaseExpired hands abandoned claims back to pending, counting the
	// expiry as a failed attempt. Returns the number of jobs released.
	ReleaseExpired(ctx context.Context) (int, error)

	// PendingCount reports claimable jobs on a queue.
	PendingCount(ctx context.Context, queue string) (int, error)
}
