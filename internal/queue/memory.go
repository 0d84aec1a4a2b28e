package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agendo/agendo/internal/common/errors"
)

type memoryJob struct {
	job        Job
	retryDelay time.Duration
	expiry     time.Duration
}

// MemoryQueue implements Queue in memory with the same claim and retry
// semantics as the Postgres queue.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob

	// now is swappable for expiry tests.
	now func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*memoryJob),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id := uuid.New().String()
	q.jobs[id] = &memoryJob{
		job: Job{
			ID:         id,
			Queue:      queue,
			Payload:    data,
			Status:     JobStatusPending,
			MaxRetries: opts.MaxRetries,
			RunAfter:   now,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		retryDelay: opts.RetryDelay,
		expiry:     opts.ClaimExpiry,
	}
	return id, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, queue, consumer string, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []*memoryJob
	for _, mj := range q.jobs {
		if mj.job.Queue == queue && mj.job.Status == JobStatusPending && !mj.job.RunAfter.After(now) {
			due = append(due, mj)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.CreatedAt.Before(due[j].job.CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, mj := range due {
		mj.job.Status = JobStatusClaimed
		mj.job.ClaimedBy = consumer
		expires := now.Add(mj.expiry)
		mj.job.ExpiresAt = &expires
		mj.job.UpdatedAt = now
		cp := mj.job
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok || mj.job.Status != JobStatusClaimed {
		return apperrors.NotFound("claimed job", jobID)
	}
	mj.job.Status = JobStatusCompleted
	mj.job.ExpiresAt = nil
	mj.job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok || mj.job.Status != JobStatusClaimed {
		return apperrors.NotFound("claimed job", jobID)
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	q.retryOrFail(mj, msg)
	return nil
}

func (q *MemoryQueue) ReleaseExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	released := 0
	for _, mj := range q.jobs {
		if mj.job.Status != JobStatusClaimed || mj.job.ExpiresAt == nil || mj.job.ExpiresAt.After(now) {
			continue
		}
		q.retryOrFail(mj, "claim expired")
		released++
	}
	return released, nil
}

func (q *MemoryQueue) PendingCount(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, mj := range q.jobs {
		if mj.job.Queue == queue && mj.job.Status == JobStatusPending && !mj.job.RunAfter.After(now) {
			count++
		}
	}
	return count, nil
}

// GetJob fetches a single job by id, mostly for tests.
func (q *MemoryQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	cp := mj.job
	return &cp, nil
}

func (q *MemoryQueue) retryOrFail(mj *memoryJob, msg string) {
	now := q.now()
	mj.job.RetryCount++
	mj.job.LastError = msg
	mj.job.ClaimedBy = ""
	mj.job.ExpiresAt = nil
	mj.job.UpdatedAt = now
	if mj.job.RetryCount > mj.job.MaxRetries {
		mj.job.Status = JobStatusFailed
		return
	}
	mj.job.Status = JobStatusPending
	mj.job.RunAfter = now.Add(mj.retryDelay)
}
