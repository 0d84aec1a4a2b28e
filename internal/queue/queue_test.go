package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ExecutionID string `json:"execution_id"`
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, QueueExecuteCapability, testPayload{ExecutionID: "exec-1"}, DefaultOptions(QueueExecuteCapability))
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, QueueExecuteCapability, "worker-1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "worker-1", jobs[0].ClaimedBy)
	assert.NotNil(t, jobs[0].ExpiresAt)

	var p testPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &p))
	assert.Equal(t, "exec-1", p.ExecutionID)

	// Claimed jobs are invisible to other consumers.
	jobs, err = q.Claim(ctx, QueueExecuteCapability, "worker-2", 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, q.Complete(ctx, id))
	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
}

func TestClaimRespectsLimitAndOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	base := time.Now().UTC()
	clock := base
	q.now = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		id, err := q.Enqueue(ctx, QueueExecuteCapability, testPayload{}, DefaultOptions(QueueExecuteCapability))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	jobs, err := q.Claim(ctx, QueueExecuteCapability, "worker-1", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[0], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)

	count, err := q.PendingCount(ctx, QueueExecuteCapability)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFailRetriesWithDelayThenFails(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	base := time.Now().UTC()
	clock := base
	q.now = func() time.Time { return clock }

	opts := Options{MaxRetries: 1, RetryDelay: 30 * time.Second, ClaimExpiry: time.Hour}
	id, err := q.Enqueue(ctx, QueueExecuteCapability, testPayload{}, opts)
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, QueueExecuteCapability, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Fail(ctx, id, errors.New("adapter crashed")))

	// Not claimable until the retry delay elapses.
	jobs, err = q.Claim(ctx, QueueExecuteCapability, "worker-1", 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock = base.Add(31 * time.Second)
	jobs, err = q.Claim(ctx, QueueExecuteCapability, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RetryCount)
	assert.Equal(t, "adapter crashed", jobs[0].LastError)

	// Second failure exhausts retries.
	require.NoError(t, q.Fail(ctx, id, errors.New("adapter crashed again")))
	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
}

func TestReleaseExpiredRequeues(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	base := time.Now().UTC()
	clock := base
	q.now = func() time.Time { return clock }

	opts := Options{MaxRetries: 2, RetryDelay: 0, ClaimExpiry: 45 * time.Minute}
	id, err := q.Enqueue(ctx, QueueExecuteCapability, testPayload{}, opts)
	require.NoError(t, err)

	_, err = q.Claim(ctx, QueueExecuteCapability, "worker-1", 1)
	require.NoError(t, err)

	// Claim still live: nothing released.
	released, err := q.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	clock = base.Add(46 * time.Minute)
	released, err = q.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "claim expired", got.LastError)
}

func TestDefaultOptionsPerQueue(t *testing.T) {
	exec := DefaultOptions(QueueExecuteCapability)
	assert.Equal(t, 2, exec.MaxRetries)
	assert.Equal(t, 45*time.Minute, exec.ClaimExpiry)

	session := DefaultOptions(QueueRunSession)
	assert.Equal(t, 1, session.MaxRetries)
	assert.Equal(t, 8*time.Hour, session.ClaimExpiry)
}
