package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

func collectEvents(t *testing.T, b *MemoryEventBus, subject string) (*sync.Mutex, *[]*Event) {
	t.Helper()
	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return &mu, &got
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	mu, got := collectEvents(t, b, SubjectSession("sess-1"))

	event := NewEvent(EventTypeSessionOutput, "worker-1", map[string]any{"content": "hi"})
	require.NoError(t, b.Publish(context.Background(), SubjectSession("sess-1"), event))
	require.NoError(t, b.Publish(context.Background(), SubjectSession("sess-2"), event))

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
	mu.Lock()
	assert.Equal(t, EventTypeSessionOutput, (*got)[0].Type)
	assert.Equal(t, "worker-1", (*got)[0].Source)
	mu.Unlock()
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	starMu, starGot := collectEvents(t, b, "agendo.sessions.*")
	deepMu, deepGot := collectEvents(t, b, "agendo.>")

	require.NoError(t, b.Publish(context.Background(), "agendo.sessions.s1", NewEvent(EventTypeStatus, "w", nil)))
	require.NoError(t, b.Publish(context.Background(), "agendo.executions.e1.logs", NewEvent(EventTypeLog, "w", nil)))

	eventually(t, func() bool {
		starMu.Lock()
		defer starMu.Unlock()
		return len(*starGot) == 1
	})
	eventually(t, func() bool {
		deepMu.Lock()
		defer deepMu.Unlock()
		return len(*deepGot) == 2
	})
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	delivered := make(chan struct{}, 8)
	sub, err := b.Subscribe("subject", func(ctx context.Context, e *Event) error {
		delivered <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "subject", NewEvent(EventTypeLog, "w", nil)))
	select {
	case <-delivered:
		t.Fatal("unsubscribed handler received event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "subject", NewEvent(EventTypeLog, "w", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("subject", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "agendo.executions.e1", SubjectExecution("e1"))
	assert.Equal(t, "agendo.sessions.s1", SubjectSession("s1"))
}
