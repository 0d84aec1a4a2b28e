// Package bus provides the realtime event channel between workers and the
// API layer. Workers publish execution and session events; stream endpoints
// subscribe and fan out to connected clients.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
)

// Event types published by the execution core.
const (
	EventTypeLog           = "log"
	EventTypeStatus        = "status"
	EventTypeSessionOutput = "session_output"
	EventTypeSessionStatus = "session_status"
)

// SubjectExecution is the realtime subject for one execution.
func SubjectExecution(executionID string) string {
	return "agendo.executions." + executionID
}

// SubjectSession is the realtime subject for one session.
func SubjectSession(sessionID string) string {
	return "agendo.sessions." + sessionID
}

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. NATS-style
	// wildcards are supported: * for one token, > for the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}

// New selects the bus implementation: NATS when a URL is configured, the
// in-memory bus otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
