// Package events publishes dispatch lifecycle events to RabbitMQ.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/spdispatch/internal/domain"
)

// Routing keys for events.
const (
	RoutingKeyExperimentClaimed   = "experiment.claimed"
	RoutingKeyExperimentCompleted = "experiment.completed"
	RoutingKeyExperimentFailed    = "experiment.failed"
	RoutingKeyExperimentReleased  = "experiment.released"
	RoutingKeyDispatchIdle        = "dispatch.idle"

	// RoutingKeyAll matches every event of this package.
	RoutingKeyAll = "#"
)

// Event types.
const (
	EventTypeExperimentClaimed   = "experiment.claimed"
	EventTypeExperimentCompleted = "experiment.completed"
	EventTypeExperimentFailed    = "experiment.failed"
	EventTypeExperimentReleased  = "experiment.released"
	EventTypeDispatchIdle        = "dispatch.idle"
)

// source is the AppId and the source field of every event.
const source = "spdispatch"

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Source:    source,
	}
}

func (b BaseEvent) header() BaseEvent { return b }

// ExperimentEvent is published at every step of one experiment's claim cycle.
type ExperimentEvent struct {
	BaseEvent
	SessionID   string  `json:"session_id"`
	ProblemType string  `json:"prob_type"`
	Key         string  `json:"key"`
	Worker      string  `json:"worker"`
	Error       string  `json:"error,omitempty"`
	Elapsed     float64 `json:"elapsed_seconds,omitempty"`
}

// RoutingKey returns the routing key matching the event type.
func (e *ExperimentEvent) RoutingKey() string {
	return e.EventType
}

func newExperimentEvent(eventType, sessionID string, pt domain.ProblemType, p domain.ExperimentParameter, worker string) *ExperimentEvent {
	return &ExperimentEvent{
		BaseEvent:   NewBaseEvent(eventType),
		SessionID:   sessionID,
		ProblemType: string(pt),
		Key:         p.Key(),
		Worker:      worker,
	}
}

// NewExperimentClaimedEvent creates an experiment.claimed event.
func NewExperimentClaimedEvent(sessionID string, pt domain.ProblemType, p domain.ExperimentParameter, worker string) *ExperimentEvent {
	return newExperimentEvent(EventTypeExperimentClaimed, sessionID, pt, p, worker)
}

// NewExperimentCompletedEvent creates an experiment.completed event.
func NewExperimentCompletedEvent(sessionID string, pt domain.ProblemType, p domain.ExperimentParameter, worker string, elapsed time.Duration) *ExperimentEvent {
	e := newExperimentEvent(EventTypeExperimentCompleted, sessionID, pt, p, worker)
	e.Elapsed = elapsed.Seconds()
	return e
}

// NewExperimentFailedEvent creates an experiment.failed event.
func NewExperimentFailedEvent(sessionID string, pt domain.ProblemType, p domain.ExperimentParameter, worker string, elapsed time.Duration, err error) *ExperimentEvent {
	e := newExperimentEvent(EventTypeExperimentFailed, sessionID, pt, p, worker)
	e.Elapsed = elapsed.Seconds()
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewExperimentReleasedEvent creates an experiment.released event.
func NewExperimentReleasedEvent(sessionID string, pt domain.ProblemType, p domain.ExperimentParameter, worker string) *ExperimentEvent {
	return newExperimentEvent(EventTypeExperimentReleased, sessionID, pt, p, worker)
}

// IdleEvent is published when a dispatcher finds nothing left to claim.
type IdleEvent struct {
	BaseEvent
	SessionID   string `json:"session_id"`
	ProblemType string `json:"prob_type"`
	Worker      string `json:"worker"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// NewDispatchIdleEvent creates a dispatch.idle event.
func NewDispatchIdleEvent(sessionID string, pt domain.ProblemType, worker string, completed, failed int) *IdleEvent {
	return &IdleEvent{
		BaseEvent:   NewBaseEvent(EventTypeDispatchIdle),
		SessionID:   sessionID,
		ProblemType: string(pt),
		Worker:      worker,
		Completed:   completed,
		Failed:      failed,
	}
}
