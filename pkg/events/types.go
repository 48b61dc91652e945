// Package events implements the in-process publish/subscribe bus the
// pipeline engine uses to report state transitions: pipeline/stage/task
// lifecycle, worker pool heartbeats, and progress updates.
package events

import "time"

// Priority is carried on the event for handlers and middleware to read; the
// Bus itself delivers queued events in publish order regardless of it.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityNormal    Priority = "normal"
	PriorityDeferred  Priority = "deferred"
)

// The stable event type catalogue. Embedders may publish additional types;
// these are the ones the core itself emits.
const (
	TypePipelineStarted   = "pipeline.started"
	TypePipelineCompleted = "pipeline.completed"
	TypePipelineFailed    = "pipeline.failed"

	TypeStageStarted   = "stage.started"
	TypeStageCompleted = "stage.completed"
	TypeStageFailed    = "stage.failed"
	TypeStageSkipped   = "stage.skipped"

	TypeTaskSubmitted = "task.submitted"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"

	TypeWorkerPoolStarted   = "worker_pool.started"
	TypeWorkerPoolStopped   = "worker_pool.stopped"
	TypeWorkerPoolHeartbeat = "worker_pool.heartbeat"

	TypeSystemStarted = "system.started"

	// TypeTaskProgress and TypePipelineProgress supplement the core
	// catalogue with the Progress Tracker addition.
	TypeTaskProgress     = "task.progress"
	TypePipelineProgress = "pipeline.progress"
)

// Event is one message on the bus.
type Event struct {
	ID            string
	Type          string
	Payload       map[string]any
	Timestamp     time.Time
	Priority      Priority
	Source        string
	CorrelationID string
	Metadata      map[string]any
	TraceIDs      []string
}

// WithMetadata returns a copy of the event with key/value merged into its
// metadata map.
func (e Event) WithMetadata(key string, value any) Event {
	out := e
	out.Metadata = make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[key] = value
	return out
}

// Handler processes a delivered event. Returning an error marks the
// delivery as a per-handler failure; it never stops delivery to other
// handlers.
type Handler func(Event) error

// Filter decides whether a subscriber wants a given event.
type Filter func(Event) bool

// SubscriptionID uniquely identifies a Subscribe call.
type SubscriptionID string

// HandlerStats tracks per-handler delivery outcomes.
type HandlerStats struct {
	Success      int64
	Errors       int64
	TotalElapsed time.Duration
	MaxElapsed   time.Duration
}

// TypeStats tracks per-event-type delivery outcomes.
type TypeStats struct {
	Count          int64
	ErrorCount     int64
	TotalElapsed   time.Duration
	MaxElapsed     time.Duration
	LastOccurredAt time.Time
}

// Metrics is a point-in-time snapshot returned by Bus.Metrics().
type Metrics struct {
	TotalEvents   int64
	TotalErrors   int64
	EventsPerSec  float64
	ErrorRate     float64
	ByType        map[string]TypeStats
	ByHandlerName map[string]HandlerStats
}
