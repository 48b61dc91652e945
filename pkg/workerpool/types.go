// Package workerpool implements the Worker Pool: a multi-queue task
// dispatcher with priority admission, per-task timeouts, worker health
// tracking, and graceful drain.
package workerpool

import (
	"time"

	"github.com/sambenson/docpipe/pkg/processor"
	"github.com/sambenson/docpipe/pkg/resources"
)

// Priority orders task admission between the priority and default queues.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// WorkerKind is one of the three worker families.
type WorkerKind string

const (
	KindAsync   WorkerKind = "async"
	KindThread  WorkerKind = "thread"
	KindProcess WorkerKind = "process"
)

// WorkerStatus is a worker's current lifecycle state.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerError    WorkerStatus = "error"
)

// Task is one unit of submitted work.
type Task struct {
	ID           string
	ProcessorName string
	Processor    processor.Processor
	Context      processor.Context
	Priority     Priority
	Timeout      time.Duration
	Required     resources.Requirements

	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	WorkerID    string
	Result      processor.Result
	Err         error
}

// WaitTime is the duration a task spent queued before being claimed.
func (t Task) WaitTime() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.StartedAt.Sub(t.SubmittedAt)
}

// ProcessingTime is the duration spent executing once claimed.
func (t Task) ProcessingTime() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// WorkerStats tracks one worker's lifetime counters.
type WorkerStats struct {
	WorkerID            string
	Kind                WorkerKind
	Status              WorkerStatus
	TasksCompleted      int64
	TasksFailed         int64
	TotalProcessingTime time.Duration
	CurrentTaskID       string
	LastHeartbeat       time.Time
}

// PoolStats aggregates every worker's stats plus queue depths.
type PoolStats struct {
	Workers            []WorkerStats
	PriorityQueueDepth int
	DefaultQueueDepth  int
	TasksCompleted     int64
	TasksFailed        int64
	UptimeSeconds      float64
}
