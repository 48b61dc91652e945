package pipeline

import (
	"sync"
	"time"

	"github.com/sambenson/docpipe/pkg/statestore"
)

// StageStatus is one of the five lifecycle states a stage result can carry.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult is the outcome of one stage's execution.
type StageResult struct {
	StageName string
	Status    StageStatus
	StartTime time.Time
	EndTime   time.Time
	Data      map[string]any
	Error     string
	Metrics   map[string]float64
}

// Duration reports end-start when both timestamps are set.
func (r StageResult) Duration() (time.Duration, bool) {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0, false
	}
	return r.EndTime.Sub(r.StartTime), true
}

func (r StageResult) toRaw() statestore.StageResultRaw {
	raw := statestore.StageResultRaw{
		StageName: r.StageName,
		Status:    string(r.Status),
		Data:      r.Data,
		Error:     r.Error,
		Metrics:   r.Metrics,
	}
	if !r.StartTime.IsZero() {
		raw.StartTime = r.StartTime.UTC().Format(time.RFC3339Nano)
	}
	if !r.EndTime.IsZero() {
		raw.EndTime = r.EndTime.UTC().Format(time.RFC3339Nano)
	}
	return raw
}

func stageResultFromRaw(raw statestore.StageResultRaw) StageResult {
	r := StageResult{
		StageName: raw.StageName,
		Status:    StageStatus(raw.Status),
		Data:      raw.Data,
		Error:     raw.Error,
		Metrics:   raw.Metrics,
	}
	if raw.StartTime != "" {
		r.StartTime, _ = time.Parse(time.RFC3339Nano, raw.StartTime)
	}
	if raw.EndTime != "" {
		r.EndTime, _ = time.Parse(time.RFC3339Nano, raw.EndTime)
	}
	return r
}

// RunStatus is the Pipeline State Machine's state.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Context is one pipeline run, exclusively owned by the Manager; stages
// receive a read/write handle with defined mutation points (StageResults,
// UserData). Sibling stages within a layer execute concurrently
// (executeParallel fans out via errgroup), so StageResults and status are
// guarded by mu and must only be touched through the accessor methods below.
type Context struct {
	RunID             string
	DocumentID        string
	Metadata          map[string]any
	UserData          map[string]any
	CreatedAt         time.Time
	CheckpointEnabled bool
	DryRun            bool

	mu           sync.Mutex
	StageResults map[string]StageResult
	status       RunStatus
}

// NewContext constructs a fresh run context for documentID.
func NewContext(runID, documentID string, metadata map[string]any, checkpointEnabled, dryRun bool) *Context {
	return &Context{
		RunID:             runID,
		DocumentID:        documentID,
		Metadata:          metadata,
		UserData:          make(map[string]any),
		StageResults:      make(map[string]StageResult),
		CreatedAt:         time.Now(),
		CheckpointEnabled: checkpointEnabled,
		DryRun:            dryRun,
		status:            RunIdle,
	}
}

// Status returns the run's current terminal/in-flight status.
func (c *Context) Status() RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus updates the run's status under lock.
func (c *Context) SetStatus(s RunStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// SetStageResult records name's result. Safe to call from the concurrent
// goroutines executeParallel fans out across one layer.
func (c *Context) SetStageResult(name string, sr StageResult) {
	c.mu.Lock()
	c.StageResults[name] = sr
	c.mu.Unlock()
}

// StageResult returns the named stage's recorded result, if any.
func (c *Context) StageResult(name string) (StageResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.StageResults[name]
	return r, ok
}

// StageResultsSnapshot returns a shallow copy of every recorded stage
// result, safe to range over while the run may still be mutating the
// underlying map from another goroutine.
func (c *Context) StageResultsSnapshot() map[string]StageResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StageResult, len(c.StageResults))
	for k, v := range c.StageResults {
		out[k] = v
	}
	return out
}
