package workerpool

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sambenson/docpipe/pkg/events"
)

// TaskProgress tracks one task's progress fraction, supplementing the core
// with the Progress Tracker the source system's workers/progress.py
// provides and that the Worker Pool's per-task protocol references.
type TaskProgress struct {
	TaskID        string
	ProcessorName string
	DocumentID    string
	Status        string // processing, completed, failed
	Progress      float64
	Message       string
	StartedAt     time.Time
	CompletedAt   time.Time
	Error         string
	TotalSteps    int
	CompletedSteps int
}

func (t TaskProgress) Duration() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	end := t.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartedAt)
}

// PipelineProgress aggregates stage-level TaskProgress into one run's
// overall completion fraction.
type PipelineProgress struct {
	PipelineID       string
	DocumentID       string
	TotalStages      int
	CompletedStages  int
	CurrentStage     string
	OverallProgress  float64
	StartedAt        time.Time
	CompletedAt      time.Time
	StageProgress    map[string]TaskProgress
	StageOrder       []string
}

func (p *PipelineProgress) updateStage(stageName string, progress TaskProgress) {
	p.StageProgress[stageName] = progress
	if p.TotalStages == 0 {
		return
	}
	var completed int
	var inProgress float64
	var current string
	for name, tp := range p.StageProgress {
		switch tp.Status {
		case "completed", "failed":
			completed++
		case "processing":
			inProgress += tp.Progress
			if current == "" {
				current = name
			}
		}
	}
	p.OverallProgress = (float64(completed) + inProgress) / float64(p.TotalStages)
	p.CompletedStages = completed
	p.CurrentStage = current
}

// ProgressTracker records and reports progress for every processing task and
// pipeline run, publishing updates on the Event Bus when one is attached.
type ProgressTracker struct {
	bus *events.Bus

	mu        sync.Mutex
	tasks     map[string]*TaskProgress
	pipelines map[string]*PipelineProgress
	durations map[string][]float64 // processor name -> observed durations, seconds
}

// NewProgressTracker constructs a tracker. bus may be nil to disable
// publishing.
func NewProgressTracker(bus *events.Bus) *ProgressTracker {
	return &ProgressTracker{
		bus:       bus,
		tasks:     make(map[string]*TaskProgress),
		pipelines: make(map[string]*PipelineProgress),
		durations: make(map[string][]float64),
	}
}

// StartTask records a task's start.
func (t *ProgressTracker) StartTask(taskID, processorName, documentID string, totalSteps int) {
	t.mu.Lock()
	tp := &TaskProgress{
		TaskID:        taskID,
		ProcessorName: processorName,
		DocumentID:    documentID,
		Status:        "processing",
		StartedAt:     time.Now(),
		TotalSteps:    totalSteps,
	}
	t.tasks[taskID] = tp
	t.mu.Unlock()
	t.emitTask(*tp)
}

// UpdateTask adjusts a task's progress fraction (clamped to 0..1) and, when
// message is non-empty, its message. Step counters are left unchanged.
func (t *ProgressTracker) UpdateTask(taskID string, progress float64, message string) {
	t.mu.Lock()
	tp, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tp.Progress = math.Max(0, math.Min(1, progress))
	if message != "" {
		tp.Message = message
	}
	snap := *tp
	t.mu.Unlock()
	t.emitTask(snap)
}

// CompleteTask marks a task done, recording its duration for statistics.
func (t *ProgressTracker) CompleteTask(taskID string, success bool, errMsg string) {
	t.mu.Lock()
	tp, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tp.CompletedAt = time.Now()
	tp.Error = errMsg
	if success {
		tp.Status = "completed"
		tp.Progress = 1.0
	} else {
		tp.Status = "failed"
	}
	t.durations[tp.ProcessorName] = append(t.durations[tp.ProcessorName], tp.Duration().Seconds())
	snap := *tp
	t.mu.Unlock()
	t.emitTask(snap)
}

// StartPipeline begins tracking a run across its declared stages.
func (t *ProgressTracker) StartPipeline(pipelineID, documentID string, stages []string) {
	t.mu.Lock()
	pp := &PipelineProgress{
		PipelineID:    pipelineID,
		DocumentID:    documentID,
		TotalStages:   len(stages),
		StartedAt:     time.Now(),
		StageProgress: make(map[string]TaskProgress),
		StageOrder:    append([]string(nil), stages...),
	}
	t.pipelines[pipelineID] = pp
	t.mu.Unlock()
	t.emitPipeline(*pp)
}

// UpdatePipelineStage folds a stage's TaskProgress into its pipeline's
// aggregate progress.
func (t *ProgressTracker) UpdatePipelineStage(pipelineID, stageName string, progress TaskProgress) {
	t.mu.Lock()
	pp, ok := t.pipelines[pipelineID]
	if !ok {
		t.mu.Unlock()
		return
	}
	pp.updateStage(stageName, progress)
	if pp.OverallProgress >= 1 && pp.CompletedAt.IsZero() {
		pp.CompletedAt = time.Now()
	}
	snap := *pp
	t.mu.Unlock()
	t.emitPipeline(snap)
}

func (t *ProgressTracker) emitTask(tp TaskProgress) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish(context.Background(), events.Event{
		Type: events.TypeTaskProgress,
		Payload: map[string]any{
			"task_id":  tp.TaskID,
			"progress": tp.Progress,
			"status":   tp.Status,
		},
	})
}

func (t *ProgressTracker) emitPipeline(pp PipelineProgress) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish(context.Background(), events.Event{
		Type: events.TypePipelineProgress,
		Payload: map[string]any{
			"pipeline_id": pp.PipelineID,
			"progress":    pp.OverallProgress,
		},
	})
}

// Statistics reports duration summary statistics for one processor name.
type Statistics struct {
	ProcessorName string
	TotalTasks    int
	AverageSeconds float64
	MinSeconds     float64
	MaxSeconds     float64
}

// StatisticsFor returns duration statistics for processorName, or an
// empty Statistics if it has no completed tasks.
func (t *ProgressTracker) StatisticsFor(processorName string) Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	durations := t.durations[processorName]
	return summarize(processorName, durations)
}

func summarize(name string, durations []float64) Statistics {
	if len(durations) == 0 {
		return Statistics{ProcessorName: name}
	}
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	var sum float64
	for _, d := range sorted {
		sum += d
	}
	return Statistics{
		ProcessorName:  name,
		TotalTasks:     len(sorted),
		AverageSeconds: sum / float64(len(sorted)),
		MinSeconds:     sorted[0],
		MaxSeconds:     sorted[len(sorted)-1],
	}
}
