package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sambenson/docpipe/pkg/dpcerrors"
	"github.com/sambenson/docpipe/pkg/events"
	"github.com/sambenson/docpipe/pkg/processor"
	"github.com/sambenson/docpipe/pkg/resources"
	"github.com/sambenson/docpipe/pkg/statestore"
	"github.com/sambenson/docpipe/pkg/workerpool"
)

// resourceAdmissionBudget is the per-stage window CheckAvailability is
// polled for, fixing the design document's open question in favor of a
// per-stage (not per-run) budget.
const resourceAdmissionBudget = 60 * time.Second

// Options bundles the Manager's collaborators.
type Options struct {
	Config   PipelineConfig
	Registry *processor.Registry
	Pool     *workerpool.Pool
	Monitor  *resources.Monitor
	Bus      *events.Bus
	Store    statestore.Store
	Logger   *zap.Logger
}

// Manager drives execution of one PipelineConfig's DAG for a stream of
// documents, grounded on the source system's pipeline/manager.py
// PipelineManager.
type Manager struct {
	opts   Options
	log    *zap.Logger
	layers [][]string
	byName map[string]StageConfig
	depsOf map[string][]string // stage -> its direct dependencies (by name)

	mu       sync.Mutex
	contexts map[string]*Context
	paused   map[string]*atomic.Bool
	cancelled map[string]*atomic.Bool
}

// NewManager validates cfg and constructs a Manager ready to execute it.
func NewManager(opts Options) (*Manager, error) {
	if err := NewConfig(&opts.Config); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	byName := dependencies(opts.Config.Stages)
	depsOf := make(map[string][]string, len(opts.Config.Stages))
	for _, s := range opts.Config.Stages {
		depsOf[s.Name] = s.Dependencies
	}
	return &Manager{
		opts:      opts,
		log:       log,
		layers:    layers(opts.Config.Stages),
		byName:    byName,
		depsOf:    depsOf,
		contexts:  make(map[string]*Context),
		paused:    make(map[string]*atomic.Bool),
		cancelled: make(map[string]*atomic.Bool),
	}, nil
}

// CreatePipeline allocates a fresh run context for documentID and returns
// its run-id.
func (m *Manager) CreatePipeline(documentID string, metadata map[string]any) string {
	runID := uuid.NewString()
	runCtx := NewContext(runID, documentID, metadata, m.opts.Config.CheckpointEnabled, false)
	m.mu.Lock()
	m.contexts[runID] = runCtx
	m.paused[runID] = &atomic.Bool{}
	m.cancelled[runID] = &atomic.Bool{}
	m.mu.Unlock()
	return runID
}

// Execute runs the pipeline for runID to completion (or to the first
// critical failure / cancellation), returning the final context.
func (m *Manager) Execute(ctx context.Context, runID string, dryRun bool) (*Context, error) {
	runCtx, ok := m.context(runID)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown run %s", runID)
	}
	runCtx.DryRun = dryRun
	runCtx.SetStatus(RunRunning)

	if runCtx.CheckpointEnabled && m.opts.Store != nil {
		if _, err := restoreCheckpoint(ctx, m.opts.Store, runCtx); err != nil {
			m.log.Warn("checkpoint restore failed, starting from scratch", zap.Error(err))
		}
	}

	m.publish(ctx, events.TypePipelineStarted, runCtx, nil)

	runErr := m.executeLayers(ctx, runCtx)

	cancelFlag := m.cancelFlag(runID)
	switch {
	case cancelFlag.Load():
		runCtx.SetStatus(RunCancelled)
	case anyFailed(runCtx.StageResultsSnapshot()):
		runCtx.SetStatus(RunFailed)
	default:
		runCtx.SetStatus(RunCompleted)
	}

	finalStatus := runCtx.Status()
	if finalStatus == RunCompleted {
		m.publish(ctx, events.TypePipelineCompleted, runCtx, nil)
	} else if finalStatus == RunFailed {
		m.publish(ctx, events.TypePipelineFailed, runCtx, map[string]any{"error": errString(runErr)})
	}

	if runErr != nil && finalStatus != RunFailed && finalStatus != RunCancelled {
		return runCtx, runErr
	}
	return runCtx, nil
}

func (m *Manager) executeLayers(ctx context.Context, runCtx *Context) error {
	pauseFlag := m.pauseFlag(runCtx.RunID)
	cancelFlag := m.cancelFlag(runCtx.RunID)

	for _, layer := range m.layers {
		if cancelFlag.Load() {
			return dpcerrors.ErrCancelled
		}
		for pauseFlag.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			if cancelFlag.Load() {
				return dpcerrors.ErrCancelled
			}
		}

		toRun := m.filterLayer(runCtx, layer)
		if err := m.executeParallel(ctx, runCtx, toRun); err != nil {
			if runCtx.CheckpointEnabled && !runCtx.DryRun && m.opts.Store != nil {
				_ = saveCheckpoint(ctx, m.opts.Store, runCtx, m.opts.Config.CheckpointTTLSeconds)
			}
			return err
		}

		if runCtx.CheckpointEnabled && !runCtx.DryRun && m.opts.Store != nil {
			if err := saveCheckpoint(ctx, m.opts.Store, runCtx, m.opts.Config.CheckpointTTLSeconds); err != nil {
				m.log.Warn("checkpoint save failed", zap.Error(err))
			}
		}
	}
	return nil
}

// filterLayer applies the skip rules (already-completed, missing
// dependency) before a layer is fanned out.
func (m *Manager) filterLayer(runCtx *Context, layer []string) []string {
	var toRun []string
	for _, name := range layer {
		if existing, ok := runCtx.StageResult(name); ok && existing.Status == StageCompleted {
			continue // restored from checkpoint
		}
		if !m.dependenciesCompleted(runCtx, name) {
			runCtx.SetStageResult(name, StageResult{
				StageName: name,
				Status:    StageSkipped,
				StartTime: time.Now(),
				EndTime:   time.Now(),
			})
			m.publish(context.Background(), events.TypeStageSkipped, runCtx, map[string]any{"stage": name})
			continue
		}
		toRun = append(toRun, name)
	}
	return toRun
}

func (m *Manager) dependenciesCompleted(runCtx *Context, stage string) bool {
	for _, dep := range m.depsOf[stage] {
		r, ok := runCtx.StageResult(dep)
		if !ok || r.Status != StageCompleted {
			return false
		}
	}
	return true
}

func (m *Manager) executeParallel(ctx context.Context, runCtx *Context, stages []string) error {
	if len(stages) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(int64(m.opts.Config.MaxParallelStages))
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range stages {
		name := name
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return m.executeStage(gctx, runCtx, name)
		})
	}
	return g.Wait()
}

// executeStage runs the per-stage protocol: cancellation check, dependency
// and conditional evaluation, resource admission, dispatch, result
// recording. It returns an error only when the stage is critical and
// failed (or the run was cancelled), which aborts the enclosing layer.
func (m *Manager) executeStage(ctx context.Context, runCtx *Context, name string) error {
	if m.cancelFlag(runCtx.RunID).Load() {
		return dpcerrors.ErrCancelled
	}

	stage := m.byName[name]
	if !m.evaluateConditional(runCtx, stage) {
		runCtx.SetStageResult(name, StageResult{StageName: name, Status: StageSkipped, StartTime: time.Now(), EndTime: time.Now()})
		m.publish(ctx, events.TypeStageSkipped, runCtx, map[string]any{"stage": name})
		return nil
	}

	allocID := runCtx.RunID + ":" + name
	req := stage.Resources
	if m.opts.Monitor != nil {
		if err := m.admitWithBudget(ctx, allocID, req); err != nil {
			return m.recordFailure(ctx, runCtx, stage, err)
		}
		defer m.opts.Monitor.Release(allocID)
	}

	m.publish(ctx, events.TypeStageStarted, runCtx, map[string]any{"stage": name})
	start := time.Now()

	timeout := time.Duration(stage.TimeoutSec*m.opts.Config.StageTimeoutMultiplier*1000) * time.Millisecond

	result, err := m.invokeStage(ctx, runCtx, stage, timeout)
	end := time.Now()

	if err != nil {
		sr := StageResult{StageName: name, Status: StageFailed, StartTime: start, EndTime: end, Error: err.Error()}
		runCtx.SetStageResult(name, sr)
		m.publish(ctx, events.TypeStageFailed, runCtx, map[string]any{"stage": name, "error": err.Error()})
		if stage.Critical {
			return dpcerrors.Wrap(dpcerrors.KindProcessorExecution, err, "critical stage %q failed", name)
		}
		return nil
	}

	sr := StageResult{
		StageName: name,
		Status:    StageCompleted,
		StartTime: start,
		EndTime:   end,
		Data:      result.ExtractedData,
		Metrics:   result.Metrics,
	}
	if result.Status == processor.StatusFailed {
		sr.Status = StageFailed
		if len(result.Errors) > 0 {
			sr.Error = result.Errors[0]
		}
		runCtx.SetStageResult(name, sr)
		m.publish(ctx, events.TypeStageFailed, runCtx, map[string]any{"stage": name, "error": sr.Error})
		if stage.Critical {
			return dpcerrors.New(dpcerrors.KindProcessorExecution, "critical stage %q failed: %s", name, sr.Error)
		}
		return nil
	}
	runCtx.SetStageResult(name, sr)
	m.publish(ctx, events.TypeStageCompleted, runCtx, map[string]any{"stage": name})
	return nil
}

func (m *Manager) recordFailure(ctx context.Context, runCtx *Context, stage StageConfig, err error) error {
	now := time.Now()
	sr := StageResult{StageName: stage.Name, Status: StageFailed, StartTime: now, EndTime: now, Error: err.Error()}
	runCtx.SetStageResult(stage.Name, sr)
	m.publish(ctx, events.TypeStageFailed, runCtx, map[string]any{"stage": stage.Name, "error": err.Error()})
	if stage.Critical {
		return err
	}
	return nil
}

func (m *Manager) admitWithBudget(ctx context.Context, taskID string, req resources.Requirements) error {
	if err := m.opts.Monitor.WaitForAvailability(ctx, req, resourceAdmissionBudget); err != nil {
		return err
	}
	return m.opts.Monitor.Allocate(taskID, req)
}

// evaluateConditional evaluates the stage's condition expression. The
// source system's equivalent (stages.py Stage.should_execute) never
// actually evaluates the expression — it is a documented placeholder that
// always returns true — so this keeps that behavior rather than inventing
// an expression language the design does not specify.
func (m *Manager) evaluateConditional(_ *Context, _ StageConfig) bool {
	return true
}

func (m *Manager) invokeStage(ctx context.Context, runCtx *Context, stage StageConfig, timeout time.Duration) (processor.Result, error) {
	if runCtx.DryRun {
		return m.dryRunStage(ctx, stage, runCtx)
	}

	proc, err := m.opts.Registry.Get(ctx, stage.Processor, stage.Config)
	if err != nil {
		return processor.Result{}, err
	}

	pctx := m.processorContext(runCtx, stage)

	if m.opts.Pool == nil {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return proc.Process(attemptCtx, pctx)
	}

	task := &workerpool.Task{
		ProcessorName: stage.Processor,
		Processor:     proc,
		Context:       pctx,
		Priority:      workerpool.PriorityNormal,
		Timeout:       timeout,
		Required:      stage.Resources,
	}
	if stage.Critical {
		task.Priority = workerpool.PriorityCritical
	}
	taskID, err := m.opts.Pool.Submit(ctx, task)
	if err != nil {
		return processor.Result{}, err
	}
	return m.opts.Pool.Result(ctx, taskID, timeout+5*time.Second)
}

func (m *Manager) dryRunStage(ctx context.Context, stage StageConfig, runCtx *Context) (processor.Result, error) {
	proc, err := m.opts.Registry.Get(ctx, stage.Processor, stage.Config)
	if err != nil {
		return processor.Result{}, err
	}
	pctx := m.processorContext(runCtx, stage)
	pctx.IsDryRun = true
	if errs := proc.Validate(ctx, pctx); len(errs) > 0 {
		return processor.Result{Status: processor.StatusFailed, Errors: errsToStrings(errs)}, nil
	}
	return processor.Result{Status: processor.StatusCompleted, ExtractedData: map[string]any{"dry_run": true}}, nil
}

func (m *Manager) processorContext(runCtx *Context, stage StageConfig) processor.Context {
	previous := make(map[string]map[string]any, len(stage.Dependencies))
	for _, dep := range stage.Dependencies {
		if r, ok := runCtx.StageResult(dep); ok && r.Status == StageCompleted {
			previous[dep] = r.Data
		}
	}
	return processor.Context{
		DocumentID:      runCtx.DocumentID,
		Metadata:        runCtx.Metadata,
		PreviousResults: previous,
		IsDryRun:        runCtx.DryRun,
	}
}

// Pause clears execution at the next inter-layer barrier.
func (m *Manager) Pause(runID string) { m.pauseFlag(runID).Store(true) }

// Resume clears the pause flag, allowing the run to continue at the next
// barrier check.
func (m *Manager) Resume(runID string) { m.pauseFlag(runID).Store(false) }

// Cancel sets the cooperative cancellation flag observed at each barrier
// and before each stage start.
func (m *Manager) Cancel(runID string) { m.cancelFlag(runID).Store(true) }

// Status reports the run's terminal/in-flight status and per-stage detail.
type Status struct {
	RunStatus RunStatus
	Progress  float64
	Stages    map[string]StageResult
	CreatedAt time.Time
}

func (m *Manager) Status(runID string) (Status, bool) {
	runCtx, ok := m.context(runID)
	if !ok {
		return Status{}, false
	}
	stagesCopy := runCtx.StageResultsSnapshot()
	total := len(m.byName)
	completed := 0
	for _, r := range stagesCopy {
		if r.Status == StageCompleted || r.Status == StageSkipped {
			completed++
		}
	}
	var progress float64
	if total > 0 {
		progress = float64(completed) / float64(total)
	}
	return Status{
		RunStatus: runCtx.Status(),
		Progress:  progress,
		Stages:    stagesCopy,
		CreatedAt: runCtx.CreatedAt,
	}, true
}

// Visualize exposes the DAG's node/edge structure and computed execution
// order, for embedders that want to render the pipeline.
type Visualization struct {
	Nodes          []string
	Edges          [][2]string // [dependency, dependent]
	ExecutionOrder []string
}

func (m *Manager) Visualize() Visualization {
	var nodes []string
	var edges [][2]string
	for name, s := range m.byName {
		nodes = append(nodes, name)
		for _, dep := range s.Dependencies {
			edges = append(edges, [2]string{dep, name})
		}
	}
	sortStrings(nodes)
	return Visualization{
		Nodes:          nodes,
		Edges:          edges,
		ExecutionOrder: executionOrder(m.opts.Config.Stages),
	}
}

// Cleanup releases every run context this Manager holds.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = make(map[string]*Context)
	m.paused = make(map[string]*atomic.Bool)
	m.cancelled = make(map[string]*atomic.Bool)
}

func (m *Manager) context(runID string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[runID]
	return c, ok
}

func (m *Manager) pauseFlag(runID string) *atomic.Bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.paused[runID]
	if !ok {
		f = &atomic.Bool{}
		m.paused[runID] = f
	}
	return f
}

func (m *Manager) cancelFlag(runID string) *atomic.Bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.cancelled[runID]
	if !ok {
		f = &atomic.Bool{}
		m.cancelled[runID] = f
	}
	return f
}

func (m *Manager) publish(ctx context.Context, typ string, runCtx *Context, extra map[string]any) {
	if m.opts.Bus == nil {
		return
	}
	payload := map[string]any{"run_id": runCtx.RunID, "document_id": runCtx.DocumentID}
	for k, v := range extra {
		payload[k] = v
	}
	_ = m.opts.Bus.Publish(ctx, events.Event{Type: typ, Payload: payload})
}

func anyFailed(results map[string]StageResult) bool {
	for _, r := range results {
		if r.Status == StageFailed {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errsToStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
