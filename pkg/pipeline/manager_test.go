package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sambenson/docpipe/pkg/processor"
	"github.com/sambenson/docpipe/pkg/statestore"
)

type recordingProcessor struct {
	name    string
	fail    bool
	delay   time.Duration
	calls   int
}

func (p *recordingProcessor) Metadata() processor.Metadata {
	return processor.Metadata{Name: p.name, DefaultTimeout: time.Second}
}
func (p *recordingProcessor) Initialize(ctx context.Context) error { return nil }
func (p *recordingProcessor) Validate(ctx context.Context, pctx processor.Context) []error {
	return nil
}
func (p *recordingProcessor) Process(ctx context.Context, pctx processor.Context) (processor.Result, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return processor.Result{}, ctx.Err()
		}
	}
	if p.fail {
		return processor.Result{Status: processor.StatusFailed, Errors: []string{"boom"}}, nil
	}
	return processor.Result{Status: processor.StatusCompleted, ExtractedData: map[string]any{"from": p.name}}, nil
}
func (p *recordingProcessor) Cleanup(ctx context.Context) error { return nil }
func (p *recordingProcessor) HealthCheck(ctx context.Context) processor.Health {
	return processor.Health{Healthy: true}
}

func registerStub(t *testing.T, reg *processor.Registry, name string, p processor.Processor) {
	t.Helper()
	reg.Register(name, func(config map[string]any) (processor.Processor, error) { return p, nil })
}

func buildManager(t *testing.T, cfg PipelineConfig, store statestore.Store, procs map[string]processor.Processor) *Manager {
	t.Helper()
	reg := processorRegistry()
	for name, p := range procs {
		registerStub(t, reg, name, p)
	}
	m, err := NewManager(Options{Config: cfg, Registry: reg, Store: store})
	require.NoError(t, err)
	return m
}

func processorRegistry() *processor.Registry {
	return processor.New(processor.RegistryConfig{})
}

func linearConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.Name = "linear"
	cfg.CheckpointEnabled = false
	cfg.Stages = []StageConfig{
		validStage("extract"),
		validStage("validate", "extract"),
		validStage("summarize", "validate"),
	}
	for i := range cfg.Stages {
		cfg.Stages[i].Processor = cfg.Stages[i].Name
		cfg.Stages[i].TimeoutSec = 5
	}
	return cfg
}

func TestExecuteLinearPipelineCompletes(t *testing.T) {
	cfg := linearConfig()
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   &recordingProcessor{name: "extract"},
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	runCtx, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, runCtx.Status())
	for _, name := range []string{"extract", "validate", "summarize"} {
		assert.Equal(t, StageCompleted, runCtx.StageResults[name].Status)
	}
	assert.Equal(t, "summarize", runCtx.StageResults["summarize"].Data["from"])
}

func TestExecuteDiamondRunsSiblingsInParallel(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Name = "diamond"
	cfg.Stages = []StageConfig{
		validStage("extract"),
		validStage("left", "extract"),
		validStage("right", "extract"),
		validStage("merge", "left", "right"),
	}
	for i := range cfg.Stages {
		cfg.Stages[i].Processor = cfg.Stages[i].Name
		cfg.Stages[i].TimeoutSec = 5
	}
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract": &recordingProcessor{name: "extract"},
		"left":    &recordingProcessor{name: "left", delay: 30 * time.Millisecond},
		"right":   &recordingProcessor{name: "right", delay: 30 * time.Millisecond},
		"merge":   &recordingProcessor{name: "merge"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	start := time.Now()
	runCtx, err := m.Execute(context.Background(), runID, false)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, runCtx.Status())
	assert.Less(t, elapsed, 90*time.Millisecond, "left/right should run concurrently, not serially")
}

func TestExecuteNonCriticalFailureContinuesRun(t *testing.T) {
	cfg := linearConfig()
	for i := range cfg.Stages {
		if cfg.Stages[i].Name == "validate" {
			cfg.Stages[i].Critical = false
		}
	}
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   &recordingProcessor{name: "extract"},
		"validate":  &recordingProcessor{name: "validate", fail: true},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	runCtx, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, runCtx.Status())
	assert.Equal(t, StageFailed, runCtx.StageResults["validate"].Status)
	// summarize depends on validate, which did not complete, so it is skipped.
	assert.Equal(t, StageSkipped, runCtx.StageResults["summarize"].Status)
}

func TestExecuteCriticalFailureAbortsRun(t *testing.T) {
	cfg := linearConfig()
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   &recordingProcessor{name: "extract", fail: true},
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	runCtx, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, runCtx.Status())
	assert.Equal(t, StageFailed, runCtx.StageResults["extract"].Status)
	_, ran := runCtx.StageResults["validate"]
	assert.False(t, ran, "validate should never have been attempted")
}

func TestExecuteStageTimeoutFailsCriticalStage(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Name = "timeout"
	s := validStage("slow")
	s.Processor = "slow"
	s.TimeoutSec = 1
	cfg.StageTimeoutMultiplier = 0.1 // 100ms effective timeout
	cfg.Stages = []StageConfig{s}

	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"slow": &recordingProcessor{name: "slow", delay: 200 * time.Millisecond},
	})

	runID := m.CreatePipeline("doc-1", nil)
	runCtx, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, runCtx.Status())
}

func TestCheckpointSaveAndResumeSkipsCompletedStages(t *testing.T) {
	cfg := linearConfig()
	cfg.CheckpointEnabled = true
	cfg.CheckpointTTLSeconds = 60
	store := statestore.NewInMemory()

	extract := &recordingProcessor{name: "extract"}
	validate := &recordingProcessor{name: "validate"}
	summarize := &recordingProcessor{name: "summarize"}
	m := buildManager(t, cfg, store, map[string]processor.Processor{
		"extract":   extract,
		"validate":  validate,
		"summarize": summarize,
	})

	runID := m.CreatePipeline("doc-resume", nil)
	_, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, extract.calls)

	// A fresh manager restoring the same document's checkpoint should skip
	// every already-completed stage.
	m2 := buildManager(t, cfg, store, map[string]processor.Processor{
		"extract":   extract,
		"validate":  validate,
		"summarize": summarize,
	})
	runID2 := m2.CreatePipeline("doc-resume", nil)
	runCtx2, err := m2.Execute(context.Background(), runID2, false)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, runCtx2.Status())
	assert.Equal(t, 1, extract.calls, "checkpoint restore should have skipped re-running extract")
}

func TestCancelStopsBeforeNextLayer(t *testing.T) {
	cfg := linearConfig()
	extract := &recordingProcessor{name: "extract", delay: 20 * time.Millisecond}
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   extract,
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Cancel(runID)
	}()
	runCtx, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, runCtx.Status())
}

func TestPauseThenResumeLetsRunComplete(t *testing.T) {
	cfg := linearConfig()
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   &recordingProcessor{name: "extract"},
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	m.Pause(runID)
	go func() {
		time.Sleep(60 * time.Millisecond)
		m.Resume(runID)
	}()
	runCtx, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, runCtx.Status())
}

func TestStatusReportsProgress(t *testing.T) {
	cfg := linearConfig()
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   &recordingProcessor{name: "extract"},
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	_, err := m.Execute(context.Background(), runID, false)
	require.NoError(t, err)

	status, ok := m.Status(runID)
	require.True(t, ok)
	assert.Equal(t, RunCompleted, status.RunStatus)
	assert.Equal(t, 1.0, status.Progress)
}

func TestVisualizeReportsNodesEdgesAndOrder(t *testing.T) {
	cfg := linearConfig()
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   &recordingProcessor{name: "extract"},
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})
	viz := m.Visualize()
	assert.ElementsMatch(t, []string{"extract", "validate", "summarize"}, viz.Nodes)
	assert.Contains(t, viz.Edges, [2]string{"extract", "validate"})
	assert.Equal(t, []string{"extract", "validate", "summarize"}, viz.ExecutionOrder)
}

func TestDryRunSkipsProcessAndCallsValidate(t *testing.T) {
	cfg := linearConfig()
	extract := &recordingProcessor{name: "extract"}
	m := buildManager(t, cfg, nil, map[string]processor.Processor{
		"extract":   extract,
		"validate":  &recordingProcessor{name: "validate"},
		"summarize": &recordingProcessor{name: "summarize"},
	})

	runID := m.CreatePipeline("doc-1", nil)
	runCtx, err := m.Execute(context.Background(), runID, true)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, runCtx.Status())
	assert.Equal(t, 0, extract.calls, "dry run should never invoke Process")
	assert.Equal(t, true, runCtx.StageResults["extract"].Data["dry_run"])
}
