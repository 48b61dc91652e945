// Command docpipe-demo wires every docpipe component together and runs a
// small three-stage pipeline against one document, to exercise the stack
// end to end the way an embedder would.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sambenson/docpipe/pkg/events"
	"github.com/sambenson/docpipe/pkg/pipeline"
	"github.com/sambenson/docpipe/pkg/processor"
	"github.com/sambenson/docpipe/pkg/resources"
	"github.com/sambenson/docpipe/pkg/statestore"
	"github.com/sambenson/docpipe/pkg/telemetry"
	"github.com/sambenson/docpipe/pkg/workerpool"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	bus := events.New(events.Config{Logger: logger, Metrics: metrics})
	bus.Start()
	defer bus.Stop()
	bus.Subscribe("stage.completed", "demo-logger", func(e events.Event) error {
		logger.Info("stage completed", zap.Any("payload", e.Payload))
		return nil
	})
	bus.Subscribe("pipeline.completed", "demo-logger", func(e events.Event) error {
		logger.Info("pipeline completed", zap.Any("payload", e.Payload))
		return nil
	})

	monitor := resources.NewMonitor(resources.Config{Logger: logger, Metrics: metrics})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	defer monitor.Stop()

	registry := processor.New(processor.RegistryConfig{Logger: logger})
	registry.Register("text-extractor", newEchoProcessor("text-extractor"))
	registry.Register("metadata-validator", newEchoProcessor("metadata-validator"))
	registry.Register("summarizer", newEchoProcessor("summarizer"))

	pool := workerpool.New(workerpool.Options{
		Config:  workerpool.DefaultConfig(),
		Logger:  logger,
		Bus:     bus,
		Monitor: nil, // admission handled by the Manager; avoid double-booking the same Monitor
		Metrics: metrics,
	})
	pool.Start(ctx)
	defer pool.Stop(ctx, 5*time.Second)

	store := statestore.NewInMemory()

	cfg := pipeline.DefaultPipelineConfig()
	cfg.Name = "document-ingest"
	cfg.Stages = []pipeline.StageConfig{
		withDefaults(pipeline.StageConfig{Name: "extract", Kind: pipeline.KindProcessor, Processor: "text-extractor"}),
		withDefaults(pipeline.StageConfig{Name: "validate", Kind: pipeline.KindValidator, Processor: "metadata-validator", Dependencies: []string{"extract"}}),
		withDefaults(pipeline.StageConfig{Name: "summarize", Kind: pipeline.KindProcessor, Processor: "summarizer", Dependencies: []string{"validate"}}),
	}

	manager, err := pipeline.NewManager(pipeline.Options{
		Config:   cfg,
		Registry: registry,
		Pool:     pool,
		Monitor:  monitor,
		Bus:      bus,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("build manager: %v", err)
	}

	runID := manager.CreatePipeline("doc-001", map[string]any{"source": "demo"})
	runCtx, err := manager.Execute(ctx, runID, false)
	if err != nil {
		log.Fatalf("execute pipeline: %v", err)
	}

	fmt.Printf("run %s finished with status %s\n", runCtx.RunID, runCtx.Status())
	for name, result := range runCtx.StageResults {
		fmt.Printf("  stage %-12s status=%-9s data=%v\n", name, result.Status, result.Data)
	}
}

func withDefaults(s pipeline.StageConfig) pipeline.StageConfig {
	d := pipeline.DefaultStageConfig()
	d.Name = s.Name
	d.Kind = s.Kind
	d.Processor = s.Processor
	d.Dependencies = s.Dependencies
	return d
}

// echoProcessor is a placeholder Processor that copies its input forward,
// standing in for a real extractor/validator/summarizer implementation.
type echoProcessor struct {
	name string
}

func newEchoProcessor(name string) processor.Factory {
	return func(config map[string]any) (processor.Processor, error) {
		return &echoProcessor{name: name}, nil
	}
}

func (p *echoProcessor) Metadata() processor.Metadata {
	return processor.Metadata{Name: p.name, Version: "1.0.0", DefaultTimeout: 30 * time.Second}
}

func (p *echoProcessor) Initialize(ctx context.Context) error { return nil }

func (p *echoProcessor) Validate(ctx context.Context, pctx processor.Context) []error { return nil }

func (p *echoProcessor) Process(ctx context.Context, pctx processor.Context) (processor.Result, error) {
	return processor.Result{
		Status:        processor.StatusCompleted,
		StartTime:     time.Now(),
		EndTime:       time.Now(),
		ExtractedData: map[string]any{"processor": p.name, "document_id": pctx.DocumentID},
	}, nil
}

func (p *echoProcessor) Cleanup(ctx context.Context) error { return nil }

func (p *echoProcessor) HealthCheck(ctx context.Context) processor.Health {
	return processor.Health{Healthy: true}
}
