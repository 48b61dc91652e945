// Package pipeline implements the Pipeline Manager & DAG Executor: stage
// graph construction and validation, layered topological execution,
// checkpointing, and cooperative pause/resume/cancel.
package pipeline

import (
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sambenson/docpipe/pkg/dpcerrors"
	"github.com/sambenson/docpipe/pkg/resources"
)

// StageKind is one of the five stage variants.
type StageKind string

const (
	KindProcessor   StageKind = "processor"
	KindValidator   StageKind = "validator"
	KindRouter      StageKind = "router"
	KindAggregator  StageKind = "aggregator"
	KindTransformer StageKind = "transformer"
)

// StageConfig declares one node of the pipeline DAG.
type StageConfig struct {
	Name         string                 `yaml:"name" validate:"required,min=1,max=64"`
	Kind         StageKind              `yaml:"kind" validate:"required"`
	Processor    string                 `yaml:"processor" validate:"required"`
	Dependencies []string               `yaml:"dependencies"`
	Config       map[string]any         `yaml:"config"`
	TimeoutSec   float64                `yaml:"timeout" validate:"gte=1,lte=3600"`
	Retries      int                    `yaml:"retries" validate:"gte=0,lte=10"`
	Critical     bool                   `yaml:"critical"`
	Conditional  string                 `yaml:"conditional"`
	Resources    resources.Requirements `yaml:"resources"`
	MaxParallel  int                    `yaml:"max_parallel" validate:"omitempty,gte=1,lte=100"`
}

// PipelineConfig is a named, versioned collection of stages.
type PipelineConfig struct {
	Name                   string        `yaml:"name" validate:"required,min=1,max=128"`
	Version                string        `yaml:"version"`
	Description            string        `yaml:"description"`
	Stages                 []StageConfig `yaml:"stages" validate:"required,dive"`
	MaxParallelStages      int           `yaml:"max_parallel_stages" validate:"gte=1,lte=20"`
	CheckpointEnabled      bool          `yaml:"checkpoint_enabled"`
	CheckpointTTLSeconds   int           `yaml:"checkpoint_ttl"`
	MaxMemoryMB            int           `yaml:"max_memory_mb"`
	MaxCPUCores            float64       `yaml:"max_cpu_cores"`
	GlobalTimeoutSec       float64       `yaml:"global_timeout" validate:"gte=60"`
	StageTimeoutMultiplier float64       `yaml:"stage_timeout_multiplier" validate:"gte=0.1,lte=10"`
}

var validate = validator.New()

// DefaultStageConfig returns a StageConfig with the documented defaults
// filled in; callers still must set Name/Kind/Processor.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		TimeoutSec:  300,
		Retries:     3,
		Critical:    true,
		MaxParallel: 1,
		Resources: resources.Requirements{
			CPUCores: 1.0,
			MemoryMB: 512,
		},
	}
}

// DefaultPipelineConfig returns pipeline-level defaults; Name and Stages
// still must be set by the caller.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Version:                "1.0.0",
		MaxParallelStages:      4,
		CheckpointEnabled:      true,
		CheckpointTTLSeconds:   86400,
		MaxMemoryMB:            8192,
		MaxCPUCores:            8.0,
		GlobalTimeoutSec:       3600,
		StageTimeoutMultiplier: 1.0,
	}
}

// LoadConfigYAML decodes a PipelineConfig from YAML and validates it,
// matching the source system's PipelineConfig.from_yaml.
func LoadConfigYAML(r io.Reader) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return PipelineConfig{}, dpcerrors.Wrap(dpcerrors.KindPipelineConfig, err, "decode pipeline yaml")
	}
	if err := NewConfig(&cfg); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// NewConfig validates cfg in place: struct-tag ranges, unique stage names,
// dependency existence, GPU-memory presence, and acyclicity, and applies
// per-stage defaults where zero-valued. Rejecting an invalid pipeline at
// construction, never at run time, is the contract §6 requires.
func NewConfig(cfg *PipelineConfig) error {
	for i := range cfg.Stages {
		s := &cfg.Stages[i]
		if s.TimeoutSec == 0 {
			s.TimeoutSec = 300
		}
		if s.MaxParallel == 0 {
			s.MaxParallel = 1
		}
		if s.Resources.CPUCores == 0 {
			s.Resources.CPUCores = 1.0
		}
		if s.Resources.MemoryMB == 0 {
			s.Resources.MemoryMB = 512
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return dpcerrors.Wrap(dpcerrors.KindPipelineConfig, err, "pipeline config validation")
	}

	seen := make(map[string]bool, len(cfg.Stages))
	for _, s := range cfg.Stages {
		if seen[s.Name] {
			return dpcerrors.New(dpcerrors.KindPipelineConfig, "duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Resources.GPURequired && s.Resources.GPUMemoryMB < 512 {
			return dpcerrors.New(dpcerrors.KindPipelineConfig, "stage %q requires gpu but gpu_memory_mb < 512", s.Name)
		}
	}
	for _, s := range cfg.Stages {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return dpcerrors.New(dpcerrors.KindPipelineConfig, "stage %q depends on unknown stage %q", s.Name, dep)
			}
			if dep == s.Name {
				return dpcerrors.New(dpcerrors.KindPipelineConfig, "stage %q depends on itself", s.Name)
			}
		}
	}

	if cycles := findCycles(cfg.Stages); len(cycles) > 0 {
		return &dpcerrors.CyclicDependencyError{Cycles: cycles}
	}
	return nil
}

// StageByName looks up a stage by name.
func (c PipelineConfig) StageByName(name string) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}
