// Package resources implements the Resource Monitor: periodic sampling of
// process resource usage and admission control of stage resource
// requirements against configured limits plus outstanding allocations.
//
// The source system carries two independent monitor implementations (a
// pipeline-side one with a 300-sample history and a worker-side one with a
// 60-sample history and a slightly different allocation-check shape). This
// package merges them into one component, keeping the larger history window
// and the pipeline-side check-then-allocate sequencing; see DESIGN.md.
package resources

import "time"

// Requirements describes what a stage or task needs to run.
type Requirements struct {
	CPUCores     float64 `validate:"min=0.1,max=16.0"`
	MemoryMB     int     `validate:"min=128,max=65536"`
	GPURequired  bool
	GPUMemoryMB  int // required if GPURequired, validated by config layer
}

// Snapshot is one sample of process resource usage.
type Snapshot struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	MemoryMB      int64
	DiskIOReadMB  float64
	DiskIOWriteMB float64
	NetSentMB     float64
	NetRecvMB     float64
	ActiveTasks   int
	QueuedTasks   int
}

// Limits configures the ceilings admission control enforces, and the
// warning thresholds that are logged but never block admission.
type Limits struct {
	MaxCPUPercent     float64 `validate:"gt=0,lte=100"`
	WarningCPUPercent float64
	MaxMemoryPercent  float64 `validate:"gt=0,lte=100"`
	WarningMemPercent float64
	GPUAvailable      bool
}

// DefaultLimits mirrors the source system's worker-side ResourceLimits
// defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxCPUPercent:     80,
		WarningCPUPercent: 70,
		MaxMemoryPercent:  75,
		WarningMemPercent: 65,
	}
}

// Sampler is the "System metrics provider" external interface: a shim that
// returns zeros for any metric unsupported on the host.
type Sampler interface {
	Sample() Snapshot
}
