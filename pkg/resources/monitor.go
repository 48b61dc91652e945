package resources

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sambenson/docpipe/pkg/clock"
	"github.com/sambenson/docpipe/pkg/dpcerrors"
	"github.com/sambenson/docpipe/pkg/telemetry"
)

// Config tunes a Monitor.
type Config struct {
	CheckInterval time.Duration // default 1s
	HistorySize   int           // default 300, the larger of the two merged source monitors
	Limits        Limits
	Sampler       Sampler
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.Sampler == nil {
		c.Sampler = NewProcSampler()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Monitor samples process resource usage and admits or rejects stage
// resource requirements against configured limits plus outstanding
// allocations, closing the check-then-act race under a single mutex.
type Monitor struct {
	cfg Config

	mu          sync.Mutex
	history     []Snapshot
	current     Snapshot
	haveSample  bool
	allocations map[string]Requirements

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor constructs a Monitor. Call Start to begin sampling.
func NewMonitor(cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		cfg:         cfg,
		allocations: make(map[string]Requirements),
	}
}

// Start begins the sampling loop in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.cfg.Clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	snap := m.cfg.Sampler.Sample()

	m.mu.Lock()
	m.current = snap
	m.haveSample = true
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	activeAllocs := len(m.allocations)
	m.mu.Unlock()

	if snap.CPUPercent > m.cfg.Limits.WarningCPUPercent {
		m.cfg.Logger.Warn("high cpu usage", zap.Float64("cpu_percent", snap.CPUPercent))
	}
	if snap.MemoryPercent > m.cfg.Limits.WarningMemPercent {
		m.cfg.Logger.Warn("high memory usage", zap.Float64("memory_percent", snap.MemoryPercent))
	}
	m.cfg.Metrics.SetResourceUsage(snap.CPUPercent, snap.MemoryPercent, activeAllocs)
}

// CheckAvailability reports whether req could be admitted right now without
// reserving it. It does not mutate allocation state.
func (m *Monitor) CheckAvailability(req Requirements) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(req)
}

func (m *Monitor) checkLocked(req Requirements) (bool, string) {
	if req.GPURequired && !m.cfg.Limits.GPUAvailable {
		return false, "gpu required but not available"
	}

	cpuCount := float64(runtime.NumCPU())
	requiredCPUPercent := req.CPUCores * 100.0 / cpuCount

	var allocatedCPU float64
	var allocatedMemMB int
	for _, a := range m.allocations {
		allocatedCPU += a.CPUCores * 100.0 / cpuCount
		allocatedMemMB += a.MemoryMB
	}

	projectedCPU := m.current.CPUPercent + allocatedCPU + requiredCPUPercent
	if projectedCPU > m.cfg.Limits.MaxCPUPercent {
		return false, fmt.Sprintf("would exceed cpu limit: %.1f%% > %.1f%%", projectedCPU, m.cfg.Limits.MaxCPUPercent)
	}

	// MemoryPercent is scaled against total system memory; approximate the
	// projected percent by applying the same scale factor the last sample
	// implied (memoryMB -> memoryPercent), avoiding a second host syscall.
	var projectedMemPercent float64
	if m.current.MemoryMB > 0 {
		scale := m.current.MemoryPercent / float64(m.current.MemoryMB)
		projectedMemPercent = float64(m.current.MemoryMB+int64(allocatedMemMB)+int64(req.MemoryMB)) * scale
	}
	if projectedMemPercent > m.cfg.Limits.MaxMemoryPercent {
		return false, fmt.Sprintf("would exceed memory limit: %.1f%% > %.1f%%", projectedMemPercent, m.cfg.Limits.MaxMemoryPercent)
	}

	return true, ""
}

// Allocate atomically re-checks availability and records the reservation
// keyed by id, closing the check-then-act race with CheckAvailability.
func (m *Monitor) Allocate(id string, req Requirements) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, reason := m.checkLocked(req)
	if !ok {
		return dpcerrors.Wrap(dpcerrors.KindResource, fmt.Errorf(reason), "allocate %s", id)
	}
	m.allocations[id] = req
	return nil
}

// Release removes the reservation for id. It is idempotent.
func (m *Monitor) Release(id string) {
	m.mu.Lock()
	delete(m.allocations, id)
	m.mu.Unlock()
}

// AllocatedTotals sums every outstanding allocation.
func (m *Monitor) AllocatedTotals() Requirements {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total Requirements
	for _, a := range m.allocations {
		total.CPUCores += a.CPUCores
		total.MemoryMB += a.MemoryMB
		total.GPURequired = total.GPURequired || a.GPURequired
		total.GPUMemoryMB += a.GPUMemoryMB
	}
	return total
}

// CurrentUsage returns the most recent sample.
func (m *Monitor) CurrentUsage() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.haveSample
}

// History returns samples taken within the last `minutes` minutes.
func (m *Monitor) History(minutes int) []Snapshot {
	cutoff := m.cfg.Clock.Now().Add(-time.Duration(minutes) * time.Minute)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.history))
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Average computes the mean usage over the last `minutes` minutes.
func (m *Monitor) Average(minutes int) (Snapshot, bool) {
	hist := m.History(minutes)
	if len(hist) == 0 {
		return Snapshot{}, false
	}
	var avg Snapshot
	for _, s := range hist {
		avg.CPUPercent += s.CPUPercent
		avg.MemoryPercent += s.MemoryPercent
		avg.MemoryMB += s.MemoryMB
	}
	n := float64(len(hist))
	avg.CPUPercent /= n
	avg.MemoryPercent /= n
	avg.MemoryMB /= int64(len(hist))
	avg.Timestamp = m.cfg.Clock.Now()
	return avg, true
}

// WaitForAvailability polls CheckAvailability at 1Hz up to maxWait, returning
// a Resource error on timeout. This implements the 60s admission budget from
// the per-stage execution protocol.
func (m *Monitor) WaitForAvailability(ctx context.Context, req Requirements, maxWait time.Duration) error {
	deadline := m.cfg.Clock.Now().Add(maxWait)
	for {
		if ok, _ := m.CheckAvailability(req); ok {
			return nil
		}
		if m.cfg.Clock.Now().After(deadline) {
			return dpcerrors.New(dpcerrors.KindResource, "resource availability timed out after %s", maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.cfg.Clock.After(time.Second):
		}
	}
}

// Stats reports a snapshot suitable for an embedder's status endpoint.
type Stats struct {
	Current          Snapshot
	AllocatedStages  int
	AllocatedTotals  Requirements
	Limits           Limits
	HistoryLen       int
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	current := m.current
	allocatedStages := len(m.allocations)
	historyLen := len(m.history)
	m.mu.Unlock()
	return Stats{
		Current:         current,
		AllocatedStages: allocatedStages,
		AllocatedTotals: m.AllocatedTotals(),
		Limits:          m.cfg.Limits,
		HistoryLen:      historyLen,
	}
}
