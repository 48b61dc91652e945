package resources

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sambenson/docpipe/pkg/clock"
)

type fakeSampler struct {
	mu   sync.Mutex
	snap Snapshot
}

func (s *fakeSampler) set(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *fakeSampler) Sample() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func newTestMonitor(t *testing.T, sampler Sampler, limits Limits) (*Monitor, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewMonitor(Config{
		CheckInterval: time.Second,
		HistorySize:   10,
		Limits:        limits,
		Sampler:       sampler,
		Clock:         fc,
	})
	return m, fc
}

func TestCheckAvailabilityTrueBeforeFirstSample(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeSampler{}, DefaultLimits())
	ok, reason := m.CheckAvailability(Requirements{CPUCores: 1, MemoryMB: 256})
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCheckAvailabilityRejectsOverCPULimit(t *testing.T) {
	sampler := &fakeSampler{}
	m, _ := newTestMonitor(t, sampler, Limits{MaxCPUPercent: 50, MaxMemoryPercent: 90})
	sampler.set(Snapshot{CPUPercent: 40, MemoryMB: 100, MemoryPercent: 10})
	m.sampleOnce()

	ok, reason := m.CheckAvailability(Requirements{CPUCores: 64, MemoryMB: 128})
	assert.False(t, ok)
	assert.Contains(t, reason, "cpu limit")
}

func TestCheckAvailabilityRejectsGPUWhenUnavailable(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeSampler{}, Limits{MaxCPUPercent: 100, MaxMemoryPercent: 100, GPUAvailable: false})
	ok, reason := m.CheckAvailability(Requirements{GPURequired: true})
	assert.False(t, ok)
	assert.Contains(t, reason, "gpu")
}

func TestAllocateThenReleaseFreesCapacity(t *testing.T) {
	sampler := &fakeSampler{}
	m, _ := newTestMonitor(t, sampler, Limits{MaxCPUPercent: 50, MaxMemoryPercent: 90})
	sampler.set(Snapshot{CPUPercent: 10, MemoryMB: 100, MemoryPercent: 10})
	m.sampleOnce()

	// 30% of the host's CPU: 10% + 30% fits the 50% limit, a second 30% does not.
	req := Requirements{CPUCores: 0.3 * float64(runtime.NumCPU()), MemoryMB: 128}
	require.NoError(t, m.Allocate("task-1", req))

	ok, _ := m.CheckAvailability(req)
	assert.False(t, ok, "a second identical allocation should now be rejected")

	m.Release("task-1")
	ok, _ = m.CheckAvailability(req)
	assert.True(t, ok, "releasing should free the reserved capacity")
}

func TestAllocateErrorsWhenOverLimit(t *testing.T) {
	m, _ := newTestMonitor(t, &fakeSampler{}, Limits{MaxCPUPercent: 10, MaxMemoryPercent: 90})
	err := m.Allocate("task-1", Requirements{CPUCores: 64, MemoryMB: 128})
	require.Error(t, err)
	assert.Equal(t, 0, m.Stats().AllocatedStages)
}

func TestWaitForAvailabilityReturnsOnceFreed(t *testing.T) {
	sampler := &fakeSampler{}
	m, _ := newTestMonitor(t, sampler, Limits{MaxCPUPercent: 50, MaxMemoryPercent: 90})
	sampler.set(Snapshot{CPUPercent: 10, MemoryMB: 100, MemoryPercent: 10})
	m.sampleOnce()

	req := Requirements{CPUCores: 0.3 * float64(runtime.NumCPU()), MemoryMB: 128}
	require.NoError(t, m.Allocate("blocker", req))

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release("blocker")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.WaitForAvailability(ctx, req, 2*time.Second)
	assert.NoError(t, err)
}

func TestWaitForAvailabilityTimesOut(t *testing.T) {
	sampler := &fakeSampler{}
	m := NewMonitor(Config{
		CheckInterval: time.Second,
		HistorySize:   10,
		Limits:        Limits{MaxCPUPercent: 10, MaxMemoryPercent: 90},
		Sampler:       sampler,
		Clock:         clock.Real(),
	})
	sampler.set(Snapshot{CPUPercent: 10})
	m.sampleOnce()

	err := m.WaitForAvailability(context.Background(), Requirements{CPUCores: 64, MemoryMB: 128}, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestHistoryFiltersByWindow(t *testing.T) {
	sampler := &fakeSampler{}
	m, fc := newTestMonitor(t, sampler, DefaultLimits())

	sampler.set(Snapshot{CPUPercent: 1, Timestamp: fc.Now()})
	m.sampleOnce()
	fc.Advance(10 * time.Minute)
	sampler.set(Snapshot{CPUPercent: 2, Timestamp: fc.Now()})
	m.sampleOnce()

	recent := m.History(1)
	require.Len(t, recent, 1)
	assert.Equal(t, 2.0, recent[0].CPUPercent)
}

func TestAverageComputesMean(t *testing.T) {
	sampler := &fakeSampler{}
	m, fc := newTestMonitor(t, sampler, DefaultLimits())

	sampler.set(Snapshot{CPUPercent: 10, Timestamp: fc.Now()})
	m.sampleOnce()
	sampler.set(Snapshot{CPUPercent: 30, Timestamp: fc.Now()})
	m.sampleOnce()

	avg, ok := m.Average(5)
	require.True(t, ok)
	assert.Equal(t, 20.0, avg.CPUPercent)
}

// TestAllocationTableNeverExceedsLimitUnderAdmission is a property check: no
// sequence of Allocate calls that each individually passed admission should
// leave the allocation table's projected CPU usage over the configured
// limit, since Allocate re-checks atomically under the same lock.
func TestAllocationTableNeverExceedsLimitUnderAdmission(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limits := Limits{MaxCPUPercent: 80, MaxMemoryPercent: 90}
		sampler := &fakeSampler{}
		m := NewMonitor(Config{
			CheckInterval: time.Second,
			HistorySize:   10,
			Limits:        limits,
			Sampler:       sampler,
			Clock:         clock.NewFake(time.Unix(0, 0)),
		})
		sampler.set(Snapshot{CPUPercent: 0, MemoryMB: 100, MemoryPercent: 1})
		m.sampleOnce()

		n := rapid.IntRange(1, 20).Draw(rt, "n")
		admitted := 0
		for i := 0; i < n; i++ {
			cores := rapid.Float64Range(0.1, 16).Draw(rt, "cores")
			err := m.Allocate(rapid.StringMatching(`id-[0-9]+`).Draw(rt, "id"), Requirements{CPUCores: cores, MemoryMB: 128})
			if err == nil {
				admitted++
			}
		}

		totals := m.AllocatedTotals()
		cpuCount := float64(runtime.NumCPU())
		projected := totals.CPUCores * 100.0 / cpuCount
		assert.LessOrEqual(rt, projected, limits.MaxCPUPercent+0.01)
	})
}
