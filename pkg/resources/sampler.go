package resources

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcSampler reads /proc/self on Linux for CPU and memory usage. No
// third-party library in the retrieval pack offers host-resource sampling,
// so this one component is built directly on the standard library plus
// /proc parsing; see DESIGN.md for the justification.
type ProcSampler struct {
	mu         sync.Mutex
	clockTicks float64
	pageSize   int64
	lastCPU    float64
	lastSample time.Time
	lastRead   int64
	lastWrite  int64
}

// NewProcSampler constructs a sampler. It degrades to all-zero samples on
// non-Linux hosts or when /proc is unavailable, matching the "report zero
// and continue" rule for unsupported metrics.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{clockTicks: 100, pageSize: int64(os.Getpagesize()), lastSample: time.Now()}
}

func (s *ProcSampler) Sample() Snapshot {
	now := time.Now()
	snap := Snapshot{Timestamp: now}

	if runtime.GOOS != "linux" {
		return snap
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	interval := now.Sub(s.lastSample).Seconds()
	if interval <= 0 {
		interval = 1
	}

	if utime, stime, ok := readProcStat("/proc/self/stat", s.clockTicks); ok {
		cpuSeconds := utime + stime
		if !s.lastSample.IsZero() {
			snap.CPUPercent = ((cpuSeconds - s.lastCPU) / interval) * 100
			if snap.CPUPercent < 0 {
				snap.CPUPercent = 0
			}
		}
		s.lastCPU = cpuSeconds
	}

	if vmRSSkB, memTotalKB, ok := readProcStatus("/proc/self/status", "/proc/meminfo"); ok {
		snap.MemoryMB = vmRSSkB / 1024
		if memTotalKB > 0 {
			snap.MemoryPercent = float64(vmRSSkB) / float64(memTotalKB) * 100
		}
	}

	if read, write, ok := readProcIO("/proc/self/io"); ok {
		if !s.lastSample.IsZero() {
			snap.DiskIOReadMB = float64(read-s.lastRead) / (1024 * 1024) / interval
			snap.DiskIOWriteMB = float64(write-s.lastWrite) / (1024 * 1024) / interval
			if snap.DiskIOReadMB < 0 {
				snap.DiskIOReadMB = 0
			}
			if snap.DiskIOWriteMB < 0 {
				snap.DiskIOWriteMB = 0
			}
		}
		s.lastRead, s.lastWrite = read, write
	}

	s.lastSample = now
	return snap
}

func readProcStat(path string, clockTicks float64) (utime, stime float64, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	// Fields after the trailing ')' of the comm field are space separated;
	// utime is field 14, stime field 15 (1-indexed) per proc(5).
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 || end+2 >= len(data) {
		return 0, 0, false
	}
	fields := strings.Fields(string(data[end+2:]))
	if len(fields) < 15 {
		return 0, 0, false
	}
	ut, err1 := strconv.ParseFloat(fields[11], 64)
	st, err2 := strconv.ParseFloat(fields[12], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return ut / clockTicks, st / clockTicks, true
}

func readProcStatus(statusPath, meminfoPath string) (vmRSSkB, memTotalKB int64, ok bool) {
	f, err := os.Open(statusPath)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			vmRSSkB = parseKBField(line)
		}
	}

	mf, err := os.Open(meminfoPath)
	if err != nil {
		return vmRSSkB, 0, vmRSSkB > 0
	}
	defer mf.Close()
	sc = bufio.NewScanner(mf)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			memTotalKB = parseKBField(line)
			break
		}
	}
	return vmRSSkB, memTotalKB, true
}

func parseKBField(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func readProcIO(path string) (read, write int64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "read_bytes:"):
			read, _ = strconv.ParseInt(strings.Fields(line)[1], 10, 64)
		case strings.HasPrefix(line, "write_bytes:"):
			write, _ = strconv.ParseInt(strings.Fields(line)[1], 10, 64)
		}
	}
	return read, write, true
}
