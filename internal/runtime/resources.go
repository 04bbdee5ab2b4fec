package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ResourceUsage is a coarse view of the process, used by the worker memory
// limit and shown on the panel.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// readMemory reports the bytes of allocated heap objects. Tests replace it.
var readMemory = func() uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.Alloc
}

// resourceTracker samples CPU usage between snapshots.
type resourceTracker struct {
	clock clock.Clock

	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker(clk clock.Clock) *resourceTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &resourceTracker{
		clock:   clk,
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

// Snapshot samples the process. CPU usage is relative to the previous
// snapshot and zero on the first one.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = sample.Value.Float64()
	}
	now := r.clock.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = ((cpuSeconds - r.lastCPUSeconds) / deltaWall) / r.numCPU * 100
		}
	}
	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: readMemory(),
		Goroutines:  runtime.NumGoroutine(),
	}
}

// memoryExceeded reports whether the heap is above limit bytes. A zero
// limit never trips.
func memoryExceeded(limit uint64) bool {
	return limit > 0 && readMemory() > limit
}
