// Package sysmetrics samples process CPU and memory usage for the status
// endpoint.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Sample is one reading of the process.
type Sample struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryInuse int64   `json:"memory_inuse_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// Sampler computes CPU usage between successive calls to Sample.
type Sampler struct {
	mu       sync.Mutex
	now      func() time.Time
	cpuTime  func() time.Duration
	lastWall time.Time
	lastCPU  time.Duration
	lastPct  float64
}

// NewSampler starts measuring from the moment of the call.
func NewSampler() *Sampler {
	return newSampler(time.Now, rusageCPU)
}

func newSampler(now func() time.Time, cpuTime func() time.Duration) *Sampler {
	return &Sampler{
		now:      now,
		cpuTime:  cpuTime,
		lastWall: now(),
		lastCPU:  cpuTime(),
	}
}

// Sample returns CPU usage since the previous call as a percentage of one
// core (multi-core processes can exceed 100), plus current memory use.
func (s *Sampler) Sample() Sample {
	return Sample{
		CPUPercent:  s.cpuPercent(),
		MemoryInuse: MemoryInuse(),
		Goroutines:  runtime.NumGoroutine(),
	}
}

func (s *Sampler) cpuPercent() float64 {
	wall := s.now()
	used := s.cpuTime()

	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := wall.Sub(s.lastWall)
	if elapsed <= 0 {
		return s.lastPct
	}
	s.lastPct = float64(used-s.lastCPU) / float64(elapsed) * 100
	s.lastWall = wall
	s.lastCPU = used
	return s.lastPct
}

// MemoryInuse is HeapInuse plus StackInuse: memory the runtime actually
// holds, not reserved address space. Memory-mapped databases are not
// included.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

func rusageCPU() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
