package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource reading for one engine process.
type Usage struct {
	PID        int32     `json:"pid"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// SampleProcess reads memory and CPU usage of pid.
func SampleProcess(pid int32) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	return Usage{PID: pid, RSSBytes: mem.RSS, CPUPercent: cpu, NumThreads: threads, SampledAt: time.Now()}, nil
}

// Sampler periodically samples the engine processes returned by a PID source and keeps
// the latest reading per engine.
type Sampler struct {
	interval time.Duration
	pids     func() map[string]int32

	mu     sync.RWMutex
	latest map[string]Usage

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSampler(interval time.Duration, pids func() map[string]int32) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{
		interval: interval,
		pids:     pids,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx ends or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce()
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes one reading of every engine with a live PID. Engines without a PID
// are dropped from the latest readings.
func (s *Sampler) SampleOnce() {
	pids := s.pids()
	fresh := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := SampleProcess(pid)
		if err != nil {
			slog.Debug("Failed to sample engine process", "engine", name, "pid", pid, "error", err)
			continue
		}
		fresh[name] = u
		SetEngineUsage(name, u)
	}
	s.mu.Lock()
	s.latest = fresh
	s.mu.Unlock()
}

// Latest returns the last reading for engine.
func (s *Sampler) Latest(engine string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[engine]
	return u, ok
}
