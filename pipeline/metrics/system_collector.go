package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/fleet-telemetry/pipeline/types"
)

// SystemCollector samples this process's resource usage while a benchmark runs
type SystemCollector struct {
	mu           sync.RWMutex
	samples      []types.SystemMetrics
	isCollecting bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	interval     time.Duration
	proc         *process.Process
}

// NewSystemCollector creates a collector sampling every interval
func NewSystemCollector(interval time.Duration) (*SystemCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	return &SystemCollector{
		interval: interval,
		proc:     proc,
	}, nil
}

// Start takes an initial sample and begins periodic sampling
func (sc *SystemCollector) Start() {
	sc.mu.Lock()
	if sc.isCollecting {
		sc.mu.Unlock()
		return
	}
	sc.isCollecting = true
	sc.samples = []types.SystemMetrics{sc.sample()}
	sc.stopCh = make(chan struct{})
	sc.doneCh = make(chan struct{})
	sc.mu.Unlock()

	go sc.collect()
}

// Stop ends sampling and records a final sample
func (sc *SystemCollector) Stop() {
	sc.mu.Lock()
	if !sc.isCollecting {
		sc.mu.Unlock()
		return
	}
	sc.isCollecting = false
	close(sc.stopCh)
	sc.mu.Unlock()

	<-sc.doneCh

	final := sc.sample()
	sc.mu.Lock()
	sc.samples = append(sc.samples, final)
	sc.mu.Unlock()
}

// Samples returns a copy of the collected samples
func (sc *SystemCollector) Samples() []types.SystemMetrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	result := make([]types.SystemMetrics, len(sc.samples))
	copy(result, sc.samples)
	return result
}

// PeakMemoryMB returns the highest sampled RSS in megabytes
func (sc *SystemCollector) PeakMemoryMB() float64 {
	var peak float64
	for _, s := range sc.Samples() {
		if s.MemoryUsage > peak {
			peak = s.MemoryUsage
		}
	}
	return peak
}

func (sc *SystemCollector) collect() {
	defer close(sc.doneCh)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := sc.sample()
			sc.mu.Lock()
			sc.samples = append(sc.samples, s)
			sc.mu.Unlock()
		case <-sc.stopCh:
			return
		}
	}
}

func (sc *SystemCollector) sample() types.SystemMetrics {
	s := types.SystemMetrics{
		Timestamp:      time.Now(),
		GoroutineCount: runtime.NumGoroutine(),
	}

	if cpuPercent, err := sc.proc.CPUPercent(); err == nil {
		s.CPUUsage = cpuPercent
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = memInfo.UsedPercent
	}

	if procMem, err := sc.proc.MemoryInfo(); err == nil {
		s.MemoryUsage = float64(procMem.RSS) / 1024 / 1024
	}

	return s
}

// GetEnvironmentInfo collects static host information for benchmark reports
func GetEnvironmentInfo() types.EnvironmentInfo {
	env := types.EnvironmentInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		CPUCores:     runtime.NumCPU(),
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		env.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		env.TotalMemoryGB = float64(memInfo.Total) / 1024 / 1024 / 1024
	}

	return env
}
