package monitoring

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent        float64   `json:"cpu_percent"`         // Process CPU usage percentage
	HostCPUPercent    float64   `json:"host_cpu_percent"`    // Whole-host CPU usage percentage
	MemoryBytes       int64     `json:"memory_bytes"`        // Process resident set size
	MemoryMB          float64   `json:"memory_mb"`           // Same as MemoryBytes, in MB
	HostMemoryPercent float64   `json:"host_memory_percent"` // Host memory in use
	Goroutines        int       `json:"goroutines"`          // Current goroutine count
	Timestamp         time.Time `json:"timestamp"`           // When these metrics were captured
}

// SystemMonitor measures process and host resources with gopsutil.
//
// Sample performs blocking syscalls and /proc reads, so callers run it from
// the worker pool (the heartbeat body), never from the reactor loop.
// The last sample is cached for cheap reads by the admin endpoints.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics
}

// NewSystemMonitor creates a monitor for the current process.
func NewSystemMonitor(logger zerolog.Logger) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}

	return &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		proc:   proc,
	}, nil
}

// Sample performs a single measurement of all system resources and caches it.
// Individual probe failures are logged and leave the field at zero.
func (sm *SystemMonitor) Sample() SystemMetrics {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if pct, err := sm.proc.CPUPercent(); err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to read process CPU")
	} else {
		m.CPUPercent = pct
	}

	if info, err := sm.proc.MemoryInfo(); err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to read process memory")
	} else {
		m.MemoryBytes = int64(info.RSS)
		m.MemoryMB = float64(info.RSS) / (1024 * 1024)
	}

	if host, err := cpu.Percent(0, false); err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to read host CPU")
	} else if len(host) > 0 {
		m.HostCPUPercent = host[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to read host memory")
	} else {
		m.HostMemoryPercent = vm.UsedPercent
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	UpdateSystemMetrics(m)

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Float64("memory_mb", m.MemoryMB).
		Int("goroutines", m.Goroutines).
		Msg("System metrics updated")

	return m
}

// GetMetrics returns a copy of the last sample.
// Thread-safe for concurrent access.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}
