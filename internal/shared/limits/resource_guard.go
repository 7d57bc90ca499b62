package limits

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// CPUSource reports the last process CPU measurement.
// *monitoring.SystemMonitor satisfies it.
type CPUSource interface {
	GetMetrics() monitoring.SystemMetrics
}

// ResourceGuardConfig holds the static admission limits. A zero limit disables its check.
type ResourceGuardConfig struct {
	MaxConnections     int     // open agent connections
	CPURejectThreshold float64 // process CPU percent
	MemoryLimit        int64   // heap bytes
	MaxGoroutines      int

	Logger zerolog.Logger
}

// GuardStats is the guard's view of the process against its limits.
type GuardStats struct {
	Connections     int64   `json:"connections"`
	MaxConnections  int     `json:"max_connections"`
	CPUPercent      float64 `json:"cpu_percent"`
	CPUThreshold    float64 `json:"cpu_reject_threshold"`
	HeapBytes       int64   `json:"heap_bytes"`
	MemoryLimit     int64   `json:"memory_limit_bytes"`
	Goroutines      int     `json:"goroutines"`
	MaxGoroutines   int     `json:"max_goroutines"`
	RejectedTotal   int64   `json:"rejected_total"`
	LastRejectCause string  `json:"last_reject_cause,omitempty"`
}

// ResourceGuard refuses new agent connections while the collector is over
// one of its static limits. CPU and heap are read from state refreshed by
// UpdateResources, so Allow never blocks the accept loop.
type ResourceGuard struct {
	cfg    ResourceGuardConfig
	logger zerolog.Logger
	cpu    CPUSource
	conns  *int64 // owned by the reactor's Stats

	cpuBits  atomic.Uint64 // math.Float64bits of the last CPU sample
	heap     atomic.Int64
	rejected atomic.Int64
	cause    atomic.Value // string
}

// admission check: reason label for metrics, and a detail when refused.
type guardCheck func(rg *ResourceGuard) (label, detail string, refuse bool)

var guardChecks = []guardCheck{
	func(rg *ResourceGuard) (string, string, bool) {
		limit := rg.cfg.MaxConnections
		n := atomic.LoadInt64(rg.conns)
		return "at_max_connections", fmt.Sprintf("%d open connections (limit %d)", n, limit),
			limit > 0 && n >= int64(limit)
	},
	func(rg *ResourceGuard) (string, string, bool) {
		limit := rg.cfg.CPURejectThreshold
		pct := rg.cpuPercent()
		return "cpu_overload", fmt.Sprintf("cpu %.1f%% (limit %.1f%%)", pct, limit),
			limit > 0 && rg.cpu != nil && pct > limit
	},
	func(rg *ResourceGuard) (string, string, bool) {
		limit := rg.cfg.MemoryLimit
		heap := rg.heap.Load()
		return "memory_limit", fmt.Sprintf("heap %d bytes (limit %d)", heap, limit),
			limit > 0 && heap > limit
	},
	func(rg *ResourceGuard) (string, string, bool) {
		limit := rg.cfg.MaxGoroutines
		n := runtime.NumGoroutine()
		return "goroutine_limit", fmt.Sprintf("%d goroutines (limit %d)", n, limit),
			limit > 0 && n > limit
	},
}

// NewResourceGuard creates a guard over the reactor's live connection count.
// cpu may be nil, which disables the CPU check.
func NewResourceGuard(cfg ResourceGuardConfig, currentConns *int64, cpu CPUSource) *ResourceGuard {
	rg := &ResourceGuard{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "resource_guard").Logger(),
		cpu:    cpu,
		conns:  currentConns,
	}
	rg.cause.Store("")

	rg.logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_goroutines", cfg.MaxGoroutines).
		Bool("cpu_source", cpu != nil).
		Msg("Resource guard enabled")

	return rg
}

// Name identifies the guard in admission stats.
func (rg *ResourceGuard) Name() string { return "resource_guard" }

// Allow implements the reactor's accept limiter; ip is only logged.
func (rg *ResourceGuard) Allow(ip string) bool {
	accept, reason := rg.ShouldAcceptConnection()
	if !accept {
		rg.logger.Debug().Str("ip", ip).Str("reason", reason).Msg("Agent connection refused by resource guard")
	}
	return accept
}

// ShouldAcceptConnection runs the checks in order (connections, CPU, heap,
// goroutines) and reports the first limit exceeded.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	for _, check := range guardChecks {
		label, detail, refuse := check(rg)
		if refuse {
			rg.rejected.Add(1)
			rg.cause.Store(label)
			monitoring.IncrementConnectionRejection(label)
			return false, detail
		}
	}
	return true, "OK"
}

// UpdateResources refreshes the CPU and heap readings used by Allow.
func (rg *ResourceGuard) UpdateResources() {
	if rg.cpu != nil {
		rg.cpuBits.Store(math.Float64bits(rg.cpu.GetMetrics().CPUPercent))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.heap.Store(int64(mem.HeapAlloc))
}

func (rg *ResourceGuard) cpuPercent() float64 {
	return math.Float64frombits(rg.cpuBits.Load())
}

// StartMonitoring refreshes resource state now and then every interval
// until ctx ends.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	rg.UpdateResources()

	go func() {
		defer monitoring.RecoverPanic(rg.logger, "resourceGuardMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rg.UpdateResources()
			}
		}
	}()
}

// Stats returns current readings next to their limits.
func (rg *ResourceGuard) Stats() GuardStats {
	return GuardStats{
		Connections:     atomic.LoadInt64(rg.conns),
		MaxConnections:  rg.cfg.MaxConnections,
		CPUPercent:      rg.cpuPercent(),
		CPUThreshold:    rg.cfg.CPURejectThreshold,
		HeapBytes:       rg.heap.Load(),
		MemoryLimit:     rg.cfg.MemoryLimit,
		Goroutines:      runtime.NumGoroutine(),
		MaxGoroutines:   rg.cfg.MaxGoroutines,
		RejectedTotal:   rg.rejected.Load(),
		LastRejectCause: rg.cause.Load().(string),
	}
}

// Report implements Reporter.
func (rg *ResourceGuard) Report() any { return rg.Stats() }
