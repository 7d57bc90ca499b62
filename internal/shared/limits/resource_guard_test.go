package limits

import (
	"testing"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cpuStub struct{ pct float64 }

func (c cpuStub) GetMetrics() monitoring.SystemMetrics {
	return monitoring.SystemMetrics{CPUPercent: c.pct}
}

func TestResourceGuard_MaxConnections(t *testing.T) {
	var conns int64 = 1
	rg := NewResourceGuard(ResourceGuardConfig{MaxConnections: 2, Logger: zerolog.Nop()}, &conns, nil)

	assert.True(t, rg.Allow("10.0.0.1"))
	conns = 2
	ok, reason := rg.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Contains(t, reason, "limit 2")
	assert.Equal(t, "at_max_connections", rg.Stats().LastRejectCause)
	assert.Equal(t, int64(1), rg.Stats().RejectedTotal)
}

func TestResourceGuard_CPUBrakeUsesLastSample(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(ResourceGuardConfig{CPURejectThreshold: 80, Logger: zerolog.Nop()}, &conns, cpuStub{pct: 95})

	// Nothing sampled yet.
	assert.True(t, rg.Allow("10.0.0.1"))

	rg.UpdateResources()
	assert.False(t, rg.Allow("10.0.0.1"))
	assert.Equal(t, 95.0, rg.Stats().CPUPercent)
}

func TestResourceGuard_ZeroLimitsDisableChecks(t *testing.T) {
	var conns int64 = 1 << 20
	rg := NewResourceGuard(ResourceGuardConfig{Logger: zerolog.Nop()}, &conns, cpuStub{pct: 100})
	rg.UpdateResources()
	assert.True(t, rg.Allow("10.0.0.1"))
}

func TestResourceGuard_GoroutineLimit(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(ResourceGuardConfig{MaxGoroutines: 1, Logger: zerolog.Nop()}, &conns, nil)
	// The test runner alone has more than one goroutine.
	assert.False(t, rg.Allow("10.0.0.1"))
}

type countingLimiter struct {
	allow bool
	calls int
}

func (c *countingLimiter) Allow(string) bool {
	c.calls++
	return c.allow
}

func TestChain_StopsAtFirstRefusal(t *testing.T) {
	first := &countingLimiter{allow: false}
	second := &countingLimiter{allow: true}

	assert.False(t, Chain{first, second}.Allow("10.0.0.1"))
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)

	first.allow = true
	assert.True(t, Chain{first, second}.Allow("10.0.0.1"))
	assert.Equal(t, 1, second.calls)

	assert.True(t, Chain{}.Allow("10.0.0.1"))
}

func TestChain_StatsCollectsReporters(t *testing.T) {
	var conns int64 = 3
	guard := NewResourceGuard(ResourceGuardConfig{MaxConnections: 10, Logger: zerolog.Nop()}, &conns, nil)
	crl := newLimiter(t, ConnectionRateLimiterConfig{})

	stats := Chain{guard, crl, &countingLimiter{allow: true}}.Stats()
	require.Len(t, stats, 2)

	gs, ok := stats["resource_guard"].(GuardStats)
	require.True(t, ok)
	assert.Equal(t, int64(3), gs.Connections)
	assert.Equal(t, 10, gs.MaxConnections)

	_, ok = stats["rate_limit"].(RateLimiterStats)
	assert.True(t, ok)
}
