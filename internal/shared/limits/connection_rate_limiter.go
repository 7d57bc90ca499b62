package limits

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Rejection reasons, as reported on the connection rejection metric.
const (
	RejectGlobalRate = "rate_limit_global"
	RejectHostRate   = "rate_limit_ip"
)

// ConnectionRateLimiterConfig sizes the two token buckets. Zero values take
// the defaults noted on each field.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // 10
	IPRate  float64       // 1 conn/s
	IPTTL   time.Duration // 5m; idle agent hosts are forgotten after this

	GlobalBurst int     // 300
	GlobalRate  float64 // 50 conn/s

	Logger zerolog.Logger
}

func (c *ConnectionRateLimiterConfig) applyDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

// ConnectionRateLimiter throttles agent reconnects at accept time with a
// global token bucket in front of one bucket per agent host.
type ConnectionRateLimiter struct {
	cfg    ConnectionRateLimiterConfig
	global *rate.Limiter

	mu    sync.Mutex
	hosts map[string]*hostBucket

	rejectedGlobal atomic.Int64
	rejectedHost   atomic.Int64

	logger zerolog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type hostBucket struct {
	*rate.Limiter
	lastSeen time.Time
}

// RateLimiterStats is a point-in-time view for the admin surface.
type RateLimiterStats struct {
	TrackedHosts   int   `json:"tracked_hosts"`
	RejectedGlobal int64 `json:"rejected_global"`
	RejectedHost   int64 `json:"rejected_host"`
}

// NewConnectionRateLimiter builds the limiter and starts its eviction loop,
// which runs until Stop.
func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	cfg.applyDefaults()

	crl := &ConnectionRateLimiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		hosts:  make(map[string]*hostBucket),
		logger: cfg.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go crl.evictLoop(time.Minute)

	crl.logger.Info().
		Int("host_burst", cfg.IPBurst).
		Float64("host_rate", cfg.IPRate).
		Dur("host_ttl", cfg.IPTTL).
		Int("global_burst", cfg.GlobalBurst).
		Float64("global_rate", cfg.GlobalRate).
		Msg("Accept rate limiting enabled")

	return crl
}

// Allow reports whether a new connection from ip may proceed. A globally
// refused attempt never allocates a host bucket.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.global.Allow() {
		crl.reject(ip, RejectGlobalRate, &crl.rejectedGlobal)
		return false
	}
	if !crl.bucket(ip).Allow() {
		crl.reject(ip, RejectHostRate, &crl.rejectedHost)
		return false
	}
	return true
}

func (crl *ConnectionRateLimiter) reject(ip, reason string, counter *atomic.Int64) {
	counter.Add(1)
	monitoring.IncrementConnectionRejection(reason)
	crl.logger.Debug().Str("ip", ip).Str("reason", reason).Msg("Agent connection refused")
}

func (crl *ConnectionRateLimiter) bucket(ip string) *hostBucket {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	b, ok := crl.hosts[ip]
	if !ok {
		b = &hostBucket{Limiter: rate.NewLimiter(rate.Limit(crl.cfg.IPRate), crl.cfg.IPBurst)}
		crl.hosts[ip] = b
	}
	b.lastSeen = crl.now()
	return b
}

func (crl *ConnectionRateLimiter) evictLoop(every time.Duration) {
	defer monitoring.RecoverPanic(crl.logger, "rateLimiterEvict", nil)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-crl.stop:
			return
		case <-ticker.C:
			crl.cleanup()
		}
	}
}

// cleanup drops host buckets idle for longer than the TTL and returns how
// many went.
func (crl *ConnectionRateLimiter) cleanup() int {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	cutoff := crl.now().Add(-crl.cfg.IPTTL)
	removed := 0
	for ip, b := range crl.hosts {
		if b.lastSeen.Before(cutoff) {
			delete(crl.hosts, ip)
			removed++
		}
	}
	if removed > 0 {
		crl.logger.Debug().Int("evicted", removed).Int("tracked", len(crl.hosts)).Msg("Evicted idle agent hosts")
	}
	return removed
}

// TrackedIPs returns the number of agent hosts holding a bucket.
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	return len(crl.hosts)
}

func (crl *ConnectionRateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		TrackedHosts:   crl.TrackedIPs(),
		RejectedGlobal: crl.rejectedGlobal.Load(),
		RejectedHost:   crl.rejectedHost.Load(),
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stop) })
}

// Name identifies the limiter in admission stats.
func (crl *ConnectionRateLimiter) Name() string { return "rate_limit" }

// Report implements Reporter.
func (crl *ConnectionRateLimiter) Report() any { return crl.Stats() }
