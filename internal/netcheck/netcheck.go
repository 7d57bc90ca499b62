// Package netcheck probes the network infrastructure around the collector.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// TargetStatus is the last probe result for one target.
type TargetStatus struct {
	Target    string        `json:"target"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checker dials each target over TCP. All targets are probed concurrently,
// each bounded by the timeout.
type Checker struct {
	targets []string
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	logger  zerolog.Logger

	mu   sync.RWMutex
	last []TargetStatus
}

// New creates a Checker for host:port targets.
func New(targets []string, timeout time.Duration, logger zerolog.Logger) *Checker {
	d := &net.Dialer{}
	return &Checker{
		targets: append([]string(nil), targets...),
		timeout: timeout,
		dial:    d.DialContext,
		logger:  logger.With().Str("component", "netcheck").Logger(),
	}
}

// Check probes every target. It returns the joined errors of the
// unreachable ones, or nil when all answered.
func (c *Checker) Check(ctx context.Context) error {
	if len(c.targets) == 0 {
		c.logger.Debug().Msg("No network check targets configured")
		return nil
	}

	results := make([]TargetStatus, len(c.targets))
	var wg sync.WaitGroup
	for i, target := range c.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probe(ctx, target)
		}()
	}
	wg.Wait()

	var errs []error
	up := 0
	for _, r := range results {
		monitoring.SetTargetReachable(r.Target, r.Reachable)
		if r.Reachable {
			up++
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %s", r.Target, r.Error))
	}

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	c.logger.Info().
		Int("targets", len(results)).
		Int("reachable", up).
		Msg("Network check completed")

	return errors.Join(errs...)
}

// Last returns the results of the most recent Check.
func (c *Checker) Last() []TargetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]TargetStatus(nil), c.last...)
}

func (c *Checker) probe(ctx context.Context, target string) TargetStatus {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dial(ctx, "tcp", target)
	st := TargetStatus{
		Target:    target,
		Latency:   time.Since(start),
		CheckedAt: start,
	}
	if err != nil {
		st.Error = err.Error()
		c.logger.Warn().Err(err).Str("target", target).Msg("Network target unreachable")
		return st
	}
	_ = conn.Close()
	st.Reachable = true
	return st
}
