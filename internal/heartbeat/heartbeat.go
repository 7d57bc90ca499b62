// Package heartbeat reports collector liveness to the backend.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/rs/zerolog"
)

// Publisher delivers an encoded heartbeat. A *nats.Client satisfies it.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, obj any) error
}

// SystemSampler measures process resources.
type SystemSampler interface {
	Sample() monitoring.SystemMetrics
}

// SessionCounter reports the number of registered agents.
type SessionCounter interface {
	Count(ctx context.Context) (int, error)
}

// Payload is one heartbeat message.
type Payload struct {
	CollectorID   string                   `json:"collector_id"`
	Version       string                   `json:"version,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Sessions      int                      `json:"sessions"`
	Connections   types.Snapshot           `json:"connections"`
	System        monitoring.SystemMetrics `json:"system"`
}

type Config struct {
	CollectorID string
	Version     string
	Subject     string
}

// Beater builds and sends heartbeats. With no Publisher the heartbeat is
// written to the log instead.
type Beater struct {
	cfg       Config
	publisher Publisher
	stats     *types.Stats
	system    SystemSampler
	sessions  SessionCounter
	logger    zerolog.Logger
}

// New creates a Beater. publisher, system and sessions may be nil.
func New(cfg Config, publisher Publisher, stats *types.Stats, system SystemSampler, sessions SessionCounter, logger zerolog.Logger) *Beater {
	return &Beater{
		cfg:       cfg,
		publisher: publisher,
		stats:     stats,
		system:    system,
		sessions:  sessions,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Beat sends one heartbeat. It runs as a scheduled job body in the worker pool.
func (b *Beater) Beat(ctx context.Context) error {
	p := b.payload(ctx)

	if b.publisher == nil {
		monitoring.IncrementHeartbeats("log")
		b.logger.Info().
			Str("collector_id", p.CollectorID).
			Float64("uptime_seconds", p.UptimeSeconds).
			Int64("connections", p.Connections.CurrentConnections).
			Int("sessions", p.Sessions).
			Float64("cpu_percent", p.System.CPUPercent).
			Float64("memory_mb", p.System.MemoryMB).
			Msg("Heartbeat")
		return nil
	}

	if err := b.publisher.PublishJSON(ctx, b.cfg.Subject, p); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	monitoring.IncrementHeartbeats("nats")
	b.logger.Debug().Str("subject", b.cfg.Subject).Msg("Heartbeat published")
	return nil
}

func (b *Beater) payload(ctx context.Context) Payload {
	p := Payload{
		CollectorID: b.cfg.CollectorID,
		Version:     b.cfg.Version,
		Timestamp:   time.Now().UTC(),
	}
	if b.stats != nil {
		p.Connections = b.stats.Snapshot()
		p.UptimeSeconds = p.Connections.UptimeSeconds
	}
	if b.system != nil {
		p.System = b.system.Sample()
	}
	if b.sessions != nil {
		n, err := b.sessions.Count(ctx)
		if err != nil {
			// A heartbeat without a session count still proves liveness.
			b.logger.Warn().Err(err).Msg("Failed to count sessions for heartbeat")
		} else {
			p.Sessions = n
		}
	}
	return p
}
