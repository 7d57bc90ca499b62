package scheduler

import (
	"context"
	"time"

	"github.com/adred-codev/collector/internal/shared/config"
)

// Job names.
const (
	JobHeartbeat    = "heartbeat"
	JobNetworkCheck = "network_check"
	JobSessionSweep = "session_sweep"
)

// SessionSweepInterval is fixed; it does not follow any configured interval.
const SessionSweepInterval = 60 * time.Second

// HeartBeat reports collector liveness to the backend.
type HeartBeat interface {
	Beat(ctx context.Context) error
}

// NetworkController probes the surrounding network infrastructure.
type NetworkController interface {
	Check(ctx context.Context) error
}

// SessionSweeper expires idle agent sessions.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Collaborators are the bodies behind the collector's periodic jobs.
// A nil collaborator leaves its job out.
type Collaborators struct {
	HeartBeat         HeartBeat
	NetworkController NetworkController
	Sessions          SessionSweeper
}

// CollectorJobs builds the collector's schedule from validated configuration:
//   - heartbeat, immediate then every HEARTBEAT_INTERVAL, when enabled
//   - network check, immediate then every NETWORK_CHECK_INTERVAL, when enabled
//   - session sweep, every 60s
func CollectorJobs(cfg *config.Config, c Collaborators) []Job {
	var jobs []Job

	if cfg.HeartbeatEnabled && c.HeartBeat != nil {
		jobs = append(jobs, Job{
			Name:      JobHeartbeat,
			Interval:  cfg.HeartbeatEvery(),
			Immediate: true,
			Body:      c.HeartBeat.Beat,
		})
	}

	if cfg.NetworkCheckEnabled && c.NetworkController != nil {
		jobs = append(jobs, Job{
			Name:      JobNetworkCheck,
			Interval:  cfg.NetworkCheckEvery(),
			Immediate: true,
			Body:      c.NetworkController.Check,
		})
	}

	if c.Sessions != nil {
		sweeper := c.Sessions
		jobs = append(jobs, Job{
			Name:     JobSessionSweep,
			Interval: SessionSweepInterval,
			Body: func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				return err
			},
		})
	}

	return jobs
}
