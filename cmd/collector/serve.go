package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/collector/internal/admin"
	"github.com/adred-codev/collector/internal/agent"
	"github.com/adred-codev/collector/internal/dispatch"
	"github.com/adred-codev/collector/internal/heartbeat"
	"github.com/adred-codev/collector/internal/netcheck"
	"github.com/adred-codev/collector/internal/reactor"
	"github.com/adred-codev/collector/internal/scheduler"
	"github.com/adred-codev/collector/internal/session"
	"github.com/adred-codev/collector/internal/shared/config"
	"github.com/adred-codev/collector/internal/shared/kafka"
	"github.com/adred-codev/collector/internal/shared/limits"
	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/nats"
	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/adred-codev/collector/internal/shared/workerpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout       = 10 * time.Second
	metricsSampleInterval = 15 * time.Second
)

func serveCmd() *cobra.Command {
	var (
		debug   bool
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			boot := monitoring.NewLogger(monitoring.LoggerConfig{
				Level:  types.LogLevelInfo,
				Format: types.LogFormatJSON,
			})

			cfg, err := config.LoadConfig(envFile, &boot)
			if err != nil {
				return err
			}
			if debug {
				cfg.LogLevel = string(types.LogLevelDebug)
			}

			logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
				Level:  types.LogLevel(cfg.LogLevel),
				Format: types.LogFormat(cfg.LogFormat),
			})
			logger.Info().
				Str("version", version).
				Int("gomaxprocs", runtime.GOMAXPROCS(0)).
				Msg("Starting collector")
			cfg.LogConfig(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment from this file instead of ./.env")

	return cmd
}

// run wires the collector and blocks until ctx is cancelled or the reactor fails.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	stats := types.NewStats()
	status := admin.NewStatus()

	pool := workerpool.NewWorkerPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger)
	pool.Start(ctx)
	defer pool.Stop()

	sessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	sink, closeSink, err := openResultSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	dispatcher := dispatch.New(
		agent.NewParser(),
		agent.NewController(sessions, sink, cfg.HeartbeatEvery(), logger),
		logger,
	)

	sysmon, err := monitoring.NewSystemMonitor(logger)
	if err != nil {
		logger.Warn().Err(err).Msg("System monitor unavailable, resource metrics disabled")
		sysmon = nil
	}

	collab := scheduler.Collaborators{Sessions: sessions}
	if cfg.HeartbeatEnabled {
		var publisher heartbeat.Publisher
		if cfg.NATSURL != "" {
			nc, err := nats.NewClient(nats.Config{URL: cfg.NATSURL, Name: cfg.CollectorID, MaxReconnects: -1}, logger)
			if err != nil {
				return err
			}
			defer nc.Close()
			publisher = nc
		}
		var sampler heartbeat.SystemSampler
		if sysmon != nil {
			sampler = sysmon
		}
		collab.HeartBeat = heartbeat.New(heartbeat.Config{
			CollectorID: cfg.CollectorID,
			Version:     version,
			Subject:     cfg.HeartbeatSubject,
		}, publisher, stats, sampler, sessions, logger)
	}
	var checker *netcheck.Checker
	if cfg.NetworkCheckEnabled {
		checker = netcheck.New(cfg.NetworkCheckTargets, cfg.NetworkCheckTimeout, logger)
		collab.NetworkController = checker
	}

	sched, err := scheduler.New(pool, logger, scheduler.CollectorJobs(cfg, collab)...)
	if err != nil {
		return err
	}

	opts := reactor.Options{
		Status: status,
		Stats:  stats,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := reactor.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSClientCAFile)
		if err != nil {
			return err
		}
		opts.TLSConfig = tlsCfg
		if cfg.TLSClientCAFile != "" {
			opts.PeerVerifier = reactor.RequirePeerCertificate()
		}
	}

	var admission limits.Chain
	if cfg.ResourceGuardEnabled() {
		var cpu limits.CPUSource
		if sysmon != nil {
			cpu = sysmon
		}
		guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
			MaxConnections:     cfg.MaxConnections,
			CPURejectThreshold: cfg.CPURejectThreshold,
			MemoryLimit:        cfg.MemoryLimit,
			MaxGoroutines:      cfg.MaxGoroutines,
			Logger:             logger,
		}, &stats.CurrentConnections, cpu)
		guard.StartMonitoring(ctx, metricsSampleInterval)
		admission = append(admission, guard)
	}
	if cfg.ConnRateLimitEnabled {
		limiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		defer limiter.Stop()
		admission = append(admission, limiter)
	}
	if len(admission) > 0 {
		opts.Limiter = admission
	}

	rx := reactor.New(pool, logger, opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer monitoring.RecoverPanic(logger, "reactor.Run", nil)
		errCh <- rx.Run(runCtx, cfg.ListenAddr(), reactor.Static(dispatcher))
	}()

	select {
	case <-rx.Ready():
	case err := <-errCh:
		// nil when shutdown arrived before the listener was bound
		return err
	}

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		src := admin.Sources{
			Stats:     stats,
			Pool:      pool,
			Scheduler: sched,
			Sessions:  sessions,
		}
		if checker != nil {
			src.Network = checker
		}
		if sysmon != nil {
			src.System = sysmon
		}
		if len(admission) > 0 {
			src.Admission = admission
		}
		adminSrv = admin.NewServer(cfg.AdminAddr, version, status, src, logger)
		if err := adminSrv.Start(); err != nil {
			cancel()
			<-errCh
			stopWork(sched, pool)
			return err
		}
	}

	sched.Start(runCtx)
	go collectMetrics(runCtx, pool, sysmon, logger)

	err = <-errCh

	stopWork(sched, pool)
	if adminSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := adminSrv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn().Err(serr).Msg("Admin server shutdown incomplete")
		}
		done()
	}

	if err != nil {
		return err
	}
	logger.Info().Interface("stats", stats.Snapshot()).Msg("Collector stopped")
	return nil
}

// stopWork stops the scheduler and drains the worker pool. Queued tasks
// still use the session store, result sink and NATS client, so it runs
// before the deferred closes of those.
func stopWork(sched *scheduler.Scheduler, pool *workerpool.WorkerPool) {
	sched.Stop()
	pool.Stop()
}

func openSessions(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*session.Manager, error) {
	var store session.Store = session.NewMemoryStore()
	if cfg.SessionDBPath != "" {
		sqlite, err := session.OpenSQLiteStore(ctx, cfg.SessionDBPath)
		if err != nil {
			return nil, err
		}
		store = sqlite
		logger.Info().Str("path", cfg.SessionDBPath).Msg("Using SQLite session store")
	}
	return session.NewManager(store, cfg.SessionTimeout, logger)
}

func openResultSink(cfg *config.Config, logger zerolog.Logger) (agent.ResultSink, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info().Msg("No Kafka brokers configured, agent reports go to the log")
		return kafka.NewLogSink(logger), func() {}, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaResultsTopic,
		ClientID: cfg.CollectorID,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := producer.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Err(err).Msg("Kafka producer close failed")
		}
	}
	return producer, closeFn, nil
}

// collectMetrics publishes worker pool gauges and, when available, a system
// sample on a fixed interval.
func collectMetrics(ctx context.Context, pool *workerpool.WorkerPool, sysmon *monitoring.SystemMonitor, logger zerolog.Logger) {
	defer monitoring.RecoverPanic(logger, "collectMetrics", nil)

	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitoring.UpdateWorkerPoolMetrics(pool.QueueDepth(), pool.QueueCapacity(), pool.Busy())
			if sysmon != nil {
				sysmon.Sample()
			}
		}
	}
}
