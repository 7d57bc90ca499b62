package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// MinJobInterval is the smallest accepted heartbeat / network-check interval, in seconds.
const MinJobInterval = 10

// Config holds all collector configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	envSeparator: Separator for list values
type Config struct {
	// Listener
	Host        string `env:"COLLECTOR_HOST" envDefault:""`
	Port        int    `env:"COLLECTOR_PORT" envDefault:"80"`
	CollectorID string `env:"COLLECTOR_ID"`

	// TLS (both files or neither)
	TLSCertFile     string `env:"TLS_CERT_FILE"`
	TLSKeyFile      string `env:"TLS_KEY_FILE"`
	TLSClientCAFile string `env:"TLS_CLIENT_CA_FILE"`

	// Scheduled jobs (intervals in seconds)
	HeartbeatEnabled     bool          `env:"HEARTBEAT_ENABLED" envDefault:"false"`
	HeartbeatInterval    int           `env:"HEARTBEAT_INTERVAL" envDefault:"60"`
	HeartbeatSubject     string        `env:"HEARTBEAT_SUBJECT" envDefault:"collector.heartbeat"`
	NetworkCheckEnabled  bool          `env:"NETWORK_CHECK_ENABLED" envDefault:"false"`
	NetworkCheckInterval int           `env:"NETWORK_CHECK_INTERVAL" envDefault:"60"`
	NetworkCheckTargets  []string      `env:"NETWORK_CHECK_TARGETS" envSeparator:","`
	NetworkCheckTimeout  time.Duration `env:"NETWORK_CHECK_TIMEOUT" envDefault:"5s"`

	// Worker pool
	WorkerPoolSize  int `env:"WORKER_POOL_SIZE" envDefault:"50"`
	WorkerQueueSize int `env:"WORKER_QUEUE_SIZE" envDefault:"5000"`

	// Sessions
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"10m"`
	SessionDBPath  string        `env:"SESSION_DB_PATH"`

	// Backends (empty disables and falls back to log sinks)
	NATSURL           string   `env:"NATS_URL"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaResultsTopic string   `env:"KAFKA_RESULTS_TOPIC" envDefault:"agent.results"`

	// Connection rate limiting
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Admission limits (0 disables a check)
	MaxConnections     int     `env:"MAX_CONNECTIONS" envDefault:"10000"`
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"0"`
	MemoryLimit        int64   `env:"MEMORY_LIMIT" envDefault:"0"`
	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"0"`

	// Admin endpoints (/health, /metrics, /stats); empty disables
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from an optional .env file and environment variables.
// Priority: ENV vars > .env file > defaults
//
// envFile may be empty, in which case ".env" in the working directory is tried.
// Optional logger parameter for structured logging.
func LoadConfig(envFile string, logger *zerolog.Logger) (*Config, error) {
	files := []string{}
	if envFile != "" {
		files = append(files, envFile)
	}

	if err := godotenv.Load(files...); err != nil {
		// An explicitly requested file must exist; the default one is optional
		if envFile != "" {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg, err := Parse(nil)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Parse builds and validates a Config from environment. A nil map reads the process environment.
func Parse(environment map[string]string) (*Config, error) {
	cfg := &Config{}

	opts := env.Options{Environment: environment}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.CollectorID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.CollectorID = host
		} else {
			cfg.CollectorID = "collector"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
// It runs before the scheduler is built, so an invalid interval is a startup error.
func (c *Config) Validate() error {
	// Range checks
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("COLLECTOR_PORT must be 1-65535, got %d", c.Port)
	}
	if c.HeartbeatInterval < MinJobInterval {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be >= %d seconds, got %d", MinJobInterval, c.HeartbeatInterval)
	}
	if c.NetworkCheckInterval < MinJobInterval {
		return fmt.Errorf("NETWORK_CHECK_INTERVAL must be >= %d seconds, got %d", MinJobInterval, c.NetworkCheckInterval)
	}
	if c.NetworkCheckTimeout <= 0 {
		return fmt.Errorf("NETWORK_CHECK_TIMEOUT must be > 0, got %s", c.NetworkCheckTimeout)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be > 0, got %d", c.WorkerPoolSize)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be > 0, got %d", c.WorkerQueueSize)
	}
	if c.SessionTimeout < time.Minute {
		return fmt.Errorf("SESSION_TIMEOUT must be >= 1m, got %s", c.SessionTimeout)
	}
	if c.MaxConnections < 0 || c.MemoryLimit < 0 || c.MaxGoroutines < 0 {
		return errors.New("MAX_CONNECTIONS, MEMORY_LIMIT and MAX_GOROUTINES must be >= 0")
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	// Logical checks
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.TLSClientCAFile != "" && c.TLSCertFile == "" {
		return errors.New("TLS_CLIENT_CA_FILE requires TLS_CERT_FILE and TLS_KEY_FILE")
	}
	if c.HeartbeatEnabled && c.HeartbeatSubject == "" {
		return errors.New("HEARTBEAT_SUBJECT is required when HEARTBEAT_ENABLED is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaResultsTopic == "" {
		return errors.New("KAFKA_RESULTS_TOPIC is required when KAFKA_BROKERS is set")
	}
	for _, target := range c.NetworkCheckTargets {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return fmt.Errorf("NETWORK_CHECK_TARGETS entry %q must be host:port: %w", target, err)
		}
	}
	if c.ConnRateLimitEnabled {
		if c.ConnRateLimitIPBurst < 1 || c.ConnRateLimitGlobalBurst < 1 {
			return errors.New("CONN_RATE_LIMIT bursts must be > 0")
		}
		if c.ConnRateLimitIPRate <= 0 || c.ConnRateLimitGlobalRate <= 0 {
			return errors.New("CONN_RATE_LIMIT rates must be > 0")
		}
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ListenAddr is the host:port the reactor binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ResourceGuardEnabled reports whether any admission limit is set.
func (c *Config) ResourceGuardEnabled() bool {
	return c.MaxConnections > 0 || c.CPURejectThreshold > 0 || c.MemoryLimit > 0 || c.MaxGoroutines > 0
}

// TLSEnabled reports whether the listener terminates TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// HeartbeatEvery returns the heartbeat interval as a duration.
func (c *Config) HeartbeatEvery() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// NetworkCheckEvery returns the network-check interval as a duration.
func (c *Config) NetworkCheckEvery() time.Duration {
	return time.Duration(c.NetworkCheckInterval) * time.Second
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("collector_id", c.CollectorID).
		Str("listen_addr", c.ListenAddr()).
		Bool("tls", c.TLSEnabled()).
		Bool("client_cert_verification", c.TLSClientCAFile != "").
		Bool("heartbeat_enabled", c.HeartbeatEnabled).
		Int("heartbeat_interval_s", c.HeartbeatInterval).
		Bool("network_check_enabled", c.NetworkCheckEnabled).
		Int("network_check_interval_s", c.NetworkCheckInterval).
		Strs("network_check_targets", c.NetworkCheckTargets).
		Int("worker_pool_size", c.WorkerPoolSize).
		Int("worker_queue_size", c.WorkerQueueSize).
		Dur("session_timeout", c.SessionTimeout).
		Bool("session_db", c.SessionDBPath != "").
		Bool("nats", c.NATSURL != "").
		Strs("kafka_brokers", c.KafkaBrokers).
		Str("kafka_results_topic", c.KafkaResultsTopic).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("admin_addr", c.AdminAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Collector configuration loaded")
}
