package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Port)
	assert.Equal(t, ":80", cfg.ListenAddr())
	assert.False(t, cfg.HeartbeatEnabled)
	assert.Equal(t, 60, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatEvery())
	assert.False(t, cfg.NetworkCheckEnabled)
	assert.Equal(t, 60*time.Second, cfg.NetworkCheckEvery())
	assert.Equal(t, 50, cfg.WorkerPoolSize)
	assert.Equal(t, 5000, cfg.WorkerQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, "collector.heartbeat", cfg.HeartbeatSubject)
	assert.Equal(t, "agent.results", cfg.KafkaResultsTopic)
	assert.Equal(t, ":9090", cfg.AdminAddr)
	assert.NotEmpty(t, cfg.CollectorID)
	assert.False(t, cfg.TLSEnabled())
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.True(t, cfg.ResourceGuardEnabled())
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"COLLECTOR_HOST":         "127.0.0.1",
		"COLLECTOR_PORT":         "8443",
		"COLLECTOR_ID":           "edge-1",
		"HEARTBEAT_ENABLED":      "true",
		"HEARTBEAT_INTERVAL":     "15",
		"NETWORK_CHECK_ENABLED":  "true",
		"NETWORK_CHECK_INTERVAL": "10",
		"NETWORK_CHECK_TARGETS":  "10.0.0.1:53,gateway.local:443",
		"KAFKA_BROKERS":          "k1:9092,k2:9092",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8443", cfg.ListenAddr())
	assert.Equal(t, "edge-1", cfg.CollectorID)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatEvery())
	assert.Equal(t, 10*time.Second, cfg.NetworkCheckEvery())
	assert.Equal(t, []string{"10.0.0.1:53", "gateway.local:443"}, cfg.NetworkCheckTargets)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestValidate_RejectsShortIntervals(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"heartbeat 9s", map[string]string{"HEARTBEAT_INTERVAL": "9"}, "HEARTBEAT_INTERVAL"},
		{"heartbeat 0", map[string]string{"HEARTBEAT_INTERVAL": "0"}, "HEARTBEAT_INTERVAL"},
		{"network check 5s", map[string]string{"NETWORK_CHECK_INTERVAL": "5"}, "NETWORK_CHECK_INTERVAL"},
		{"network check negative", map[string]string{"NETWORK_CHECK_INTERVAL": "-1"}, "NETWORK_CHECK_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AcceptsMinimumInterval(t *testing.T) {
	_, err := Parse(map[string]string{
		"HEARTBEAT_INTERVAL":     "10",
		"NETWORK_CHECK_INTERVAL": "10",
	})
	assert.NoError(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"cert without key", func(c *Config) { c.TLSCertFile = "cert.pem" }},
		{"client ca without cert", func(c *Config) { c.TLSClientCAFile = "ca.pem" }},
		{"no workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"no queue", func(c *Config) { c.WorkerQueueSize = 0 }},
		{"short session timeout", func(c *Config) { c.SessionTimeout = 30 * time.Second }},
		{"bad target", func(c *Config) { c.NetworkCheckTargets = []string{"no-port"} }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative max connections", func(c *Config) { c.MaxConnections = -1 }},
		{"cpu threshold above 100", func(c *Config) { c.CPURejectThreshold = 120 }},
		{"rate limit zero burst", func(c *Config) {
			c.ConnRateLimitEnabled = true
			c.ConnRateLimitIPBurst = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(map[string]string{})
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"), nil)
	assert.Error(t, err)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.env")
	require.NoError(t, os.WriteFile(path, []byte("COLLECTOR_PORT=18080\n"), 0o600))

	// godotenv never overrides variables that are already present.
	t.Setenv("COLLECTOR_PORT", "")
	require.NoError(t, os.Unsetenv("COLLECTOR_PORT"))

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.Port)
}
