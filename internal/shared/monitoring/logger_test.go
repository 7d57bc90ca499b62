package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON, Output: &buf})

	logger.Info().Str("component", "reactor").Msg("Collector listening")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "agent-collector", line["service"])
	assert.Equal(t, "reactor", line["component"])
	assert.Equal(t, "Collector listening", line["message"])
	assert.Contains(t, line, "time")
	assert.Contains(t, line, "caller")
}

func TestNewLogger_ServiceOverride(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Output: &buf, Service: "collector-eu1"})
	logger.Info().Msg("x")
	assert.Contains(t, buf.String(), `"service":"collector-eu1"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[types.LogLevel]zerolog.Level{
		types.LogLevelDebug: zerolog.DebugLevel,
		types.LogLevelInfo:  zerolog.InfoLevel,
		types.LogLevelWarn:  zerolog.WarnLevel,
		types.LogLevelError: zerolog.ErrorLevel,
		types.LogLevelFatal: zerolog.FatalLevel,
		"verbose":           zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), string(in))
	}
}

func TestRecoverPanic_LogsAndContinues(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverPanic(logger, "testPump", map[string]any{"peer": "10.0.0.7:5123"})
		panic("boom")
	}()
	<-done

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "testPump", line["goroutine"])
	assert.Equal(t, "boom", line["panic"])
	assert.Equal(t, "10.0.0.7:5123", line["peer"])
	assert.NotEmpty(t, line["stack"])
}

func TestRecoverPanic_NoPanicIsSilent(t *testing.T) {
	var buf bytes.Buffer
	func() {
		defer RecoverPanic(zerolog.New(&buf), "quiet", nil)
	}()
	assert.Zero(t, buf.Len())
}
