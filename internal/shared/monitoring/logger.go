package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultService = "agent-collector"

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level   types.LogLevel
	Format  types.LogFormat
	Output  io.Writer // os.Stdout when nil
	Service string    // "agent-collector" when empty
}

// NewLogger builds the collector's zerolog logger. JSON lines carry a
// timestamp, the caller and a "service" field; the pretty format is a
// console writer for local runs. The level is applied globally.
func NewLogger(config LoggerConfig) zerolog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.Format == types.LogFormatPretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	service := config.Service
	if service == "" {
		service = defaultService
	}

	zerolog.SetGlobalLevel(ParseLevel(config.Level))

	return zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// ParseLevel maps a configured level to zerolog, defaulting to info.
func ParseLevel(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs err at error level with extra fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic must be deferred directly by the goroutine it protects
// (pumps, the accept loop, scheduler tickers). It logs the panic with its
// stack, counts it, and lets the goroutine return.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "readPump", map[string]any{"peer": addr})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}

	event := logger.Error().
		Str("goroutine", goroutineName).
		Interface("panic", r).
		Str("stack", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("Goroutine panic recovered")

	RecordPanic(goroutineName)
}

// InitGlobalLogger builds the logger and installs it as zerolog's global
// log.Logger. Call once at startup.
func InitGlobalLogger(config LoggerConfig) zerolog.Logger {
	logger := NewLogger(config)
	log.Logger = logger
	return logger
}
