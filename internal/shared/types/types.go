package types

import (
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Disconnect reasons. Every accepted connection ends with exactly one of these.
const (
	CloseReasonNormal  = "normal"
	CloseReasonTimeout = "timeout"
	CloseReasonPeer    = "peer"
)

// Stats tracks collector statistics.
// Counters are updated with atomic operations from the reactor loop and read
// concurrently by the heartbeat and the admin endpoints.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	RequestsDispatched int64
	RequestsRejected   int64 // Submit refused by the worker pool (answered 503)
	LateCompletions    int64 // Dispatch finished after its connection was closed
	BytesSent          int64
	BytesReceived      int64
	StartTime          time.Time

	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex // Protects DisconnectsByReason map
}

// NewStats returns a Stats value with its start time set.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}

// RecordDisconnect counts one closed connection under reason.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// Disconnects returns a copy of the per-reason disconnect counts.
func (s *Stats) Disconnects() map[string]int64 {
	s.DisconnectsMu.RLock()
	defer s.DisconnectsMu.RUnlock()
	out := make(map[string]int64, len(s.DisconnectsByReason))
	for k, v := range s.DisconnectsByReason {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time copy of Stats suitable for JSON encoding.
type Snapshot struct {
	TotalConnections   int64            `json:"total_connections"`
	CurrentConnections int64            `json:"current_connections"`
	RequestsDispatched int64            `json:"requests_dispatched"`
	RequestsRejected   int64            `json:"requests_rejected"`
	LateCompletions    int64            `json:"late_completions"`
	BytesSent          int64            `json:"bytes_sent"`
	BytesReceived      int64            `json:"bytes_received"`
	UptimeSeconds      float64          `json:"uptime_seconds"`
	Disconnects        map[string]int64 `json:"disconnects"`
}

// Snapshot reads all counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections:   atomic.LoadInt64(&s.TotalConnections),
		CurrentConnections: atomic.LoadInt64(&s.CurrentConnections),
		RequestsDispatched: atomic.LoadInt64(&s.RequestsDispatched),
		RequestsRejected:   atomic.LoadInt64(&s.RequestsRejected),
		LateCompletions:    atomic.LoadInt64(&s.LateCompletions),
		BytesSent:          atomic.LoadInt64(&s.BytesSent),
		BytesReceived:      atomic.LoadInt64(&s.BytesReceived),
		UptimeSeconds:      time.Since(s.StartTime).Seconds(),
		Disconnects:        s.Disconnects(),
	}
}
