package heartbeat

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	subject string
	payload Payload
	err     error
}

func (c *capturePublisher) PublishJSON(_ context.Context, subject string, obj any) error {
	if c.err != nil {
		return c.err
	}
	c.subject = subject
	c.payload = obj.(Payload)
	return nil
}

type fixedSampler struct{ calls atomic.Int32 }

func (f *fixedSampler) Sample() monitoring.SystemMetrics {
	f.calls.Add(1)
	return monitoring.SystemMetrics{CPUPercent: 12.5, MemoryMB: 64, Goroutines: 42}
}

type countSessions struct {
	n   int
	err error
}

func (c countSessions) Count(context.Context) (int, error) {
	return c.n, c.err
}

func TestBeat_PublishesPayload(t *testing.T) {
	stats := types.NewStats()
	stats.CurrentConnections = 3
	pub := &capturePublisher{}
	sampler := &fixedSampler{}

	b := New(Config{CollectorID: "c-1", Version: "1.2.3", Subject: "collector.heartbeat"},
		pub, stats, sampler, countSessions{n: 7}, zerolog.Nop())

	require.NoError(t, b.Beat(context.Background()))
	assert.Equal(t, "collector.heartbeat", pub.subject)
	assert.Equal(t, "c-1", pub.payload.CollectorID)
	assert.Equal(t, "1.2.3", pub.payload.Version)
	assert.Equal(t, int64(3), pub.payload.Connections.CurrentConnections)
	assert.Equal(t, 7, pub.payload.Sessions)
	assert.Equal(t, 42, pub.payload.System.Goroutines)
	assert.Equal(t, int32(1), sampler.calls.Load())
}

func TestBeat_PublishFailureIsReturned(t *testing.T) {
	b := New(Config{Subject: "s"}, &capturePublisher{err: errors.New("nats: connection closed")},
		types.NewStats(), nil, nil, zerolog.Nop())

	err := b.Beat(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestBeat_SessionCountFailureStillBeats(t *testing.T) {
	pub := &capturePublisher{}
	b := New(Config{Subject: "s"}, pub, nil, nil, countSessions{err: errors.New("locked")}, zerolog.Nop())

	require.NoError(t, b.Beat(context.Background()))
	assert.Zero(t, pub.payload.Sessions)
}

func TestBeat_LogFallback(t *testing.T) {
	var buf bytes.Buffer
	b := New(Config{CollectorID: "c-9"}, nil, types.NewStats(), nil, nil, zerolog.New(&buf))

	require.NoError(t, b.Beat(context.Background()))
	assert.Contains(t, buf.String(), `"collector_id":"c-9"`)
	assert.Contains(t, buf.String(), "Heartbeat")
}
