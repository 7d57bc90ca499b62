package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducer_Validation(t *testing.T) {
	_, err := NewProducer(ProducerConfig{Topic: "agent.results"})
	assert.Error(t, err)

	_, err = NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestNewProducer_DoesNotDial(t *testing.T) {
	p, err := NewProducer(ProducerConfig{
		Brokers: []string{"127.0.0.1:1"},
		Topic:   "agent.results",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Close(ctx))
}

func TestLogSink_Produce(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	require.NoError(t, sink.Produce(context.Background(), "session-1", []byte(`{"cpu":3}`)))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session-1", line["key"])
	assert.Equal(t, map[string]any{"cpu": float64(3)}, line["record"])
}
