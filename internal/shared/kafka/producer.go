// Package kafka delivers agent reports to a Kafka/Redpanda topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Logger   zerolog.Logger

	// Optional, zero means the default
	ProduceTimeout time.Duration // per-record ack wait (default: 10s)
	Linger         time.Duration // batching delay (default: 5ms)
}

// Producer wraps a franz-go client for producing agent reports.
// Records are keyed by session so one agent's reports stay ordered on one partition.
type Producer struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	logger  zerolog.Logger

	produced atomic.Uint64
	failed   atomic.Uint64
}

// NewProducer creates a Producer. It does not contact the brokers until the
// first record is produced.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	timeout := cfg.ProduceTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	linger := cfg.Linger
	if linger == 0 {
		linger = 5 * time.Millisecond
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(linger),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(16 * 1024 * 1024),
		kgo.RecordDeliveryTimeout(timeout),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	cfg.Logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka producer created")

	return &Producer{
		client:  client,
		topic:   cfg.Topic,
		timeout: timeout,
		logger:  cfg.Logger.With().Str("component", "kafka_producer").Logger(),
	}, nil
}

// Produce writes one record and waits for the broker ack.
// It runs in a worker, so blocking here never stalls the reactor.
func (p *Producer) Produce(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := &kgo.Record{Key: []byte(key), Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	p.produced.Add(1)
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()

	p.logger.Info().
		Uint64("records_produced", p.produced.Load()).
		Uint64("records_failed", p.failed.Load()).
		Msg("Kafka producer stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	return nil
}

// LogSink stands in for the producer when no brokers are configured: each
// record is written to the log and dropped.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "result_log").Logger()}
}

// Produce logs the record.
func (s *LogSink) Produce(_ context.Context, key string, value []byte) error {
	s.logger.Info().
		Str("key", key).
		Int("bytes", len(value)).
		RawJSON("record", value).
		Msg("Agent report")
	return nil
}
