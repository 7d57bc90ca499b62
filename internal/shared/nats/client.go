// Package nats publishes collector events (heartbeats) to NATS.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Config struct {
	URL           string
	Name          string
	MaxReconnects int           // -1 retries forever
	ReconnectWait time.Duration // default 2s
	PingInterval  time.Duration // default 20s
	MaxPingsOut   int           // default 3
}

// Client is a publish-only NATS connection.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewClient connects to cfg.URL. The collector must start even when NATS is
// down, so the first connect is retried in the background.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}

	client := &Client{
		logger: logger.With().Str("component", "nats").Logger(),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.ConnectHandler(client.connectHandler),
		nats.DisconnectErrHandler(client.disconnectHandler),
		nats.ReconnectHandler(client.reconnectHandler),
		nats.ErrorHandler(client.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	client.conn = conn
	if conn.IsConnected() {
		monitoring.SetNATSConnected(true)
	}
	return client, nil
}

func (c *Client) connectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	monitoring.SetNATSConnected(true)
}

func (c *Client) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("Disconnected from NATS")
	} else {
		c.logger.Info().Msg("Disconnected from NATS")
	}
	monitoring.SetNATSConnected(false)
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	monitoring.SetNATSConnected(true)
	monitoring.IncrementNATSReconnects()
}

func (c *Client) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	ev := c.logger.Error().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("NATS error")
}

// Publish sends data on subject and flushes, so the caller learns about a
// dead connection instead of filling the reconnect buffer.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}
	return nil
}

// PublishJSON publishes a JSON-serializable object
func (c *Client) PublishJSON(ctx context.Context, subject string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.Publish(ctx, subject, data)
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	monitoring.SetNATSConnected(false)
	c.logger.Info().Msg("NATS connection closed")
	return nil
}
