// Package partsybus wires a broker connection, an event bus and its health
// checks from a single set of settings.
package partsybus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inarithefox/partsy-bus/config"
	"github.com/inarithefox/partsy-bus/eventbus"
	"github.com/inarithefox/partsy-bus/health"
	"github.com/inarithefox/partsy-bus/internal/metrics"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/internal/reliability"
	"github.com/inarithefox/partsy-bus/serialization"
)

// Client owns the persistent connection and the bus built on it
type Client struct {
	settings config.BrokerSettings
	conn     *rabbitmq.PersistentConnection
	bus      *eventbus.Bus
	health   *health.Registry
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// clientConfig holds configuration for creating a client
type clientConfig struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	serializer serialization.Serializer
	policy     reliability.RetryPolicy
	dialer     rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger shared by the connection and the bus
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRegisterer enables Prometheus metrics registered on reg
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithSerializer replaces the JSON serializer of the bus
func WithSerializer(serializer serialization.Serializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = serializer
	}
}

// WithRetryPolicy overrides the backoff of both the connection and the bus
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.policy = policy
	}
}

func withDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// NewClient validates settings and builds a disconnected client. The broker
// is dialed lazily by the first bus operation.
func NewClient(settings config.BrokerSettings, options ...ClientOption) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("partsybus: invalid broker settings: %w", err)
	}

	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithAMQPConfig(settings.AMQPConfig()),
	}
	busOpts := []eventbus.Option{eventbus.WithLogger(cfg.logger)}

	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.policy != nil {
		connOpts = append(connOpts, rabbitmq.WithRetryPolicy(cfg.policy))
		busOpts = append(busOpts, eventbus.WithRetryPolicy(cfg.policy))
	}
	if cfg.serializer != nil {
		busOpts = append(busOpts, eventbus.WithSerializer(cfg.serializer))
	}

	conn := rabbitmq.NewPersistentConnection(settings.URL(), settings.RetryCount, connOpts...)

	var collector *metrics.Collector
	if cfg.registerer != nil {
		collector = metrics.NewCollector(cfg.registerer, conn.IsConnected)
		conn.AddStateListener(collector)
		busOpts = append(busOpts, eventbus.WithMetrics(collector))
	}

	bus := eventbus.New(conn, settings, busOpts...)

	registry := health.NewRegistry()
	registry.SetMetadata("exchange", settings.Exchange)
	registry.Register(health.NewConnectionChecker(conn, rabbitmq.ExchangeDeclaration{
		Name:       settings.Exchange,
		Type:       amqp.ExchangeDirect,
		Durable:    settings.ExchangeDurable,
		AutoDelete: settings.ExchangeAutoDelete,
	}, cfg.logger))

	return &Client{
		settings: settings,
		conn:     conn,
		bus:      bus,
		health:   registry,
		metrics:  collector,
		logger:   cfg.logger,
	}, nil
}

// Bus returns the event bus
func (c *Client) Bus() *eventbus.Bus {
	return c.bus
}

// Connection returns the persistent broker connection
func (c *Client) Connection() *rabbitmq.PersistentConnection {
	return c.conn
}

// Health returns the health registry. Callers may register more checkers.
func (c *Client) Health() *health.Registry {
	return c.health
}

// Settings returns the broker settings the client was built from
func (c *Client) Settings() config.BrokerSettings {
	return c.settings
}

// Close stops the bus and then disposes the connection
func (c *Client) Close() error {
	var errs []error

	if err := c.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close bus: %w", err))
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("client closed")
	return nil
}
