// Package config loads and validates the broker settings of the event bus.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Default values applied before file and environment overrides
const (
	DefaultHost         = "localhost"
	DefaultPort         = 5672
	DefaultUsername     = "guest"
	DefaultPassword     = "guest"
	DefaultVirtualHost  = "/"
	DefaultRetryCount   = 5
	DefaultExchange     = "partsy_event_bus"
	DefaultQueue        = "default_queue"
	DefaultReplyTimeout = 30 * time.Second
	DefaultPrefetch     = 10
	DefaultHeartbeat    = 10 * time.Second
)

// Settings is the complete configuration of a bus process
type Settings struct {
	Broker        BrokerSettings `mapstructure:"broker"`
	Logging       Logging        `mapstructure:"logging"`
	Observability Observability  `mapstructure:"observability"`
}

// BrokerSettings holds everything needed to connect to the broker and lay out
// the bus topology. It is created once at startup and treated as read-only.
type BrokerSettings struct {
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`
	Username    string `mapstructure:"username" validate:"required"`
	Password    string `mapstructure:"password"`
	VirtualHost string `mapstructure:"virtual_host" validate:"required"`
	RetryCount  int    `mapstructure:"retry_count" validate:"min=0,max=30"`

	Exchange           string        `mapstructure:"exchange" validate:"required"`
	DefaultQueue       string        `mapstructure:"default_queue" validate:"required"`
	ExchangeDurable    bool          `mapstructure:"exchange_durable"`
	ExchangeAutoDelete bool          `mapstructure:"exchange_auto_delete"`
	ReplyTimeout       time.Duration `mapstructure:"reply_timeout" validate:"min=0"`
	PrefetchCount      int           `mapstructure:"prefetch_count" validate:"min=0"`
	Heartbeat          time.Duration `mapstructure:"heartbeat" validate:"min=0"`
	ConnectionName     string        `mapstructure:"connection_name"`
	DeadLetterExchange string        `mapstructure:"dead_letter_exchange"`
}

// Logging configures the process logger
type Logging struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	File   string `mapstructure:"file"`
}

// Observability configures tracing and the metrics endpoint
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultBrokerSettings returns the settings used when nothing is configured
func DefaultBrokerSettings() BrokerSettings {
	return BrokerSettings{
		Host:               DefaultHost,
		Port:               DefaultPort,
		Username:           DefaultUsername,
		Password:           DefaultPassword,
		VirtualHost:        DefaultVirtualHost,
		RetryCount:         DefaultRetryCount,
		Exchange:           DefaultExchange,
		DefaultQueue:       DefaultQueue,
		ExchangeDurable:    true,
		ExchangeAutoDelete: true,
		ReplyTimeout:       DefaultReplyTimeout,
		PrefetchCount:      DefaultPrefetch,
		Heartbeat:          DefaultHeartbeat,
	}
}

// Validate checks the settings against their constraints
func (s *Settings) Validate() error {
	return validator.New().Struct(s)
}

// Validate checks the broker settings against their constraints
func (b BrokerSettings) Validate() error {
	return validator.New().Struct(b)
}

// URI returns the AMQP URI described by the settings
func (b BrokerSettings) URI() amqp.URI {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		Vhost:    b.VirtualHost,
	}
}

// URL returns the AMQP connection string
func (b BrokerSettings) URL() string {
	return b.URI().String()
}

// Redacted returns a copy safe to print or log
func (b BrokerSettings) Redacted() BrokerSettings {
	if b.Password != "" {
		b.Password = "****"
	}
	return b
}

// AMQPConfig returns the client configuration used when dialing
func (b BrokerSettings) AMQPConfig() amqp.Config {
	cfg := amqp.Config{
		Vhost:      b.VirtualHost,
		Heartbeat:  b.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if b.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(b.ConnectionName)
	}
	return cfg
}
