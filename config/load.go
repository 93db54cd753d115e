package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PARTSY_BROKER_HOST
const EnvPrefix = "PARTSY"

// Load reads settings from the YAML file at path (or ./partsy.yaml when path is
// empty and the file exists), overlays PARTSY_* environment variables, and
// validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("partsy")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: failed to read partsy.yaml: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultBrokerSettings()

	v.SetDefault("broker.host", d.Host)
	v.SetDefault("broker.port", d.Port)
	v.SetDefault("broker.username", d.Username)
	v.SetDefault("broker.password", d.Password)
	v.SetDefault("broker.virtual_host", d.VirtualHost)
	v.SetDefault("broker.retry_count", d.RetryCount)
	v.SetDefault("broker.exchange", d.Exchange)
	v.SetDefault("broker.default_queue", d.DefaultQueue)
	v.SetDefault("broker.exchange_durable", d.ExchangeDurable)
	v.SetDefault("broker.exchange_auto_delete", d.ExchangeAutoDelete)
	v.SetDefault("broker.reply_timeout", d.ReplyTimeout)
	v.SetDefault("broker.prefetch_count", d.PrefetchCount)
	v.SetDefault("broker.heartbeat", d.Heartbeat)
	v.SetDefault("broker.connection_name", "")
	v.SetDefault("broker.dead_letter_exchange", "")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("observability.service_name", "partsy-bus")
	v.SetDefault("observability.tracing_url", "")
	v.SetDefault("observability.metrics_addr", ":9464")
}
