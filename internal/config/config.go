package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BrokerKindKafka    = "kafka"
	BrokerKindRabbitMQ = "rabbitmq"
)

type Config struct {
	Spotify  SpotifyConfig  `mapstructure:"spotify"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Producer ProducerConfig `mapstructure:"producer"`
	Log      LogConfig      `mapstructure:"log"`
}

type SpotifyConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
	BaseURL      string `mapstructure:"base_url"`
}

type BrokerConfig struct {
	Kind     string   `mapstructure:"kind"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	AMQPURL  string   `mapstructure:"amqp_url"`
	Exchange string   `mapstructure:"exchange"`
}

type ProducerConfig struct {
	Regions       []string      `mapstructure:"regions"`
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
	FetchLimit    int           `mapstructure:"fetch_limit"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxWorkers    int           `mapstructure:"max_workers"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// defaultRegions is the charted country set processed when
// CHARTSTREAM_PRODUCER_REGIONS is not set.
var defaultRegions = []string{
	"US", "GB", "CA", "AU", "DE", "FR", "ES", "IT",
	"BR", "MX", "AR", "CO", "CL", "PE", "JP", "KR",
	"IN", "SE", "NO",
}

// Load reads configuration from CHARTSTREAM_* environment variables.
// All required values absent fail here, before any cycle runs.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("chartstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Required values default to empty so Unmarshal sees the keys and
	// Validate can report them.
	v.SetDefault("spotify.client_id", "")
	v.SetDefault("spotify.client_secret", "")
	v.SetDefault("spotify.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("spotify.base_url", "https://api.spotify.com/v1")

	v.SetDefault("broker.kind", BrokerKindKafka)
	v.SetDefault("broker.brokers", []string{})
	v.SetDefault("broker.topic", "")
	v.SetDefault("broker.amqp_url", "")
	v.SetDefault("broker.exchange", "chartstream")

	v.SetDefault("producer.regions", defaultRegions)
	v.SetDefault("producer.fetch_interval", time.Hour)
	v.SetDefault("producer.fetch_limit", 50)
	v.SetDefault("producer.max_retries", 3)
	v.SetDefault("producer.retry_backoff", 500*time.Millisecond)
	v.SetDefault("producer.max_workers", 5)

	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Spotify.ClientID == "" {
		return fmt.Errorf("spotify.client_id is required (CHARTSTREAM_SPOTIFY_CLIENT_ID)")
	}
	if c.Spotify.ClientSecret == "" {
		return fmt.Errorf("spotify.client_secret is required (CHARTSTREAM_SPOTIFY_CLIENT_SECRET)")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic is required (CHARTSTREAM_BROKER_TOPIC)")
	}
	switch c.Broker.Kind {
	case BrokerKindKafka:
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers is required (CHARTSTREAM_BROKER_BROKERS)")
		}
	case BrokerKindRabbitMQ:
		if c.Broker.AMQPURL == "" {
			return fmt.Errorf("broker.amqp_url is required (CHARTSTREAM_BROKER_AMQP_URL)")
		}
	default:
		return fmt.Errorf("unsupported broker kind %q", c.Broker.Kind)
	}
	if len(c.Producer.Regions) == 0 {
		return fmt.Errorf("producer.regions must not be empty")
	}
	if c.Producer.FetchInterval <= 0 {
		return fmt.Errorf("producer.fetch_interval must be positive")
	}
	if c.Producer.FetchLimit < 1 || c.Producer.FetchLimit > 50 {
		return fmt.Errorf("producer.fetch_limit must be in [1,50]")
	}
	if c.Producer.MaxRetries < 1 {
		return fmt.Errorf("producer.max_retries must be >= 1")
	}
	if c.Producer.MaxWorkers < 1 {
		return fmt.Errorf("producer.max_workers must be >= 1")
	}
	return nil
}
