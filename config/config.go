package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound   = errors.New("config: file not found")
	ErrConfigUnmarshal  = errors.New("config: failed to unmarshal")
	ErrConfigValidation = errors.New("config: validation failed")
)

// ConnectionConfig describes how to reach the broker. It is a plain value
// and is never mutated after construction.
type ConnectionConfig struct {
	Host        string    `mapstructure:"host"`
	Port        int       `mapstructure:"port"`
	VirtualHost string    `mapstructure:"virtual_host"`
	Username    string    `mapstructure:"username"`
	Password    string    `mapstructure:"password"`
	TLS         TLSConfig `mapstructure:"tls"`
}

// QueueDescriptor describes the queue to consume. An empty Name requests a
// broker-generated queue name.
type QueueDescriptor struct {
	Name       string `mapstructure:"name"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
	Exclusive  bool   `mapstructure:"exclusive"`
}

// ConsumerConfig tunes the consumption side.
type ConsumerConfig struct {
	PrefetchCount  int           `mapstructure:"prefetch_count"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	OnError        string        `mapstructure:"on_error"` // "requeue" or "discard"
}

// Config is the full file/environment configuration for the intake CLI.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Queue      QueueDescriptor  `mapstructure:"queue"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
}

// Default returns a configuration matching a local TLS-enabled broker.
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			Host:        "localhost",
			Port:        5671,
			VirtualHost: "/",
		},
		Consumer: ConsumerConfig{
			PrefetchCount:  10,
			MaxAttempts:    10,
			ReconnectDelay: 1 * time.Second,
			MaxDelay:       30 * time.Second,
			OnError:        "requeue",
		},
	}
}

// Load reads configuration from the given file, layering environment
// variables with the INTAKE_ prefix on top. An empty path returns defaults
// plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("INTAKE")
	v.AutomaticEnv()

	v.SetDefault("connection.host", cfg.Connection.Host)
	v.SetDefault("connection.port", cfg.Connection.Port)
	v.SetDefault("connection.virtual_host", cfg.Connection.VirtualHost)
	v.SetDefault("consumer.prefetch_count", cfg.Consumer.PrefetchCount)
	v.SetDefault("consumer.max_attempts", cfg.Consumer.MaxAttempts)
	v.SetDefault("consumer.reconnect_delay", cfg.Consumer.ReconnectDelay)
	v.SetDefault("consumer.max_delay", cfg.Consumer.MaxDelay)
	v.SetDefault("consumer.on_error", cfg.Consumer.OnError)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return cfg, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
			}
			return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrConfigUnmarshal, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if c.Consumer.PrefetchCount < 0 {
		return fmt.Errorf("%w: prefetch_count must not be negative", ErrConfigValidation)
	}
	switch c.Consumer.OnError {
	case "", "requeue", "discard":
	default:
		return fmt.Errorf("%w: on_error must be \"requeue\" or \"discard\", got %q",
			ErrConfigValidation, c.Consumer.OnError)
	}
	return nil
}

// Validate checks the connection parameters.
func (c ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host must not be empty", ErrConfigValidation)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfigValidation, c.Port)
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		return fmt.Errorf("%w: tls key_file set without cert_file", ErrConfigValidation)
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		return fmt.Errorf("%w: tls cert_file set without key_file", ErrConfigValidation)
	}
	return c.TLS.validateVersion()
}

// URI renders the AMQP connection URL. The scheme is amqps when TLS
// material is configured, amqp otherwise. Credentials are URL-escaped.
func (c ConnectionConfig) URI() string {
	scheme := "amqp"
	if c.TLS.Enabled() {
		scheme = "amqps"
	}

	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + url.PathEscape(c.VirtualHost),
	}
	if c.VirtualHost == "/" {
		// The default vhost is addressed by an empty path segment.
		u.Path = "/"
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}
