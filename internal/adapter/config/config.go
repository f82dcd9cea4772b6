// Package config loads the gateway's service configuration and the switch
// inventory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete service configuration
type Config struct {
	Environment       string          `mapstructure:"environment"`
	DevicesConfigPath string          `mapstructure:"devices_config_path"`
	HTTP              HTTPConfig      `mapstructure:"http"`
	MQTT              MQTTConfig      `mapstructure:"mqtt"`
	Logging           LoggingConfig   `mapstructure:"logging"`
	Transport         TransportConfig `mapstructure:"transport"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig contains MQTT connection settings
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	CleanSession   bool          `mapstructure:"clean_session"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// TopicPrefix roots the published device topics
	TopicPrefix string `mapstructure:"topic_prefix"`

	// CommandPrefix roots the command topics
	CommandPrefix string `mapstructure:"command_prefix"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TransportConfig contains the switch transport timings.
type TransportConfig struct {
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	LongPollInterval   time.Duration `mapstructure:"long_poll_interval"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongTimeout        time.Duration `mapstructure:"pong_timeout"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// Load reads config.yaml from the working directory, ./config or
// /etc/gigacore-gateway. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the configuration from path, or from the search paths when
// path is empty. GATEWAY_* environment variables override file values, e.g.
// GATEWAY_MQTT_BROKER_URL.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gigacore-gateway")
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", fmt.Sprintf("gigacore-gateway-%s", hostname))
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.topic_prefix", "gigacore")
	v.SetDefault("mqtt.command_prefix", "gigacore/cmd")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("transport.request_timeout", 5*time.Second)
	v.SetDefault("transport.poll_interval", 5*time.Second)
	v.SetDefault("transport.long_poll_interval", 15*time.Second)
	v.SetDefault("transport.ping_interval", 5*time.Second)
	v.SetDefault("transport.pong_timeout", 3500*time.Millisecond)
	v.SetDefault("transport.reconnect_delay", 5*time.Second)
	v.SetDefault("transport.breaker_max_failures", 5)
	v.SetDefault("transport.breaker_open_timeout", 30*time.Second)
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", cfg.HTTP.Port)
	}
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	for name, prefix := range map[string]string{
		"mqtt.topic_prefix":   cfg.MQTT.TopicPrefix,
		"mqtt.command_prefix": cfg.MQTT.CommandPrefix,
	} {
		if prefix == "" || strings.ContainsAny(prefix, "+#") {
			return fmt.Errorf("%s must be a non-empty topic without wildcards", name)
		}
	}
	if cfg.MQTT.CommandPrefix == cfg.MQTT.TopicPrefix {
		return fmt.Errorf("mqtt.command_prefix must differ from mqtt.topic_prefix")
	}

	t := cfg.Transport
	for name, d := range map[string]time.Duration{
		"request_timeout":    t.RequestTimeout,
		"poll_interval":      t.PollInterval,
		"long_poll_interval": t.LongPollInterval,
		"ping_interval":      t.PingInterval,
		"pong_timeout":       t.PongTimeout,
		"reconnect_delay":    t.ReconnectDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("transport.%s must be positive", name)
		}
	}
	if t.BreakerMaxFailures == 0 {
		return fmt.Errorf("transport.breaker_max_failures must be at least 1")
	}
	return nil
}
