// package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker daemon.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Registration RegistrationConfig `yaml:"registration"`
	Exchange     ExchangeConfig     `yaml:"exchange"`
	Storage      StorageConfig      `yaml:"storage"`
	IPC          IPCConfig          `yaml:"ipc"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds the management server endpoints.
type ServerConfig struct {
	ExchangeURL    string        `yaml:"exchange_url"`
	RegisterURL    string        `yaml:"register_url"`
	PingURL        string        `yaml:"ping_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

// RegistrationConfig holds the local half of the registration handshake.
type RegistrationConfig struct {
	AccountName     string `yaml:"account_name"`
	ComputerTitle   string `yaml:"computer_title"`
	RegistrationKey string `yaml:"registration_key"`
}

// ExchangeConfig holds the exchange schedule.
type ExchangeConfig struct {
	Interval               time.Duration `yaml:"interval"`
	UrgentInterval         time.Duration `yaml:"urgent_interval"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	MaxMessagesPerExchange int           `yaml:"max_messages_per_exchange"`
	UrgentPendingThreshold int           `yaml:"urgent_pending_threshold"`
	InitialBackoff         time.Duration `yaml:"initial_backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
}

// StorageConfig holds the durable store location.
type StorageConfig struct {
	Dir       string `yaml:"dir"`
	CacheSize int    `yaml:"cache_size"`
}

// IPCConfig holds the local websocket endpoint for producer and consumer
// processes.
type IPCConfig struct {
	Addr            string        `yaml:"addr"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ExchangeURL:    "https://localhost:8443/exchange",
			RegisterURL:    "https://localhost:8443/register",
			PingURL:        "https://localhost:8443/ping",
			RequestTimeout: 60 * time.Second,
			PingTimeout:    10 * time.Second,
		},
		Exchange: ExchangeConfig{
			Interval:               15 * time.Minute,
			UrgentInterval:         10 * time.Second,
			PingInterval:           30 * time.Second,
			MaxMessagesPerExchange: 100,
			UrgentPendingThreshold: 10,
			InitialBackoff:         5 * time.Second,
			MaxBackoff:             5 * time.Minute,
		},
		Storage: StorageConfig{
			Dir:       "/var/lib/outpostd/data",
			CacheSize: 256,
		},
		IPC: IPCConfig{
			Addr:            "127.0.0.1:7653",
			DispatchTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "outpostd",
			ServiceVersion: "1.0.0",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist,
// returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.ExchangeURL == "" {
		return fmt.Errorf("server.exchange_url cannot be empty")
	}
	if c.Server.RegisterURL == "" {
		return fmt.Errorf("server.register_url cannot be empty")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir cannot be empty")
	}
	if c.IPC.Addr == "" {
		return fmt.Errorf("ipc.addr cannot be empty")
	}
	if c.Exchange.Interval < time.Second {
		return fmt.Errorf("exchange.interval must be at least 1 second")
	}
	if c.Exchange.UrgentInterval < time.Second {
		return fmt.Errorf("exchange.urgent_interval must be at least 1 second")
	}
	if c.Exchange.UrgentInterval > c.Exchange.Interval {
		return fmt.Errorf("exchange.urgent_interval cannot exceed exchange.interval")
	}
	if c.Exchange.MaxMessagesPerExchange < 1 {
		return fmt.Errorf("exchange.max_messages_per_exchange must be at least 1")
	}
	if c.Registration.AccountName == "" && c.Registration.ComputerTitle != "" {
		return fmt.Errorf("registration.account_name required when registration.computer_title is set")
	}
	return nil
}
