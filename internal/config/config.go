// Package config loads the order services configuration from an optional
// YAML file and the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/rabbitmq"
	"github.com/glimte/orderflow/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load
const (
	EnvRabbitMQURL = "RABBITMQ_URL"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
)

// Config holds all configuration for the order services.
type Config struct {
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Queues      QueuesConfig      `yaml:"queues"`
	RoutingKeys RoutingKeysConfig `yaml:"routing_keys"`
	Startup     StartupConfig     `yaml:"startup"`
	Simulation  SimulationConfig  `yaml:"simulation"`
	Consumers   ConsumersConfig   `yaml:"consumers"`
	Log         LogConfig         `yaml:"log"`
}

// RabbitMQConfig holds broker connection settings.
type RabbitMQConfig struct {
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	ExchangeType   string        `yaml:"exchange_type"`
	ConnectionName string        `yaml:"connection_name"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PrefetchCount  int           `yaml:"prefetch_count"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// QueuesConfig names the durable queue of each consumer service.
type QueuesConfig struct {
	Orders        string `yaml:"orders"`
	Notifications string `yaml:"notifications"`
	Analytics     string `yaml:"analytics"`
}

// All returns the queue names in service order.
func (q QueuesConfig) All() []string {
	return []string{q.Orders, q.Notifications, q.Analytics}
}

// RoutingKeysConfig holds the order event routing keys.
type RoutingKeysConfig struct {
	OrderCreated   string `yaml:"order_created"`
	OrderUpdated   string `yaml:"order_updated"`
	OrderCancelled string `yaml:"order_cancelled"`
}

// All returns the routing keys in lifecycle order.
func (r RoutingKeysConfig) All() []string {
	return []string{r.OrderCreated, r.OrderUpdated, r.OrderCancelled}
}

// StartupConfig holds the bootstrap retry settings.
type StartupConfig struct {
	// Retries after the first attempt
	MaxRetries int `yaml:"max_retries"`
}

// SimulationConfig drives the publisher's order flow.
type SimulationConfig struct {
	Interval          time.Duration `yaml:"interval"`
	UpdateDelay       time.Duration `yaml:"update_delay"`
	CancelDelay       time.Duration `yaml:"cancel_delay"`
	CancelProbability float64       `yaml:"cancel_probability"`
	ShipProbability   float64       `yaml:"ship_probability"`
}

// ConsumersConfig holds the simulated work of each consumer service.
type ConsumersConfig struct {
	OrderProcessingTime time.Duration `yaml:"order_processing_time"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`
	Deduplicate         bool          `yaml:"deduplicate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RabbitMQ: RabbitMQConfig{
			URL:            "amqp://localhost",
			Exchange:       rabbitmq.DefaultExchange,
			ExchangeType:   rabbitmq.DefaultExchangeType,
			ConnectionName: "orderflow",
			ReconnectDelay: rabbitmq.DefaultReconnectDelay,
			PrefetchCount:  rabbitmq.DefaultPrefetchCount,
			ConfirmTimeout: 5 * time.Second,
		},
		Queues: QueuesConfig{
			Orders:        rabbitmq.OrdersQueue,
			Notifications: rabbitmq.NotificationsQueue,
			Analytics:     rabbitmq.AnalyticsQueue,
		},
		RoutingKeys: RoutingKeysConfig{
			OrderCreated:   contracts.RoutingKeyOrderCreated,
			OrderUpdated:   contracts.RoutingKeyOrderUpdated,
			OrderCancelled: contracts.RoutingKeyOrderCancelled,
		},
		Startup: StartupConfig{
			MaxRetries: reliability.DefaultStartupRetries,
		},
		Simulation: SimulationConfig{
			Interval:          5 * time.Second,
			UpdateDelay:       2 * time.Second,
			CancelDelay:       2 * time.Second,
			CancelProbability: 0.3,
			ShipProbability:   0.3,
		},
		Consumers: ConsumersConfig{
			OrderProcessingTime: 500 * time.Millisecond,
			NotificationDelay:   300 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from filename, applies environment overrides and
// validates the result. A missing or empty filename yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRabbitMQURL); ok && v != "" {
		c.RabbitMQ.URL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("rabbitmq.url cannot be empty")
	}
	if _, err := amqp.ParseURI(c.RabbitMQ.URL); err != nil {
		return fmt.Errorf("rabbitmq.url is invalid: %w", err)
	}
	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("rabbitmq.exchange cannot be empty")
	}
	validTypes := map[string]bool{
		amqp.ExchangeTopic:  true,
		amqp.ExchangeDirect: true,
		amqp.ExchangeFanout: true,
	}
	if !validTypes[c.RabbitMQ.ExchangeType] {
		return fmt.Errorf("rabbitmq.exchange_type must be one of: topic, direct, fanout")
	}
	if c.RabbitMQ.ReconnectDelay <= 0 {
		return fmt.Errorf("rabbitmq.reconnect_delay must be positive")
	}
	if c.RabbitMQ.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq.prefetch_count must be at least 1")
	}
	if c.RabbitMQ.ConfirmTimeout <= 0 {
		return fmt.Errorf("rabbitmq.confirm_timeout must be positive")
	}

	if c.Queues.Orders == "" || c.Queues.Notifications == "" || c.Queues.Analytics == "" {
		return fmt.Errorf("queues: every queue name must be set")
	}
	for _, key := range c.RoutingKeys.All() {
		if key == "" {
			return fmt.Errorf("routing_keys: every routing key must be set")
		}
	}

	if c.Startup.MaxRetries < 0 {
		return fmt.Errorf("startup.max_retries cannot be negative")
	}

	if c.Simulation.Interval <= 0 {
		return fmt.Errorf("simulation.interval must be positive")
	}
	if c.Simulation.UpdateDelay < 0 || c.Simulation.CancelDelay < 0 {
		return fmt.Errorf("simulation delays cannot be negative")
	}
	if !isProbability(c.Simulation.CancelProbability) {
		return fmt.Errorf("simulation.cancel_probability must be between 0 and 1")
	}
	if !isProbability(c.Simulation.ShipProbability) {
		return fmt.Errorf("simulation.ship_probability must be between 0 and 1")
	}

	if c.Consumers.OrderProcessingTime < 0 || c.Consumers.NotificationDelay < 0 {
		return fmt.Errorf("consumers delays cannot be negative")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

func isProbability(p float64) bool {
	return p >= 0 && p <= 1
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
}

// NewLogger builds the process logger from the log settings.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
