package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Simulator       SimulatorConfig `yaml:"simulator"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	HTTP            HTTPConfig      `yaml:"http"`
	View            ViewConfig      `yaml:"view"`
	Log             LogConfig       `yaml:"log"`
	EventBus        EventBusConfig  `yaml:"eventbus"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// SimulatorConfig contains the OpenFMB simulator connection settings
type SimulatorConfig struct {
	URL         string   `yaml:"url"`          // Base URL, e.g. http://localhost:5000
	EventsPath  string   `yaml:"events_path"`  // SSE path (default: /sse)
	DevicesPath string   `yaml:"devices_path"` // Device collection path (default: /devices)
	Timeout     Duration `yaml:"timeout"`      // HTTP timeout for create/delete requests

	// Event stream reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// EventsURL returns the full URL of the event stream
func (c *SimulatorConfig) EventsURL() string {
	return strings.TrimRight(c.URL, "/") + "/" + strings.TrimLeft(c.EventsPath, "/")
}

// MQTTConfig contains the optional MQTT reading source settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // Topic filter carrying JSON reading profiles
	QoS      int    `yaml:"qos"`
}

// HTTPConfig contains the served page settings
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ViewConfig contains rendering settings
type ViewConfig struct {
	Title      string `yaml:"title"`       // Page heading (default: "OpenFMB devices")
	Timezone   string `yaml:"timezone"`    // Zone used for "Message date" (default: UTC)
	DateLayout string `yaml:"date_layout"` // Go time layout for "Message date"
	MaxErrors  int    `yaml:"max_errors"`  // Size of the errors region (default: 50)
	QueueSize  int    `yaml:"queue_size"`  // Render loop queue size (default: 256)
}

// Location resolves the configured time zone
func (c *ViewConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string     `yaml:"level"`
	Colors bool       `yaml:"colors"`
	JSON   bool       `yaml:"json"`
	Loki   LokiConfig `yaml:"loki"`
}

// LokiConfig contains optional log shipping settings
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps push order)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Duration accepts Go duration strings ("1.5s", "2m") or bare integers as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML, expands environment variables,
// applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Simulator defaults
	if cfg.Simulator.URL == "" {
		cfg.Simulator.URL = "http://localhost:5000"
	}
	if cfg.Simulator.EventsPath == "" {
		cfg.Simulator.EventsPath = "/sse"
	}
	if cfg.Simulator.DevicesPath == "" {
		cfg.Simulator.DevicesPath = "/devices"
	}
	if cfg.Simulator.Timeout == 0 {
		cfg.Simulator.Timeout = Duration(10 * time.Second)
	}
	if cfg.Simulator.MinRetryBackoff == 0 {
		cfg.Simulator.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Simulator.MaxRetryBackoff == 0 {
		cfg.Simulator.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Simulator.RetryMultiplier == 0 {
		cfg.Simulator.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "fmbview"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "openfmb/+/+/#"
	}

	// HTTP defaults
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}

	// View defaults
	if cfg.View.Timezone == "" {
		cfg.View.Timezone = "UTC"
	}
	if cfg.View.MaxErrors == 0 {
		cfg.View.MaxErrors = 50
	}
	if cfg.View.QueueSize == 0 {
		cfg.View.QueueSize = 256
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks settings that defaults cannot fix
func (cfg *Config) Validate() error {
	if !strings.HasPrefix(cfg.Simulator.URL, "http://") && !strings.HasPrefix(cfg.Simulator.URL, "https://") {
		return fmt.Errorf("simulator.url must be an http(s) URL, got %q", cfg.Simulator.URL)
	}
	if cfg.Simulator.RetryMultiplier < 1 {
		return fmt.Errorf("simulator.retry_multiplier must be >= 1, got %v", cfg.Simulator.RetryMultiplier)
	}
	if cfg.Simulator.MinRetryBackoff > cfg.Simulator.MaxRetryBackoff {
		return fmt.Errorf("simulator.min_retry_backoff exceeds max_retry_backoff")
	}
	if _, err := cfg.View.Location(); err != nil {
		return fmt.Errorf("view.timezone: %w", err)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.Log.Loki.Enabled && cfg.Log.Loki.URL == "" {
		return fmt.Errorf("log.loki.url is required when loki is enabled")
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout as time.Duration
func (cfg *Config) GetShutdownTimeout() time.Duration {
	return cfg.ShutdownTimeout.Duration()
}

// envRef matches ${VAR} and ${VAR:default}.
var envRef = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars substitutes environment references. Unset or empty variables
// take the default, or "" when none is given.
func expandEnvVars(input string) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if val := os.Getenv(m[1]); val != "" {
			return val
		}
		return m[2]
	})
}
