// Package config loads gateway configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"medlink/gateway/internal/adapter"
	"medlink/gateway/internal/protocol"
)

// Config holds all configuration for the gateway
type Config struct {
	Gateway   GatewayConfig               `yaml:"gateway"`
	Engine    EngineConfig                `yaml:"engine"`
	Protocols map[string]ProtocolOverride `yaml:"protocols"`
}

// GatewayConfig covers the process and its external services.
type GatewayConfig struct {
	ID            string   `yaml:"id"`
	Port          int      `yaml:"port"`
	HTTPPort      int      `yaml:"http_port"`
	RedisURL      string   `yaml:"redis_url"`
	NATSURL       string   `yaml:"nats_url"`
	LogLevel      string   `yaml:"log_level"`
	SessionTTL    Duration `yaml:"session_ttl"`
	OutboundQueue int      `yaml:"outbound_queue"`
	ReadTimeout   Duration `yaml:"read_timeout"`
}

// EngineConfig sets defaults shared by every device pipeline.
type EngineConfig struct {
	MaxBuffer    int      `yaml:"max_buffer"`
	MaxRetries   int      `yaml:"max_retries"`
	RetrySpacing Duration `yaml:"retry_spacing"`
	MaxGap       int      `yaml:"max_gap"`
}

// ProtocolOverride tunes one catalog protocol. Zero values keep the catalog
// setting.
type ProtocolOverride struct {
	MaxFrame       int                     `yaml:"max_frame"`
	Resync         string                  `yaml:"resync"`
	Threshold      int                     `yaml:"threshold"`
	MaxRetries     int                     `yaml:"max_retries"`
	RetrySpacing   Duration                `yaml:"retry_spacing"`
	ECGCalibration *adapter.ECGCalibration `yaml:"ecg_calibration"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "200ms", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "250ms".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:            getEnv("GATEWAY_ID", "node-01"),
			Port:          getEnvAsInt("GATEWAY_PORT", 8080),
			HTTPPort:      getEnvAsInt("HTTP_PORT", 8081),
			RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
			NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			SessionTTL:    Duration{5 * time.Minute},
			OutboundQueue: getEnvAsInt("OUTBOUND_QUEUE", 64),
			ReadTimeout:   Duration{2 * time.Minute},
		},
		Engine: EngineConfig{
			MaxBuffer:    getEnvAsInt("MAX_BUFFER", 16*1024),
			MaxRetries:   protocol.DefaultMaxRetries,
			RetrySpacing: Duration{protocol.DefaultSpacing},
			MaxGap:       protocol.DefaultMaxGap,
		},
		Protocols: map[string]ProtocolOverride{},
	}
}

// LoadFile reads a YAML file over the environment defaults. Fields missing
// from the file keep their Load value.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := Load()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if cfg.Protocols == nil {
		cfg.Protocols = map[string]ProtocolOverride{}
	}
	return cfg, nil
}

// Validate checks ranges and resolves every overridden protocol against the
// catalog so a bad file fails at startup.
func (c *Config) Validate() error {
	g := c.Gateway
	if g.ID == "" {
		return fmt.Errorf("gateway id is required")
	}
	for name, port := range map[string]int{"port": g.Port, "http_port": g.HTTPPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("gateway %s %d out of range", name, port)
		}
	}
	if g.OutboundQueue <= 0 {
		return fmt.Errorf("outbound_queue must be positive")
	}
	if c.Engine.MaxBuffer <= 0 {
		return fmt.Errorf("engine max_buffer must be positive")
	}
	if c.Engine.MaxRetries < 0 || c.Engine.MaxGap < 0 {
		return fmt.Errorf("engine retry bounds must not be negative")
	}
	for _, name := range c.ProtocolNames() {
		if _, err := c.Spec(name); err != nil {
			return err
		}
	}
	return nil
}

// ProtocolNames lists the overridden protocols in sorted order.
func (c *Config) ProtocolNames() []string {
	names := make([]string, 0, len(c.Protocols))
	for name := range c.Protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec builds the catalog spec for name with engine defaults and the
// protocol override applied. The error wraps protocol.ErrUnknownProtocol.
func (c *Config) Spec(name string) (*protocol.FrameSpec, error) {
	o := c.Protocols[name]
	var opts adapter.Options
	if o.ECGCalibration != nil {
		opts.ECG = *o.ECGCalibration
	}
	spec, err := adapter.Lookup(name, opts)
	if err != nil {
		return nil, err
	}

	if o.MaxFrame > 0 {
		spec.MaxFrame = o.MaxFrame
	}
	if o.Resync != "" {
		policy, err := protocol.ParseResyncPolicy(o.Resync)
		if err != nil {
			return nil, fmt.Errorf("protocol %s: %w", name, err)
		}
		spec.Resync = policy
	}
	if o.Threshold > 0 {
		if spec.Segments == nil {
			return nil, fmt.Errorf("%w: %s has no segments to set a threshold on", protocol.ErrUnknownProtocol, name)
		}
		spec.Segments.Threshold = o.Threshold
	}
	if spec.Retry != nil {
		r := spec.Retry
		r.MaxRetries = pick(o.MaxRetries, c.Engine.MaxRetries)
		r.Spacing = pickDuration(o.RetrySpacing.Duration, c.Engine.RetrySpacing.Duration)
		r.MaxGap = c.Engine.MaxGap
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func pickDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
