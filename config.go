package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration wraps time.Duration so YAML can carry values like "45s" or "1m".
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) value() time.Duration {
	return time.Duration(d)
}

// config is the root YAML configuration. Every field is optional; zero
// values are filled in by applyDefaults.
type config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// DefaultScope is the service assigned to connections on a bare /ws
	// path with no scope segment.
	DefaultScope string `yaml:"default_scope"`

	// AuditDB is a sqlite file path for the publish audit log. Empty
	// disables auditing and the /history endpoint.
	AuditDB string `yaml:"audit_db"`

	// MaxMessageBytes caps inbound WebSocket frames.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// SendBuffer is the per-client outbound frame buffer. A client whose
	// buffer is full has deliveries counted as attempted but not delivered.
	SendBuffer int `yaml:"send_buffer"`

	WriteTimeout duration `yaml:"write_timeout"`
	PongTimeout  duration `yaml:"pong_timeout"`
	PingInterval duration `yaml:"ping_interval"`
}

func defaultConfig() config {
	cfg := config{}
	cfg.applyDefaults()
	return cfg
}

func (c *config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":" + envOrDefault("PORT", "8080")
	}
	if c.DefaultScope == "" {
		c.DefaultScope = "default"
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = duration(10 * time.Second)
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = duration(60 * time.Second)
	}
	if c.PingInterval == 0 {
		c.PingInterval = duration(45 * time.Second)
	}
}

func (c *config) validate() error {
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	if c.WriteTimeout <= 0 || c.PongTimeout <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("timeouts must be positive durations")
	}
	if c.PingInterval.value() >= c.PongTimeout.value() {
		return fmt.Errorf("ping_interval (%s) must be shorter than pong_timeout (%s)",
			c.PingInterval.value(), c.PongTimeout.value())
	}
	if !validScope.MatchString(c.DefaultScope) {
		return fmt.Errorf("default_scope %q must contain only word characters", c.DefaultScope)
	}
	return nil
}

// loadConfig reads a YAML config file. An empty path yields the defaults.
func loadConfig(path string) (config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(raw)
}

func parseConfig(raw []byte) (config, error) {
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
