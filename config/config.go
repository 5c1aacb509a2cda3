// Package config provides configuration loading and management for semcrew.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semcrew/coordinator"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/hitl"
	"github.com/c360studio/semcrew/intake"
	"github.com/c360studio/semcrew/llm"
	"github.com/c360studio/semcrew/model"
	"gopkg.in/yaml.v3"
)

// Config represents the complete semcrew configuration
type Config struct {
	Database  DatabaseConfig          `yaml:"database"`
	NATS      NATSConfig              `yaml:"nats"`
	Oversight OversightConfig         `yaml:"oversight"`
	Gate      hitl.GateConfig         `yaml:"gate"`
	Approval  ApprovalConfig          `yaml:"approval"`
	Events    events.Config           `yaml:"events"`
	Recovery  RecoveryConfig          `yaml:"recovery"`
	Runner    coordinator.RetryConfig `yaml:"runner"`
	Intake    intake.Config           `yaml:"intake"`
	Model     model.RegistryConfig    `yaml:"model"`
	LLM       LLMConfig               `yaml:"llm"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Log       LogConfig               `yaml:"log"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	// Path is the SQLite database file
	Path string `yaml:"path"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = NATS disabled, events stay in-process)
	URL string `yaml:"url"`
	// Name is the client connection name
	Name string `yaml:"name"`
	// SubjectPrefix prefixes republished event subjects
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Enabled reports whether a NATS server is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// OversightConfig holds the oversight level and the trigger conditions
type OversightConfig struct {
	// Level is low, medium or high
	Level    string             `yaml:"level"`
	Triggers hitl.TriggerConfig `yaml:"triggers"`
}

// ApprovalConfig configures approval polling and expiry
type ApprovalConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RecoveryConfig configures the recovery manager
type RecoveryConfig struct {
	// AutoExecute runs recovery steps as soon as a session is initiated
	AutoExecute bool `yaml:"auto_execute"`
}

// LLMConfig configures the default agent backend
type LLMConfig struct {
	Temperature float64           `yaml:"temperature"`
	MaxTokens   int               `yaml:"max_tokens"`
	Timeout     time.Duration     `yaml:"timeout"`
	Retry       llm.RetryConfig   `yaml:"retry"`
	Health      HealthCheckConfig `yaml:"health"`
}

// HealthCheckConfig configures the endpoint circuit breaker
type HealthCheckConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// LogConfig configures slog output
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// SlogLevel converts Level to a slog level name understood by slog.Level.UnmarshalText.
func (c LogConfig) SlogLevel() string {
	if c.Level == "" {
		return "INFO"
	}
	return strings.ToUpper(c.Level)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	health := model.DefaultHealthConfig()
	return &Config{
		Database: DatabaseConfig{
			Path: "semcrew.db",
		},
		NATS: NATSConfig{
			URL:           "",
			Name:          "semcrew",
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Oversight: OversightConfig{
			Level:    string(hitl.OversightMedium),
			Triggers: hitl.DefaultTriggerConfig(),
		},
		Gate: hitl.DefaultGateConfig(),
		Approval: ApprovalConfig{
			PollInterval:  5 * time.Second,
			SweepInterval: time.Minute,
		},
		Events:   events.DefaultConfig(),
		Recovery: RecoveryConfig{AutoExecute: false},
		Runner:   coordinator.DefaultRetryConfig(),
		Intake:   intake.DefaultConfig(),
		Model:    model.DefaultRegistryConfig(),
		LLM: LLMConfig{
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     5 * time.Minute,
			Retry:       llm.DefaultRetryConfig(),
			Health: HealthCheckConfig{
				FailureThreshold: health.FailureThreshold,
				RecoveryTimeout:  health.RecoveryTimeout,
			},
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := hitl.ParseOversightLevel(c.Oversight.Level); err != nil {
		return fmt.Errorf("oversight.level: %w", err)
	}
	if err := c.Oversight.Triggers.Validate(); err != nil {
		return fmt.Errorf("oversight.triggers: %w", err)
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if c.Approval.PollInterval <= 0 {
		return fmt.Errorf("approval.poll_interval must be positive")
	}
	if c.Approval.SweepInterval <= 0 {
		return fmt.Errorf("approval.sweep_interval must be positive")
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if err := c.Runner.Validate(); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if c.NATS.Enabled() {
		if err := c.Intake.Validate(); err != nil {
			return fmt.Errorf("intake: %w", err)
		}
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.LLM.Retry.MaxAttempts < 1 {
		return fmt.Errorf("llm.retry.max_attempts must be at least 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	return nil
}

// OversightLevel returns the parsed oversight level, falling back to MEDIUM.
func (c *Config) OversightLevel() hitl.OversightLevel {
	level, err := hitl.ParseOversightLevel(c.Oversight.Level)
	if err != nil {
		return hitl.OversightMedium
	}
	return level
}

// HealthConfig returns the circuit breaker settings for the model registry.
func (c *Config) HealthConfig() model.HealthConfig {
	return model.HealthConfig{
		FailureThreshold: c.LLM.Health.FailureThreshold,
		RecoveryTimeout:  c.LLM.Health.RecoveryTimeout,
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile decodes a YAML file onto an existing config. Keys absent from the
// file keep their current values.
func decodeFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Structured sections such as the trigger list and the
// model registry are replaced wholesale when other sets them.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	if other.Oversight.Level != "" {
		c.Oversight.Level = other.Oversight.Level
	}
	if len(other.Oversight.Triggers.Conditions) > 0 {
		c.Oversight.Triggers = other.Oversight.Triggers
	}

	if other.Gate.ApprovalTimeout != 0 {
		c.Gate = other.Gate
	}

	if other.Approval.PollInterval != 0 {
		c.Approval.PollInterval = other.Approval.PollInterval
	}
	if other.Approval.SweepInterval != 0 {
		c.Approval.SweepInterval = other.Approval.SweepInterval
	}

	if other.Events.InitialInterval != 0 {
		c.Events = other.Events
	}
	if other.Recovery.AutoExecute {
		c.Recovery.AutoExecute = true
	}
	if other.Runner.MaxAttempts != 0 {
		c.Runner = other.Runner
	}
	if other.Intake.StreamName != "" {
		c.Intake = other.Intake
	}
	if len(other.Model.Endpoints) > 0 {
		c.Model = other.Model
	}

	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
	if other.LLM.Retry.MaxAttempts != 0 {
		c.LLM.Retry = other.LLM.Retry
	}
	if other.LLM.Health.FailureThreshold != 0 {
		c.LLM.Health = other.LLM.Health
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
