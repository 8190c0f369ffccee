// Package config loads the TOML configuration file and applies defaults
// for everything the file leaves unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Pool          PoolConfig          `toml:"pool"`
	Engine        EngineConfig        `toml:"engine"`
	Resilience    ResilienceConfig    `toml:"resilience"`
	Governor      GovernorConfig      `toml:"governor"`
	Tracker       TrackerConfig       `toml:"tracker"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Sweep         SweepConfig         `toml:"sweep"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path" validate:"required"`
	PipelineFile string `toml:"pipeline_file"`
	TriggerDir   string `toml:"trigger_dir"`
	LogLevel     string `toml:"log_level" validate:"oneof=trace debug info warn error"`
}

// PoolConfig sizes the execution slot pool
type PoolConfig struct {
	Size          int    `toml:"size" validate:"min=1,max=64"`
	WorkspaceRoot string `toml:"workspace_root" validate:"required"`
	BasePortA     int    `toml:"base_port_a" validate:"min=1024,max=65000"`
	BasePortB     int    `toml:"base_port_b" validate:"min=1024,max=65000"`
}

// EngineConfig holds engine process settings
type EngineConfig struct {
	Binary        string        `toml:"binary" validate:"required"`
	Timeout       time.Duration `toml:"timeout"`
	GracePeriod   time.Duration `toml:"grace_period"`
	StandardModel string        `toml:"standard_model"`
	AdvancedModel string        `toml:"advanced_model"`
}

// ResilienceConfig tunes retries and the circuit breaker
type ResilienceConfig struct {
	MaxRetries       int           `toml:"max_retries" validate:"min=0"`
	BackoffBase      time.Duration `toml:"backoff_base"`
	BackoffMax       time.Duration `toml:"backoff_max"`
	FailureThreshold int           `toml:"failure_threshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `toml:"recovery_timeout"`
	SuccessThreshold int           `toml:"success_threshold" validate:"min=1"`
	HalfOpenMax      int           `toml:"half_open_max" validate:"min=1"`
}

// GovernorConfig tunes admission and per-dependency rate limits
type GovernorConfig struct {
	MaxConcurrent   int                  `toml:"max_concurrent" validate:"min=1"`
	MemoryThreshold float64              `toml:"memory_threshold" validate:"min=0,max=1"`
	RateLimits      map[string]RateLimit `toml:"rate_limits"`
}

// RateLimit expresses max_requests per window for one dependency
type RateLimit struct {
	MaxRequests int           `toml:"max_requests" validate:"min=1"`
	Window      time.Duration `toml:"window"`
}

// TrackerConfig holds issue tracker settings
type TrackerConfig struct {
	Repo    string `toml:"repo"`
	Enabled bool   `toml:"enabled"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook" validate:"omitempty,url"`
}

// WebConfig holds the API server settings
type WebConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

// SweepConfig schedules the periodic tracker sweep
type SweepConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
	Pipeline string `toml:"pipeline"`
	Label    string `toml:"label"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".runforge")
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(root, "runforge.db"),
			TriggerDir:   filepath.Join(root, "triggers"),
			LogLevel:     "info",
		},
		Pool: PoolConfig{
			Size:          4,
			WorkspaceRoot: filepath.Join(root, "workspaces"),
			BasePortA:     18000,
			BasePortB:     19000,
		},
		Engine: EngineConfig{
			Binary:        "claude",
			Timeout:       30 * time.Minute,
			GracePeriod:   10 * time.Second,
			StandardModel: "sonnet",
			AdvancedModel: "opus",
		},
		Resilience: ResilienceConfig{
			MaxRetries:       3,
			BackoffBase:      time.Second,
			BackoffMax:       2 * time.Minute,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
			HalfOpenMax:      1,
		},
		Governor: GovernorConfig{
			MaxConcurrent:   4,
			MemoryThreshold: 0.9,
			RateLimits: map[string]RateLimit{
				"issue-tracker": {MaxRequests: 30, Window: time.Minute},
			},
		},
		Web: WebConfig{
			Port: 8484,
			Host: "127.0.0.1",
		},
		Sweep: SweepConfig{
			Schedule: "@every 15m",
			Pipeline: "full",
			Label:    "runforge",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// for a missing file and for any unset field
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PipelineFile = ExpandPath(cfg.General.PipelineFile)
	cfg.General.TriggerDir = ExpandPath(cfg.General.TriggerDir)
	cfg.Pool.WorkspaceRoot = ExpandPath(cfg.Pool.WorkspaceRoot)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Pool.BasePortA == c.Pool.BasePortB {
		return fmt.Errorf("invalid configuration: base_port_a and base_port_b must differ")
	}
	if abs(c.Pool.BasePortA-c.Pool.BasePortB) < c.Pool.Size {
		return fmt.Errorf("invalid configuration: port ranges overlap for a pool of %d slots", c.Pool.Size)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "runforge", "config.toml")
}
