// Package config provides configuration loading for the Scoutline pipeline.
// A YAML file carries the declarative setup (sources, agents, thresholds);
// secrets and connection strings come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Review    ReviewConfig    `yaml:"review"`
	Similar   SimilarConfig   `yaml:"similarity"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sources   []SourceConfig  `yaml:"sources"`
	Agents    []AgentSeed     `yaml:"agents"`
}

// DatabaseConfig selects the backing database. DSN normally arrives through
// the DATABASE_URL environment variable rather than the YAML file.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is the connection string.
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

// LLMConfig configures the generation service client.
type LLMConfig struct {
	// APIKey authenticates against the generation endpoint. Environment only.
	APIKey string `yaml:"-" env:"OPENAI_API_KEY"`
	// BaseURL overrides the API endpoint (empty = platform default).
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	// Model is the default model for agents that don't set their own.
	Model string `yaml:"model"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// MaxOutputTokens caps the generated response length.
	MaxOutputTokens int `yaml:"max_output_tokens"`
	// AttemptTimeout is the wall-clock limit for one generation attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// ReviewConfig carries the quality gate thresholds.
type ReviewConfig struct {
	// AutoApproveThreshold is the minimum quality score for auto-approval.
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`
	// AutoFlagThreshold is the maximum quality score before auto-flagging.
	AutoFlagThreshold float64 `yaml:"auto_flag_threshold"`
}

// SimilarConfig carries the similarity classification thresholds.
type SimilarConfig struct {
	Exact    float64 `yaml:"exact"`
	Near     float64 `yaml:"near"`
	Thematic float64 `yaml:"thematic"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled).
	Addr string `yaml:"addr"`
}

// SchedulerConfig configures the dispatch loop.
type SchedulerConfig struct {
	// Tick is how often due agents are checked.
	Tick time.Duration `yaml:"tick"`
}

// SourceConfig declares one scraping source and its rate-limit window.
type SourceConfig struct {
	// Name keys the source for rate limiting and signal attribution.
	Name string `yaml:"name"`
	// URLs are the pages the article adapter collects.
	URLs []string `yaml:"urls"`
	// MaxRequests per window; -1 disables limiting for this source.
	MaxRequests int `yaml:"max_requests"`
	// WindowSeconds is the sliding-window length.
	WindowSeconds int `yaml:"window_seconds"`
}

// AgentSeed declares the initial configuration row for one agent. Applied
// only when the agent has no row yet; the database copy is authoritative
// afterwards.
type AgentSeed struct {
	Name              string  `yaml:"name"`
	Enabled           *bool   `yaml:"enabled"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxOutputTokens   int     `yaml:"max_output_tokens"`
	RateLimitPerHour  int     `yaml:"rate_limit_per_hour"`
	CostLimitDailyUSD float64 `yaml:"cost_limit_daily_usd"`
	ScheduleType      string  `yaml:"schedule_type"`
	CronExpression    string  `yaml:"cron_expression"`
	IntervalHours     int     `yaml:"interval_hours"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "scoutline.db",
		},
		LLM: LLMConfig{
			Model:           "gpt-4o-mini",
			Temperature:     0.2,
			MaxOutputTokens: 1024,
			AttemptTimeout:  60 * time.Second,
		},
		Review: ReviewConfig{
			AutoApproveThreshold: 0.85,
			AutoFlagThreshold:    0.40,
		},
		Similar: SimilarConfig{
			Exact:    0.95,
			Near:     0.85,
			Thematic: 0.70,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_URL)")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.Review.AutoApproveThreshold <= c.Review.AutoFlagThreshold {
		return fmt.Errorf("review.auto_approve_threshold must exceed review.auto_flag_threshold")
	}
	if !(c.Similar.Exact >= c.Similar.Near && c.Similar.Near >= c.Similar.Thematic) {
		return fmt.Errorf("similarity thresholds must be ordered exact >= near >= thematic")
	}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if src.MaxRequests == 0 {
			return fmt.Errorf("sources[%d].max_requests must be positive or -1 for unlimited", i)
		}
		if src.MaxRequests > 0 && src.WindowSeconds <= 0 {
			return fmt.Errorf("sources[%d].window_seconds must be positive", i)
		}
	}
	for i, seed := range c.Agents {
		if seed.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		switch seed.ScheduleType {
		case "", "manual":
		case "cron":
			if seed.CronExpression == "" {
				return fmt.Errorf("agents[%d]: cron schedule requires cron_expression", i)
			}
		case "interval":
			if seed.IntervalHours <= 0 {
				return fmt.Errorf("agents[%d]: interval schedule requires positive interval_hours", i)
			}
		default:
			return fmt.Errorf("agents[%d].schedule_type must be cron, interval or manual", i)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// Load builds the effective configuration: defaults, then the YAML file (if
// path is non-empty), then environment variables. A .env file in the working
// directory is honored when present.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
