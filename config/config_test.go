package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.85, cfg.Review.AutoApproveThreshold)
	assert.Equal(t, 0.40, cfg.Review.AutoFlagThreshold)
	assert.Equal(t, 0.95, cfg.Similar.Exact)
	assert.Equal(t, 0.70, cfg.Similar.Thematic)
}

func TestLoadFromFile_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoutline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  model: gpt-4o
review:
  auto_approve_threshold: 0.9
sources:
  - name: hackernews
    urls: ["https://news.ycombinator.com"]
    max_requests: 30
    window_seconds: 60
agents:
  - name: insight-agent
    schedule_type: interval
    interval_hours: 6
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 0.9, cfg.Review.AutoApproveThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.40, cfg.Review.AutoFlagThreshold)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "hackernews", cfg.Sources[0].Name)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, 6, cfg.Agents[0].IntervalHours)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoutline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: "postgres://file-dsn"
`), 0o644))

	t.Setenv("DATABASE_URL", "postgres://env-dsn")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-dsn", cfg.Database.DSN)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"unknown driver",
			func(c *Config) { c.Database.Driver = "mysql" },
			"database.driver",
		},
		{
			"missing dsn",
			func(c *Config) { c.Database.DSN = "" },
			"database.dsn",
		},
		{
			"inverted review thresholds",
			func(c *Config) { c.Review.AutoApproveThreshold = 0.3 },
			"auto_approve_threshold",
		},
		{
			"unordered similarity thresholds",
			func(c *Config) { c.Similar.Near = 0.99 },
			"similarity thresholds",
		},
		{
			"source without window",
			func(c *Config) {
				c.Sources = []SourceConfig{{Name: "x", MaxRequests: 10}}
			},
			"window_seconds",
		},
		{
			"cron agent without expression",
			func(c *Config) {
				c.Agents = []AgentSeed{{Name: "a", ScheduleType: "cron"}}
			},
			"cron_expression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoutline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: gpt-4o-mini\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, nil, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher time to establish before mutating the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: gpt-4o\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration reload not observed")
	}

	cancel()
	<-done
}

func TestWatcher_RejectsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoutline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: gpt-4o-mini\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, nil, func(c *Config) { reloaded <- c })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	// Temperature out of range: the running config must be kept.
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  temperature: 7\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid configuration must not be delivered")
	case <-time.After(500 * time.Millisecond):
	}
}
