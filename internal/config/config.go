// Package config loads worker process configuration with spf13/viper,
// layering environment variables over an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the worker process's full runtime configuration.
type Config struct {
	Namespace   string            `mapstructure:"namespace"`
	HTTPAddr    string            `mapstructure:"http_addr"`
	TaskQueues  []TaskQueueConfig `mapstructure:"task_queues"`
	Timers      TimerConfig       `mapstructure:"timers"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// TaskQueueConfig controls per-queue worker concurrency and effect-dispatch
// rate limiting.
type TaskQueueConfig struct {
	Name              string  `mapstructure:"name"`
	EffectConcurrency int     `mapstructure:"effect_concurrency"`
	RateLimitPerSec   float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
}

// TimerConfig controls the scheduler's timer poller.
type TimerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MaintenanceConfig controls the background compaction/snapshot sweep.
type MaintenanceConfig struct {
	CompactionSchedule  string        `mapstructure:"compaction_schedule"`
	CompactionRetention time.Duration `mapstructure:"compaction_retention"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Namespace: "default",
		HTTPAddr:  ":7233",
		TaskQueues: []TaskQueueConfig{
			{Name: "order-task-queue", EffectConcurrency: 8, RateLimitPerSec: 50, RateLimitBurst: 10},
			{Name: "payment-task-queue", EffectConcurrency: 8, RateLimitPerSec: 50, RateLimitBurst: 10},
			{Name: "inventory-task-queue", EffectConcurrency: 8, RateLimitPerSec: 50, RateLimitBurst: 10},
		},
		Timers: TimerConfig{PollInterval: 50 * time.Millisecond},
		Maintenance: MaintenanceConfig{
			CompactionSchedule:  "@every 15m",
			CompactionRetention: 24 * time.Hour,
		},
	}
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed ORDERFLOW_, and falls back to Defaults() for anything
// unset. Environment variables take precedence over the config file.
func Load(configPath string) (Config, error) {
	v := viper.New()
	cfg := Defaults()

	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("timers.poll_interval", cfg.Timers.PollInterval)
	v.SetDefault("maintenance.compaction_schedule", cfg.Maintenance.CompactionSchedule)
	v.SetDefault("maintenance.compaction_retention", cfg.Maintenance.CompactionRetention)

	v.SetEnvPrefix("ORDERFLOW")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(out.TaskQueues) == 0 {
		out.TaskQueues = cfg.TaskQueues
	}
	if out.Namespace == "" {
		out.Namespace = cfg.Namespace
	}
	return out, nil
}
