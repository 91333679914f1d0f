// Package config loads the settings the core recognizes, all with
// defaults, following the teacher repo's viper-based layering:
// defaults in code, overridable by an optional config file and by
// TASKENGINE_-prefixed environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects how the tick scheduler advances its clock.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Config holds every setting the core recognizes plus the ambient
// logging/metrics knobs that travel with it regardless of the spec's
// feature non-goals.
type Config struct {
	Pool     PoolConfig
	Sched    SchedulerConfig
	Metrics  MetricsConfig
	LogLevel string
}

// PoolConfig configures the work-stealing pool.
type PoolConfig struct {
	WorkerCount int
}

// SchedulerConfig configures the tick scheduler.
type SchedulerConfig struct {
	TickLengthMS  int
	MaxConcurrent int
	Mode          Mode
}

// MetricsConfig toggles the ambient Prometheus surface.
type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from (in ascending priority) compiled-in
// defaults, an optional ./config.yaml, and TASKENGINE_-prefixed
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/taskengine")

	setDefaults(v)

	v.SetEnvPrefix("TASKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.workercount", runtime.GOMAXPROCS(0))

	v.SetDefault("sched.ticklengthms", 100)
	v.SetDefault("sched.maxconcurrent", 0)
	v.SetDefault("sched.mode", string(ModeAuto))

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("loglevel", "info")
}

// TickLength returns the configured tick length as a duration.
func (s SchedulerConfig) TickLength() time.Duration {
	return time.Duration(s.TickLengthMS) * time.Millisecond
}
