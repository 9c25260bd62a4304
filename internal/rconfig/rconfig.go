// Package rconfig loads process configuration via viper, layering a YAML
// file under env var overrides, the same pattern the teacher's config
// loader uses for its own project config.
package rconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the set of options the core recognizes.
type Config struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`

	MaxConcurrentJobs       int           `mapstructure:"max_concurrent_jobs"`
	JobHeartbeatThreshold   time.Duration `mapstructure:"job_heartbeat_threshold"`
	JobPollInterval         time.Duration `mapstructure:"job_poll_interval"`
	ReindexDefaultBatchSize int           `mapstructure:"reindex_default_batch_size"`
	KeepHistoryDefault      bool          `mapstructure:"keep_history_default"`
	AllowCreateDefault      bool          `mapstructure:"allow_create_default"`
}

func defaults() Config {
	return Config{
		Backend:                 "sqlite",
		MaxConcurrentJobs:       1,
		JobHeartbeatThreshold:   60 * time.Second,
		JobPollInterval:         5 * time.Second,
		ReindexDefaultBatchSize: 100,
		KeepHistoryDefault:      true,
		AllowCreateDefault:      true,
	}
}

// Load reads configuration from an optional YAML file at path (skipped if
// empty or missing) and env vars prefixed RESOURCESTORE_, e.g.
// RESOURCESTORE_MAX_CONCURRENT_JOBS=2.
func Load(path string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("RESOURCESTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !isFileNotFound(err) {
				return cfg, fmt.Errorf("rconfig: read %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("rconfig: unmarshal: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("dsn", cfg.DSN)
	v.SetDefault("max_concurrent_jobs", cfg.MaxConcurrentJobs)
	v.SetDefault("job_heartbeat_threshold", cfg.JobHeartbeatThreshold)
	v.SetDefault("job_poll_interval", cfg.JobPollInterval)
	v.SetDefault("reindex_default_batch_size", cfg.ReindexDefaultBatchSize)
	v.SetDefault("keep_history_default", cfg.KeepHistoryDefault)
	v.SetDefault("allow_create_default", cfg.AllowCreateDefault)
}

func isFileNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok || errors.Is(err, fs.ErrNotExist)
}
