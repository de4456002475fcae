// Package config loads the lakemerge process configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sandboxws/isotope/lakemerge/pkg/engine"
	"github.com/sandboxws/isotope/lakemerge/pkg/logging"
)

// EnvPrefix prefixes environment overrides, e.g. LAKEMERGE_LOG_LEVEL.
const EnvPrefix = "LAKEMERGE"

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the top-level configuration file.
type Config struct {
	Log             logging.Config `mapstructure:"log"`
	Metrics         MetricsConfig  `mapstructure:"metrics"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Scan            engine.Plan    `mapstructure:"scan"`
}

var defaults = map[string]any{
	"log.level":             "info",
	"log.format":            "text",
	"log.add_source":        false,
	"metrics.enabled":       false,
	"metrics.addr":          ":9090",
	"shutdown_timeout":      "30s",
	"scan.batch_size":       0,
	"scan.parallelism":      0,
	"scan.sink.kind":        engine.SinkConsole,
	"scan.store.endpoint":   "",
	"scan.store.access_key": "",
	"scan.store.secret_key": "",
	"scan.store.region":     "",
}

// Load reads the configuration file at path and applies LAKEMERGE_*
// environment overrides. Nested keys use underscores, so scan.parallelism
// is LAKEMERGE_SCAN_PARALLELISM.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Scan.ApplyDefaults()
	return cfg, nil
}
