// Package config loads process configuration from a YAML file,
// environment variables and CLI flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the full runtime configuration.
type Settings struct {
	// DataDir is the root directory for staged uploads and finalized
	// source files.
	DataDir string

	// Store selects the row-store backend ("sqlite", "postgres",
	// "sqlserver") and its DSN.
	StoreKind string
	StoreDSN  string

	// BatchSize is the number of facts per commit batch; StepMaxRows
	// bounds the source rows consumed by one ingestion step.
	BatchSize   int
	StepMaxRows int

	// Workers sizes the background ingestion pool.
	Workers int

	// Datadog metrics shipping. Disabled when APIKey is empty.
	DatadogAPIKey string
	DatadogAppKey string
	DatadogTags   string
}

// Defaults applied before any file, env or flag value.
func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store.kind", "sqlite")
	v.SetDefault("store.dsn", "file:riskingest.db")
	v.SetDefault("ingest.batch_size", 2000)
	v.SetDefault("ingest.step_max_rows", 5000)
	v.SetDefault("workers", 2)
}

// Load reads configuration from the given file (optional), then the
// RISKINGEST_* environment, on top of the built-in defaults.
//
// Edge cases:
//   - cfgFile == "" skips the file entirely; env and defaults still apply.
//   - A named cfgFile that cannot be read is an error; silent fallback
//     would hide typos in --config.
func Load(cfgFile string) (Settings, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("RISKINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	s := Settings{
		DataDir:       v.GetString("data_dir"),
		StoreKind:     v.GetString("store.kind"),
		StoreDSN:      v.GetString("store.dsn"),
		BatchSize:     v.GetInt("ingest.batch_size"),
		StepMaxRows:   v.GetInt("ingest.step_max_rows"),
		Workers:       v.GetInt("workers"),
		DatadogAPIKey: v.GetString("datadog.api_key"),
		DatadogAppKey: v.GetString("datadog.app_key"),
		DatadogTags:   v.GetString("datadog.tags"),
	}
	return s, s.Validate()
}

// Validate rejects settings that would only fail later and further from
// their cause.
func (s Settings) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch s.StoreKind {
	case "sqlite", "postgres", "sqlserver":
	default:
		return fmt.Errorf("unsupported store.kind=%q", s.StoreKind)
	}
	if s.StoreDSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", s.BatchSize)
	}
	if s.StepMaxRows <= 0 {
		return fmt.Errorf("ingest.step_max_rows must be positive, got %d", s.StepMaxRows)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", s.Workers)
	}
	return nil
}
