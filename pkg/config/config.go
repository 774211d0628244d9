// Package config loads runtime configuration for the coordination
// plane: a YAML file under .converge overridden by CONVERGE_*
// environment variables. Policy gates have their own config in the
// policy package; this covers the process-level knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-level runtime configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Export    ExportConfig    `yaml:"export"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver    string `yaml:"driver"` // sqlite or postgres
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"` // distributed queue lock, optional
}

// WorkerConfig bounds the background processor.
type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// WebhookConfig controls the ingestion endpoint.
type WebhookConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	RequireSignature bool   `yaml:"require_signature"`
	DefaultTenant    string `yaml:"default_tenant"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// ExportConfig controls dataset export destinations.
type ExportConfig struct {
	Destination string `yaml:"destination"` // local dir, s3://, or gs://
}

// Default returns the embedded defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    ".converge/converge.db",
		},
		Worker: WorkerConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    20,
		},
		Webhook: WebhookConfig{
			ListenAddr:       ":8080",
			RequireSignature: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Environment:  "development",
		},
	}
}

// Load reads configuration. An explicit path is tried first, then the
// conventional locations; missing files are not an error, defaults
// apply. Environment variables override whatever the file set.
func Load(path string) (Config, error) {
	cfg := Default()

	var candidates []string
	if path != "" {
		candidates = append(candidates, path)
	}
	candidates = append(candidates, ".converge/config.yaml", "converge.yaml")

	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.LogLevel, "CONVERGE_LOG_LEVEL")
	setStr(&cfg.Database.Driver, "CONVERGE_DB_DRIVER")
	setStr(&cfg.Database.DSN, "CONVERGE_DB_DSN")
	setStr(&cfg.Database.RedisAddr, "CONVERGE_REDIS_ADDR")
	setStr(&cfg.Webhook.ListenAddr, "CONVERGE_LISTEN_ADDR")
	setStr(&cfg.Webhook.DefaultTenant, "CONVERGE_GITHUB_DEFAULT_TENANT")
	setStr(&cfg.Telemetry.OTLPEndpoint, "CONVERGE_OTLP_ENDPOINT")
	setStr(&cfg.Telemetry.Environment, "CONVERGE_ENVIRONMENT")
	setStr(&cfg.Export.Destination, "CONVERGE_EXPORT_DEST")

	setBool(&cfg.Telemetry.Enabled, "CONVERGE_TELEMETRY_ENABLED")
	setBool(&cfg.Telemetry.Insecure, "CONVERGE_OTLP_INSECURE")
	setBool(&cfg.Webhook.RequireSignature, "CONVERGE_WEBHOOK_REQUIRE_SIGNATURE")

	if v := os.Getenv("CONVERGE_WORKER_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CONVERGE_WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.BatchSize = n
		}
	}
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker batch size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll interval must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample rate must be in [0,1], got %g", c.Telemetry.SampleRate)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}
