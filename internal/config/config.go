package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	DatabaseDriver     string   `mapstructure:"database_driver"` // "sqlite" | "postgres"
	DatabaseDSN        string   `mapstructure:"database_dsn"`
	ArchiveDir         string   `mapstructure:"archive_dir"`
	RetentionDays      int      `mapstructure:"retention_days"`      // Entries older than this are archivable; 0 = archiving on demand only
	VerifyIntervalSec  int      `mapstructure:"verify_interval_sec"` // Scheduled full-chain verification; 0 = disabled
	VerifyPageSize     int      `mapstructure:"verify_page_size"`    // Rows per page during verification/archival streaming
	LogLevel           string   `mapstructure:"log_level"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_sec"`  // HTTP read/write; 0 = use server default
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"` // Graceful shutdown wait
	MaxBodyBytes       int      `mapstructure:"max_body_bytes"`       // Max request body for append; 0 = default 512KB
	OTLPEndpoint       string   `mapstructure:"otlp_endpoint"`        // Empty = tracing disabled
	TraceSamplingRate  float64  `mapstructure:"trace_sampling_rate"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/camforge-ledger/")
	viper.AddConfigPath("$HOME/.camforge-ledger")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_driver", "sqlite")
	viper.SetDefault("database_dsn", "./ledger.db")
	viper.SetDefault("archive_dir", "./archive")
	viper.SetDefault("retention_days", 365)
	viper.SetDefault("verify_interval_sec", 0)
	viper.SetDefault("verify_page_size", 500)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("max_body_bytes", 512*1024)
	viper.SetDefault("otlp_endpoint", "")
	viper.SetDefault("trace_sampling_rate", 1.0)

	// Environment variables
	viper.SetEnvPrefix("LEDGER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DatabaseDriver != "sqlite" && cfg.DatabaseDriver != "postgres" {
		return nil, fmt.Errorf("unsupported database_driver %q", cfg.DatabaseDriver)
	}

	return &cfg, nil
}
