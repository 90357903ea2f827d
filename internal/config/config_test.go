package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg == nil {
		t.Fatal("Config should not be nil")
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("Expected default database driver 'sqlite', got %s", cfg.DatabaseDriver)
	}
	if cfg.DatabaseDSN != "./ledger.db" {
		t.Errorf("Expected default DSN './ledger.db', got %s", cfg.DatabaseDSN)
	}
	if cfg.RetentionDays != 365 {
		t.Errorf("Expected default retention 365 days, got %d", cfg.RetentionDays)
	}
	if cfg.VerifyIntervalSec != 0 {
		t.Errorf("Expected scheduled verification disabled by default, got %d", cfg.VerifyIntervalSec)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.LogLevel)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("LEDGER_PORT", "9000")
	os.Setenv("LEDGER_DATABASE_DRIVER", "postgres")
	os.Setenv("LEDGER_DATABASE_DSN", "postgres://ledger:x@localhost/ledger?sslmode=disable")
	os.Setenv("LEDGER_VERIFY_INTERVAL_SEC", "3600")
	defer func() {
		os.Unsetenv("LEDGER_PORT")
		os.Unsetenv("LEDGER_DATABASE_DRIVER")
		os.Unsetenv("LEDGER_DATABASE_DSN")
		os.Unsetenv("LEDGER_VERIFY_INTERVAL_SEC")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000 from env, got %d", cfg.Port)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("Expected database driver 'postgres' from env, got %s", cfg.DatabaseDriver)
	}
	if cfg.VerifyIntervalSec != 3600 {
		t.Errorf("Expected verify interval 3600 from env, got %d", cfg.VerifyIntervalSec)
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	os.Setenv("LEDGER_DATABASE_DRIVER", "oracle")
	defer os.Unsetenv("LEDGER_DATABASE_DRIVER")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unsupported database driver")
	}
}
