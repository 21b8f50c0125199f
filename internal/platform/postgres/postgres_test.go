package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDisabledWithoutURL(t *testing.T) {
	t.Setenv("RUNPROOF_DATABASE_URL", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("expected ledger disabled when URL is empty")
	}
}

func TestValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg := Config{
		URL:          "postgres://runproof@localhost:5432/runproof",
		PingTimeout:  time.Second,
		MaxOpenConns: 2,
		MaxIdleConns: 5,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for idle > open")
	}
}

func TestConfigFromEnvParsesOverrides(t *testing.T) {
	t.Setenv("RUNPROOF_DATABASE_URL", "postgres://runproof@localhost:5432/runproof")
	t.Setenv("RUNPROOF_DATABASE_MAX_OPEN_CONNS", "8")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Enabled() {
		t.Fatalf("expected ledger enabled")
	}
	if cfg.MaxOpenConns != 8 {
		t.Fatalf("expected 8 open conns, got %d", cfg.MaxOpenConns)
	}
}
