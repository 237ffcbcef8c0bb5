package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "-4")
	t.Setenv("FISCAL_TIMEOUT_SECONDS", "abc")

	cfg := Load()
	if cfg.ReportCacheTTL() != 300*time.Second {
		t.Fatalf("expected default cache ttl, got %s", cfg.ReportCacheTTL())
	}
	if cfg.FiscalTimeout() != 8*time.Second {
		t.Fatalf("expected default fiscal timeout, got %s", cfg.FiscalTimeout())
	}
}

func TestLocationDefaultsToSaoPaulo(t *testing.T) {
	t.Setenv("TIMEZONE", "")

	cfg := Load()
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	if loc.String() != "America/Sao_Paulo" {
		t.Fatalf("expected America/Sao_Paulo, got %s", loc)
	}
	if cfg.Address() != ":"+cfg.Port {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}
