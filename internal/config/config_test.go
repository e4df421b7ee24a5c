package config

import "testing"

func TestLoadRequiresTenantID(t *testing.T) {
	t.Setenv("FLOW402_TENANT_ID", "")
	t.Setenv("FLOW402_DATABASE_DSN", "postgres://localhost/flow402")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when FLOW402_TENANT_ID is unset")
	}
}

func TestLoadRequiresDatabaseDSN(t *testing.T) {
	t.Setenv("FLOW402_TENANT_ID", "0b7d4b0a-6e10-4db4-8571-2c74e07bcb35")
	t.Setenv("FLOW402_DATABASE_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when FLOW402_DATABASE_DSN is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("FLOW402_TENANT_ID", "0b7d4b0a-6e10-4db4-8571-2c74e07bcb35")
	t.Setenv("FLOW402_DATABASE_DSN", "postgres://localhost/flow402")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.TenantCacheTTL.Seconds() != 60 {
		t.Fatalf("expected default tenant cache ttl 60s, got %s", cfg.TenantCacheTTL)
	}
	if cfg.RateLimitMax != 60 {
		t.Fatalf("expected default rate limit max 60, got %d", cfg.RateLimitMax)
	}
}

func TestLoadRejectsExcessiveTenantCacheTTL(t *testing.T) {
	t.Setenv("FLOW402_TENANT_ID", "0b7d4b0a-6e10-4db4-8571-2c74e07bcb35")
	t.Setenv("FLOW402_DATABASE_DSN", "postgres://localhost/flow402")
	t.Setenv("FLOW402_TENANT_CACHE_TTL_SECONDS", "120")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when tenant cache ttl exceeds 60s")
	}
}
