// Package config loads Flow402's process-wide configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully-resolved process configuration (§6 of the spec).
type Config struct {
	Port string

	DatabaseDSN string
	RedisAddr   string
	RedisDB     int

	// TenantID is the single tenant this process is authorized to serve
	// (the scope guard at gateway step 3).
	TenantID string

	SignatureSkew   time.Duration
	IdempotencyTTL  time.Duration
	TenantCacheTTL  time.Duration
	OperatorJWTKey  string
	RequestDeadline time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
	BodyLimitBytes  int

	AllowedOrigins string
}

// Load reads .env (if present), then environment variables via viper, and
// returns a validated Config. Mirrors the teacher's Connect()-time env
// loading, generalized into a typed struct because the gateway has far more
// tunables than a single DSN.
func Load() (*Config, error) {
	// Best-effort: a missing .env file is normal in production.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FLOW402")
	v.AutomaticEnv()
	v.SetDefault("port", "8080")
	v.SetDefault("redis_db", 0)
	v.SetDefault("signature_skew_seconds", 300)
	v.SetDefault("idempotency_ttl_hours", 24)
	v.SetDefault("tenant_cache_ttl_seconds", 60)
	v.SetDefault("request_deadline_seconds", 10)
	v.SetDefault("rate_limit_max", 60)
	v.SetDefault("rate_limit_window_seconds", 60)
	v.SetDefault("body_limit_mb", 4)
	v.SetDefault("allowed_origins", "*")

	cfg := &Config{
		Port:            v.GetString("port"),
		DatabaseDSN:     v.GetString("database_dsn"),
		RedisAddr:       v.GetString("redis_addr"),
		RedisDB:         v.GetInt("redis_db"),
		TenantID:        strings.TrimSpace(v.GetString("tenant_id")),
		SignatureSkew:   time.Duration(v.GetInt("signature_skew_seconds")) * time.Second,
		IdempotencyTTL:  time.Duration(v.GetInt("idempotency_ttl_hours")) * time.Hour,
		TenantCacheTTL:  time.Duration(v.GetInt("tenant_cache_ttl_seconds")) * time.Second,
		OperatorJWTKey:  v.GetString("operator_jwt_key"),
		RequestDeadline: time.Duration(v.GetInt("request_deadline_seconds")) * time.Second,
		RateLimitMax:    v.GetInt("rate_limit_max"),
		RateLimitWindow: time.Duration(v.GetInt("rate_limit_window_seconds")) * time.Second,
		BodyLimitBytes:  v.GetInt("body_limit_mb") * 1024 * 1024,
		AllowedOrigins:  v.GetString("allowed_origins"),
	}

	if cfg.TenantID == "" {
		return nil, fmt.Errorf("config: FLOW402_TENANT_ID is required")
	}
	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("config: FLOW402_DATABASE_DSN is required")
	}
	if cfg.TenantCacheTTL > 60*time.Second {
		return nil, fmt.Errorf("config: tenant cache ttl must be <= 60s, got %s", cfg.TenantCacheTTL)
	}

	return cfg, nil
}
