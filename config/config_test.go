package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Security.HashCost != 12 {
		t.Fatalf("unexpected hash cost: %d", cfg.Security.HashCost)
	}
	if cfg.Security.SessionTTL() != time.Hour {
		t.Fatalf("unexpected session ttl: %s", cfg.Security.SessionTTL())
	}
	if cfg.Security.CookieTTL() != 30*24*time.Hour {
		t.Fatalf("unexpected cookie ttl: %s", cfg.Security.CookieTTL())
	}
	if cfg.Security.MaxLoginAttempts != 5 {
		t.Fatalf("unexpected max login attempts: %d", cfg.Security.MaxLoginAttempts)
	}
	if cfg.Security.LockoutDuration() != 15*time.Minute {
		t.Fatalf("unexpected lockout: %s", cfg.Security.LockoutDuration())
	}
	if cfg.Security.LoginRateInterval() != 5*time.Second || cfg.Security.LoginRateBurst != 5 {
		t.Fatalf("unexpected login rate: every %s burst %d", cfg.Security.LoginRateInterval(), cfg.Security.LoginRateBurst)
	}
	if cfg.Security.TrustProxy {
		t.Fatalf("forwarded headers must not be trusted by default")
	}
	if cfg.Session.Store != "memory" {
		t.Fatalf("unexpected session store: %q", cfg.Session.Store)
	}
	if cfg.Database.Port != 5432 || cfg.ServerPort != 8080 {
		t.Fatalf("unexpected ports: db=%d server=%d", cfg.Database.Port, cfg.ServerPort)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"HASH_COST":          "10",
		"SESSION_LIFETIME":   "60",
		"MAX_LOGIN_ATTEMPTS": "3",
		"SESSION_STORE":      "redis",
		"ENV":                "production",
		"TRUST_PROXY":        "true",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Security.HashCost != 10 || cfg.Security.SessionTTL() != time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg.Security)
	}
	if cfg.Security.MaxLoginAttempts != 3 || cfg.Session.Store != "redis" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production")
	}
	if !cfg.Security.TrustProxy {
		t.Fatalf("expected TRUST_PROXY to be applied")
	}
}

func TestLoadRejectsBadHashCost(t *testing.T) {
	_, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"HASH_COST": "40",
	}))
	if err == nil {
		t.Fatalf("expected error for out of range hash cost")
	}
}
