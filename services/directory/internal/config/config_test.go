package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GAMEDO_PORT", "9090")
	t.Setenv("GAMEDO_REDIS_ADDR", "redis:6379")
	t.Setenv("GAMEDO_VERIFY_RATE_LIMIT_PER_MINUTE", "3")
	t.Setenv("GAMEDO_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")

	path := writeConfig(t, `
port: "8090"
logLevel: "debug"
sessionSecret: "dev-directory-secret-0001"
sessionTTL: "12h"
verifyRateLimitPerMinute: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q, want 9090", cfg.Port)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redisAddr = %q", cfg.RedisAddr)
	}
	if cfg.VerifyRateLimitPerMinute != 3 {
		t.Fatalf("verifyRateLimitPerMinute = %d, want 3", cfg.VerifyRateLimitPerMinute)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("trustedProxies = %v", cfg.TrustedProxies)
	}
	ttl, err := ParseSessionTTL(cfg.SessionTTL)
	if err != nil || ttl != 12*time.Hour {
		t.Fatalf("session ttl = %v, %v", ttl, err)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "port: \"8090\"\nsessionSecret: \"dev-directory-secret-0001\"\n")
	t.Setenv("GAMEDO_DIRECTORY_CONFIG", path)
	if _, err := Load(""); err != nil {
		t.Fatalf("load via env path: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := FileConfig{Port: "8090", SessionSecret: "dev-directory-secret-0001"}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := map[string]FileConfig{
		"missing port":   {SessionSecret: "dev-directory-secret-0001"},
		"missing secret": {Port: "8090"},
		"short secret":   {Port: "8090", SessionSecret: "short"},
		"bad ttl":        {Port: "8090", SessionSecret: "dev-directory-secret-0001", SessionTTL: "soon"},
		"negative limit": {Port: "8090", SessionSecret: "dev-directory-secret-0001", VerifyRateLimitPerMinute: -1},
	}
	for name, cfg := range tests {
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
