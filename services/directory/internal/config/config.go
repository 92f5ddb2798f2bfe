package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when no path is given; GAMEDO_DIRECTORY_CONFIG overrides it.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	SessionSecret            string   `yaml:"sessionSecret"`
	SessionTTL               string   `yaml:"sessionTTL"`
	SessionIssuer            string   `yaml:"sessionIssuer"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	VerifyRateLimitPerMinute int      `yaml:"verifyRateLimitPerMinute"`
	TrustedProxies           []string `yaml:"trustedProxies"`
	AllowedOrigins           []string `yaml:"allowedOrigins"`
}

// Load reads config from path and applies environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("GAMEDO_DIRECTORY_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("GAMEDO_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("GAMEDO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GAMEDO_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("GAMEDO_SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("GAMEDO_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("GAMEDO_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GAMEDO_VERIFY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GAMEDO_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.SessionSecret == "" {
		return errors.New("config: sessionSecret is required (set GAMEDO_SESSION_SECRET)")
	}
	if len(cfg.SessionSecret) < 16 {
		return errors.New("config: sessionSecret must be at least 16 bytes")
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if cfg.VerifyRateLimitPerMinute < 0 {
		return errors.New("config: verifyRateLimitPerMinute must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses the optional sessionTTL; empty means the default.
func ParseSessionTTL(ttl string) (time.Duration, error) {
	if ttl == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttl)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur < 0 {
		return 0, errors.New("config: sessionTTL must be positive")
	}
	return dur, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
