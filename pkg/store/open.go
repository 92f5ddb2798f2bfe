package store

import (
	"fmt"
	"strings"
)

// Config selects and configures a Store driver.
type Config struct {
	Driver        string // memory, redis or postgres
	Namespace     string
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
}

// Open builds the store named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis store: address is required")
		}
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.Namespace)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres store: database url is required")
		}
		return NewGormStore(cfg.DatabaseURL, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
