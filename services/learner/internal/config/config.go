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

// ConfigPath is read when no path is given; GAMEDO_LEARNER_CONFIG overrides it.
const ConfigPath = "config.yaml"

const (
	DirectoryRemote   = "remote"
	DirectoryEmbedded = "embedded"

	CatalogEmbedded = "embedded"
	CatalogFile     = "file"
	CatalogMinio    = "minio"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreDriver    string `yaml:"storeDriver"`
	StoreNamespace string `yaml:"storeNamespace"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`

	DirectoryMode    string `yaml:"directoryMode"`
	DirectoryURL     string `yaml:"directoryURL"`
	DirectoryTimeout string `yaml:"directoryTimeout"`
	// Only used by the embedded directory.
	DirectorySecret string `yaml:"directorySecret"`
	IdentitySuffix  string `yaml:"identitySuffix"`

	CatalogSource  string `yaml:"catalogSource"`
	CatalogPath    string `yaml:"catalogPath"`
	CatalogKey     string `yaml:"catalogKey"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// Background class downloads run on a Redis stream at RedisAddr.
	DownloadQueue   bool `yaml:"downloadQueue"`
	DownloadWorkers int  `yaml:"downloadWorkers"`

	// Idle learner sessions are dropped after sessionTTL; empty means 12h.
	SessionTTL string `yaml:"sessionTTL"`

	// Lets anyone reset a cached account's password without signing in.
	LocalPasswordReset bool `yaml:"localPasswordReset"`
	// Exposes PUT /api/dev/offline for exercising the offline fallback.
	DevOfflineToggle bool `yaml:"devOfflineToggle"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Load reads config from path and applies environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("GAMEDO_LEARNER_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	overrides := map[string]*string{
		"GAMEDO_PORT":              &cfg.Port,
		"GAMEDO_LOG_LEVEL":         &cfg.LogLevel,
		"GAMEDO_STORE_DRIVER":      &cfg.StoreDriver,
		"GAMEDO_STORE_NAMESPACE":   &cfg.StoreNamespace,
		"GAMEDO_DATABASE_URL":      &cfg.DatabaseURL,
		"GAMEDO_REDIS_ADDR":        &cfg.RedisAddr,
		"GAMEDO_REDIS_PASSWORD":    &cfg.RedisPassword,
		"GAMEDO_DIRECTORY_MODE":    &cfg.DirectoryMode,
		"GAMEDO_DIRECTORY_URL":     &cfg.DirectoryURL,
		"GAMEDO_DIRECTORY_TIMEOUT": &cfg.DirectoryTimeout,
		"GAMEDO_DIRECTORY_SECRET":  &cfg.DirectorySecret,
		"GAMEDO_CATALOG_SOURCE":    &cfg.CatalogSource,
		"GAMEDO_CATALOG_PATH":      &cfg.CatalogPath,
		"GAMEDO_MINIO_ENDPOINT":    &cfg.MinioEndpoint,
		"GAMEDO_MINIO_ACCESS_KEY":  &cfg.MinioAccessKey,
		"GAMEDO_MINIO_SECRET_KEY":  &cfg.MinioSecretKey,
		"GAMEDO_MINIO_BUCKET":      &cfg.MinioBucket,
		"GAMEDO_SESSION_TTL":       &cfg.SessionTTL,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("GAMEDO_MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("GAMEDO_DOWNLOAD_QUEUE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.DownloadQueue = b
		}
	}
	if v := os.Getenv("GAMEDO_LOCAL_PASSWORD_RESET"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.LocalPasswordReset = b
		}
	}
	if v := os.Getenv("GAMEDO_DEV_OFFLINE_TOGGLE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.DevOfflineToggle = b
		}
	}
	if v := os.Getenv("GAMEDO_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis store")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}

	switch cfg.DirectoryMode {
	case "", DirectoryEmbedded:
		if cfg.DirectorySecret != "" && len(cfg.DirectorySecret) < 16 {
			return errors.New("config: directorySecret must be at least 16 bytes")
		}
	case DirectoryRemote:
		if cfg.DirectoryURL == "" {
			return errors.New("config: directoryURL is required (set GAMEDO_DIRECTORY_URL)")
		}
	default:
		return fmt.Errorf("config: unknown directoryMode %q", cfg.DirectoryMode)
	}
	if _, err := ParseDirectoryTimeout(cfg.DirectoryTimeout); err != nil {
		return err
	}

	switch cfg.CatalogSource {
	case "", CatalogEmbedded:
	case CatalogFile:
		if cfg.CatalogPath == "" {
			return errors.New("config: catalogPath is required for the file catalog")
		}
	case CatalogMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio catalog")
		}
	default:
		return fmt.Errorf("config: unknown catalogSource %q", cfg.CatalogSource)
	}

	if cfg.DownloadQueue && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for the download queue")
	}
	if cfg.DownloadWorkers < 0 {
		return errors.New("config: downloadWorkers must not be negative")
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	return nil
}

// ParseSessionTTL parses the optional sessionTTL; empty means the app default.
func ParseSessionTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("config: sessionTTL must be positive")
	}
	return dur, nil
}

// ParseDirectoryTimeout parses the optional directoryTimeout; empty means the client default.
func ParseDirectoryTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid directoryTimeout duration: %w", err)
	}
	if dur < 0 {
		return 0, errors.New("config: directoryTimeout must be positive")
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
