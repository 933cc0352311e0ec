// Package config provides configuration for the stackbak orchestrator.
// Settings come from environment variables with the STACKBAK_ prefix, with
// sensible defaults for every option, and can be overridden by an optional
// YAML file for stacks that keep their settings under version control.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for backup and restore runs.
type Config struct {
	Backup   BackupConfig   `yaml:"backup"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Files    FilesConfig    `yaml:"files"`
	Bundle   BundleConfig   `yaml:"config_files"`
	Services ServicesConfig `yaml:"services"`
	Health   HealthConfig   `yaml:"health"`
}

// BackupConfig contains backup root and policy settings.
type BackupConfig struct {
	Root          string `yaml:"root"`           // Backup root directory (default: /var/backups/stackbak)
	Domain        string `yaml:"domain"`         // Stack domain identity recorded in manifests
	RetentionDays int    `yaml:"retention_days"` // Sets older than this are swept (default: 14)
	MinFreeMB     int    `yaml:"min_free_mb"`    // Free-space precondition on the root (default: 512)
	Interval      string `yaml:"interval"`       // Scheduled-mode interval (default: 24h)
}

// DatabaseConfig contains relational store connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// CacheConfig contains cache engine settings.
type CacheConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	RDBPath     string `yaml:"rdb_path"`     // Engine snapshot file (default: /var/lib/redis/dump.rdb)
	SaveTimeout string `yaml:"save_timeout"` // Bound on the background-save wait (default: 2m)
}

// FilesConfig contains application file-tree settings.
type FilesConfig struct {
	AppDir   string   `yaml:"app_dir"`  // Directory subtree to capture (default: /opt/app)
	Excludes []string `yaml:"excludes"` // Exclude patterns; empty means the built-in list
}

// BundleConfig names the external configuration files collected into the
// config bundle.
type BundleConfig struct {
	Root  string   `yaml:"root"`  // Filesystem root the paths resolve against (default: /)
	Files []string `yaml:"files"` // Bundle members relative to root; empty means the built-in set
}

// ServicesConfig names the supervised units restarted after a restore.
type ServicesConfig struct {
	AppUnit   string `yaml:"app_unit"`   // Application service (default: app.service)
	ProxyUnit string `yaml:"proxy_unit"` // Reverse proxy (default: nginx.service)
}

// HealthConfig contains post-restore health check settings.
type HealthConfig struct {
	URL      string `yaml:"url"`      // Health endpoint; empty disables the check
	Attempts int    `yaml:"attempts"` // Poll attempts (default: 10)
	Interval string `yaml:"interval"` // Poll interval (default: 3s)
}

// Load builds the configuration from environment variables, then overlays
// the YAML file at path when path is non-empty.
func Load(path string) (*Config, error) {
	cfg := fromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Backup.Root == "" {
		return fmt.Errorf("config: backup root is required")
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("config: retention days cannot be negative")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("config: database name is required")
	}
	return nil
}

// fromEnv constructs a Config with values from STACKBAK_* environment
// variables and defaults.
func fromEnv() *Config {
	return &Config{
		Backup: BackupConfig{
			Root:          getEnv("STACKBAK_ROOT", "/var/backups/stackbak"),
			Domain:        getEnv("STACKBAK_DOMAIN", "localhost"),
			RetentionDays: getEnvInt("STACKBAK_RETENTION_DAYS", 14),
			MinFreeMB:     getEnvInt("STACKBAK_MIN_FREE_MB", 512),
			Interval:      getEnv("STACKBAK_INTERVAL", "24h"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("STACKBAK_DB_HOST", "127.0.0.1"),
			Port:     getEnvInt("STACKBAK_DB_PORT", 5432),
			User:     getEnv("STACKBAK_DB_USER", "postgres"),
			Password: getEnv("STACKBAK_DB_PASSWORD", ""),
			Name:     getEnv("STACKBAK_DB_NAME", "app"),
		},
		Cache: CacheConfig{
			Host:        getEnv("STACKBAK_CACHE_HOST", "127.0.0.1"),
			Port:        getEnvInt("STACKBAK_CACHE_PORT", 6379),
			RDBPath:     getEnv("STACKBAK_CACHE_RDB", "/var/lib/redis/dump.rdb"),
			SaveTimeout: getEnv("STACKBAK_CACHE_SAVE_TIMEOUT", "2m"),
		},
		Files: FilesConfig{
			AppDir:   getEnv("STACKBAK_APP_DIR", "/opt/app"),
			Excludes: getEnvList("STACKBAK_FILE_EXCLUDES"),
		},
		Bundle: BundleConfig{
			Root:  getEnv("STACKBAK_CONFIG_ROOT", "/"),
			Files: getEnvList("STACKBAK_CONFIG_FILES"),
		},
		Services: ServicesConfig{
			AppUnit:   getEnv("STACKBAK_APP_UNIT", "app.service"),
			ProxyUnit: getEnv("STACKBAK_PROXY_UNIT", "nginx.service"),
		},
		Health: HealthConfig{
			URL:      getEnv("STACKBAK_HEALTH_URL", ""),
			Attempts: getEnvInt("STACKBAK_HEALTH_ATTEMPTS", 10),
			Interval: getEnv("STACKBAK_HEALTH_INTERVAL", "3s"),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the variable exists but cannot be parsed, the default is used.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable into a slice.
// An unset or empty variable yields nil so built-in defaults apply.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
