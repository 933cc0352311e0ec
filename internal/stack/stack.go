// Package stack assembles the component adapters for a configured service
// stack so the backup and restore commands share one wiring path.
package stack

import (
	"time"

	"github.com/stackbak/stackbak/internal/adapter"
	"github.com/stackbak/stackbak/internal/config"
)

// Adapters builds the four component adapters from the configuration, in
// canonical capture order: database, files, config, cache.
func Adapters(cfg *config.Config) []adapter.Adapter {
	saveTimeout, err := time.ParseDuration(cfg.Cache.SaveTimeout)
	if err != nil {
		saveTimeout = 0 // adapter default applies
	}

	return []adapter.Adapter{
		adapter.NewPostgresAdapter(adapter.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.Name,
		}),
		adapter.NewFilesAdapter(adapter.FilesConfig{
			Root:     cfg.Files.AppDir,
			Excludes: cfg.Files.Excludes,
		}),
		adapter.NewConfigBundleAdapter(adapter.ConfigBundleConfig{
			Root:  cfg.Bundle.Root,
			Files: cfg.Bundle.Files,
		}),
		adapter.NewRedisAdapter(adapter.RedisConfig{
			Host:        cfg.Cache.Host,
			Port:        cfg.Cache.Port,
			RDBPath:     cfg.Cache.RDBPath,
			SaveTimeout: saveTimeout,
		}),
	}
}

// RequiredTools lists the external binaries a full backup or restore needs
// on PATH.
func RequiredTools() []string {
	return []string{"pg_dump", "pg_restore", "redis-cli"}
}
