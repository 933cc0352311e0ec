package adapter

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// ConfigArtifactName is the artifact file name for the configuration
// bundle.
const ConfigArtifactName = "config.tar.gz"

// ConfigBundleConfig names the external configuration files collected into
// one bundle: the reverse-proxy site config, the process-supervisor unit,
// the cache engine config and the application environment file.
type ConfigBundleConfig struct {
	// Root is the filesystem root the file paths are resolved against and
	// restored under. Defaults to "/"; tests point it at a temp dir.
	Root string

	// Files are the bundled paths, relative to Root.
	Files []string
}

// DefaultConfigFiles is the stock file set for a stack served by nginx,
// supervised by systemd, and cached by Redis.
var DefaultConfigFiles = []string{
	"etc/nginx/sites-available/app.conf",
	"etc/systemd/system/app.service",
	"etc/redis/redis.conf",
	"opt/app/.env",
}

// ConfigBundleAdapter captures a fixed, named set of configuration files
// into one compressed bundle. Missing files are skipped, not fatal: a
// stack that has never configured one of the members still backs up.
type ConfigBundleAdapter struct {
	cfg ConfigBundleConfig
}

// NewConfigBundleAdapter creates a config-bundle adapter.
func NewConfigBundleAdapter(cfg ConfigBundleConfig) *ConfigBundleAdapter {
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	if cfg.Files == nil {
		cfg.Files = DefaultConfigFiles
	}
	return &ConfigBundleAdapter{cfg: cfg}
}

// Name implements Adapter.
func (a *ConfigBundleAdapter) Name() string { return "config" }

// Capture writes <destDir>/config.tar.gz containing every configured file
// that exists. Capturing an empty bundle is valid: the artifact still
// records that no configuration was present.
func (a *ConfigBundleAdapter) Capture(ctx context.Context, destDir string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Component: a.Name(), Err: err}
	}

	finalPath := filepath.Join(destDir, ConfigArtifactName)
	tmpPath := finalPath + ".tmp"

	if err := a.bundle(tmpPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}

	art, err := artifactFor(a.Name(), destDir, ConfigArtifactName)
	if err != nil {
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	return art, nil
}

// Apply extracts the bundle back under Root, restoring each member to its
// original location.
func (a *ConfigBundleAdapter) Apply(ctx context.Context, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	if err := extractTarGz(artifactPath, a.cfg.Root); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	return nil
}

func (a *ConfigBundleAdapter) bundle(dest string) error {
	w, err := newTarGzWriter(dest)
	if err != nil {
		return err
	}

	var bundleErr error
	for _, rel := range a.cfg.Files {
		src := filepath.Join(a.cfg.Root, rel)
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				log.Printf("config bundle: %s not present, skipping", src)
				continue
			}
			bundleErr = fmt.Errorf("stat %s: %w", src, err)
			break
		}
		if !info.Mode().IsRegular() {
			log.Printf("config bundle: %s is not a regular file, skipping", src)
			continue
		}
		if err := w.addFile(src, rel, info); err != nil {
			bundleErr = fmt.Errorf("bundle %s: %w", src, err)
			break
		}
	}

	closeErr := w.Close()
	if bundleErr != nil {
		return bundleErr
	}
	return closeErr
}
