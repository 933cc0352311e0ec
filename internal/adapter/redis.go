package adapter

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CacheArtifactName is the artifact file name for the compressed cache
// snapshot.
const CacheArtifactName = "cache.rdb.gz"

// RedisConfig holds settings for the managed cache engine.
type RedisConfig struct {
	Host string
	Port int

	// RDBPath is where the engine writes its snapshot file (dump.rdb).
	RDBPath string

	// SaveTimeout bounds how long Capture waits for a background save to
	// complete. Zero means 2 minutes.
	SaveTimeout time.Duration

	// CLITool overrides the redis-cli binary, mainly for tests.
	CLITool string
}

// RedisAdapter captures the cache by triggering a background save, waiting
// for the engine's last-save marker to advance, then compressing the
// snapshot file into the backup set.
type RedisAdapter struct {
	cfg RedisConfig
}

// NewRedisAdapter creates a cache adapter for the given engine.
func NewRedisAdapter(cfg RedisConfig) *RedisAdapter {
	if cfg.CLITool == "" {
		cfg.CLITool = "redis-cli"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 2 * time.Minute
	}
	return &RedisAdapter{cfg: cfg}
}

// Name implements Adapter.
func (a *RedisAdapter) Name() string { return "cache" }

// Capture triggers BGSAVE and polls LASTSAVE until it advances past its
// pre-save value, backing off exponentially up to the configured timeout.
// The snapshot file is then gzip-copied into destDir.
func (a *RedisAdapter) Capture(ctx context.Context, destDir string) (*Artifact, error) {
	before, err := a.lastSave(ctx)
	if err != nil {
		return nil, &CaptureError{Component: a.Name(), Err: fmt.Errorf("query last save: %w", err)}
	}

	if _, err := a.cli(ctx, "BGSAVE"); err != nil {
		return nil, &CaptureError{Component: a.Name(), Err: fmt.Errorf("trigger save: %w", err)}
	}

	if err := a.waitForSave(ctx, before); err != nil {
		return nil, &CaptureError{Component: a.Name(), Err: err}
	}

	finalPath := filepath.Join(destDir, CacheArtifactName)
	tmpPath := finalPath + ".tmp"
	if err := gzipCopy(a.cfg.RDBPath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}

	art, err := artifactFor(a.Name(), destDir, CacheArtifactName)
	if err != nil {
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	return art, nil
}

// Apply decompresses the snapshot artifact over the engine's RDB path.
// The engine only reads the file on startup, so the caller is expected to
// restart it afterwards.
func (a *RedisAdapter) Apply(ctx context.Context, artifactPath string) error {
	tmpPath := a.cfg.RDBPath + ".tmp"
	if err := gunzipCopy(artifactPath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	if err := os.Rename(tmpPath, a.cfg.RDBPath); err != nil {
		os.Remove(tmpPath)
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	return nil
}

// waitForSave polls LASTSAVE until it advances past before. The poll
// interval doubles from 100ms up to 2s; the overall wait is bounded by the
// configured timeout.
func (a *RedisAdapter) waitForSave(ctx context.Context, before int64) error {
	deadline := time.Now().Add(a.cfg.SaveTimeout)
	interval := 100 * time.Millisecond

	for {
		current, err := a.lastSave(ctx)
		if err != nil {
			return fmt.Errorf("poll last save: %w", err)
		}
		if current > before {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("background save did not complete within %v", a.cfg.SaveTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval < 2*time.Second {
			interval *= 2
		}
	}
}

// lastSave returns the engine's last successful save as a unix timestamp.
func (a *RedisAdapter) lastSave(ctx context.Context) (int64, error) {
	out, err := a.cli(ctx, "LASTSAVE")
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected LASTSAVE output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return ts, nil
}

func (a *RedisAdapter) cli(ctx context.Context, command ...string) ([]byte, error) {
	args := append([]string{"-h", a.cfg.Host, "-p", strconv.Itoa(a.cfg.Port)}, command...)
	return runTool(ctx, nil, a.cfg.CLITool, args...)
}

// gzipCopy compresses src into dst.
func gzipCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// gunzipCopy decompresses src into dst.
func gunzipCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, zr); err != nil {
		return err
	}
	return out.Sync()
}
