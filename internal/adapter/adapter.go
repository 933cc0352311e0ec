// Package adapter implements the capture/apply contract for each managed
// component of the service stack: the PostgreSQL database, the Redis cache,
// the application file tree and the external configuration bundle.
//
// Every adapter produces exactly one artifact file inside the backup set
// directory during capture, and applies that artifact back onto live state
// during restore. Captures are independently retryable: output is written
// to a temporary name and renamed into place, so a failed capture never
// leaves a partial artifact behind.
package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Artifact describes one component's captured output inside a backup set.
type Artifact struct {
	// Component is the adapter name that produced the artifact.
	Component string `json:"component"`

	// Path is the artifact file name, relative to the backup set directory.
	Path string `json:"path"`

	// Size is the artifact size in bytes.
	Size int64 `json:"size"`

	// Digest is the hex-encoded SHA-256 of the artifact contents.
	// Filled in by the integrity ledger after capture.
	Digest string `json:"digest,omitempty"`

	// CapturedAt is when the capture completed.
	CapturedAt time.Time `json:"captured_at"`
}

// Adapter is the capture/apply abstraction for one managed resource.
type Adapter interface {
	// Name returns the component name ("database", "files", "config", "cache").
	Name() string

	// Capture produces the component's artifact inside destDir.
	Capture(ctx context.Context, destDir string) (*Artifact, error)

	// Apply restores live state from the artifact at artifactPath.
	Apply(ctx context.Context, artifactPath string) error
}

// CaptureError reports that an adapter could not produce its artifact.
type CaptureError struct {
	Component string
	Path      string
	Err       error
}

func (e *CaptureError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("capture %s (%s): %v", e.Component, e.Path, e.Err)
	}
	return fmt.Sprintf("capture %s: %v", e.Component, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ApplyError reports that an adapter could not restore live state.
type ApplyError struct {
	Component string
	Path      string
	Err       error
}

func (e *ApplyError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("apply %s (%s): %v", e.Component, e.Path, e.Err)
	}
	return fmt.Sprintf("apply %s: %v", e.Component, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// maxToolOutputBytes caps how much subprocess output is kept for error
// reporting.
const maxToolOutputBytes = 64 * 1024

// runTool executes an external tool and returns its stdout. On a non-zero
// exit the error includes the exit status and the tail of stderr so the
// failure is actionable without re-running the tool by hand.
func runTool(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(tail(stderr.Bytes(), maxToolOutputBytes))
		if detail != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, detail)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// tail returns at most n trailing bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// artifactFor stats path and returns the artifact descriptor for it.
func artifactFor(component, destDir, name string) (*Artifact, error) {
	info, err := os.Stat(filepath.Join(destDir, name))
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Component:  component,
		Path:       name,
		Size:       info.Size(),
		CapturedAt: time.Now().UTC(),
	}, nil
}
