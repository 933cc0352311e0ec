package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DatabaseArtifactName is the artifact file name for the database dump.
const DatabaseArtifactName = "database.dump"

// PostgresConfig holds connection settings for the managed database.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string

	// DumpTool and RestoreTool override the pg_dump/pg_restore binaries,
	// mainly for tests. Empty means the default names resolved via PATH.
	DumpTool    string
	RestoreTool string
}

// PostgresAdapter captures and applies PostgreSQL dumps via pg_dump and
// pg_restore, using the custom archive format so restores can selectively
// drop ownership and privileges.
type PostgresAdapter struct {
	cfg PostgresConfig
}

// NewPostgresAdapter creates a database adapter for the given connection.
func NewPostgresAdapter(cfg PostgresConfig) *PostgresAdapter {
	if cfg.DumpTool == "" {
		cfg.DumpTool = "pg_dump"
	}
	if cfg.RestoreTool == "" {
		cfg.RestoreTool = "pg_restore"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	return &PostgresAdapter{cfg: cfg}
}

// Name implements Adapter.
func (a *PostgresAdapter) Name() string { return "database" }

// Capture produces a custom-format dump at <destDir>/database.dump.
// The dump is written to a temporary name first so a failed run leaves no
// partial artifact behind.
func (a *PostgresAdapter) Capture(ctx context.Context, destDir string) (*Artifact, error) {
	if err := a.ping(ctx); err != nil {
		return nil, &CaptureError{Component: a.Name(), Err: fmt.Errorf("database unreachable: %w", err)}
	}

	finalPath := filepath.Join(destDir, DatabaseArtifactName)
	tmpPath := finalPath + ".tmp"

	args := []string{
		"--format=custom",
		"--host", a.cfg.Host,
		"--port", fmt.Sprintf("%d", a.cfg.Port),
		"--username", a.cfg.User,
		"--file", tmpPath,
		a.cfg.DBName,
	}
	if _, err := runTool(ctx, a.env(), a.cfg.DumpTool, args...); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}

	art, err := artifactFor(a.Name(), destDir, DatabaseArtifactName)
	if err != nil {
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	return art, nil
}

// Apply restores the dump into the live database. Existing objects are
// dropped first (--clean --if-exists) and ownership/privilege statements
// are skipped so the restore also works against a differently-provisioned
// target database.
func (a *PostgresAdapter) Apply(ctx context.Context, artifactPath string) error {
	if _, err := os.Stat(artifactPath); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}

	args := []string{
		"--clean",
		"--if-exists",
		"--no-owner",
		"--no-privileges",
		"--host", a.cfg.Host,
		"--port", fmt.Sprintf("%d", a.cfg.Port),
		"--username", a.cfg.User,
		"--dbname", a.cfg.DBName,
		artifactPath,
	}
	if _, err := runTool(ctx, a.env(), a.cfg.RestoreTool, args...); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}

	// Probe the restored database so an unusable restore surfaces here
	// instead of at the first application query.
	if err := a.ping(ctx); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: fmt.Errorf("post-restore probe failed: %w", err)}
	}
	return nil
}

// ping opens a short-lived connection and verifies the database answers.
func (a *PostgresAdapter) ping(ctx context.Context) error {
	db, err := sql.Open("postgres", a.dsn())
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}

func (a *PostgresAdapter) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Host, a.cfg.Port, a.cfg.User, a.cfg.Password, a.cfg.DBName)
}

func (a *PostgresAdapter) env() []string {
	return []string{"PGPASSWORD=" + a.cfg.Password}
}
