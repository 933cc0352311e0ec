// Package backup implements the backup side of the stack orchestrator: it
// fans out component captures into a staging directory, seals the result
// with a manifest and an integrity ledger, and sweeps expired backup sets.
package backup

import (
	"context"
	"time"

	"github.com/stackbak/stackbak/internal/adapter"
)

// On-disk layout constants for one backup set directory.
const (
	// SetPrefix prefixes every backup set directory name.
	SetPrefix = "stackbak-"

	// ManifestFileName is the manifest document inside a backup set.
	ManifestFileName = "manifest.json"

	// LedgerFileName is the integrity ledger inside a backup set.
	LedgerFileName = "ledger.sha256"

	// StagingSuffix marks an in-progress set directory. A staging
	// directory never contains a manifest/ledger pair, so it can never be
	// selected as a restore source.
	StagingSuffix = ".partial"

	// RollbackDirName is the subdirectory of the backup root holding
	// pre-restore rollback snapshots. Never touched by retention.
	RollbackDirName = "rollback"

	// SchemaVersion is the manifest schema written by this orchestrator.
	// Restores reject manifests with a different version rather than
	// silently misapplying them.
	SchemaVersion = 1
)

// setIDFormat yields sortable, per-invocation-unique set IDs.
const setIDFormat = "20060102-150405"

// Status classifies a backup set.
type Status string

const (
	// StatusInProgress marks a set still being written (staging dir).
	StatusInProgress Status = "in_progress"

	// StatusVerified marks a set whose recomputed digests all match.
	StatusVerified Status = "verified"

	// StatusCorrupt marks a set with at least one digest mismatch.
	StatusCorrupt Status = "corrupt"

	// StatusExpired marks a set older than its retention window.
	StatusExpired Status = "expired"
)

// Manifest is the versioned description of one backup set, written once
// before the ledger. The manifest file itself is not digested by the
// ledger; only artifact files are.
type Manifest struct {
	SchemaVersion int                `json:"schema_version"`
	ID            string             `json:"id"`
	CreatedAt     time.Time          `json:"created_at"`
	Hostname      string             `json:"hostname"`
	Domain        string             `json:"domain"`
	Artifacts     []adapter.Artifact `json:"artifacts"`
	RetentionDays int                `json:"retention_days"`
}

// Config holds backup orchestrator configuration.
type Config struct {
	// Root is the backup root directory, expected to be a writable,
	// separately-mounted volume.
	Root string

	// Domain identifies the stack instance recorded in manifests.
	Domain string

	// RetentionDays is the age in days beyond which a backup set becomes
	// eligible for the retention sweep. Zero disables sweeping.
	RetentionDays int

	// MinFreeBytes is the free-space precondition on the backup root.
	// Zero disables the check.
	MinFreeBytes uint64

	// RequiredTools are external binaries that must resolve via PATH
	// before a run starts (pg_dump, redis-cli, ...).
	RequiredTools []string
}

// SetInfo describes one discovered backup set.
type SetInfo struct {
	ID            string
	Path          string
	CreatedAt     time.Time
	Size          int64
	RetentionDays int
}

// Result describes one completed backup run.
type Result struct {
	ID        string
	Path      string
	Duration  time.Duration
	Artifacts []adapter.Artifact
	Swept     []string
}

// RunRecord is one row of run history handed to a Recorder.
type RunRecord struct {
	Kind       string // "backup" or "restore"
	SetID      string
	Status     string // "ok" or "failed"
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists run history. Recording is best-effort: orchestrators
// log Recorder errors but never fail a run because of them.
type Recorder interface {
	Record(ctx context.Context, rec RunRecord) error
}

// NewSetID derives a sortable backup set ID from t.
func NewSetID(t time.Time) string {
	return SetPrefix + t.UTC().Format(setIDFormat)
}
