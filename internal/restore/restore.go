// Package restore implements the restore side of the stack orchestrator:
// ledger verification, rollback snapshotting, selective component apply,
// service restart and post-restore health checking.
package restore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackbak/stackbak/internal/adapter"
	"github.com/stackbak/stackbak/internal/backup"
	"github.com/stackbak/stackbak/internal/lock"
	"github.com/stackbak/stackbak/internal/system"
)

// Selection names the components to restore. The zero value selects
// nothing; use Full for a complete restore.
type Selection struct {
	Database bool
	Files    bool
	Config   bool
	Cache    bool
}

// Full selects every component.
func Full() Selection {
	return Selection{Database: true, Files: true, Config: true, Cache: true}
}

// Any reports whether at least one component is selected.
func (s Selection) Any() bool {
	return s.Database || s.Files || s.Config || s.Cache
}

// RequiresConfirmation reports whether the selection overwrites live
// database or file-tree state. Confirmation itself is the caller's
// concern; the orchestrator only exposes the predicate.
func RequiresConfirmation(s Selection) bool {
	return s.Database || s.Files
}

// Options control one restore session.
type Options struct {
	// SetPath is the backup set directory to restore from.
	SetPath string

	// Selection names the components to apply.
	Selection Selection

	// NoRestart skips the service-restart step.
	NoRestart bool

	// Services are restarted in order after a successful apply: the
	// application service first, then the reverse proxy.
	Services []string
}

// Result describes a completed restore session.
type Result struct {
	SessionID    string
	Applied      []string
	RollbackPath string
	Warnings     []string
	Duration     time.Duration
}

// Config holds restore-side settings.
type Config struct {
	// Root is the backup root directory; the run lock and rollback
	// snapshots live here.
	Root string

	// MinFreeBytes is the free-space precondition on the root, covering
	// the rollback snapshot. Zero disables the check.
	MinFreeBytes uint64

	// RequiredTools are external binaries that must be on PATH before a
	// restore starts.
	RequiredTools []string
}

// Orchestrator drives the restore pipeline.
type Orchestrator struct {
	cfg        Config
	adapters   map[string]adapter.Adapter
	supervisor system.Supervisor
	health     *HealthChecker // nil disables the health check
	recorder   backup.Recorder

	now func() time.Time
}

// NewOrchestrator creates a restore orchestrator. adapters maps component
// names to their adapter; supervisor may be nil only if restores always
// run with NoRestart; health and recorder are optional.
func NewOrchestrator(cfg Config, adapters []adapter.Adapter, supervisor system.Supervisor, health *HealthChecker, recorder backup.Recorder) (*Orchestrator, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	byName := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Orchestrator{
		cfg:        cfg,
		adapters:   byName,
		supervisor: supervisor,
		health:     health,
		recorder:   recorder,
		now:        time.Now,
	}, nil
}

// Run executes one restore session. Integrity failures and apply failures
// are fatal; a failed rollback snapshot and a failed health check are
// surfaced as warnings only. On an apply failure the system is left in the
// clearly reported, possibly-inconsistent state: a partially-applied
// database restore is not rolled back automatically.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	started := o.now()
	sessionID := uuid.New().String()
	result := &Result{SessionID: sessionID}

	if !opts.Selection.Any() {
		return nil, fmt.Errorf("nothing selected to restore")
	}

	if err := backup.CheckPreconditions(o.cfg.Root, o.cfg.MinFreeBytes, o.cfg.RequiredTools); err != nil {
		o.record(ctx, started, opts, "failed", err.Error())
		return nil, err
	}

	// The lock is held for the whole restore, verification included: a
	// concurrent retention sweep must never touch the set between its
	// verification and its apply, and a blocked invocation fails fast
	// before any digest work.
	lk, err := lock.Acquire(o.cfg.Root, "restore")
	if err != nil {
		o.record(ctx, started, opts, "failed", err.Error())
		return nil, err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Printf("warning: release restore lock: %v", err)
		}
	}()

	// Verification is the sole gate before a set may be used as a
	// restore source.
	log.Printf("restore %s: verifying %s", sessionID, opts.SetPath)
	if err := backup.Verify(opts.SetPath); err != nil {
		o.record(ctx, started, opts, "failed", err.Error())
		return nil, err
	}

	manifest, err := backup.ReadManifest(opts.SetPath)
	if err != nil {
		o.record(ctx, started, opts, "failed", err.Error())
		return nil, err
	}
	artifactPaths, err := o.artifactPaths(manifest, opts)
	if err != nil {
		o.record(ctx, started, opts, "failed", err.Error())
		return nil, err
	}

	// Snapshot live state for manual rollback before anything
	// destructive happens. Failure here is a warning: the operator
	// proceeding without a rollback snapshot does so knowingly.
	if RequiresConfirmation(opts.Selection) {
		rollbackPath, err := o.rollbackSnapshot(ctx, manifest.ID, sessionID, opts.Selection)
		if err != nil {
			warning := fmt.Sprintf("rollback snapshot failed, continuing without one: %v", err)
			log.Printf("warning: %s", warning)
			result.Warnings = append(result.Warnings, warning)
		} else {
			result.RollbackPath = rollbackPath
			log.Printf("restore %s: rollback snapshot at %s", sessionID, rollbackPath)
		}
	}

	if err := o.applySelected(ctx, opts, artifactPaths, result); err != nil {
		if result.RollbackPath != "" {
			log.Printf("restore %s failed; rollback snapshot available at %s", sessionID, result.RollbackPath)
		} else {
			log.Printf("restore %s failed; no rollback snapshot is available", sessionID)
		}
		o.record(ctx, started, opts, "failed", err.Error())
		return result, err
	}

	if !opts.NoRestart {
		if err := o.restartServices(ctx, opts.Services); err != nil {
			o.record(ctx, started, opts, "failed", err.Error())
			return result, err
		}
	}

	if o.health != nil {
		if err := o.health.Wait(ctx); err != nil {
			warning := fmt.Sprintf("post-restore health check failed: %v", err)
			if result.RollbackPath != "" {
				warning += fmt.Sprintf(" (rollback snapshot: %s)", result.RollbackPath)
			}
			log.Printf("warning: %s", warning)
			result.Warnings = append(result.Warnings, warning)
		} else {
			log.Printf("restore %s: health check passed", sessionID)
		}
	}

	result.Duration = o.now().Sub(started)
	o.record(ctx, started, opts, "ok", fmt.Sprintf("applied %v", result.Applied))
	return result, nil
}

// artifactPaths resolves each selected component to its artifact path,
// failing up front when the set lacks a selected component.
func (o *Orchestrator) artifactPaths(m *backup.Manifest, opts Options) (map[string]string, error) {
	byComponent := make(map[string]string, len(m.Artifacts))
	for _, art := range m.Artifacts {
		byComponent[art.Component] = filepath.Join(opts.SetPath, art.Path)
	}

	paths := make(map[string]string)
	for _, component := range selectedComponents(opts.Selection) {
		path, ok := byComponent[component]
		if !ok {
			return nil, fmt.Errorf("backup set %s has no %s artifact", m.ID, component)
		}
		if _, ok := o.adapters[component]; !ok {
			return nil, fmt.Errorf("no adapter configured for component %s", component)
		}
		paths[component] = path
	}
	return paths, nil
}

// applySelected applies components in dependency order: configuration
// first (later steps may depend on corrected configuration), database and
// files concurrently (independent of each other, both must complete before
// any restart), cache last (its failure is least critical, and it still
// aborts the restart).
func (o *Orchestrator) applySelected(ctx context.Context, opts Options, paths map[string]string, result *Result) error {
	apply := func(component string) error {
		log.Printf("applying %s from %s", component, paths[component])
		if err := o.adapters[component].Apply(ctx, paths[component]); err != nil {
			return err
		}
		result.Applied = append(result.Applied, component)
		return nil
	}

	if opts.Selection.Config {
		if err := apply("config"); err != nil {
			return err
		}
	}

	if opts.Selection.Database || opts.Selection.Files {
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			firstErr error
		)
		run := func(component string) {
			defer wg.Done()
			log.Printf("applying %s from %s", component, paths[component])
			err := o.adapters[component].Apply(ctx, paths[component])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			result.Applied = append(result.Applied, component)
		}
		if opts.Selection.Database {
			wg.Add(1)
			go run("database")
		}
		if opts.Selection.Files {
			wg.Add(1)
			go run("files")
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
	}

	if opts.Selection.Cache {
		if err := apply("cache"); err != nil {
			return err
		}
	}
	return nil
}

// rollbackSnapshot captures live database and file-tree state into
// <root>/rollback/<setID>-<session>. Rollback snapshots are never swept by
// retention; cleanup is a manual operator decision.
func (o *Orchestrator) rollbackSnapshot(ctx context.Context, setID, sessionID string, sel Selection) (string, error) {
	dir := filepath.Join(o.cfg.Root, backup.RollbackDirName,
		fmt.Sprintf("%s-%s", setID, sessionID[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	captured := 0
	for _, component := range []string{"database", "files"} {
		if component == "database" && !sel.Database {
			continue
		}
		if component == "files" && !sel.Files {
			continue
		}
		a, ok := o.adapters[component]
		if !ok {
			continue
		}
		if _, err := a.Capture(ctx, dir); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		captured++
	}
	if captured == 0 {
		os.RemoveAll(dir)
		return "", fmt.Errorf("no components captured")
	}
	return dir, nil
}

// restartServices restarts each unit in order, application service before
// reverse proxy.
func (o *Orchestrator) restartServices(ctx context.Context, services []string) error {
	if len(services) == 0 {
		return nil
	}
	if o.supervisor == nil {
		return fmt.Errorf("no process supervisor configured")
	}
	for _, unit := range services {
		log.Printf("restarting %s", unit)
		if err := o.supervisor.Stop(ctx, unit); err != nil {
			// A unit that was not running is fine; starting is what
			// matters.
			log.Printf("warning: stop %s: %v", unit, err)
		}
		if err := o.supervisor.Start(ctx, unit); err != nil {
			return fmt.Errorf("restart %s: %w", unit, err)
		}
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, started time.Time, opts Options, status, detail string) {
	if o.recorder == nil {
		return
	}
	rec := backup.RunRecord{
		Kind:       "restore",
		SetID:      filepath.Base(opts.SetPath),
		Status:     status,
		Detail:     detail,
		StartedAt:  started,
		FinishedAt: o.now(),
	}
	if err := o.recorder.Record(ctx, rec); err != nil {
		log.Printf("warning: record run history: %v", err)
	}
}

// selectedComponents lists selected component names in apply order.
func selectedComponents(s Selection) []string {
	var components []string
	if s.Config {
		components = append(components, "config")
	}
	if s.Database {
		components = append(components, "database")
	}
	if s.Files {
		components = append(components, "files")
	}
	if s.Cache {
		components = append(components, "cache")
	}
	return components
}
