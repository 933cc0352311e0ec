package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stackbak/stackbak/internal/adapter"
	"github.com/stackbak/stackbak/internal/lock"
)

// componentOrder fixes the canonical artifact order: the most critical
// data first, the slowest and most failure-prone capture last.
var componentOrder = map[string]int{
	"database": 0,
	"files":    1,
	"config":   2,
	"cache":    3,
}

// Orchestrator drives the end-to-end backup pipeline: preflight, lock,
// staged captures, manifest, ledger, atomic publish, retention sweep.
type Orchestrator struct {
	cfg      Config
	adapters []adapter.Adapter
	recorder Recorder // optional

	now func() time.Time
}

// NewOrchestrator creates a backup orchestrator over the given adapters.
// recorder may be nil when no run history is wanted.
func NewOrchestrator(cfg Config, adapters []adapter.Adapter, recorder Recorder) (*Orchestrator, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one component adapter is required")
	}
	return &Orchestrator{cfg: cfg, adapters: adapters, recorder: recorder, now: time.Now}, nil
}

// Run performs one complete backup. On any capture failure the staging
// directory is removed and no manifest or ledger is ever written, so an
// interrupted or failed run can never be mistaken for a valid restore
// source.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	started := o.now()

	if err := CheckPreconditions(o.cfg.Root, o.cfg.MinFreeBytes, o.cfg.RequiredTools); err != nil {
		return nil, err
	}

	lk, err := lock.Acquire(o.cfg.Root, "backup")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Printf("warning: release backup lock: %v", err)
		}
	}()

	id := NewSetID(started)
	stagingDir := filepath.Join(o.cfg.Root, id+StagingSuffix)
	finalDir := filepath.Join(o.cfg.Root, id)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	artifacts, err := o.captureAll(ctx, stagingDir)
	if err != nil {
		// Fail fast: discard the partial set so nothing half-written
		// lingers under the backup root.
		if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
			log.Printf("warning: remove staging directory %s: %v", stagingDir, rmErr)
		}
		o.record(ctx, RunRecord{
			Kind: "backup", SetID: id, Status: "failed", Detail: err.Error(),
			StartedAt: started, FinishedAt: o.now(),
		})
		return nil, err
	}

	hostname, _ := os.Hostname()
	manifest := &Manifest{
		SchemaVersion: SchemaVersion,
		ID:            id,
		CreatedAt:     started.UTC(),
		Hostname:      hostname,
		Domain:        o.cfg.Domain,
		Artifacts:     artifacts,
		RetentionDays: o.cfg.RetentionDays,
	}

	// Digests first, then manifest, then ledger: the ledger signs
	// artifacts the manifest already lists.
	if err := ComputeDigests(stagingDir, manifest); err != nil {
		os.RemoveAll(stagingDir)
		return nil, err
	}
	if err := WriteManifest(stagingDir, manifest); err != nil {
		os.RemoveAll(stagingDir)
		return nil, err
	}
	if err := WriteLedger(stagingDir, manifest); err != nil {
		os.RemoveAll(stagingDir)
		return nil, err
	}

	// Atomic publish: the set becomes discoverable only once complete.
	if err := os.Rename(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		return nil, fmt.Errorf("publish backup set: %w", err)
	}

	result := &Result{
		ID:        id,
		Path:      finalDir,
		Duration:  o.now().Sub(started),
		Artifacts: artifacts,
	}

	// Retention runs only after the ledger is sealed, and never deletes
	// the set just created. Sweep errors do not fail the backup.
	if o.cfg.RetentionDays > 0 {
		swept, err := Sweep(o.cfg.Root, o.now(), id)
		if err != nil {
			log.Printf("warning: retention sweep: %v", err)
		}
		result.Swept = swept
		for _, path := range swept {
			log.Printf("retention: deleted expired backup set %s", path)
		}
	}

	o.record(ctx, RunRecord{
		Kind: "backup", SetID: id, Status: "ok",
		Detail:    fmt.Sprintf("%d artifacts", len(artifacts)),
		StartedAt: started, FinishedAt: o.now(),
	})
	return result, nil
}

// captureAll fans out every adapter capture into the staging directory and
// waits for all of them. The first failure cancels the remaining captures
// and is returned; each adapter writes only its own artifact path, so
// concurrent captures never conflict.
func (o *Orchestrator) captureAll(ctx context.Context, stagingDir string) ([]adapter.Artifact, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	artifacts := make([]adapter.Artifact, 0, len(o.adapters))

	for _, a := range o.adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			log.Printf("capturing %s", a.Name())
			art, err := a.Capture(ctx, stagingDir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			artifacts = append(artifacts, *art)
			log.Printf("captured %s: %s (%d bytes)", a.Name(), art.Path, art.Size)
		}(a)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return componentOrder[artifacts[i].Component] < componentOrder[artifacts[j].Component]
	})
	return artifacts, nil
}

// record hands run history to the recorder, logging but never propagating
// failures.
func (o *Orchestrator) record(ctx context.Context, rec RunRecord) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(ctx, rec); err != nil {
		log.Printf("warning: record run history: %v", err)
	}
}
