package restore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackbak/stackbak/internal/adapter"
	"github.com/stackbak/stackbak/internal/backup"
	"github.com/stackbak/stackbak/internal/lock"
)

// opLog records adapter and supervisor operations in order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) index(op string) int {
	for i, o := range l.all() {
		if o == op {
			return i
		}
	}
	return -1
}

// fakeAdapter captures to a marker file and logs every operation.
type fakeAdapter struct {
	name       string
	log        *opLog
	applyErr   error
	captureErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capture(ctx context.Context, destDir string) (*adapter.Artifact, error) {
	f.log.add("capture:" + f.name)
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	name := f.name + ".bin"
	if err := os.WriteFile(filepath.Join(destDir, name), []byte(f.name+" state"), 0644); err != nil {
		return nil, err
	}
	return &adapter.Artifact{Component: f.name, Path: name, Size: int64(len(f.name) + 6), CapturedAt: time.Now().UTC()}, nil
}

func (f *fakeAdapter) Apply(ctx context.Context, artifactPath string) error {
	f.log.add("apply:" + f.name)
	if f.applyErr != nil {
		return f.applyErr
	}
	return nil
}

// fakeSupervisor records stop/start calls.
type fakeSupervisor struct {
	log *opLog
}

func (s *fakeSupervisor) Stop(ctx context.Context, unit string) error {
	s.log.add("stop:" + unit)
	return nil
}

func (s *fakeSupervisor) Start(ctx context.Context, unit string) error {
	s.log.add("start:" + unit)
	return nil
}

func (s *fakeSupervisor) Status(ctx context.Context, unit string) (string, error) {
	return "active", nil
}

// makeStack builds one fake adapter per component sharing a log.
func makeStack(log *opLog) []adapter.Adapter {
	return []adapter.Adapter{
		&fakeAdapter{name: "database", log: log},
		&fakeAdapter{name: "files", log: log},
		&fakeAdapter{name: "config", log: log},
		&fakeAdapter{name: "cache", log: log},
	}
}

// makeSet runs a real backup over the fake stack and returns the set path.
func makeSet(t *testing.T, root string, adapters []adapter.Adapter) string {
	t.Helper()
	orch, err := backup.NewOrchestrator(backup.Config{Root: root, Domain: "example.test", RetentionDays: 14}, adapters, nil)
	require.NoError(t, err)
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	return result.Path
}

func newTestRestore(t *testing.T, root string, adapters []adapter.Adapter, log *opLog, health *HealthChecker) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(Config{Root: root}, adapters, &fakeSupervisor{log: log}, health, nil)
	require.NoError(t, err)
	return orch
}

// memoryRecorder collects run-history rows in memory.
type memoryRecorder struct {
	mu      sync.Mutex
	records []backup.RunRecord
}

func (r *memoryRecorder) Record(ctx context.Context, rec backup.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRecorder) all() []backup.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backup.RunRecord(nil), r.records...)
}

func TestRequiresConfirmation(t *testing.T) {
	assert.True(t, RequiresConfirmation(Selection{Database: true}))
	assert.True(t, RequiresConfirmation(Selection{Files: true}))
	assert.True(t, RequiresConfirmation(Full()))
	assert.False(t, RequiresConfirmation(Selection{Config: true}))
	assert.False(t, RequiresConfirmation(Selection{Cache: true}))
	assert.False(t, RequiresConfirmation(Selection{}))
}

func TestRunRejectsTamperedSet(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	// Flip a byte in the database artifact after the ledger was sealed.
	require.NoError(t, os.WriteFile(filepath.Join(setPath, "database.bin"), []byte("tampered"), 0644))

	orch := newTestRestore(t, root, stack, log, nil)
	before := len(log.all())
	_, err := orch.Run(context.Background(), Options{SetPath: setPath, Selection: Full(), NoRestart: true})

	var integrityErr *backup.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Len(t, log.all(), before, "no adapter may run against a corrupt set")
}

func TestRunAppliesInDependencyOrder(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	orch := newTestRestore(t, root, stack, log, nil)
	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Full(),
		Services:  []string{"app.service", "nginx.service"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"config", "database", "files", "cache"}, result.Applied)

	// Config strictly first, cache strictly after database and files,
	// restarts strictly after every apply.
	cfgIdx := log.index("apply:config")
	dbIdx := log.index("apply:database")
	filesIdx := log.index("apply:files")
	cacheIdx := log.index("apply:cache")
	startIdx := log.index("start:app.service")

	require.NotEqual(t, -1, cfgIdx)
	assert.Less(t, cfgIdx, dbIdx)
	assert.Less(t, cfgIdx, filesIdx)
	assert.Greater(t, cacheIdx, dbIdx)
	assert.Greater(t, cacheIdx, filesIdx)
	assert.Greater(t, startIdx, cacheIdx)

	// App service restarts before the reverse proxy.
	assert.Less(t, log.index("start:app.service"), log.index("start:nginx.service"))
}

func TestDatabaseOnlyLeavesFilesUntouched(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}

	// Real files adapter over a live tree, fakes for the rest.
	liveTree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(liveTree, "page.html"), []byte("original"), 0644))

	stack := []adapter.Adapter{
		&fakeAdapter{name: "database", log: log},
		adapter.NewFilesAdapter(adapter.FilesConfig{Root: liveTree}),
		&fakeAdapter{name: "config", log: log},
		&fakeAdapter{name: "cache", log: log},
	}
	setPath := makeSet(t, root, stack)

	// Deliberately alter the live tree after the backup.
	require.NoError(t, os.WriteFile(filepath.Join(liveTree, "page.html"), []byte("altered after backup"), 0644))

	orch := newTestRestore(t, root, stack, log, nil)
	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Database: true},
		NoRestart: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"database"}, result.Applied)

	got, err := os.ReadFile(filepath.Join(liveTree, "page.html"))
	require.NoError(t, err)
	assert.Equal(t, "altered after backup", string(got), "db-only restore must not touch the file tree")
}

func TestRunCreatesRollbackSnapshot(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	orch := newTestRestore(t, root, stack, log, nil)
	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Database: true, Files: true},
		NoRestart: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.RollbackPath)

	assert.FileExists(t, filepath.Join(result.RollbackPath, "database.bin"))
	assert.FileExists(t, filepath.Join(result.RollbackPath, "files.bin"))
	assert.Contains(t, result.RollbackPath, filepath.Join(root, backup.RollbackDirName))

	// The snapshot is captured before anything is applied.
	assert.Less(t, log.index("capture:database"), log.index("apply:database"))
}

func TestRollbackSnapshotFailureIsWarningOnly(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	// Swap in a database adapter whose capture fails; the set above was
	// already built with a working one.
	broken := makeStack(log)
	broken[0] = &fakeAdapter{name: "database", log: log,
		captureErr: &adapter.CaptureError{Component: "database", Err: errors.New("live capture broken")}}

	orch := newTestRestore(t, root, broken, log, nil)
	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Database: true},
		NoRestart: true,
	})
	require.NoError(t, err, "a failed rollback snapshot must not abort the restore")
	assert.Empty(t, result.RollbackPath)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "rollback snapshot failed")
	assert.Equal(t, []string{"database"}, result.Applied)
}

func TestApplyFailureAbortsRemainingSteps(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	failing := makeStack(log)
	failing[0] = &fakeAdapter{name: "database", log: log,
		applyErr: &adapter.ApplyError{Component: "database", Err: errors.New("restore tool exited 1")}}

	orch := newTestRestore(t, root, failing, log, nil)
	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Full(),
		Services:  []string{"app.service"},
	})

	var applyErr *adapter.ApplyError
	require.ErrorAs(t, err, &applyErr)

	assert.NotContains(t, log.all(), "apply:cache", "cache apply must be skipped after a failure")
	assert.NotContains(t, log.all(), "start:app.service", "services must not restart after a failed apply")
	assert.NotEmpty(t, result.RollbackPath, "the rollback snapshot path must be reported")
}

func TestRunFailsFastWhenLockHeld(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	// Corrupt the set so a premature verification would be detectable:
	// a blocked restore must report the held lock, never an integrity
	// result computed while another holder owned the root.
	require.NoError(t, os.WriteFile(filepath.Join(setPath, "database.bin"), []byte("tampered"), 0644))

	held, err := lock.Acquire(root, "backup")
	require.NoError(t, err)
	defer held.Release()

	orch := newTestRestore(t, root, stack, log, nil)
	before := len(log.all())
	_, err = orch.Run(context.Background(), Options{SetPath: setPath, Selection: Full(), NoRestart: true})

	require.ErrorIs(t, err, lock.ErrLockHeld)
	var integrityErr *backup.IntegrityError
	assert.False(t, errors.As(err, &integrityErr), "verification must not run while the lock is held elsewhere")
	assert.Len(t, log.all(), before, "no adapter may run while the lock is held elsewhere")
}

func TestRunChecksRequiredTools(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	orch, err := NewOrchestrator(Config{
		Root:          root,
		RequiredTools: []string{"stackbak-no-such-tool"},
	}, stack, &fakeSupervisor{log: log}, nil, nil)
	require.NoError(t, err)

	before := len(log.all())
	_, err = orch.Run(context.Background(), Options{SetPath: setPath, Selection: Full(), NoRestart: true})

	var preErr *backup.PreconditionError
	require.ErrorAs(t, err, &preErr)
	assert.Len(t, log.all(), before, "a missing tool must be caught before any adapter runs")
}

func TestRunRecordsFailedRuns(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}

	// A set without a cache artifact: selecting cache fails after the
	// manifest is read, which must still leave a run-history row.
	partial := []adapter.Adapter{
		&fakeAdapter{name: "database", log: log},
		&fakeAdapter{name: "files", log: log},
		&fakeAdapter{name: "config", log: log},
	}
	setPath := makeSet(t, root, partial)

	recorder := &memoryRecorder{}
	orch, err := NewOrchestrator(Config{Root: root}, makeStack(log), &fakeSupervisor{log: log}, nil, recorder)
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Cache: true},
		NoRestart: true,
	})
	require.Error(t, err)

	// A lock-held failure is recorded too.
	held, err := lock.Acquire(root, "backup")
	require.NoError(t, err)
	defer held.Release()
	_, err = orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Config: true},
		NoRestart: true,
	})
	require.ErrorIs(t, err, lock.ErrLockHeld)

	records := recorder.all()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "restore", rec.Kind)
		assert.Equal(t, "failed", rec.Status)
		assert.Equal(t, filepath.Base(setPath), rec.SetID)
		assert.NotEmpty(t, rec.Detail)
	}
}

func TestRunRequiresSelection(t *testing.T) {
	orch := newTestRestore(t, t.TempDir(), makeStack(&opLog{}), &opLog{}, nil)
	_, err := orch.Run(context.Background(), Options{SetPath: "ignored"})
	require.Error(t, err)
}

func TestRunMissingComponentArtifact(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}

	// Build a set without a cache artifact.
	partial := []adapter.Adapter{
		&fakeAdapter{name: "database", log: log},
		&fakeAdapter{name: "files", log: log},
		&fakeAdapter{name: "config", log: log},
	}
	setPath := makeSet(t, root, partial)

	orch := newTestRestore(t, root, makeStack(log), log, nil)
	_, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Cache: true},
		NoRestart: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cache artifact")
}

func TestNoRestartSkipsSupervisor(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	orch := newTestRestore(t, root, stack, log, nil)
	_, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Full(),
		NoRestart: true,
		Services:  []string{"app.service"},
	})
	require.NoError(t, err)
	assert.NotContains(t, log.all(), "start:app.service")
	assert.NotContains(t, log.all(), "stop:app.service")
}

func TestHealthCheckFailureIsWarning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	checker := NewHealthChecker(server.URL, 2, 10*time.Millisecond)
	orch := newTestRestore(t, root, stack, log, checker)

	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Cache: true},
		NoRestart: true,
	})
	require.NoError(t, err, "a failed health check must not fail the restore")
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], "health check failed")
}

func TestHealthCheckSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	root := t.TempDir()
	log := &opLog{}
	stack := makeStack(log)
	setPath := makeSet(t, root, stack)

	checker := NewHealthChecker(server.URL, 3, 10*time.Millisecond)
	orch := newTestRestore(t, root, stack, log, checker)

	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Selection{Cache: true},
		NoRestart: true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
}

// TestEndToEndRoundTrip backs up a live tree plus config bundle with the
// real adapters and restores everything into fresh roots.
func TestEndToEndRoundTrip(t *testing.T) {
	root := t.TempDir()
	log := &opLog{}

	liveTree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(liveTree, "app.py"), []byte("print('v1')"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(liveTree, "static"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(liveTree, "static", "style.css"), []byte("body{}"), 0644))

	configRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(configRoot, "etc/nginx"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configRoot, "etc/nginx/app.conf"), []byte("server {}"), 0644))

	captureStack := []adapter.Adapter{
		&fakeAdapter{name: "database", log: log},
		adapter.NewFilesAdapter(adapter.FilesConfig{Root: liveTree}),
		adapter.NewConfigBundleAdapter(adapter.ConfigBundleConfig{Root: configRoot, Files: []string{"etc/nginx/app.conf"}}),
		&fakeAdapter{name: "cache", log: log},
	}
	setPath := makeSet(t, root, captureStack)
	require.NoError(t, backup.Verify(setPath))

	// Restore into brand-new, empty roots.
	freshTree := t.TempDir()
	freshConfig := t.TempDir()
	restoreStack := []adapter.Adapter{
		&fakeAdapter{name: "database", log: log},
		adapter.NewFilesAdapter(adapter.FilesConfig{Root: freshTree}),
		adapter.NewConfigBundleAdapter(adapter.ConfigBundleConfig{Root: freshConfig}),
		&fakeAdapter{name: "cache", log: log},
	}
	orch := newTestRestore(t, root, restoreStack, log, nil)
	result, err := orch.Run(context.Background(), Options{
		SetPath:   setPath,
		Selection: Full(),
		NoRestart: true,
	})
	require.NoError(t, err)
	assert.Len(t, result.Applied, 4)

	got, err := os.ReadFile(filepath.Join(freshTree, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v1')", string(got))

	got, err = os.ReadFile(filepath.Join(freshTree, "static", "style.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(got))

	got, err = os.ReadFile(filepath.Join(freshConfig, "etc/nginx/app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "server {}", string(got))
}
