package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	root := t.TempDir()

	lk, err := Acquire(root, "backup")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, LockFileName+".meta")); err != nil {
		t.Errorf("expected lock metadata to exist: %v", err)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, LockFileName+".meta")); !os.IsNotExist(err) {
		t.Errorf("expected lock metadata to be removed after release")
	}
}

func TestSecondAcquireFails(t *testing.T) {
	root := t.TempDir()

	lk, err := Acquire(root, "backup")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	defer lk.Release()

	if _, err := Acquire(root, "restore"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	root := t.TempDir()

	lk, err := Acquire(root, "backup")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	lk2, err := Acquire(root, "restore")
	if err != nil {
		t.Fatalf("expected reacquire to succeed, got %v", err)
	}
	lk2.Release()
}

func TestReleaseNil(t *testing.T) {
	var lk *Lock
	if err := lk.Release(); err != nil {
		t.Errorf("expected nil release to be a no-op, got %v", err)
	}
}

func TestAcquireCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")

	lk, err := Acquire(root, "backup")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	defer lk.Release()

	if _, err := os.Stat(root); err != nil {
		t.Errorf("expected backup root to be created: %v", err)
	}
}
