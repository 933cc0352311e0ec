package backup

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IntegrityError reports backup set artifacts whose recomputed digest does
// not match the ledger, or that are missing a ledger entry entirely.
type IntegrityError struct {
	SetPath    string
	Mismatched []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s",
		e.SetPath, strings.Join(e.Mismatched, ", "))
}

// DigestFile computes the hex-encoded SHA-256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeDigests fills in the Digest field of every artifact listed in the
// manifest by hashing the files inside setDir.
func ComputeDigests(setDir string, m *Manifest) error {
	for i := range m.Artifacts {
		digest, err := DigestFile(filepath.Join(setDir, m.Artifacts[i].Path))
		if err != nil {
			return fmt.Errorf("digest artifact %s: %w", m.Artifacts[i].Component, err)
		}
		m.Artifacts[i].Digest = digest
	}
	return nil
}

// WriteLedger persists one digest line per artifact, in manifest order,
// using the sha256sum format so the ledger stays human-diffable:
//
//	<hex digest>  <relative path>
func WriteLedger(setDir string, m *Manifest) error {
	var b strings.Builder
	for _, art := range m.Artifacts {
		if art.Digest == "" {
			return fmt.Errorf("artifact %s has no digest; compute digests before writing the ledger", art.Component)
		}
		fmt.Fprintf(&b, "%s  %s\n", art.Digest, art.Path)
	}

	path := filepath.Join(setDir, LedgerFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// readLedger parses the ledger into a path -> digest map.
func readLedger(setDir string) (map[string]string, error) {
	f, err := os.Open(filepath.Join(setDir, LedgerFileName))
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		digest, path, ok := strings.Cut(line, "  ")
		if !ok || len(digest) != sha256.Size*2 {
			return nil, fmt.Errorf("malformed ledger line %q", line)
		}
		entries[path] = digest
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entries, nil
}

// Verify recomputes the digest of every artifact the manifest lists and
// compares it against the ledger. Stored digests are never trusted without
// recomputation. This is the sole gate before a backup set may be used as
// a restore source.
func Verify(setDir string) error {
	m, err := ReadManifest(setDir)
	if err != nil {
		return err
	}
	ledger, err := readLedger(setDir)
	if err != nil {
		return err
	}

	var mismatched []string
	for _, art := range m.Artifacts {
		want, ok := ledger[art.Path]
		if !ok {
			mismatched = append(mismatched, art.Path+" (no ledger entry)")
			continue
		}
		got, err := DigestFile(filepath.Join(setDir, art.Path))
		if err != nil {
			mismatched = append(mismatched, art.Path+" (unreadable)")
			continue
		}
		if got != want {
			mismatched = append(mismatched, art.Path)
		}
	}

	if len(mismatched) > 0 {
		return &IntegrityError{SetPath: setDir, Mismatched: mismatched}
	}
	return nil
}
