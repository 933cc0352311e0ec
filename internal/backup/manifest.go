package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteManifest writes the manifest document into the set directory. It is
// written exactly once per backup set, before the ledger, via a temporary
// file and rename so a crash never leaves a truncated manifest.
func WriteManifest(setDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(setDir, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads and validates the manifest of a backup set directory.
// Manifests written by an incompatible orchestrator version are rejected
// outright.
func ReadManifest(setDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(setDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("manifest schema version %d is not supported by this orchestrator (want %d)",
			m.SchemaVersion, SchemaVersion)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("manifest has no backup set ID")
	}
	return &m, nil
}
