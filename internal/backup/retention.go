package backup

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ListSets discovers completed backup sets under root, newest first.
// Staging directories, the rollback area and directories without a
// readable manifest are skipped.
func ListSets(root string) ([]SetInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var sets []SetInfo
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, SetPrefix) {
			continue
		}
		if strings.HasSuffix(name, StagingSuffix) {
			continue
		}

		setDir := filepath.Join(root, name)
		m, err := ReadManifest(setDir)
		if err != nil {
			log.Printf("skipping %s: %v", name, err)
			continue
		}

		size, err := dirSize(setDir)
		if err != nil {
			size = 0
		}
		sets = append(sets, SetInfo{
			ID:            m.ID,
			Path:          setDir,
			CreatedAt:     m.CreatedAt,
			Size:          size,
			RetentionDays: m.RetentionDays,
		})
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CreatedAt.After(sets[j].CreatedAt)
	})
	return sets, nil
}

// Sweep deletes backup sets whose own manifest reports an age beyond its
// recorded retention window. The set named keepID (the one just created)
// is never deleted, and rollback snapshots are out of scope entirely.
// Returns the paths of deleted sets.
func Sweep(root string, now time.Time, keepID string) ([]string, error) {
	sets, err := ListSets(root)
	if err != nil {
		return nil, err
	}

	var deleted []string
	var lastErr error
	for _, set := range sets {
		if set.ID == keepID || set.RetentionDays <= 0 {
			continue
		}
		window := time.Duration(set.RetentionDays) * 24 * time.Hour
		if now.Sub(set.CreatedAt) <= window {
			continue
		}
		if err := os.RemoveAll(set.Path); err != nil {
			lastErr = err
			continue
		}
		deleted = append(deleted, set.Path)
	}

	if lastErr != nil {
		return deleted, fmt.Errorf("failed to delete some backup sets: %w", lastErr)
	}
	return deleted, nil
}

// DiskUsage totals the size of all backup sets under root.
func DiskUsage(root string) (int64, error) {
	sets, err := ListSets(root)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, set := range sets {
		total += set.Size
	}
	return total, nil
}

// dirSize sums the regular-file bytes under dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
