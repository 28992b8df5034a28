package partition

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// SourceSnapshot is the cheap (file_count, total_size, newest_mtime)
// triple the Dirty Tracker compares between runs (§4.h). It is not a
// content hash — computing one over multi-gigabyte partition trees would
// violate the "snapshot computation is cheap" resource-model assumption
// (§5), so only stat metadata is touched.
type SourceSnapshot struct {
	FileCount   int       `json:"file_count"`
	TotalSize   int64     `json:"total_size"`
	NewestMtime time.Time `json:"newest_mtime"`
}

// Equal reports whether two snapshots describe the same tree state.
func (s SourceSnapshot) Equal(other SourceSnapshot) bool {
	return s.FileCount == other.FileCount &&
		s.TotalSize == other.TotalSize &&
		s.NewestMtime.Equal(other.NewestMtime)
}

// ComputeSnapshot walks root and computes its SourceSnapshot. A missing
// root is treated as an empty tree, not an error — a partition that has
// not been extracted yet is legitimately absent.
func ComputeSnapshot(root string) (SourceSnapshot, error) {
	var snap SourceSnapshot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		snap.FileCount++
		snap.TotalSize += info.Size()
		if mt := info.ModTime(); mt.After(snap.NewestMtime) {
			snap.NewestMtime = mt
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return SourceSnapshot{}, err
	}
	return snap, nil
}
