// Package partition implements the Dirty Tracker (§4.h), the
// Copy-Through Optimizer (§4.i), and the Partition Engine (§4.e): the
// per-partition extract/repack machinery and the rebuild-skipping
// optimization that sits in front of it.
package partition

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	storejson "github.com/rkromkit/kitchen/storage/json"
)

// dirtyDoc and snapshotDoc are the two JSON documents persisted in
// extract/ (§6): {"dirty": {name: bool}} and
// {"snapshots": {name: {"file_count", "total_size", "newest_mtime"}}}
// respectively, each wrapping a Go map.
type dirtyDoc struct {
	Dirty map[string]bool `json:"dirty"`
}

type snapshotDoc struct {
	Snapshots map[string]SourceSnapshot `json:"snapshots"`
}

// Tracker persists dirty flags and source snapshots for every known
// partition name.
type Tracker struct {
	dirty     *storejson.Store[dirtyDoc]
	snapshots *storejson.Store[snapshotDoc]
	sourceDir func(name string) string
}

// NewTracker builds a Tracker. dirtyFile/dirtyLock and snapshotFile/
// snapshotLock are the paths from project.Layout; sourceDir resolves a
// partition name to the filesystem tree ComputeSnapshot walks.
func NewTracker(dirtyFile, dirtyLock, snapshotFile, snapshotLock string, sourceDir func(string) string) *Tracker {
	return &Tracker{
		dirty:     storejson.New[dirtyDoc](dirtyLock, dirtyFile),
		snapshots: storejson.New[snapshotDoc](snapshotLock, snapshotFile),
		sourceDir: sourceDir,
	}
}

// Set marks name's dirty flag explicitly.
func (t *Tracker) Set(ctx context.Context, name string, dirty bool) error {
	return t.dirty.Update(ctx, func(d *dirtyDoc) error {
		if d.Dirty == nil {
			d.Dirty = make(map[string]bool)
		}
		d.Dirty[name] = dirty
		return nil
	})
}

// IsDirty reports name's dirty flag, defaulting to true for an unknown
// key — an un-tracked partition has never been confirmed clean.
func (t *Tracker) IsDirty(ctx context.Context, name string) (bool, error) {
	var dirty bool
	err := t.dirty.With(ctx, func(d *dirtyDoc) error {
		v, ok := d.Dirty[name]
		if !ok {
			dirty = true
			return nil
		}
		dirty = v
		return nil
	})
	return dirty, err
}

// MarkAllClean sets dirty=false for exactly the given names, leaving
// other tracked names untouched.
func (t *Tracker) MarkAllClean(ctx context.Context, names []string) error {
	return t.dirty.Update(ctx, func(d *dirtyDoc) error {
		if d.Dirty == nil {
			d.Dirty = make(map[string]bool)
		}
		for _, n := range names {
			d.Dirty[n] = false
		}
		return nil
	})
}

// MarkAllDirty sets dirty=true for every currently tracked name.
func (t *Tracker) MarkAllDirty(ctx context.Context) error {
	return t.dirty.Update(ctx, func(d *dirtyDoc) error {
		for n := range d.Dirty {
			d.Dirty[n] = true
		}
		return nil
	})
}

// Snapshot computes and persists name's current SourceSnapshot
// unconditionally, without touching the dirty flag.
func (t *Tracker) Snapshot(ctx context.Context, name string) (SourceSnapshot, error) {
	snap, err := ComputeSnapshot(t.sourceDir(name))
	if err != nil {
		return SourceSnapshot{}, fmt.Errorf("snapshot %s: %w", name, err)
	}
	err = t.snapshots.Update(ctx, func(s *snapshotDoc) error {
		if s.Snapshots == nil {
			s.Snapshots = make(map[string]SourceSnapshot)
		}
		s.Snapshots[name] = snap
		return nil
	})
	return snap, err
}

// AutoDetect recomputes name's snapshot and compares it to the saved
// one. A difference persists the new snapshot and sets dirty=true. An
// identical snapshot preserves the existing dirty flag untouched — a
// partition a user marked dirty by hand never gets silently flipped
// clean just because its tree looks unchanged.
func (t *Tracker) AutoDetect(ctx context.Context, name string) (bool, error) {
	logger := log.WithFunc("partition.Tracker.AutoDetect")

	current, err := ComputeSnapshot(t.sourceDir(name))
	if err != nil {
		return false, fmt.Errorf("snapshot %s: %w", name, err)
	}

	var changed bool
	var dirty bool
	err = t.snapshots.Update(ctx, func(s *snapshotDoc) error {
		if s.Snapshots == nil {
			s.Snapshots = make(map[string]SourceSnapshot)
		}
		prev, ok := s.Snapshots[name]
		changed = !ok || !prev.Equal(current)
		s.Snapshots[name] = current
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		logger.Debugf(ctx, "partition %s changed since last snapshot, marking dirty", name)
		if err := t.Set(ctx, name, true); err != nil {
			return false, err
		}
		return true, nil
	}

	dirty, err = t.IsDirty(ctx, name)
	return dirty, err
}

// AutoDetectAll runs AutoDetect for every name concurrently through pool.
// This is local, stat-only work — no external tool is invoked — so
// parallelizing it does not violate the sequential-external-tool-
// invocation invariant (§5).
func (t *Tracker) AutoDetectAll(ctx context.Context, pool *ants.Pool, names []string) (map[string]bool, error) {
	results := make(map[string]bool, len(names))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, n := range names {
		name := n
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			dirty, err := t.AutoDetect(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("auto-detect %s: %w", name, err)
				}
				return
			}
			results[name] = dirty
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("submit auto-detect %s: %w", name, submitErr)
			}
			mu.Unlock()
		}
	}

	wg.Wait()
	return results, firstErr
}
