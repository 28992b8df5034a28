// Package pipeline implements the Pipeline Coordinator (§4.m): the
// import/extract/patch/build state machine that drives the Firmware,
// Super, and Partition Engines plus the AVB and Boot Ramdisk Patchers
// against a single project.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/rkromkit/kitchen/avb"
	"github.com/rkromkit/kitchen/bootpatch"
	"github.com/rkromkit/kitchen/detect"
	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/firmware"
	"github.com/rkromkit/kitchen/fscodec"
	"github.com/rkromkit/kitchen/lock"
	"github.com/rkromkit/kitchen/lock/flock"
	"github.com/rkromkit/kitchen/partition"
	"github.com/rkromkit/kitchen/progress"
	"github.com/rkromkit/kitchen/progress/importstep"
	"github.com/rkromkit/kitchen/project"
	"github.com/rkromkit/kitchen/sparse"
	storejson "github.com/rkromkit/kitchen/storage/json"
	"github.com/rkromkit/kitchen/super"
	"github.com/rkromkit/kitchen/tools"
)

// Status tags a TaskResult's outcome.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusCancelled
)

// TaskResult is the single return shape of every pipeline step (§6): a
// tagged union over {Success, Error, Cancelled}, always carrying an
// optional message, artifact list, and elapsed time.
type TaskResult struct {
	Status    Status
	Message   string
	Artifacts []string
	Elapsed   time.Duration
}

func success(message string, artifacts []string, elapsed time.Duration) TaskResult {
	return TaskResult{Status: StatusSuccess, Message: message, Artifacts: artifacts, Elapsed: elapsed}
}

func taskError(err error) TaskResult {
	return TaskResult{Status: StatusError, Message: err.Error()}
}

func cancelled() TaskResult {
	return TaskResult{Status: StatusCancelled, Message: "operation cancelled"}
}

// Ok reports whether the result is a success.
func (r TaskResult) Ok() bool { return r.Status == StatusSuccess }

// romTypeFor maps a detected Route to the pipeline's persisted rom_type
// tag, matching the source's string-tag dispatch (§9) re-expressed over
// detect.Route.
func romTypeFor(route detect.Route) string {
	switch route {
	case detect.RouteFirmwareWrapper:
		return "rockchip_update"
	case detect.RouteSuper:
		return "android_super"
	case detect.RouteSparsePartition, detect.RouteRawPartition:
		return "partition_image"
	default:
		return "unknown"
	}
}

// Coordinator drives one project through import/extract/patch/build. A
// single project-wide busy lock refuses concurrent runs against the same
// project (§5).
type Coordinator struct {
	project *project.Project

	busy lock.Locker

	resolver   tools.Resolver
	sparse     *sparse.Codec
	fs         *fscodec.Codec
	firmwareEg *firmware.Engine
	superEg    *super.Engine
	partitions *partition.Engine
	tracker    *partition.Tracker
	avbPatcher *avb.Patcher
	bootEg     *bootpatch.Patcher
	superMeta  *storejson.Store[super.Metadata]
	pool       *ants.Pool
}

// New builds a Coordinator for proj, resolving tools through resolver and
// using pool for the Dirty Tracker's local stat-only fan-out.
func New(proj *project.Project, resolver tools.Resolver, pool *ants.Pool) *Coordinator {
	l := proj.Layout
	sparseCodec := sparse.New(resolver)
	fsCodec := fscodec.New(resolver)

	tracker := partition.NewTracker(
		l.DirtyFile(), l.DirtyLockFile(),
		l.SnapshotFile(), l.SnapshotLockFile(),
		l.PartitionSourceDir,
	)

	outputSparse := func() bool {
		sparseWanted := false
		_ = proj.With(context.Background(), func(cur *project.Config) error {
			sparseWanted = cur.OutputSparse
			return nil
		})
		return sparseWanted
	}

	partEngine := partition.NewEngine(l, fsCodec, sparseCodec, tracker,
		l.PartitionIndexFile(), l.PartitionIndexLockFile(), outputSparse)

	return &Coordinator{
		project:    proj,
		busy:       flock.New(l.BusyLockFile()),
		resolver:   resolver,
		sparse:     sparseCodec,
		fs:         fsCodec,
		firmwareEg: firmware.New(resolver),
		superEg:    super.New(resolver, sparseCodec),
		partitions: partEngine,
		tracker:    tracker,
		avbPatcher: avb.New(resolver),
		bootEg:     bootpatch.New(resolver),
		superMeta:  storejson.New[super.Metadata](l.SuperMetadataLockFile(), l.SuperMetadataFile()),
		pool:       pool,
	}
}

// withBusyLock rejects a concurrent call against the same project with
// errs.Busy instead of blocking — the coordinator owns the extract/temp/
// output directories exclusively for the duration of one step (§5).
func (c *Coordinator) withBusyLock(ctx context.Context, fn func() TaskResult) TaskResult {
	acquired, err := c.busy.TryLock(ctx)
	if err != nil {
		return taskError(err)
	}
	if !acquired {
		return taskError(errs.Busy(c.project.Layout.Root))
	}
	defer c.busy.Unlock(ctx) //nolint:errcheck
	return fn()
}

const importCopyChunkSize = 4 << 20 // 4MiB

// Import classifies inputFile, copies it into in/ in chunks (with
// cancellation checks between chunks), and persists the resulting
// input_file/rom_type/input_type/imported=true (§4.m).
func (c *Coordinator) Import(ctx context.Context, inputFile string, tracker progress.Tracker) TaskResult {
	return c.withBusyLock(ctx, func() TaskResult {
		start := time.Now()
		if tracker == nil {
			tracker = progress.Nop
		}

		info, err := os.Stat(inputFile)
		if err != nil {
			return taskError(errs.InputNotFound(inputFile))
		}

		route := detect.DetectFile(inputFile)
		tracker.OnEvent(importstep.Event{Phase: importstep.PhaseDetect, Route: string(route)})

		dest := filepath.Join(c.project.Layout.InDir(), filepath.Base(inputFile))
		if err := chunkedCopy(ctx, inputFile, dest, info.Size(), tracker); err != nil {
			if errs.KindOf(err) == errs.KindCancelled {
				return cancelled()
			}
			return taskError(err)
		}

		if err := c.project.UpdateConfig(ctx, func(cfg *project.Config) {
			cfg.InputFile = dest
			cfg.RomType = romTypeFor(route)
			cfg.InputType = string(route)
			cfg.Imported = true
		}); err != nil {
			return taskError(err)
		}

		tracker.OnEvent(importstep.Event{Phase: importstep.PhaseDone, Route: string(route)})
		return success(fmt.Sprintf("imported %s as %s", filepath.Base(dest), route), []string{dest}, time.Since(start))
	})
}

// chunkedCopy copies src to dst in fixed-size chunks, reporting progress
// after each chunk and checking ctx between chunks (§5). On cancellation
// or any write failure the partial destination file is removed so the
// next run's deterministic naming starts clean (§5, scenario S6).
func chunkedCopy(ctx context.Context, src, dst string, total int64, tracker progress.Tracker) error {
	in, err := os.Open(src) //nolint:gosec // operator-provided input path
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst) //nolint:gosec // project-relative destination path
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	buf := make([]byte, importCopyChunkSize)
	var done int64
	for {
		select {
		case <-ctx.Done():
			out.Close()        //nolint:errcheck
			os.Remove(dst)      //nolint:errcheck
			return errs.Cancelled()
		default:
		}

		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close() //nolint:errcheck
				os.Remove(dst) //nolint:errcheck
				return fmt.Errorf("write %s: %w", dst, werr)
			}
			done += int64(n)
			tracker.OnEvent(importstep.Event{Phase: importstep.PhaseCopy, BytesDone: done, BytesTotal: total})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close() //nolint:errcheck
			os.Remove(dst) //nolint:errcheck
			return errs.ClassifyIOError(fmt.Errorf("read %s: %w", src, rerr))
		}
	}

	if err := out.Sync(); err != nil {
		out.Close() //nolint:errcheck
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}
