package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/detect"
	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/fscodec"
	storejson "github.com/rkromkit/kitchen/storage/json"
	"github.com/rkromkit/kitchen/utils"
)

// Metadata is the per-partition record written to
// extract/partition_metadata/<name>.json at extract time (§4.e).
type Metadata struct {
	Name             string `json:"name"`
	OriginalPath     string `json:"original_path"`
	OriginalIsSparse bool   `json:"original_is_sparse"`
	FsKind           string `json:"fs_kind"`
	Size             int64  `json:"size"`
}

// indexDoc is the ordered name list persisted at extract/partition_index.json.
type indexDoc struct {
	Names []string `json:"names"`
}

// Engine drives per-partition extract/repack, honouring the Dirty
// Tracker and Copy-Through Optimizer ahead of any rebuild (§4.e).
type Engine struct {
	layout       layoutAccessor
	fs           *fscodec.Codec
	sparse       SparseTranscoder
	tracker      *Tracker
	index        *storejson.Store[indexDoc]
	outputSparse func() bool
}

// layoutAccessor is the narrow subset of project.Layout the engine needs,
// kept as an interface so tests don't have to depend on the project
// package.
type layoutAccessor interface {
	PartitionSourceDir(name string) string
	PartitionMetadataFile(name string) string
	ImageDir() string
	TempDir() string
}

// NewEngine builds an Engine. indexFile/indexLock come from
// project.Layout.PartitionIndexFile() and a sibling lock path.
func NewEngine(layout layoutAccessor, fs *fscodec.Codec, sparse SparseTranscoder, tracker *Tracker, indexFile, indexLock string, outputSparse func() bool) *Engine {
	return &Engine{
		layout:       layout,
		fs:           fs,
		sparse:       sparse,
		tracker:      tracker,
		index:        storejson.New[indexDoc](indexLock, indexFile),
		outputSparse: outputSparse,
	}
}

func loadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // project-relative metadata path
	if err != nil {
		return Metadata{}, fmt.Errorf("read partition metadata %s: %w", path, err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("parse partition metadata %s: %w", path, err)
	}
	return m, nil
}

func writeMetadata(path string, m Metadata) error {
	return utils.AtomicWriteJSON(path, m)
}

// unknownFsPlaceholderName names the marker written in place of a real
// tree when the partition's filesystem kind could not be recognised.
const unknownFsPlaceholderName = "_UNKNOWN_FS.txt"

func writeUnknownFsPlaceholder(sourceDir string, kind detect.FsKind) error {
	if err := os.MkdirAll(sourceDir, 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create %s: %w", sourceDir, err)
	}
	content := fmt.Sprintf("Unknown filesystem type: %s\n", kind)
	return os.WriteFile(filepath.Join(sourceDir, unknownFsPlaceholderName), []byte(content), 0o640) //nolint:mnd
}

// Extract implements §4.e's extract algorithm for a single input image.
func (e *Engine) Extract(ctx context.Context, imgPath string) (Metadata, error) {
	logger := log.WithFunc("partition.Engine.Extract")

	if !utils.ValidFile(imgPath) {
		return Metadata{}, errs.InputNotFound(imgPath)
	}

	name := partitionNameFromPath(imgPath)
	workImg := imgPath
	originalIsSparse := detect.DetectFile(imgPath) == detect.RouteSparsePartition

	if originalIsSparse {
		raw := filepath.Join(e.layout.TempDir(), fmt.Sprintf("%s_raw_%s.img", name, uuid.NewString()))
		if err := e.sparse.ToRaw(ctx, imgPath, raw); err != nil {
			return Metadata{}, err
		}
		defer os.Remove(raw) //nolint:errcheck
		workImg = raw
	}

	kind, err := detect.DetectFsKind(workImg)
	if err != nil {
		return Metadata{}, fmt.Errorf("detect filesystem kind for %s: %w", name, err)
	}

	sourceDir := e.layout.PartitionSourceDir(name)
	switch kind {
	case detect.FsExt4:
		if err := e.fs.ExtractExt4(ctx, workImg, sourceDir); err != nil {
			return Metadata{}, err
		}
	case detect.FsErofs:
		if err := e.fs.ExtractErofs(ctx, workImg, sourceDir); err != nil {
			return Metadata{}, err
		}
	default:
		// An unrecognised filesystem is recorded, not rejected: extract
		// never fails outright on it, it writes an _UNKNOWN_FS.txt
		// placeholder and lets repack refuse to fabricate an image later.
		if err := writeUnknownFsPlaceholder(sourceDir, kind); err != nil {
			return Metadata{}, err
		}
	}

	info, statErr := os.Stat(imgPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	meta := Metadata{
		Name:             name,
		OriginalPath:     imgPath,
		OriginalIsSparse: originalIsSparse,
		FsKind:           string(kind),
		Size:             size,
	}
	if err := writeMetadata(e.layout.PartitionMetadataFile(name), meta); err != nil {
		return Metadata{}, err
	}
	if err := e.appendToIndex(ctx, name); err != nil {
		return Metadata{}, err
	}

	if _, err := e.tracker.Snapshot(ctx, name); err != nil {
		return Metadata{}, err
	}
	if err := e.tracker.Set(ctx, name, false); err != nil {
		return Metadata{}, err
	}

	logger.Infof(ctx, "extracted partition %s (%s)", name, kind)
	return meta, nil
}

func (e *Engine) appendToIndex(ctx context.Context, name string) error {
	return e.index.Update(ctx, func(d *indexDoc) error {
		for _, n := range d.Names {
			if n == name {
				return nil
			}
		}
		d.Names = append(d.Names, name)
		sort.Strings(d.Names)
		return nil
	})
}

// Repack implements §4.e's repack algorithm for a single partition.
func (e *Engine) Repack(ctx context.Context, name string) (Result, error) {
	outputSparse := e.outputSparse()
	return e.repackTo(ctx, name, patchedOutputPath(e.layout.ImageDir(), name, outputSparse), outputSparse)
}

// RepackInto is Repack's non-final-output counterpart: it writes a raw
// (never sparse) image to an explicit destPath instead of computing one
// under Image/. Used by the pipeline coordinator to assemble a super or
// firmware wrapper container's intermediate partition images, which are
// always raw regardless of the project's final output_sparse setting.
func (e *Engine) RepackInto(ctx context.Context, name, destPath string) (Result, error) {
	return e.repackTo(ctx, name, destPath, false)
}

func (e *Engine) repackTo(ctx context.Context, name, outPath string, outputSparse bool) (Result, error) {
	meta, err := loadMetadata(e.layout.PartitionMetadataFile(name))
	if err != nil {
		return Result{}, err
	}

	dirty, err := e.tracker.AutoDetect(ctx, name)
	if err != nil {
		return Result{}, err
	}

	if !dirty {
		return CopyThrough(ctx, e.sparse, meta.OriginalPath, meta.OriginalIsSparse, outputSparse, outPath)
	}

	rawOut := outPath
	if outputSparse {
		rawOut = filepath.Join(e.layout.TempDir(), fmt.Sprintf("%s_patched_%s.raw.img", name, uuid.NewString()))
		defer os.Remove(rawOut) //nolint:errcheck
	}

	sourceDir := e.layout.PartitionSourceDir(name)
	switch detect.FsKind(meta.FsKind) {
	case detect.FsExt4:
		if err := e.fs.BuildExt4(ctx, sourceDir, rawOut, "/"+name, meta.Size); err != nil {
			return Result{}, err
		}
	case detect.FsErofs:
		if err := e.fs.BuildErofs(ctx, sourceDir, rawOut); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, errs.UnsupportedFormat(meta.FsKind)
	}

	if outputSparse {
		if err := e.sparse.ToSparse(ctx, rawOut, outPath); err != nil {
			return Result{}, err
		}
	}

	return Result{OutputPath: outPath, Sparse: outputSparse, Message: fmt.Sprintf("rebuilt partition %s", name)}, nil
}

// BatchResult is one partition's outcome within a RepackAll run.
type BatchResult struct {
	Name   string
	Result Result
	Err    error
}

// RepackAll iterates the partition index in deterministic alphabetic
// order; a single partition's failure is recorded but does not abort the
// batch (§4.e).
func (e *Engine) RepackAll(ctx context.Context) ([]BatchResult, error) {
	var idx indexDoc
	if err := e.index.With(ctx, func(d *indexDoc) error {
		idx = *d
		return nil
	}); err != nil {
		return nil, err
	}

	names := append([]string(nil), idx.Names...)
	sort.Strings(names)

	results := make([]BatchResult, 0, len(names))
	for _, name := range names {
		select {
		case <-ctx.Done():
			results = append(results, BatchResult{Name: name, Err: errs.Cancelled()})
			continue
		default:
		}
		r, err := e.Repack(ctx, name)
		results = append(results, BatchResult{Name: name, Result: r, Err: err})
	}
	return results, nil
}

func partitionNameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func patchedOutputPath(imageDir, name string, sparse bool) string {
	if sparse {
		return filepath.Join(imageDir, name+"_patched.img")
	}
	return filepath.Join(imageDir, name+"_patched.raw.img")
}
