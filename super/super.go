// Package super implements the Super Engine (§4.f): unpacking a
// dynamic-partition super image into per-partition images via lpunpack,
// and repacking it via lpmake, with its own copy-through participation
// when every contained partition is clean.
package super

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/partition"
	"github.com/rkromkit/kitchen/tools"
	"github.com/rkromkit/kitchen/utils"
)

// PartitionSize is one contained partition's name and original size, as
// recorded in SuperMetadata.
type PartitionSize struct {
	Name         string `json:"name"`
	OriginalSize int64  `json:"original_size"`
}

// Metadata is the super descriptor persisted at extract/super_metadata.json.
type Metadata struct {
	Partitions       []PartitionSize `json:"partitions"`
	OriginalSuper    string          `json:"original_super"`
	OriginalIsSparse bool            `json:"original_is_sparse"`
}

// Engine drives lpunpack/lpmake through a Resolver, and the Copy-Through
// Optimizer for the whole-container skip case.
type Engine struct {
	resolver tools.Resolver
	sparse   partition.SparseTranscoder
}

// New builds an Engine.
func New(resolver tools.Resolver, sparse partition.SparseTranscoder) *Engine {
	return &Engine{resolver: resolver, sparse: sparse}
}

// Unpack drives lpunpack against superPath, extracting into outDir and
// returning the per-partition size descriptor used to build Metadata.
func (e *Engine) Unpack(ctx context.Context, superPath, outDir string) ([]PartitionSize, error) {
	path, ok := e.resolver.GetPath(tools.LpUnpack)
	if !ok {
		return nil, errs.ToolMissing(tools.LpUnpack)
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil { //nolint:mnd
		return nil, fmt.Errorf("create %s: %w", outDir, err)
	}

	cmd := exec.CommandContext(ctx, path, superPath, outDir) //nolint:gosec // path resolved through the tool registry
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.WithFunc("super.Engine.Unpack").Debugf(ctx, "running %s %s %s", path, superPath, outDir)
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return nil, errs.ToolFailed(tools.LpUnpack, exitCode, stderr.String())
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", outDir, err)
	}
	if len(entries) == 0 {
		return nil, errs.NoOutput(outDir)
	}

	sizes := make([]PartitionSize, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sizes = append(sizes, PartitionSize{Name: trimImgExt(e.Name()), OriginalSize: info.Size()})
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].Name < sizes[j].Name })
	return sizes, nil
}

// ResizePlan resolves, for each contained partition, the size lpmake
// should be told to use, honouring super_resize_mode (§4.f):
// keep uses the original size verbatim; shrink uses actualSize; auto
// keeps unless actualSize exceeds the original, in which case it grows
// by a fixed 10% headroom over actualSize (a bounded growth policy, not
// an unbounded one).
func ResizePlan(mode string, original, actual int64) int64 {
	switch mode {
	case "shrink":
		return actual
	case "keep":
		return original
	default: // auto
		if actual > original {
			return actual + actual/10 //nolint:mnd
		}
		return original
	}
}

// Repack drives lpmake to rebuild a super image at outPath from the
// per-partition raw images in partDir, sizing each partition entry via
// ResizePlan against the rebuilt image's actual on-disk size (falling back
// to the recorded original size when the staged image can't be stat'd,
// e.g. in the all-clean copy-through path where nothing was staged).
func (e *Engine) Repack(ctx context.Context, partDir string, plan []PartitionSize, outPath string, resizeMode string) error {
	path, ok := e.resolver.GetPath(tools.LpMake)
	if !ok {
		return errs.ToolMissing(tools.LpMake)
	}

	args := []string{"--output", outPath}
	for _, p := range plan {
		imgPath := fmt.Sprintf("%s/%s.img", partDir, p.Name)
		args = append(args, "--image", fmt.Sprintf("%s=%s", p.Name, imgPath))

		size := p.OriginalSize
		if info, statErr := os.Stat(imgPath); statErr == nil {
			size = ResizePlan(resizeMode, p.OriginalSize, info.Size())
		}
		args = append(args, "--partition", fmt.Sprintf("%s:readonly:%d:default", p.Name, size))
	}

	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // path resolved through the tool registry
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.WithFunc("super.Engine.Repack").Debugf(ctx, "running %s %v", path, args)
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return errs.ToolFailed(tools.LpMake, exitCode, stderr.String())
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return errs.NoOutput(outPath)
	}
	return nil
}

// RepackOrCopyThrough implements the super-level copy-through
// participation of §4.f: when allClean reports true and the original
// super image is still present, the rebuild is skipped entirely in
// favour of the Copy-Through Optimizer.
func (e *Engine) RepackOrCopyThrough(ctx context.Context, meta Metadata, partDir, outPath string, outputSparse bool, allClean bool, resizeMode string) (partition.Result, error) {
	if allClean && utils.ValidFile(meta.OriginalSuper) {
		return partition.CopyThrough(ctx, e.sparse, meta.OriginalSuper, meta.OriginalIsSparse, outputSparse, outPath)
	}

	plan := make([]PartitionSize, len(meta.Partitions))
	copy(plan, meta.Partitions)

	rawOut := outPath
	if outputSparse {
		rawOut = outPath + ".raw"
	}
	if err := e.Repack(ctx, partDir, plan, rawOut, resizeMode); err != nil {
		return partition.Result{}, err
	}
	if outputSparse {
		if err := e.sparse.ToSparse(ctx, rawOut, outPath); err != nil {
			return partition.Result{}, err
		}
	}
	return partition.Result{OutputPath: outPath, Sparse: outputSparse, Message: "rebuilt super image"}, nil
}

func trimImgExt(name string) string {
	const ext = ".img"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}
