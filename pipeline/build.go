package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/detect"
	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/project"
	"github.com/rkromkit/kitchen/super"
)

// Build implements §4.m's build step: stages every contained partition's
// repacked image through the Partition Engine, then hands the staged
// set to the Super or Firmware Engine per route, or repacks the lone
// partition directly for the single-partition routes.
func (c *Coordinator) Build(ctx context.Context) TaskResult {
	return c.withBusyLock(ctx, func() TaskResult {
		start := time.Now()
		logger := log.WithFunc("pipeline.Coordinator.Build")

		var cfg project.Config
		if err := c.project.With(ctx, func(cur *project.Config) error {
			cfg = *cur
			return nil
		}); err != nil {
			return taskError(err)
		}

		l := c.project.Layout
		route := detect.Route(cfg.InputType)

		var outPath string
		var err error
		switch route {
		case detect.RouteSuper:
			outPath, err = c.buildSuper(ctx, cfg)
		case detect.RouteFirmwareWrapper:
			outPath, err = c.buildFirmwareWrapper(ctx)
		case detect.RouteSparsePartition, detect.RouteRawPartition:
			outPath, err = c.buildSinglePartition(ctx)
		default:
			err = errs.UnsupportedFormat(string(route))
		}
		if err != nil {
			return taskError(err)
		}

		entries, rerr := os.ReadDir(l.ImageDir())
		if rerr != nil {
			return taskError(fmt.Errorf("read %s: %w", l.ImageDir(), rerr))
		}
		hasImage := false
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".img" {
				hasImage = true
				break
			}
		}
		if !hasImage {
			return taskError(errs.NoOutput(l.ImageDir()))
		}

		if err := os.WriteFile(l.BuildOKFile(), nil, 0o644); err != nil { //nolint:mnd
			return taskError(fmt.Errorf("write %s: %w", l.BuildOKFile(), err))
		}
		if err := c.project.UpdateConfig(ctx, func(cur *project.Config) {
			cur.Built = true
		}); err != nil {
			return taskError(err)
		}

		logger.Infof(ctx, "build complete: %s", outPath)
		return success("build complete", []string{outPath}, time.Since(start))
	})
}

// stagePartitions repacks every named partition into destDir/<name>.img,
// always raw regardless of the project's final output_sparse setting,
// since these are container-internal intermediates.
func (c *Coordinator) stagePartitions(ctx context.Context, names []string, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create %s: %w", destDir, err)
	}
	sort.Strings(names)
	for _, name := range names {
		dest := filepath.Join(destDir, name+".img")
		if _, err := c.partitions.RepackInto(ctx, name, dest); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) buildSuper(ctx context.Context, cfg project.Config) (string, error) {
	l := c.project.Layout

	var meta super.Metadata
	if err := c.superMeta.With(ctx, func(m *super.Metadata) error {
		meta = *m
		return nil
	}); err != nil {
		return "", err
	}

	names := make([]string, 0, len(meta.Partitions))
	for _, p := range meta.Partitions {
		names = append(names, p.Name)
	}

	allClean := true
	dirty, err := c.tracker.AutoDetectAll(ctx, c.pool, names)
	if err != nil {
		return "", err
	}
	for _, d := range dirty {
		if d {
			allClean = false
			break
		}
	}

	buildDir := filepath.Join(l.TempDir(), "super_build")
	if !allClean {
		if err := c.stagePartitions(ctx, names, buildDir); err != nil {
			return "", err
		}
	}

	outPath := filepath.Join(l.ImageDir(), "super.img")
	res, err := c.superEg.RepackOrCopyThrough(ctx, meta, buildDir, outPath, cfg.OutputSparse, allClean, string(cfg.SuperResizeMode))
	if err != nil {
		return "", err
	}
	return res.OutputPath, nil
}

func (c *Coordinator) buildFirmwareWrapper(ctx context.Context) (string, error) {
	l := c.project.Layout

	entries, err := os.ReadDir(l.UpdatePartitionsDir())
	if err != nil {
		return "", fmt.Errorf("read %s: %w", l.UpdatePartitionsDir(), err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".img" {
			names = append(names, e.Name()[:len(e.Name())-len(filepath.Ext(e.Name()))])
		}
	}

	if err := c.stagePartitions(ctx, names, l.UpdatePartitionsDir()); err != nil {
		return "", err
	}

	outPath := filepath.Join(l.ImageDir(), "update.img")
	if err := c.firmwareEg.Repack(ctx, l.UpdatePartitionsDir(), outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (c *Coordinator) buildSinglePartition(ctx context.Context) (string, error) {
	results, err := c.partitions.RepackAll(ctx)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errs.NoOutput(c.project.Layout.ImageDir())
	}
	var last string
	for _, r := range results {
		if r.Err != nil {
			return "", r.Err
		}
		last = r.Result.OutputPath
	}
	return last, nil
}
