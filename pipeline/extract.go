package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/detect"
	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/project"
	"github.com/rkromkit/kitchen/super"
)

// Extract implements §4.m's extract step: re-detects the route if the
// persisted input_type is empty or unknown (extract never guesses
// silently over a route it cannot name), unpacks the container per
// route, extracts every discovered partition image, and marks
// extracted=true while explicitly invalidating patched/built — these
// flags are not cascaded automatically elsewhere, only here at the one
// point re-extraction can stale them.
func (c *Coordinator) Extract(ctx context.Context) TaskResult {
	return c.withBusyLock(ctx, func() TaskResult {
		start := time.Now()
		logger := log.WithFunc("pipeline.Coordinator.Extract")

		var cfg project.Config
		if err := c.project.With(ctx, func(cur *project.Config) error {
			cfg = *cur
			return nil
		}); err != nil {
			return taskError(err)
		}
		if cfg.InputFile == "" {
			return taskError(errs.InputNotFound("(no input imported)"))
		}

		route := detect.Route(cfg.InputType)
		if route == "" || route == detect.RouteUnknown {
			route = detect.DetectFile(cfg.InputFile)
			if route == detect.RouteUnknown {
				return taskError(errs.UnsupportedFormat(string(route)))
			}
		}

		l := c.project.Layout
		var artifacts []string
		var err error
		switch route {
		case detect.RouteFirmwareWrapper:
			artifacts, err = c.extractFirmwareWrapper(ctx, cfg.InputFile)
		case detect.RouteSuper:
			artifacts, err = c.extractSuper(ctx, cfg.InputFile)
		case detect.RouteSparsePartition, detect.RouteRawPartition:
			artifacts, err = c.extractSinglePartition(ctx, cfg.InputFile)
		default:
			err = errs.UnsupportedFormat(string(route))
		}
		if err != nil {
			return taskError(err)
		}

		if err := os.MkdirAll(l.ExtractDir(), 0o750); err != nil { //nolint:mnd
			return taskError(fmt.Errorf("create %s: %w", l.ExtractDir(), err))
		}
		if err := os.WriteFile(l.ExtractedOKFile(), nil, 0o644); err != nil { //nolint:mnd
			return taskError(fmt.Errorf("write %s: %w", l.ExtractedOKFile(), err))
		}

		if err := c.project.UpdateConfig(ctx, func(cur *project.Config) {
			cur.InputType = string(route)
			cur.Extracted = true
			cur.Patched = false
			cur.Built = false
		}); err != nil {
			return taskError(err)
		}

		logger.Infof(ctx, "extracted %s as %s (%d partitions)", cfg.InputFile, route, len(artifacts))
		return success(fmt.Sprintf("extracted %d partition(s) from %s", len(artifacts), route), artifacts, time.Since(start))
	})
}

func (c *Coordinator) extractFirmwareWrapper(ctx context.Context, inputFile string) ([]string, error) {
	l := c.project.Layout
	if err := c.firmwareEg.Unpack(ctx, inputFile, l.UpdatePartitionsDir()); err != nil {
		return nil, err
	}
	return c.extractPartitionsFromDir(ctx, l.UpdatePartitionsDir())
}

func (c *Coordinator) extractSuper(ctx context.Context, inputFile string) ([]string, error) {
	l := c.project.Layout
	sizes, err := c.superEg.Unpack(ctx, inputFile, l.SuperImageDir())
	if err != nil {
		return nil, err
	}

	isSparse := detect.DetectFile(inputFile) == detect.RouteSparsePartition
	if err := c.superMeta.Update(ctx, func(m *super.Metadata) error {
		m.Partitions = sizes
		m.OriginalSuper = inputFile
		m.OriginalIsSparse = isSparse
		return nil
	}); err != nil {
		return nil, err
	}

	return c.extractPartitionsFromDir(ctx, l.SuperImageDir())
}

func (c *Coordinator) extractSinglePartition(ctx context.Context, inputFile string) ([]string, error) {
	meta, err := c.partitions.Extract(ctx, inputFile)
	if err != nil {
		return nil, err
	}
	return []string{meta.Name}, nil
}

// extractPartitionsFromDir extracts every *.img found directly under dir
// through the Partition Engine, returning the names successfully
// extracted. One partition's failure aborts the whole extract step —
// a partially-extracted super/wrapper container is not a usable state.
func (c *Coordinator) extractPartitionsFromDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".img" {
			continue
		}
		meta, err := c.partitions.Extract(ctx, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		names = append(names, meta.Name)
	}
	if len(names) == 0 {
		return nil, errs.NoOutput(dir)
	}
	return names, nil
}
