package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/bootpatch"
	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/project"
)

// Recognised patch toggles (§6). A toggle key outside this set fails the
// whole Patch call before any sub-patcher runs — patch is all-or-nothing
// with respect to toggle validation.
const (
	toggleDisableAVB    = "disable_avb"
	toggleMagisk        = "magisk"
	toggleDebloat       = "debloat"
	toggleDisableVerity = "disable_dm_verity"
)

var recognisedToggles = map[string]bool{
	toggleDisableAVB:    true,
	toggleMagisk:        true,
	toggleDebloat:       true,
	toggleDisableVerity: true,
}

// bootImageNames lists the boot-family images magiskPatch searches for,
// grounded in boot_manager.py's BOOT_IMAGE_NAMES.
var bootImageNames = []string{
	"boot.img", "boot_a.img",
	"vendor_boot.img", "vendor_boot_a.img",
	"init_boot.img", "init_boot_a.img",
}

// Patch implements §4.m's patch step: validates every requested toggle
// up front, then applies disable_avb and magisk through their respective
// sub-patchers. debloat is handled externally (outside the coordinator,
// against the extracted Source/ tree) and disable_dm_verity is reserved
// — recognised but currently a no-op.
func (c *Coordinator) Patch(ctx context.Context, toggles map[string]bool) TaskResult {
	return c.withBusyLock(ctx, func() TaskResult {
		start := time.Now()
		logger := log.WithFunc("pipeline.Coordinator.Patch")

		for name := range toggles {
			if !recognisedToggles[name] {
				return taskError(errs.UnknownPatchToggle(name))
			}
		}

		var cfg project.Config
		if err := c.project.With(ctx, func(cur *project.Config) error {
			cfg = *cur
			return nil
		}); err != nil {
			return taskError(err)
		}

		var artifacts []string
		if toggles[toggleDisableAVB] {
			patched, err := c.patchAVB(ctx, cfg.SlotMode)
			if err != nil {
				return taskError(err)
			}
			artifacts = append(artifacts, patched...)
		}

		if toggles[toggleMagisk] {
			patched, err := c.patchMagisk(ctx)
			if err != nil {
				return taskError(err)
			}
			artifacts = append(artifacts, patched...)
		}

		if toggles[toggleDebloat] {
			logger.Infof(ctx, "debloat toggle acknowledged, applied externally against the extracted source tree")
		}

		if toggles[toggleDisableVerity] {
			logger.Infof(ctx, "disable_dm_verity is reserved, no action taken")
		}

		l := c.project.Layout
		if err := os.WriteFile(l.PatchedOKFile(), nil, 0o644); err != nil { //nolint:mnd
			return taskError(fmt.Errorf("write %s: %w", l.PatchedOKFile(), err))
		}
		if err := c.project.UpdateConfig(ctx, func(cur *project.Config) {
			cur.Patched = true
		}); err != nil {
			return taskError(err)
		}

		return success(fmt.Sprintf("applied %d patch toggle(s)", len(toggles)), artifacts, time.Since(start))
	})
}

// avbScanDirs is every directory a vbmeta family could live in across the
// three container routes: update/partitions for a firmware wrapper,
// Image/super for a super image, and in/ for a lone imported vbmeta
// partition image.
func (c *Coordinator) avbScanDirs() []string {
	l := c.project.Layout
	return []string{l.UpdatePartitionsDir(), l.SuperImageDir(), l.InDir()}
}

func (c *Coordinator) patchAVB(ctx context.Context, slotMode project.SlotMode) ([]string, error) {
	var all []string
	for _, dir := range c.avbScanDirs() {
		patched, err := c.avbPatcher.PatchAll(ctx, dir, slotMode)
		if err != nil {
			return nil, err
		}
		all = append(all, patched...)
	}
	return all, nil
}

func (c *Coordinator) patchMagisk(ctx context.Context) ([]string, error) {
	var patched []string
	for _, dir := range c.avbScanDirs() {
		for _, name := range bootImageNames {
			bootImage := filepath.Join(dir, name)
			if !fileExistsPipeline(bootImage) {
				continue
			}
			mode, _, err := c.bootEg.Patch(ctx, bootImage, bootImage, filepath.Dir(bootImage), bootpatch.Options{
				KeepVerity: true,
				KeepForce:  true,
			})
			if err != nil {
				return nil, err
			}
			if mode == bootpatch.ModeLocal {
				patched = append(patched, bootImage)
			}
		}
	}
	return patched, nil
}

func fileExistsPipeline(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
