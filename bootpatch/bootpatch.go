// Package bootpatch implements the Boot Ramdisk Patcher (§4.k): grafting a
// root solution into a boot image's ramdisk. Local mode drives magiskboot
// directly in a scratch directory; Assisted mode is the escape hatch when
// magiskboot is unavailable but a device is attached, pushing the image
// over and deferring completion to a later pull.
package bootpatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/tools"
)

// PendingMarkerName is the file written into the output directory while
// an Assisted-mode patch awaits completion on the device side.
const PendingMarkerName = "ADB_PATCH_PENDING.txt"

// devicePath is where the boot image is staged for the Magisk app to read.
const devicePath = "/sdcard/Download/boot_to_patch.img"

// Options controls the environment hints magiskboot's repack step honors.
type Options struct {
	KeepVerity bool
	KeepForce  bool
}

// Mode reports which path a patch attempt took.
type Mode int

const (
	ModeLocal Mode = iota
	ModeAssisted
)

// Patcher drives magiskboot/adb through a Resolver.
type Patcher struct {
	resolver tools.Resolver
}

// New builds a Patcher.
func New(resolver tools.Resolver) *Patcher {
	return &Patcher{resolver: resolver}
}

// Patch grafts root into bootImage, preferring Local mode (magiskboot) and
// falling back to Assisted mode when magiskboot is unavailable but a device
// is attached. outputPath is used only by Local mode; Assisted mode writes
// its pending marker into outputDir instead.
func (p *Patcher) Patch(ctx context.Context, bootImage, outputPath, outputDir string, opts Options) (Mode, string, error) {
	if magiskboot, ok := p.resolver.GetPath(tools.MagiskBoot); ok {
		msg, err := p.patchLocal(ctx, magiskboot, bootImage, outputPath, opts)
		return ModeLocal, msg, err
	}

	adb, ok := p.resolver.GetPath(tools.Adb)
	if !ok {
		return ModeLocal, "", errs.ToolMissing(tools.MagiskBoot)
	}
	devices, err := listDevices(ctx, adb)
	if err != nil {
		return ModeLocal, "", err
	}
	if len(devices) == 0 {
		return ModeLocal, "", errs.ToolMissing(tools.Adb)
	}

	msg, err := p.patchAssisted(ctx, adb, devices[0], bootImage, outputDir)
	return ModeAssisted, msg, err
}

// patchLocal unpacks bootImage in a scratch dir under outputPath's parent,
// marks it for root patching, repacks with verity/force-encrypt hints, and
// moves the result to outputPath.
func (p *Patcher) patchLocal(ctx context.Context, magiskboot, bootImage, outputPath string, opts Options) (string, error) {
	logger := log.WithFunc("bootpatch.Patcher.patchLocal")

	workDir := filepath.Join(filepath.Dir(outputPath), "magisk_work_"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0o750); err != nil { //nolint:mnd
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	workBoot := filepath.Join(workDir, "boot.img")
	if err := copyFile(bootImage, workBoot); err != nil {
		return "", fmt.Errorf("stage boot image: %w", err)
	}

	if err := runMagiskboot(ctx, magiskboot, workDir, nil, "unpack", "boot.img"); err != nil {
		return "", err
	}

	// An empty .backup marker tells magiskboot's ramdisk patch step to
	// preserve original entries it would otherwise strip.
	if err := os.WriteFile(filepath.Join(workDir, ".backup"), nil, 0o644); err != nil { //nolint:mnd
		return "", fmt.Errorf("write .backup marker: %w", err)
	}

	env := os.Environ()
	if opts.KeepVerity {
		env = append(env, "KEEPVERITY=true")
	}
	if opts.KeepForce {
		env = append(env, "KEEPFORCEENCRYPT=true")
	}

	if err := runMagiskboot(ctx, magiskboot, workDir, env, "repack", "boot.img"); err != nil {
		return "", err
	}

	newBoot := filepath.Join(workDir, "new-boot.img")
	if !fileExists(newBoot) {
		return "", errs.NoOutput(newBoot)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil { //nolint:mnd
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Rename(newBoot, outputPath); err != nil {
		if err := copyFile(newBoot, outputPath); err != nil {
			return "", fmt.Errorf("move patched image: %w", err)
		}
	}

	logger.Infof(ctx, "patched %s -> %s", bootImage, outputPath)
	return fmt.Sprintf("patched %s", filepath.Base(outputPath)), nil
}

// patchAssisted pushes bootImage to the device and writes a pending marker;
// PullPatched completes the flow once the device-side app has run.
func (p *Patcher) patchAssisted(ctx context.Context, adb, serial, bootImage, outputDir string) (string, error) {
	logger := log.WithFunc("bootpatch.Patcher.patchAssisted")

	if err := os.MkdirAll(outputDir, 0o750); err != nil { //nolint:mnd
		return "", fmt.Errorf("create output dir: %w", err)
	}

	if err := runAdb(ctx, adb, serial, "push", bootImage, devicePath); err != nil {
		return "", err
	}

	marker := filepath.Join(outputDir, PendingMarkerName)
	content := fmt.Sprintf("Boot image pushed to device: %s\nPatch with the root app, then call PullPatched.\n", devicePath)
	if err := os.WriteFile(marker, []byte(content), 0o644); err != nil { //nolint:mnd
		return "", fmt.Errorf("write pending marker: %w", err)
	}

	logger.Infof(ctx, "pushed %s to device %s, awaiting device-side patch", bootImage, serial)
	return "boot pushed to device, pull patched image once ready", nil
}

// PullPatched completes an Assisted-mode patch by pulling the device-side
// output and clearing the pending marker.
func (p *Patcher) PullPatched(ctx context.Context, outputDir string) (string, error) {
	adb, ok := p.resolver.GetPath(tools.Adb)
	if !ok {
		return "", errs.ToolMissing(tools.Adb)
	}
	devices, err := listDevices(ctx, adb)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", errs.ToolMissing(tools.Adb)
	}
	serial := devices[0]

	listing, err := captureAdb(ctx, adb, serial, "shell", "ls", "/sdcard/Download/magisk_patched*.img")
	if err != nil || strings.TrimSpace(listing) == "" {
		return "", errs.NoOutput("/sdcard/Download/magisk_patched*.img")
	}
	remotePath := strings.TrimSpace(strings.SplitN(listing, "\n", 2)[0]) //nolint:mnd

	outputPath := filepath.Join(outputDir, "boot_magisk_patched.img")
	if err := runAdb(ctx, adb, serial, "pull", remotePath, outputPath); err != nil {
		return "", err
	}

	os.Remove(filepath.Join(outputDir, PendingMarkerName)) //nolint:errcheck
	return outputPath, nil
}

func listDevices(ctx context.Context, adb string) ([]string, error) {
	out, err := captureAdb(ctx, adb, "", "devices")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var devices []string
	for _, line := range lines[1:] { // first line is the "List of devices attached" header
		if tab := strings.IndexByte(line, '\t'); tab > 0 {
			devices = append(devices, line[:tab])
		}
	}
	return devices, nil
}

func runMagiskboot(ctx context.Context, path, dir string, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // path resolved through the tool registry
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return errs.ToolFailed(tools.MagiskBoot, exitCode, stderr.String())
	}
	return nil
}

func runAdb(ctx context.Context, adb, serial string, args ...string) error {
	_, err := captureAdb(ctx, adb, serial, args...)
	return err
}

func captureAdb(ctx context.Context, adb, serial string, args ...string) (string, error) {
	full := args
	if serial != "" {
		full = append([]string{"-s", serial}, args...)
	}
	cmd := exec.CommandContext(ctx, adb, full...) //nolint:gosec // path resolved through the tool registry
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return "", errs.ToolFailed(tools.Adb, exitCode, stderr.String())
	}
	return stdout.String(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // project-relative source path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst) //nolint:gosec // project-relative output path
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
