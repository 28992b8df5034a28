// Package firmware implements the Firmware Engine (§4.g): unpacking the
// vendor firmware wrapper container via img_unpack with an afptool
// fallback, and repacking it via rkImageMaker, preserving (or minimally
// synthesising) the auxiliary parameter.txt/package-file manifests.
package firmware

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/tools"
)

const (
	parameterFileName = "parameter.txt"
	packageFileName   = "package-file"
)

// defaultParameterContent is the minimal Rockchip parameter.txt body
// synthesised when extract never produced one — grounded directly in the
// original toolchain's "basic Rockchip parameter" assumption.
const defaultParameterContent = `FIRMWARE_VER:1.0
MACHINE_MODEL:RK
MANUFACTURER:Rockchip
CMDLINE:mtdparts=rk29xxnand:0x00000000@0x00004000(uboot),0x00002000@0x00004000(trust),-@0x00000000(rootfs)
`

// Engine drives img_unpack/afptool/rkImageMaker through a Resolver.
type Engine struct {
	resolver tools.Resolver
}

// New builds an Engine.
func New(resolver tools.Resolver) *Engine {
	return &Engine{resolver: resolver}
}

// Unpack extracts wrapperPath's contained partition images into outDir,
// preferring img_unpack and falling back to afptool.
func (e *Engine) Unpack(ctx context.Context, wrapperPath, outDir string) error {
	logger := log.WithFunc("firmware.Engine.Unpack")

	if err := os.MkdirAll(outDir, 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create %s: %w", outDir, err)
	}

	if path, ok := e.resolver.GetPath(tools.ImgUnpack); ok {
		err := runTool(ctx, tools.ImgUnpack, path, wrapperPath, outDir)
		if err == nil {
			return nil
		}
		logger.Infof(ctx, "img_unpack failed (%v), falling back to afptool", err)
	}

	path, ok := e.resolver.GetPath(tools.AfpTool)
	if !ok {
		return errs.ToolMissing(tools.AfpTool)
	}
	return runTool(ctx, tools.AfpTool, path, "-unpack", wrapperPath, outDir)
}

// Repack builds a firmware wrapper at outPath from the partition images
// in partDir via rkImageMaker. If parameter.txt or package-file are
// missing from partDir, they are synthesised minimally with a warning,
// per §4.g.
func (e *Engine) Repack(ctx context.Context, partDir, outPath string) error {
	logger := log.WithFunc("firmware.Engine.Repack")

	path, ok := e.resolver.GetPath(tools.RkImageMaker)
	if !ok {
		return errs.ToolMissing(tools.RkImageMaker)
	}

	entries, err := os.ReadDir(partDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", partDir, err)
	}

	paramFile := filepath.Join(partDir, parameterFileName)
	if !fileExists(paramFile) {
		logger.Warnf(ctx, "parameter.txt not found in %s, synthesising minimal defaults", partDir)
		if err := os.WriteFile(paramFile, []byte(defaultParameterContent), 0o644); err != nil { //nolint:mnd
			return fmt.Errorf("write synthesised parameter.txt: %w", err)
		}
	}

	packageFile := filepath.Join(partDir, packageFileName)
	if !fileExists(packageFile) {
		logger.Warnf(ctx, "package-file not found in %s, synthesising from partition list", partDir)
		if err := writePackageFile(packageFile, entries); err != nil {
			return fmt.Errorf("write synthesised package-file: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, path, "-RK33", "-pack", "-image", outPath) //nolint:gosec // path resolved through the tool registry
	cmd.Dir = partDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debugf(ctx, "running %s -RK33 -pack -image %s", path, outPath)
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return errs.ToolFailed(tools.RkImageMaker, exitCode, stderr.String())
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return errs.NoOutput(outPath)
	}
	return nil
}

func writePackageFile(path string, entries []os.DirEntry) error {
	var buf bytes.Buffer
	buf.WriteString("# Package-File auto-generated\npackage-file package-file\n")
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const ext = ".img"
		if len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
			continue
		}
		stem := name[:len(name)-len(ext)]
		fmt.Fprintf(&buf, "%s\t%s\n", stem, name)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644) //nolint:mnd
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func runTool(ctx context.Context, toolName, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // path resolved through the tool registry
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return errs.ToolFailed(toolName, exitCode, stderr.String())
	}
	return nil
}
