// Package fscodec implements the Filesystem Codec Driver (§4.d): extract
// and build operations for ext4 and erofs partition trees, each a thin
// wrapper around an external tool invocation.
package fscodec

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

// ext4PlaceholderName and erofsPlaceholderName name the distinctively
// named placeholder files written when the corresponding extraction tool
// cannot be located, so the Partition Engine can tell "extracted but not
// readable" apart from a genuinely empty tree.
const (
	ext4PlaceholderName  = "_EXT4_EXTRACT_UNAVAILABLE.txt"
	erofsPlaceholderName = "_EROFS_EXTRACT_UNAVAILABLE.txt"
)

// Codec drives the ext4/erofs build and extract tools through a Resolver.
type Codec struct {
	resolver tools.Resolver
}

// New builds a Codec backed by resolver.
func New(resolver tools.Resolver) *Codec {
	return &Codec{resolver: resolver}
}

// PlaceholderCreated reports whether outputDir contains a placeholder
// written by ExtractExt4 or ExtractErofs in lieu of a real tree, i.e.
// whether the directory is not a usable source tree.
func PlaceholderCreated(outputDir string) bool {
	for _, name := range []string{ext4PlaceholderName, erofsPlaceholderName} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err == nil {
			return true
		}
	}
	return false
}

// ExtractExt4 unpacks an ext4 image into outputDir. No ext4 extraction
// tool is enumerated in the registry's fixed tool list (§4.a) on most
// platforms — per §4.d this must not fabricate a tree, so it always
// writes the placeholder file and reports the narrow "placeholder
// created" success.
func (c *Codec) ExtractExt4(_ context.Context, imgPath, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create %s: %w", outputDir, err)
	}
	content := fmt.Sprintf(
		"ext4 extraction of %s was not performed: no ext4 tree extractor is bundled.\n"+
			"This directory is a placeholder, not the partition's actual contents.\n",
		filepath.Base(imgPath),
	)
	return os.WriteFile(filepath.Join(outputDir, ext4PlaceholderName), []byte(content), 0o640) //nolint:mnd
}

// ExtractErofs unpacks an erofs image into outputDir via extract_erofs. If
// the tool cannot be located, it writes a placeholder instead of failing
// the whole extract step, matching ExtractExt4's behaviour.
func (c *Codec) ExtractErofs(ctx context.Context, imgPath, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create %s: %w", outputDir, err)
	}

	path, ok := c.resolver.GetPath(tools.ExtractErofs)
	if !ok {
		content := fmt.Sprintf("erofs extraction of %s was not performed: extract_erofs tool not found.\n", filepath.Base(imgPath))
		return os.WriteFile(filepath.Join(outputDir, erofsPlaceholderName), []byte(content), 0o640) //nolint:mnd
	}

	return runTool(ctx, tools.ExtractErofs, path, checkDirNonEmpty(outputDir), imgPath, outputDir)
}

// BuildExt4 builds a raw ext4 image from srcTree via make_ext4fs. sizeHint
// is the partition size in bytes; 0 lets the tool choose.
func (c *Codec) BuildExt4(ctx context.Context, srcTree, outPath, mountPoint string, sizeHint int64) error {
	path, ok := c.resolver.GetPath(tools.MakeExt4fs)
	if !ok {
		return errs.ToolMissing(tools.MakeExt4fs)
	}

	args := []string{}
	if sizeHint > 0 {
		args = append(args, "-l", fmt.Sprintf("%d", sizeHint))
	}
	args = append(args, "-a", mountPoint, outPath, srcTree)

	return runTool(ctx, tools.MakeExt4fs, path, checkFileNonEmpty(outPath), args...)
}

// BuildErofs builds a raw erofs image from srcTree via mkfs_erofs.
func (c *Codec) BuildErofs(ctx context.Context, srcTree, outPath string) error {
	path, ok := c.resolver.GetPath(tools.MkfsErofs)
	if !ok {
		return errs.ToolMissing(tools.MkfsErofs)
	}

	return runTool(ctx, tools.MkfsErofs, path, checkFileNonEmpty(outPath), outPath, srcTree)
}

// outputCheck validates that a tool actually produced its expected
// artifact; it returns the path used in the resulting NoOutput error.
type outputCheck func() (ok bool, path string)

func checkFileNonEmpty(path string) outputCheck {
	return func() (bool, string) {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0, path
	}
}

func checkDirNonEmpty(path string) outputCheck {
	return func() (bool, string) {
		entries, err := os.ReadDir(path)
		return err == nil && len(entries) > 0, path
	}
}

func runTool(ctx context.Context, toolName, path string, check outputCheck, args ...string) error {
	logger := log.WithFunc("fscodec.runTool")

	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // path resolved through the tool registry
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debugf(ctx, "running %s %v", path, args)
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return errs.ToolFailed(toolName, exitCode, stderr.String())
	}

	if ok, out := check(); !ok {
		return errs.NoOutput(out)
	}
	return nil
}
