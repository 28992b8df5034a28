// Package sparse implements the Sparse Codec Driver (§4.c): a thin, typed
// wrapper around the simg2img/img2simg external tools. No sparse-format
// parsing happens in-process.
package sparse

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/errs"
	"github.com/rkromkit/kitchen/tools"
)

// Codec drives the sparse<->raw transcoding tools through a Resolver.
type Codec struct {
	resolver tools.Resolver
}

// New builds a Codec backed by resolver.
func New(resolver tools.Resolver) *Codec {
	return &Codec{resolver: resolver}
}

// ToRaw converts sparseIn to a raw image at rawOut via simg2img.
func (c *Codec) ToRaw(ctx context.Context, sparseIn, rawOut string) error {
	return c.run(ctx, tools.Simg2Img, sparseIn, rawOut)
}

// ToSparse converts rawIn to a sparse image at sparseOut via img2simg.
func (c *Codec) ToSparse(ctx context.Context, rawIn, sparseOut string) error {
	return c.run(ctx, tools.Img2Simg, rawIn, sparseOut)
}

func (c *Codec) run(ctx context.Context, toolName, in, out string) error {
	logger := log.WithFunc("sparse.Codec.run")

	path, ok := c.resolver.GetPath(toolName)
	if !ok {
		return errs.ToolMissing(toolName)
	}

	cmd := exec.CommandContext(ctx, path, in, out) //nolint:gosec // path resolved through the tool registry, in/out are project-relative paths
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debugf(ctx, "running %s %s %s", path, in, out)
	if err := cmd.Run(); err != nil {
		var exitCode int
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint
			exitCode = ee.ExitCode()
		}
		return errs.ToolFailed(toolName, exitCode, stderr.String())
	}

	if !validOutput(out) {
		return errs.NoOutput(out)
	}
	return nil
}

func validOutput(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
