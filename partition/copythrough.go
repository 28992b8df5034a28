package partition

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/errs"
)

// SparseTranscoder is the narrow interface the Copy-Through Optimizer
// needs from the Sparse Codec Driver.
type SparseTranscoder interface {
	ToRaw(ctx context.Context, sparseIn, rawOut string) error
	ToSparse(ctx context.Context, rawIn, sparseOut string) error
}

// Result is the outcome of a copy-through decision: the path it produced
// and a message that, on success, always contains the literal phrase
// "copy-through" so upstream assertions and the operator log can tell it
// apart from a rebuild.
type Result struct {
	OutputPath string
	Sparse     bool
	Message    string
}

// CopyThrough implements the decision table of §4.i: given the original
// file's sparse-ness and whether sparse output was requested, either
// byte-copies the original, transcodes it, or fails outright.
func CopyThrough(ctx context.Context, codec SparseTranscoder, originalPath string, originalIsSparse, outputSparse bool, outputPath string) (Result, error) {
	logger := log.WithFunc("partition.CopyThrough")

	switch {
	case originalIsSparse == outputSparse:
		if err := copyFile(originalPath, outputPath); err != nil {
			return Result{}, fmt.Errorf("copy-through direct copy: %w", err)
		}
		logger.Infof(ctx, "copy-through: direct copy of %s", originalPath)
		return Result{OutputPath: outputPath, Sparse: outputSparse, Message: "copy-through: reused original bytes unchanged"}, nil

	case originalIsSparse && !outputSparse:
		// sparse original, raw requested: no safe downgrade exists, so a
		// missing tool is fatal rather than silently substituted.
		if err := codec.ToRaw(ctx, originalPath, outputPath); err != nil {
			return Result{}, err
		}
		return Result{OutputPath: outputPath, Sparse: false, Message: "copy-through: transcoded sparse original to raw"}, nil

	default:
		// raw original, sparse requested: a raw result is still flashable,
		// so a missing tool downgrades rather than fails.
		if err := codec.ToSparse(ctx, originalPath, outputPath); err != nil {
			if errs.KindOf(err) != errs.KindToolMissing {
				return Result{}, err
			}
			if err := copyFile(originalPath, outputPath); err != nil {
				return Result{}, fmt.Errorf("copy-through raw fallback copy: %w", err)
			}
			logger.Infof(ctx, "copy-through: sparse tool unavailable, fell back to raw output")
			return Result{
				OutputPath: outputPath,
				Sparse:     false,
				Message:    "copy-through: sparse transcoder unavailable, downgraded to raw output",
			}, nil
		}
		return Result{OutputPath: outputPath, Sparse: true, Message: "copy-through: transcoded raw original to sparse"}, nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // project-relative source path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	if srcInfo, statErr := in.Stat(); statErr == nil {
		if dstInfo, statErr := os.Stat(dst); statErr == nil && os.SameFile(srcInfo, dstInfo) {
			// Staging a container's own extracted original back into its
			// original location: truncating dst via os.Create would also
			// truncate the still-open src, since they're the same file.
			return nil
		}
	}

	out, err := os.Create(dst) //nolint:gosec // project-relative destination path
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
