// Package errs defines the selectable error kinds surfaced by every engine
// and pipeline step, per the error handling design: callers distinguish
// failure modes by Kind rather than by parsing messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse, selectable error classification.
type Kind int

const (
	KindUnknown Kind = iota
	KindToolMissing
	KindToolFailed
	KindNoOutput
	KindInputNotFound
	KindUnsupportedFormat
	KindUnknownPatchToggle
	KindDiskIoCorrupt
	KindBusy
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindToolMissing:
		return "ToolMissing"
	case KindToolFailed:
		return "ToolFailed"
	case KindNoOutput:
		return "NoOutput"
	case KindInputNotFound:
		return "InputNotFound"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindUnknownPatchToggle:
		return "UnknownPatchToggle"
	case KindDiskIoCorrupt:
		return "DiskIoCorrupt"
	case KindBusy:
		return "Busy"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Kind plus a short,
// user-actionable message. The cause (if any) is wrapped so %w chains and
// errors.Is/As continue to work against the underlying error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.ToolMissing("simg2img")) style checks against a
// freshly constructed comparison value, or more commonly errs.KindOf(err).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ToolMissing builds a KindToolMissing error for the named tool.
func ToolMissing(name string) error {
	return &Error{Kind: KindToolMissing, Message: fmt.Sprintf("required tool %q could not be located", name)}
}

// ToolFailed builds a KindToolFailed error. stderr is truncated to ~200
// bytes before being embedded in the message, per the error design.
func ToolFailed(name string, exitCode int, stderr string) error {
	return &Error{
		Kind:    KindToolFailed,
		Message: fmt.Sprintf("%s exited %d: %s", name, exitCode, Truncate(stderr, 200)),
	}
}

// NoOutput builds a KindNoOutput error for a tool that reported success but
// produced no artifact at expectedPath.
func NoOutput(expectedPath string) error {
	return &Error{Kind: KindNoOutput, Message: fmt.Sprintf("expected output %q was not produced", expectedPath)}
}

// InputNotFound builds a KindInputNotFound error.
func InputNotFound(path string) error {
	return &Error{Kind: KindInputNotFound, Message: fmt.Sprintf("input not found: %s", path)}
}

// UnsupportedFormat builds a KindUnsupportedFormat error for a detected
// kind with no handling engine.
func UnsupportedFormat(detectedKind string) error {
	return &Error{Kind: KindUnsupportedFormat, Message: fmt.Sprintf("no engine handles detected format %q", detectedKind)}
}

// UnknownPatchToggle builds a KindUnknownPatchToggle error for an
// unrecognised patch toggle key.
func UnknownPatchToggle(name string) error {
	return &Error{Kind: KindUnknownPatchToggle, Message: fmt.Sprintf("unrecognised patch toggle %q", name)}
}

// DiskIoCorrupt builds a KindDiskIoCorrupt error. code is the
// platform-specific sector-error code (e.g. 1392 on Windows); it is always
// embedded verbatim in the message so the operator sees the exact token.
func DiskIoCorrupt(code int, cause error) error {
	return &Error{
		Kind:    KindDiskIoCorrupt,
		Message: fmt.Sprintf("disk read error (code %d) — this looks like a failing disk or a corrupt source image, not a software bug", code),
		Cause:   cause,
	}
}

// Busy builds a KindBusy error: a concurrent pipeline run was rejected.
func Busy(project string) error {
	return &Error{Kind: KindBusy, Message: fmt.Sprintf("project %q is busy with another pipeline run", project)}
}

// Cancelled builds a KindCancelled error.
func Cancelled() error {
	return &Error{Kind: KindCancelled, Message: "operation cancelled"}
}

// Truncate shortens s to at most n bytes, appending an ellipsis marker if
// it was cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
