package errs

import (
	"errors"
	"strings"
	"testing"
)

// TestDiskIoCorruptMessageCarriesCode is testable property #10: a
// disk-corrupt error's message must contain the platform code verbatim
// plus an operator-visible phrase calling out a disk/corruption problem,
// not a software bug.
func TestDiskIoCorruptMessageCarriesCode(t *testing.T) {
	cause := errors.New("read sector 4096")
	err := DiskIoCorrupt(1392, cause) //nolint:mnd

	if !strings.Contains(err.Error(), "1392") {
		t.Errorf("expected message to contain 1392, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "disk") {
		t.Errorf("expected an operator-visible disk-error phrase, got %q", err.Error())
	}
	if KindOf(err) != KindDiskIoCorrupt {
		t.Errorf("expected KindDiskIoCorrupt, got %v", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Error("expected the underlying cause to remain unwrappable")
	}
}

// TestClassifyIOErrorPassesThroughUnrecognised confirms ClassifyIOError
// never reclassifies an ordinary error it doesn't recognise as a
// disk-corrupt signature — on this platform that's every error, since the
// sector-error code is Windows-only.
func TestClassifyIOErrorPassesThroughUnrecognised(t *testing.T) {
	cause := errors.New("file not found")
	got := ClassifyIOError(cause)
	if got != cause {
		t.Errorf("expected the original error unchanged, got %v", got)
	}
	if IsDiskIoCorrupt(got) {
		t.Error("did not expect a disk-corrupt classification")
	}
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("expected KindUnknown for a plain error")
	}
}
