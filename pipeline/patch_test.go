package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rkromkit/kitchen/project"
)

// TestPatchUnknownToggleRejectedBeforeAnySubPatcherRuns is S4: a patch
// call mixing a valid and an unrecognised toggle must fail on the
// unrecognised key, and the AVB patcher must never have touched the
// vbmeta file sitting in a scannable directory.
func TestPatchUnknownToggleRejectedBeforeAnySubPatcherRuns(t *testing.T) {
	skipOnWindows(t)
	c, proj := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})

	vbmeta := filepath.Join(proj.Layout.InDir(), "vbmeta.img")
	original := []byte("not-yet-patched-vbmeta-bytes")
	if err := os.WriteFile(vbmeta, original, 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	res := c.Patch(context.Background(), map[string]bool{
		"disable_avb":        true,
		"super_magical_hack": true,
	})
	if res.Status != StatusError {
		t.Fatalf("expected error status, got %+v", res)
	}
	if !strings.Contains(res.Message, "super_magical_hack") {
		t.Errorf("expected message referencing the unsupported key, got %q", res.Message)
	}

	got, err := os.ReadFile(vbmeta) //nolint:gosec
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Error("expected the AVB patcher to never have run when any toggle is unrecognised")
	}
}

func TestPatchDisableAVBPatchesScannedDirectories(t *testing.T) {
	skipOnWindows(t)
	c, proj := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})

	vbmeta := filepath.Join(proj.Layout.InDir(), "vbmeta.img")
	if err := os.WriteFile(vbmeta, make([]byte, 64), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	res := c.Patch(context.Background(), map[string]bool{"disable_avb": true})
	if !res.Ok() {
		t.Fatalf("expected success, got %+v", res)
	}

	got, err := os.ReadFile(vbmeta) //nolint:gosec
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 64 || string(got[:4]) != "AVB0" {
		t.Errorf("expected the no-avbtool fallback blob, got %q (len %d)", got, len(got))
	}

	var cfg project.Config
	if err := proj.With(context.Background(), func(cur *project.Config) error {
		cfg = *cur
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !cfg.Patched {
		t.Error("expected patched=true")
	}
	if _, err := os.Stat(proj.Layout.PatchedOKFile()); err != nil {
		t.Errorf("expected PATCHED_OK.txt, got %v", err)
	}
}

func TestPatchMagiskPatchesKnownBootImageNames(t *testing.T) {
	skipOnWindows(t)
	scriptDir := t.TempDir()
	magiskboot := writeScript(t, scriptDir, "magiskboot", "exit 1\n")
	c, proj := newTestCoordinator(t, &fakeResolver{paths: map[string]string{"magiskboot": magiskboot}})

	bootImg := filepath.Join(proj.Layout.InDir(), "boot.img")
	if err := os.WriteFile(bootImg, []byte("boot-image-bytes"), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	res := c.Patch(context.Background(), map[string]bool{"magisk": true})
	if res.Status != StatusError {
		t.Fatalf("expected an error when magiskboot fails and no device is attached, got %+v", res)
	}
}

func TestPatchDebloatAndVerityTogglesAreRecognisedNoOps(t *testing.T) {
	c, proj := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})
	res := c.Patch(context.Background(), map[string]bool{"debloat": true, "disable_dm_verity": true})
	if !res.Ok() {
		t.Fatalf("expected success for recognised no-op toggles, got %+v", res)
	}
	if _, err := os.Stat(proj.Layout.PatchedOKFile()); err != nil {
		t.Errorf("expected PATCHED_OK.txt, got %v", err)
	}
}
