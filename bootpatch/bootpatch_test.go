package bootpatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rkromkit/kitchen/errs"
)

type fakeResolver struct {
	paths map[string]string
}

func (f *fakeResolver) IsAvailable(name string) bool {
	_, ok := f.paths[name]
	return ok
}

func (f *fakeResolver) GetPath(name string) (string, bool) {
	p, ok := f.paths[name]
	return p, ok
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	return path
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a POSIX shell")
	}
}

func TestPatchLocalSuccess(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	boot := filepath.Join(dir, "boot.img")
	if err := os.WriteFile(boot, []byte("bootcontent"), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "out")
	out := filepath.Join(outDir, "boot_magisk.img")

	script := writeScript(t, dir, "magiskboot", fmt.Sprintf(`
case "$1" in
  unpack) exit 0 ;;
  repack) echo patched > new-boot.img; exit 0 ;;
esac
`))
	p := New(&fakeResolver{paths: map[string]string{"magiskboot": script}})

	mode, msg, err := p.Patch(context.Background(), boot, out, outDir, Options{KeepVerity: true, KeepForce: true})
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeLocal {
		t.Errorf("expected ModeLocal, got %v", mode)
	}
	if msg == "" {
		t.Error("expected a non-empty message")
	}
	if !fileExists(out) {
		t.Errorf("expected patched output at %s", out)
	}
}

func TestPatchLocalUnpackFails(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	boot := filepath.Join(dir, "boot.img")
	if err := os.WriteFile(boot, []byte("x"), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	script := writeScript(t, dir, "magiskboot", "exit 1\n")
	p := New(&fakeResolver{paths: map[string]string{"magiskboot": script}})

	_, _, err := p.Patch(context.Background(), boot, filepath.Join(dir, "out.img"), dir, Options{})
	if errs.KindOf(err) != errs.KindToolFailed {
		t.Errorf("expected KindToolFailed, got %v", err)
	}
}

func TestPatchFallsBackToAssistedWhenNoMagiskboot(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	boot := filepath.Join(dir, "boot.img")
	if err := os.WriteFile(boot, []byte("x"), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "out")

	adb := writeScript(t, dir, "adb", `
case "$1" in
  devices) echo "List of devices attached"; printf "ABC123\tdevice\n" ;;
  push) exit 0 ;;
  *) exit 0 ;;
esac
`)
	p := New(&fakeResolver{paths: map[string]string{"adb": adb}})

	mode, msg, err := p.Patch(context.Background(), boot, filepath.Join(outDir, "out.img"), outDir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeAssisted {
		t.Errorf("expected ModeAssisted, got %v", mode)
	}
	if msg == "" {
		t.Error("expected a non-empty message")
	}
	if !fileExists(filepath.Join(outDir, PendingMarkerName)) {
		t.Error("expected pending marker to be written")
	}
}

func TestPatchNoToolsAvailable(t *testing.T) {
	p := New(&fakeResolver{paths: map[string]string{}})
	_, _, err := p.Patch(context.Background(), "boot.img", "out.img", t.TempDir(), Options{})
	if errs.KindOf(err) != errs.KindToolMissing {
		t.Errorf("expected KindToolMissing, got %v", err)
	}
}

func TestPatchNoDevicesConnected(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	adb := writeScript(t, dir, "adb", `echo "List of devices attached"`+"\n")
	p := New(&fakeResolver{paths: map[string]string{"adb": adb}})

	_, _, err := p.Patch(context.Background(), "boot.img", "out.img", t.TempDir(), Options{})
	if errs.KindOf(err) != errs.KindToolMissing {
		t.Errorf("expected KindToolMissing when no device attached, got %v", err)
	}
}

func TestPullPatchedCompletesAndClearsMarker(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0o750); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outDir, PendingMarkerName), []byte("pending"), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	adb := writeScript(t, dir, "adb", `
if [ "$1" = "-s" ]; then shift 2; fi
case "$1" in
  devices)
    echo "List of devices attached"
    printf "ABC123\tdevice\n"
    ;;
  shell)
    echo "/sdcard/Download/magisk_patched_boot.img"
    ;;
  pull)
    cp "$2" "$3" 2>/dev/null || touch "$3"
    ;;
esac
`)
	p := New(&fakeResolver{paths: map[string]string{"adb": adb}})

	outPath, err := p.PullPatched(context.Background(), outDir)
	if err != nil {
		t.Fatal(err)
	}
	if !fileExists(outPath) {
		t.Errorf("expected pulled file at %s", outPath)
	}
	if fileExists(filepath.Join(outDir, PendingMarkerName)) {
		t.Error("expected pending marker to be removed")
	}
}

func TestPullPatchedNoOutputWhenNothingStaged(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	adb := writeScript(t, dir, "adb", `
if [ "$1" = "-s" ]; then shift 2; fi
case "$1" in
  devices)
    echo "List of devices attached"
    printf "ABC123\tdevice\n"
    ;;
  shell)
    exit 1
    ;;
esac
`)
	p := New(&fakeResolver{paths: map[string]string{"adb": adb}})

	_, err := p.PullPatched(context.Background(), t.TempDir())
	if errs.KindOf(err) != errs.KindNoOutput {
		t.Errorf("expected KindNoOutput, got %v", err)
	}
}
