package tools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	script := "#!/bin/sh\nexit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { //nolint:mnd
		t.Fatal(err)
	}
}

func TestRegistryWorkspaceOverridesBundled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	bundled := filepath.Join(dir, "bundled")

	wsTool := filepath.Join(ws, ImgUnpack)
	bundledTool := filepath.Join(bundled, ImgUnpack)
	writeExecutable(t, wsTool)
	writeExecutable(t, bundledTool)

	reg := New(ws, bundled)
	path, ok := reg.GetPath(ImgUnpack)
	if !ok {
		t.Fatal("expected img_unpack to be found")
	}
	if path != wsTool {
		t.Errorf("expected workspace tool to win, got %s", path)
	}
}

func TestRegistryFallsBackToBundled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	bundled := filepath.Join(dir, "bundled")
	bundledTool := filepath.Join(bundled, MagiskBoot)
	writeExecutable(t, bundledTool)

	reg := New(filepath.Join(dir, "nonexistent-ws"), bundled)
	path, ok := reg.GetPath(MagiskBoot)
	if !ok || path != bundledTool {
		t.Errorf("expected bundled tool %s, got %s (ok=%v)", bundledTool, path, ok)
	}
}

func TestRegistryMissingToolIsNotAvailable(t *testing.T) {
	reg := New(t.TempDir(), t.TempDir())
	if reg.IsAvailable("definitely_not_a_real_tool_xyz") {
		t.Error("expected tool to be unavailable")
	}
}

func TestRegistryRedetectPicksUpNewTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")

	reg := New(ws, "")
	if reg.IsAvailable(Simg2Img) {
		t.Fatal("tool should not exist yet")
	}

	writeExecutable(t, filepath.Join(ws, Simg2Img))
	reg.Redetect(context.Background())

	if !reg.IsAvailable(Simg2Img) {
		t.Error("expected redetect to find newly installed tool")
	}
}
