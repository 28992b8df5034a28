package fscodec

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

func TestExtractExt4AlwaysPlaceholder(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	c := New(&fakeResolver{paths: map[string]string{}})

	if err := c.ExtractExt4(context.Background(), "system.img", outDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !PlaceholderCreated(outDir) {
		t.Error("expected a placeholder to be reported")
	}
}

func TestExtractErofsMissingToolWritesPlaceholder(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	c := New(&fakeResolver{paths: map[string]string{}})

	if err := c.ExtractErofs(context.Background(), "vendor.img", outDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !PlaceholderCreated(outDir) {
		t.Error("expected a placeholder to be reported")
	}
}

func TestExtractErofsSuccess(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	script := writeScript(t, dir, "extract_erofs", fmt.Sprintf("mkdir -p %q\ntouch %q/file.bin\nexit 0\n", outDir, outDir))
	c := New(&fakeResolver{paths: map[string]string{"extract_erofs": script}})

	if err := c.ExtractErofs(context.Background(), "vendor.img", outDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if PlaceholderCreated(outDir) {
		t.Error("did not expect a placeholder when the tool succeeds")
	}
}

func TestBuildExt4MissingTool(t *testing.T) {
	c := New(&fakeResolver{paths: map[string]string{}})
	err := c.BuildExt4(context.Background(), "tree", "out.img", "/system", 0)
	if errs.KindOf(err) != errs.KindToolMissing {
		t.Errorf("expected KindToolMissing, got %v", err)
	}
}

func TestBuildExt4Success(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.img")
	script := writeScript(t, dir, "make_ext4fs", fmt.Sprintf("echo img > %q\nexit 0\n", out))
	c := New(&fakeResolver{paths: map[string]string{"make_ext4fs": script}})

	if err := c.BuildExt4(context.Background(), filepath.Join(dir, "tree"), out, "/system", 1<<20); err != nil { //nolint:mnd
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildErofsNoOutput(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.img")
	script := writeScript(t, dir, "mkfs_erofs", "exit 0\n")
	c := New(&fakeResolver{paths: map[string]string{"mkfs_erofs": script}})

	err := c.BuildErofs(context.Background(), filepath.Join(dir, "tree"), out)
	if errs.KindOf(err) != errs.KindNoOutput {
		t.Errorf("expected KindNoOutput, got %v", err)
	}
}
