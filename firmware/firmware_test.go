package firmware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
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

func TestUnpackFallsBackToAfptool(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	imgUnpack := writeScript(t, dir, "img_unpack", "exit 1\n")
	afptool := writeScript(t, dir, "afptool", fmt.Sprintf("mkdir -p %q\ntouch %q/system.img\nexit 0\n", out, out))

	e := New(&fakeResolver{paths: map[string]string{"img_unpack": imgUnpack, "afptool": afptool}})
	if err := e.Unpack(context.Background(), filepath.Join(dir, "update.img"), out); err != nil {
		t.Fatalf("expected afptool fallback to succeed, got %v", err)
	}
}

func TestUnpackNoToolsAvailable(t *testing.T) {
	e := New(&fakeResolver{paths: map[string]string{}})
	err := e.Unpack(context.Background(), "update.img", t.TempDir())
	if errs.KindOf(err) != errs.KindToolMissing {
		t.Errorf("expected KindToolMissing, got %v", err)
	}
}

func TestRepackSynthesisesMissingManifests(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	partDir := filepath.Join(dir, "partitions")
	if err := os.MkdirAll(partDir, 0o750); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(partDir, "system.img"), []byte("x"), 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	out := filepath.Join(dir, "update_patched.img")
	script := writeScript(t, dir, "rkImageMaker", fmt.Sprintf("echo image > %q\nexit 0\n", out))
	e := New(&fakeResolver{paths: map[string]string{"rkImageMaker": script}})

	if err := e.Repack(context.Background(), partDir, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	paramContent, err := os.ReadFile(filepath.Join(partDir, parameterFileName))
	if err != nil || !strings.Contains(string(paramContent), "Rockchip") {
		t.Errorf("expected synthesised parameter.txt, err=%v content=%q", err, paramContent)
	}
	pkgContent, err := os.ReadFile(filepath.Join(partDir, packageFileName))
	if err != nil || !strings.Contains(string(pkgContent), "system\tsystem.img") {
		t.Errorf("expected synthesised package-file with system.img entry, err=%v content=%q", err, pkgContent)
	}
}

func TestRepackMissingTool(t *testing.T) {
	dir := t.TempDir()
	e := New(&fakeResolver{paths: map[string]string{}})
	err := e.Repack(context.Background(), dir, filepath.Join(dir, "out.img"))
	if errs.KindOf(err) != errs.KindToolMissing {
		t.Errorf("expected KindToolMissing, got %v", err)
	}
}
