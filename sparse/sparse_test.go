package sparse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rkromkit/kitchen/errs"
)

// fakeResolver hands back a pre-written script path for one tool name and
// reports every other name as missing.
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

func TestToRawMissingTool(t *testing.T) {
	skipOnWindows(t)
	c := New(&fakeResolver{paths: map[string]string{}})
	err := c.ToRaw(context.Background(), "in.img", "out.img")
	if errs.KindOf(err) != errs.KindToolMissing {
		t.Errorf("expected KindToolMissing, got %v", err)
	}
}

func TestToRawToolFailed(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "simg2img", "echo 'bad sparse header' >&2\nexit 1\n")
	c := New(&fakeResolver{paths: map[string]string{"simg2img": script}})

	err := c.ToRaw(context.Background(), filepath.Join(dir, "in.img"), filepath.Join(dir, "out.img"))
	if errs.KindOf(err) != errs.KindToolFailed {
		t.Errorf("expected KindToolFailed, got %v", err)
	}
}

func TestToRawNoOutput(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "simg2img", "exit 0\n")
	c := New(&fakeResolver{paths: map[string]string{"simg2img": script}})

	err := c.ToRaw(context.Background(), filepath.Join(dir, "in.img"), filepath.Join(dir, "out.img"))
	if errs.KindOf(err) != errs.KindNoOutput {
		t.Errorf("expected KindNoOutput, got %v", err)
	}
}

func TestToRawSuccess(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.img")
	script := writeScript(t, dir, "simg2img", fmt.Sprintf("echo raw > %q\nexit 0\n", out))
	c := New(&fakeResolver{paths: map[string]string{"simg2img": script}})

	if err := c.ToRaw(context.Background(), filepath.Join(dir, "in.img"), out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestToSparseSuccess(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.simg")
	script := writeScript(t, dir, "img2simg", fmt.Sprintf("echo sparse > %q\nexit 0\n", out))
	c := New(&fakeResolver{paths: map[string]string{"img2simg": script}})

	if err := c.ToSparse(context.Background(), filepath.Join(dir, "in.img"), out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
