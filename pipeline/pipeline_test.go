package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/panjf2000/ants/v2"

	"github.com/rkromkit/kitchen/project"
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

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a POSIX shell")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil { //nolint:mnd
		t.Fatal(err)
	}
	return path
}

func newTestCoordinator(t *testing.T, resolver *fakeResolver) (*Coordinator, *project.Project) {
	t.Helper()
	proj, err := project.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pool, err := ants.NewPool(4) //nolint:mnd
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)
	return New(proj, resolver, pool), proj
}

func TestImportCopiesFileAndPersistsConfig(t *testing.T) {
	c, proj := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})

	src := filepath.Join(t.TempDir(), "system.img")
	payload := make([]byte, 1<<20) //nolint:mnd
	for i := range payload {
		payload[i] = 0x53 //nolint:mnd
	}
	if err := os.WriteFile(src, payload, 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	res := c.Import(context.Background(), src, nil)
	if !res.Ok() {
		t.Fatalf("expected success, got %+v", res)
	}

	dest := filepath.Join(proj.Layout.InDir(), "system.img")
	if info, err := os.Stat(dest); err != nil || info.Size() != int64(len(payload)) {
		t.Fatalf("expected copied file at %s with matching size, err=%v", dest, err)
	}

	var cfg project.Config
	if err := proj.With(context.Background(), func(cur *project.Config) error {
		cfg = *cur
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !cfg.Imported || cfg.InputFile != dest {
		t.Errorf("expected imported=true and input_file=%s, got %+v", dest, cfg)
	}
}

// TestImportCancelledRemovesPartialFile is S6: cancelling mid-copy must
// remove the partial destination and leave imported=false.
func TestImportCancelledRemovesPartialFile(t *testing.T) {
	c, proj := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})

	src := filepath.Join(t.TempDir(), "big.img")
	payload := make([]byte, importCopyChunkSize*8)
	if err := os.WriteFile(src, payload, 0o644); err != nil { //nolint:mnd
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	chunksSeen := 0
	tracker := progressFunc(func(v any) {
		chunksSeen++
		if chunksSeen == 2 {
			cancel()
		}
	})

	res := c.Import(ctx, src, tracker)
	if res.Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %+v", res)
	}

	dest := filepath.Join(proj.Layout.InDir(), "big.img")
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected partial destination %s to be removed, stat err=%v", dest, err)
	}

	var cfg project.Config
	if err := proj.With(context.Background(), func(cur *project.Config) error {
		cfg = *cur
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if cfg.Imported {
		t.Error("expected imported=false after a cancelled import")
	}
}

func TestImportMissingInputFails(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})
	res := c.Import(context.Background(), filepath.Join(t.TempDir(), "missing.img"), nil)
	if res.Status != StatusError {
		t.Fatalf("expected error status, got %+v", res)
	}
}

func TestBusyLockRejectsConcurrentSteps(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeResolver{paths: map[string]string{}})

	acquired, err := c.busy.TryLock(context.Background())
	if err != nil || !acquired {
		t.Fatalf("expected to acquire busy lock directly, got ok=%v err=%v", acquired, err)
	}
	defer c.busy.Unlock(context.Background()) //nolint:errcheck

	res := c.Import(context.Background(), filepath.Join(t.TempDir(), "whatever.img"), nil)
	if res.Status != StatusError {
		t.Fatalf("expected a busy error, got %+v", res)
	}
	if !strings.Contains(res.Message, "busy") {
		t.Errorf("expected a busy-flavoured message, got %q", res.Message)
	}
}

type progressFunc func(any)

func (f progressFunc) OnEvent(v any) { f(v) }
