// Package tools implements the Tool Registry (§4.a): name→executable-path
// resolution for the external binaries every codec and engine shells out
// to, with a fixed priority order and a lazy, one-shot detection pass.
package tools

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/projecteru2/core/log"
)

// Known tool names. Engines reference these constants rather than string
// literals so a rename is a one-place edit.
const (
	Simg2Img     = "simg2img"
	Img2Simg     = "img2simg"
	LpMake       = "lpmake"
	LpUnpack     = "lpunpack"
	AvbTool      = "avbtool"
	MagiskBoot   = "magiskboot"
	MakeExt4fs   = "make_ext4fs"
	MkfsErofs    = "mkfs_erofs"
	ExtractErofs = "extract_erofs"
	ImgUnpack    = "img_unpack"
	RkImageMaker = "rkImageMaker"
	AfpTool      = "afptool"
	Aapt2        = "aapt2"
	Adb          = "adb"
)

// allKnownTools is used by Detect to pre-populate the cache; GetPath still
// resolves tools outside this list (e.g. test doubles) on demand.
var allKnownTools = []string{
	Simg2Img, Img2Simg, LpMake, LpUnpack, AvbTool, MagiskBoot,
	MakeExt4fs, MkfsErofs, ExtractErofs, ImgUnpack, RkImageMaker,
	AfpTool, Aapt2, Adb,
}

// Resolver is the read-only interface engines depend on, so tests can
// inject a fake registry without touching the filesystem or PATH.
type Resolver interface {
	IsAvailable(name string) bool
	GetPath(name string) (string, bool)
}

// Registry resolves tool names to absolute paths, searching (highest
// priority first): the workspace-local tools directory, the
// repository-bundled tools directory, then the OS PATH. Detection runs
// once, lazily, at first use; Redetect forces a fresh scan.
type Registry struct {
	workspaceDir string
	bundledDir   string

	mu       sync.Mutex
	detected bool
	paths    map[string]string
}

var _ Resolver = (*Registry)(nil)

// New creates a Registry with the given search directories. Either may be
// empty to skip that step of the search order.
func New(workspaceDir, bundledDir string) *Registry {
	return &Registry{
		workspaceDir: workspaceDir,
		bundledDir:   bundledDir,
		paths:        make(map[string]string),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide singleton Registry, constructing it
// with no search directories (PATH-only) on first call. Callers that know
// their workspace/bundled directories should prefer New and carry their
// own instance instead; Default exists for call sites (CLI entry points)
// that have no better place to thread a Registry through.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New("", "")
	})
	return defaultReg
}

// IsAvailable reports whether name resolves to an executable.
func (r *Registry) IsAvailable(name string) bool {
	_, ok := r.GetPath(name)
	return ok
}

// GetPath resolves name to an absolute path, running detection on first
// use. A tool not found in any location returns ("", false); this is not
// an error by itself — the caller decides whether a missing tool is fatal
// (KindToolMissing) or has a safe fallback.
func (r *Registry) GetPath(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.detected {
		r.detectLocked(context.Background())
	}
	if p, ok := r.paths[name]; ok {
		return p, true
	}
	// Lazily resolve names outside the known set (e.g. test doubles) on
	// every call rather than caching a miss permanently.
	if p := r.resolveOne(name); p != "" {
		r.paths[name] = p
		return p, true
	}
	return "", false
}

// Redetect clears the cache and immediately rescans all search locations
// for the known tools. Use after the operator installs a tool
// or changes the workspace tools directory mid-session.
func (r *Registry) Redetect(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected = false
	r.paths = make(map[string]string)
	r.detectLocked(ctx)
}

func (r *Registry) detectLocked(ctx context.Context) {
	logger := log.WithFunc("tools.Registry.detect")
	for _, name := range allKnownTools {
		if p := r.resolveOne(name); p != "" {
			r.paths[name] = p
			logger.Debugf(ctx, "resolved %s -> %s", name, p)
		}
	}
	r.detected = true
}

// resolveOne runs the three-step search for a single tool name. It does
// not touch the cache; callers own that.
func (r *Registry) resolveOne(name string) string {
	candidates := make([]string, 0, 3) //nolint:mnd
	if r.workspaceDir != "" {
		candidates = append(candidates, filepath.Join(r.workspaceDir, name))
	}
	if r.bundledDir != "" {
		candidates = append(candidates, filepath.Join(r.bundledDir, name))
	}
	for _, c := range candidates {
		if found, err := exec.LookPath(c); err == nil {
			return absPath(found)
		}
	}
	if found, err := exec.LookPath(name); err == nil {
		return absPath(found)
	}
	return ""
}

// absPath makes a LookPath result absolute; LookPath returns a relative
// path unchanged when the search directory itself is relative.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
