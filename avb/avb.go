// Package avb implements the AVB Patcher (§4.j): scans the current
// output partition set for the verified-boot metadata naming family,
// filters by slot_mode, and invokes the external signing tool to
// disable verification — falling back to a locally constructed minimal
// blob when the tool is unavailable or fails.
package avb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/rkromkit/kitchen/project"
	"github.com/rkromkit/kitchen/tools"
)

// fallbackTag is the four-byte tag prefixing a locally constructed
// minimal valid metadata blob when the signing tool cannot be used.
const fallbackTag = "AVB0"

// vbmetaPattern matches the verified-boot metadata naming family:
// vbmeta.img, vbmeta_<slot>.img, vbmeta_<subsystem>[_<slot>].img.
var vbmetaPattern = regexp.MustCompile(`^vbmeta(?:_([a-zA-Z0-9_]+))?\.img$`)

// target is one vbmeta file found in a scan, with its base subsystem
// name ("" for the top-level vbmeta.img) and slot suffix ("a", "b", or
// "" if un-suffixed).
type target struct {
	path      string
	subsystem string
	slot      string
}

// scan lists every vbmeta* file under dir and classifies it by subsystem
// and slot.
func scan(dir string) ([]target, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var targets []target
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := vbmetaPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		subsystem, slot := splitSubsystemSlot(m[1])
		targets = append(targets, target{path: filepath.Join(dir, e.Name()), subsystem: subsystem, slot: slot})
	}
	return targets, nil
}

func splitSubsystemSlot(suffix string) (subsystem, slot string) {
	if suffix == "" {
		return "", ""
	}
	if suffix == "a" || suffix == "b" {
		return "", suffix
	}
	if strings.HasSuffix(suffix, "_a") {
		return strings.TrimSuffix(suffix, "_a"), "a"
	}
	if strings.HasSuffix(suffix, "_b") {
		return strings.TrimSuffix(suffix, "_b"), "b"
	}
	return suffix, ""
}

// ScanTargets filters the vbmeta family found in dir by slotMode, per
// §4.j: A selects _a-suffixed files plus un-suffixed base names where no
// _a variant exists; B symmetrically; both includes all; auto prefers
// _a, then _b, then base, disabling base when any slot variant exists.
func ScanTargets(dir string, slotMode project.SlotMode) ([]string, error) {
	all, err := scan(dir)
	if err != nil {
		return nil, err
	}

	bySubsystem := make(map[string]map[string]target)
	for _, t := range all {
		if bySubsystem[t.subsystem] == nil {
			bySubsystem[t.subsystem] = make(map[string]target)
		}
		bySubsystem[t.subsystem][t.slot] = t
	}

	var result []string
	for _, slots := range bySubsystem {
		for _, p := range selectSlots(slots, slotMode) {
			result = append(result, p)
		}
	}
	return result, nil
}

func selectSlots(slots map[string]target, slotMode project.SlotMode) []string {
	var out []string
	switch slotMode {
	case project.SlotA:
		if t, ok := slots["a"]; ok {
			out = append(out, t.path)
		} else if t, ok := slots[""]; ok {
			out = append(out, t.path)
		}
	case project.SlotB:
		if t, ok := slots["b"]; ok {
			out = append(out, t.path)
		} else if t, ok := slots[""]; ok {
			out = append(out, t.path)
		}
	case project.SlotBoth:
		_, hasA := slots["a"]
		_, hasB := slots["b"]
		for slot, t := range slots {
			if slot == "" && (hasA || hasB) {
				continue
			}
			out = append(out, t.path)
		}
	default: // auto: prefer _a, fall back to _b, then the slotless form
		if t, ok := slots["a"]; ok {
			out = append(out, t.path)
		} else if t, ok := slots["b"]; ok {
			out = append(out, t.path)
		} else if t, ok := slots[""]; ok {
			out = append(out, t.path)
		}
	}
	return out
}

// Patcher drives avbtool through a Resolver.
type Patcher struct {
	resolver tools.Resolver
}

// New builds a Patcher.
func New(resolver tools.Resolver) *Patcher {
	return &Patcher{resolver: resolver}
}

// PatchAll disables verification on every vbmeta file selected by
// slotMode under dir, in place.
func (p *Patcher) PatchAll(ctx context.Context, dir string, slotMode project.SlotMode) ([]string, error) {
	targets, err := ScanTargets(dir, slotMode)
	if err != nil {
		return nil, err
	}

	patched := make([]string, 0, len(targets))
	for _, path := range targets {
		if err := p.patchOne(ctx, path); err != nil {
			return patched, fmt.Errorf("patch %s: %w", path, err)
		}
		patched = append(patched, path)
	}
	return patched, nil
}

// patchOne disables verification on a single vbmeta file, falling back
// to a locally constructed blob if avbtool is unavailable or fails. In
// every case the final file is zero-padded back to its original size —
// size preservation is mandatory (§4.j).
func (p *Patcher) patchOne(ctx context.Context, path string) error {
	logger := log.WithFunc("avb.Patcher.patchOne")

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	originalSize := info.Size()

	if toolPath, ok := p.resolver.GetPath(tools.AvbTool); ok {
		err := runAvbTool(ctx, toolPath, path)
		if err == nil {
			return padToSize(path, originalSize)
		}
		logger.Infof(ctx, "avbtool failed on %s (%v), falling back to minimal blob", path, err)
	}

	return writeFallbackBlob(path, originalSize)
}

func runAvbTool(ctx context.Context, toolPath, path string) error {
	cmd := exec.CommandContext(ctx, toolPath, "make_vbmeta_image", //nolint:gosec // path resolved through the tool registry
		"--flags", "3", // 3 = VERIFICATION_DISABLED | HASHTREE_DISABLED
		"--padding_size", "4096", //nolint:mnd
		"--output", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("avbtool: %w: %s", err, stderr.String())
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return fmt.Errorf("avbtool produced no output")
	}
	return nil
}

func writeFallbackBlob(path string, size int64) error {
	blob := make([]byte, size)
	copy(blob, []byte(fallbackTag))
	return os.WriteFile(path, blob, 0o644) //nolint:mnd
}

func padToSize(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644) //nolint:gosec,mnd // project-relative output path
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	return f.Truncate(size)
}
