// Package detect implements the Format Detector (§4.b): magic-byte and
// filename classification of candidate input images, plus the narrow
// ext4/erofs superblock probes the Partition Engine uses after a sparse
// image has been transcoded to raw.
package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
)

// Route is the pipeline-level classification of a candidate input file.
type Route string

const (
	RouteFirmwareWrapper Route = "firmware-wrapper"
	RouteSuper           Route = "super"
	RouteSparsePartition Route = "sparse-partition"
	RouteRawPartition    Route = "raw-partition"
	RouteUnknown         Route = "unknown"
)

// FsKind is the detected filesystem codec for a raw partition image.
type FsKind string

const (
	FsExt4    FsKind = "ext4"
	FsErofs   FsKind = "erofs"
	FsUnknown FsKind = "unknown"
)

const (
	headerProbeSize  = 16
	ext4MagicOffset  = 0x438
	ext4MagicSize    = 2
	erofsMagicOffset = 1024
	erofsMagicSize   = 4
)

var (
	// firmwareWrapperMagics are the three 4-byte tags identifying the
	// vendor firmware wrapper container.
	firmwareWrapperMagics = [][]byte{[]byte("RKFW"), []byte("RKAF"), []byte("RKIM")}
	// sparseMagic is the Android sparse image magic, little-endian
	// 0xED26FF3A.
	sparseMagic = []byte{0x3a, 0xff, 0x26, 0xed}
	// ext4Magic is the ext4 superblock magic at offset 0x438.
	ext4Magic = []byte{0x53, 0xef}
	// erofsMagic is the erofs magic at offset 1024, little-endian.
	erofsMagic = []byte{0xe2, 0xe1, 0xf5, 0xe0}
)

// readAt mmaps path and returns up to n bytes starting at offset. It never
// reads more of the file into the process than the requested window — on
// a 64-bit host the mmap itself costs only address space, and only the
// touched pages are faulted in, so this is safe to call on files far
// larger than available RAM (the detector invariant, §4.b).
func readAt(path string, offset int64, n int) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // path is an operator-supplied or project-relative image path
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 || offset >= info.Size() {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	defer m.Unmap() //nolint:errcheck

	end := offset + int64(n)
	if end > int64(len(m)) {
		end = int64(len(m))
	}
	if offset >= end {
		return nil, nil
	}
	out := make([]byte, end-offset)
	copy(out, m[offset:end])
	return out, nil
}

// header reads the first 16 bytes of path, or fewer if the file is
// smaller. A read error is swallowed and an empty header returned — the
// original toolchain's header probe treats an unreadable file the same as
// an empty one, deferring the real error to the caller that actually
// needs to open the file.
func header(path string) []byte {
	b, err := readAt(path, 0, headerProbeSize)
	if err != nil {
		return nil
	}
	return b
}

func hasPrefix(b, magic []byte) bool {
	return len(b) >= len(magic) && string(b[:len(magic)]) == string(magic)
}

// IsFirmwareWrapperHeader reports whether header begins with one of the
// three vendor firmware wrapper magics.
func IsFirmwareWrapperHeader(h []byte) bool {
	for _, magic := range firmwareWrapperMagics {
		if hasPrefix(h, magic) {
			return true
		}
	}
	return false
}

// IsSparseHeader reports whether header begins with the Android sparse magic.
func IsSparseHeader(h []byte) bool {
	return hasPrefix(h, sparseMagic)
}

// IsExt4 reads the 2-byte ext4 superblock magic at offset 0x438 and
// compares it to the expected value.
func IsExt4(path string) (bool, error) {
	b, err := readAt(path, ext4MagicOffset, ext4MagicSize)
	if err != nil {
		return false, err
	}
	return len(b) == ext4MagicSize && string(b) == string(ext4Magic), nil
}

// IsErofs reads the 4-byte erofs magic at offset 1024 and compares it to
// the expected little-endian value.
func IsErofs(path string) (bool, error) {
	b, err := readAt(path, erofsMagicOffset, erofsMagicSize)
	if err != nil {
		return false, err
	}
	return len(b) == erofsMagicSize && string(b) == string(erofsMagic), nil
}

// DetectFsKind probes a raw (non-sparse) image to classify its filesystem.
// ext4 is checked first since its magic offset is cheaper to reach and
// more images in this domain are ext4 than erofs.
func DetectFsKind(path string) (FsKind, error) {
	isExt4, err := IsExt4(path)
	if err != nil {
		return FsUnknown, err
	}
	if isExt4 {
		return FsExt4, nil
	}
	isErofs, err := IsErofs(path)
	if err != nil {
		return FsUnknown, err
	}
	if isErofs {
		return FsErofs, nil
	}
	return FsUnknown, nil
}

// DetectFile classifies path, in the order specified: header magic first,
// then filename heuristics, first match wins.
func DetectFile(path string) Route {
	h := header(path)
	if IsFirmwareWrapperHeader(h) {
		return RouteFirmwareWrapper
	}
	if IsSparseHeader(h) {
		return RouteSparsePartition
	}

	name := strings.ToLower(filepath.Base(path))
	hasImgSuffix := strings.HasSuffix(name, ".img")

	if strings.Contains(name, "release_update") || (strings.Contains(name, "update") && hasImgSuffix) {
		return RouteFirmwareWrapper
	}
	if strings.Contains(name, "super") && hasImgSuffix {
		return RouteSuper
	}
	if hasImgSuffix {
		return RouteRawPartition
	}
	return RouteUnknown
}

// Info is the human-readable summary of a candidate input file, carried
// forward from the original source's get_rom_info convenience (§9).
type Info struct {
	Exists    bool
	Path      string
	Name      string
	Size      int64
	Route     Route
	IsSparse  bool
	IsWrapper bool
}

// Probe returns a summary of path for operator-facing display. No CLI
// command calls it.
func Probe(path string) Info {
	info := Info{Path: path, Name: filepath.Base(path)}
	stat, err := os.Stat(path)
	if err != nil {
		return info
	}
	info.Exists = true
	info.Size = stat.Size()
	info.Route = DetectFile(path)
	h := header(path)
	info.IsSparse = IsSparseHeader(h)
	info.IsWrapper = IsFirmwareWrapperHeader(h)
	return info
}

// DetectInFolder searches dir for a best-guess input file, in priority
// order: an exact update.img / release_update.img / super.img match, then
// the first other .img classified as a firmware wrapper, then the last
// .img classified as super, then the first .img with any other known
// route. Supplemented from the original source's detect_rom_in_folder
// (§9); the `import` CLI command does not call it.
func DetectInFolder(dir string) (string, Route, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", RouteUnknown, fmt.Errorf("read %s: %w", dir, err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[strings.ToLower(e.Name())] = true
		}
	}

	for _, priority := range []string{"update.img", "release_update.img", "super.img"} {
		if names[priority] {
			path := filepath.Join(dir, priority)
			return path, DetectFile(path), nil
		}
	}

	var bestMatch string
	var bestRoute Route = RouteUnknown
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".img") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		route := DetectFile(path)
		switch {
		case route == RouteFirmwareWrapper:
			return path, route, nil
		case route == RouteSuper && bestRoute != RouteFirmwareWrapper:
			bestMatch, bestRoute = path, route
		case route != RouteUnknown && bestMatch == "":
			bestMatch, bestRoute = path, route
		}
	}

	if bestMatch == "" {
		return "", RouteUnknown, fmt.Errorf("no recognisable ROM file found in %s", dir)
	}
	return bestMatch, bestRoute, nil
}
