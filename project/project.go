// Package project implements the Project Store (§4.l): a typed,
// single-JSON-document record per project plus the fixed on-disk layout
// every engine reads from and writes to (§6).
package project

import (
	"context"
	"fmt"
	"path/filepath"

	storejson "github.com/rkromkit/kitchen/storage/json"
	"github.com/rkromkit/kitchen/utils"
)

// SuperResizeMode controls how the Super Engine sizes repacked partitions.
type SuperResizeMode string

const (
	SuperResizeAuto   SuperResizeMode = "auto"
	SuperResizeKeep   SuperResizeMode = "keep"
	SuperResizeShrink SuperResizeMode = "shrink"
)

// SlotMode controls which vbmeta/slot family the AVB Patcher targets.
type SlotMode string

const (
	SlotAuto SlotMode = "auto"
	SlotA    SlotMode = "a"
	SlotB    SlotMode = "b"
	SlotBoth SlotMode = "both"
)

// Config is the Project Store's single typed record, persisted as
// config/project.json. Explicit named fields only — no free-form
// key-value bag in the hot path.
type Config struct {
	InputFile       string          `json:"input_file"`
	RomType         string          `json:"rom_type"`
	InputType       string          `json:"input_type"`
	OutputSparse    bool            `json:"output_sparse"`
	SuperResizeMode SuperResizeMode `json:"super_resize_mode"`
	SlotMode        SlotMode        `json:"slot_mode"`
	DebloatedApps   []string        `json:"debloated_apps"`

	Imported  bool `json:"imported"`
	Extracted bool `json:"extracted"`
	Patched   bool `json:"patched"`
	Built     bool `json:"built"`
}

// Init implements storage.Initer, applying defaults to a freshly-loaded
// (possibly zero-value) Config.
func (c *Config) Init() {
	if c.SuperResizeMode == "" {
		c.SuperResizeMode = SuperResizeAuto
	}
	if c.SlotMode == "" {
		c.SlotMode = SlotAuto
	}
}

// Layout is the fixed set of directories and marker files under a
// project's root, per §6.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) InDir() string                 { return filepath.Join(l.Root, "in") }
func (l Layout) OutDir() string                { return filepath.Join(l.Root, "out") }
func (l Layout) SourceDir() string             { return filepath.Join(l.OutDir(), "Source") }
func (l Layout) PartitionSourceDir(name string) string { return filepath.Join(l.SourceDir(), name) }
func (l Layout) ImageDir() string              { return filepath.Join(l.OutDir(), "Image") }
func (l Layout) SuperImageDir() string         { return filepath.Join(l.ImageDir(), "super") }
func (l Layout) UpdateImageDir() string        { return filepath.Join(l.ImageDir(), "update") }
func (l Layout) UpdatePartitionsDir() string   { return filepath.Join(l.UpdateImageDir(), "partitions") }
func (l Layout) ExtractDir() string            { return filepath.Join(l.Root, "extract") }
func (l Layout) PartitionMetadataDir() string  { return filepath.Join(l.ExtractDir(), "partition_metadata") }
func (l Layout) PartitionMetadataFile(name string) string {
	return filepath.Join(l.PartitionMetadataDir(), name+".json")
}
func (l Layout) PartitionIndexFile() string     { return filepath.Join(l.ExtractDir(), "partition_index.json") }
func (l Layout) PartitionIndexLockFile() string { return filepath.Join(l.ExtractDir(), "partition_index.lock") }
func (l Layout) SuperMetadataFile() string      { return filepath.Join(l.ExtractDir(), "super_metadata.json") }
func (l Layout) SuperMetadataLockFile() string  { return filepath.Join(l.ExtractDir(), "super_metadata.lock") }
func (l Layout) DirtyFile() string              { return filepath.Join(l.ExtractDir(), "dirty.json") }
func (l Layout) DirtyLockFile() string          { return filepath.Join(l.ExtractDir(), "dirty.lock") }
func (l Layout) SnapshotFile() string           { return filepath.Join(l.ExtractDir(), "source_snapshot.json") }
func (l Layout) SnapshotLockFile() string       { return filepath.Join(l.ExtractDir(), "source_snapshot.lock") }
func (l Layout) BusyLockFile() string           { return filepath.Join(l.Root, "busy.lock") }
func (l Layout) ExtractedOKFile() string    { return filepath.Join(l.ExtractDir(), "EXTRACTED_OK.txt") }
func (l Layout) PatchedOKFile() string      { return filepath.Join(l.ExtractDir(), "PATCHED_OK.txt") }
func (l Layout) BuildOKFile() string        { return filepath.Join(l.OutDir(), "BUILD_OK.txt") }
func (l Layout) TempDir() string            { return filepath.Join(l.Root, "temp") }
func (l Layout) LogsDir() string            { return filepath.Join(l.Root, "logs") }
func (l Layout) DebloatLogFile() string     { return filepath.Join(l.LogsDir(), "debloat_removed.txt") }
func (l Layout) ConfigDir() string          { return filepath.Join(l.Root, "config") }
func (l Layout) ConfigFile() string         { return filepath.Join(l.ConfigDir(), "project.json") }
func (l Layout) ConfigLockFile() string     { return filepath.Join(l.ConfigDir(), "project.lock") }

// allDirs lists every directory EnsureDirs must create for a fresh project.
func (l Layout) allDirs() []string {
	return []string{
		l.InDir(), l.SourceDir(), l.SuperImageDir(), l.UpdatePartitionsDir(),
		l.PartitionMetadataDir(), l.TempDir(), l.LogsDir(), l.ConfigDir(),
	}
}

// Project bundles a Layout with its persisted Config store.
type Project struct {
	Layout Layout
	store  *storejson.Store[Config]
}

// Open prepares a project rooted at root: ensures the fixed directory
// layout exists and returns a handle backed by the Project Store's JSON
// document. Open never touches config/project.json itself — callers read
// it via With/Update.
func Open(root string) (*Project, error) {
	l := NewLayout(root)
	if err := utils.EnsureDirs(l.allDirs()...); err != nil {
		return nil, fmt.Errorf("prepare project layout: %w", err)
	}
	return &Project{
		Layout: l,
		store:  storejson.New[Config](l.ConfigLockFile(), l.ConfigFile()),
	}, nil
}

// With loads the current Config under lock and passes it to fn read-only.
func (p *Project) With(ctx context.Context, fn func(*Config) error) error {
	return p.store.With(ctx, fn)
}

// UpdateConfig performs an atomic read-modify-write against project.json.
// Callers pass a closure that mutates the fields it cares about; every
// other field is preserved, matching the "update_config(field=value, …)"
// mutation model (§4.l) — there is no free-form key-value setter, only
// typed field mutation through the closure.
func (p *Project) UpdateConfig(ctx context.Context, fn func(*Config)) error {
	return p.store.Update(ctx, func(c *Config) error {
		fn(c)
		return nil
	})
}
