package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	p, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{p.Layout.InDir(), p.Layout.SourceDir(), p.Layout.SuperImageDir(),
		p.Layout.UpdatePartitionsDir(), p.Layout.PartitionMetadataDir(), p.Layout.TempDir(),
		p.Layout.LogsDir(), p.Layout.ConfigDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestUpdateConfigPersistsAndDefaults(t *testing.T) {
	root := t.TempDir()
	p, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := p.UpdateConfig(ctx, func(c *Config) {
		c.InputFile = "update.img"
		c.InputType = "firmware-wrapper"
		c.Imported = true
	}); err != nil {
		t.Fatal(err)
	}

	var got Config
	if err := p.With(ctx, func(c *Config) error {
		got = *c
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if got.InputFile != "update.img" || !got.Imported {
		t.Errorf("expected persisted InputFile/Imported, got %+v", got)
	}
	if got.SuperResizeMode != SuperResizeAuto {
		t.Errorf("expected default super resize mode auto, got %s", got.SuperResizeMode)
	}
	if got.SlotMode != SlotAuto {
		t.Errorf("expected default slot mode auto, got %s", got.SlotMode)
	}

	if _, err := os.Stat(p.Layout.ConfigFile()); err != nil {
		t.Errorf("expected config file to exist on disk: %v", err)
	}
}

func TestUpdateConfigPreservesUntouchedFields(t *testing.T) {
	root := t.TempDir()
	p, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := p.UpdateConfig(ctx, func(c *Config) { c.Imported = true }); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateConfig(ctx, func(c *Config) { c.Extracted = true }); err != nil {
		t.Fatal(err)
	}

	var got Config
	if err := p.With(ctx, func(c *Config) error { got = *c; return nil }); err != nil {
		t.Fatal(err)
	}
	if !got.Imported || !got.Extracted {
		t.Errorf("expected both flags to survive independent updates, got %+v", got)
	}
}

func TestPartitionMetadataFilePath(t *testing.T) {
	l := NewLayout("/tmp/proj")
	want := filepath.Join("/tmp/proj", "extract", "partition_metadata", "vendor.json")
	if got := l.PartitionMetadataFile("vendor"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
