package config

import (
	"errors"
	"testing"
)

func TestNewManifest(t *testing.T) {
	dir := "/tmp/flashkv"
	cfg := NewDefaultConfig(dir)

	manifest, err := NewManifest(dir, cfg)
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	if manifest.Dir != dir {
		t.Errorf("expected Dir %s, got %s", dir, manifest.Dir)
	}

	if len(manifest.Entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(manifest.Entries))
	}

	if manifest.Current == nil {
		t.Error("current entry is nil")
	} else if manifest.Current.Config != cfg {
		t.Error("current config does not match the provided config")
	}
}

func TestManifestUpdateConfig(t *testing.T) {
	dir := "/tmp/flashkv"
	manifest, err := NewManifest(dir, NewDefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	err = manifest.UpdateConfig(func(c *Config) {
		c.Recovery = RecoveryImmediate
		c.MaxEntries = 32
	})
	if err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	if len(manifest.Entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(manifest.Entries))
	}

	current := manifest.GetConfig()
	if current.Recovery != RecoveryImmediate {
		t.Errorf("expected recovery %s, got %s", RecoveryImmediate, current.Recovery)
	}
	if current.MaxEntries != 32 {
		t.Errorf("expected max entries %d, got %d", 32, current.MaxEntries)
	}

	// Geometry is fixed once the manifest exists
	err = manifest.UpdateConfig(func(c *Config) {
		c.SectorCount = 16
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for geometry change, got %v", err)
	}
	if len(manifest.Entries) != 2 {
		t.Errorf("rejected update should not add an entry, got %d entries", len(manifest.Entries))
	}
}

func TestManifestImageTracking(t *testing.T) {
	dir := "/tmp/flashkv"
	manifest, err := NewManifest(dir, NewDefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	manifest.AddImage("backup/b.img", "zstd")
	manifest.AddImage("backup/a.img", "none")

	images := manifest.GetImages()
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	if images[0].Path != "backup/a.img" || images[1].Path != "backup/b.img" {
		t.Errorf("expected images ordered by path, got %s, %s", images[0].Path, images[1].Path)
	}
	if images[1].Codec != "zstd" {
		t.Errorf("expected codec zstd, got %s", images[1].Codec)
	}

	manifest.RemoveImage("backup/a.img")

	images = manifest.GetImages()
	if len(images) != 1 {
		t.Errorf("expected 1 image, got %d", len(images))
	}
}

func TestManifestSaveLoad(t *testing.T) {
	tempDir := t.TempDir()

	manifest, err := NewManifest(tempDir, NewDefaultConfig(tempDir))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	manifest.AddImage("snapshot.img", "snappy")

	err = manifest.UpdateConfig(func(c *Config) {
		c.Redundancy = 2
	})
	if err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	if err := manifest.Save(); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	loaded, err := LoadManifest(tempDir)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	if len(loaded.Entries) != len(manifest.Entries) {
		t.Errorf("expected %d entries, got %d", len(manifest.Entries), len(loaded.Entries))
	}

	if loaded.GetConfig().Redundancy != 2 {
		t.Errorf("expected redundancy 2, got %d", loaded.GetConfig().Redundancy)
	}

	// Images carry over to the updated entry
	images := loaded.GetImages()
	if len(images) != 1 || images[0].Codec != "snappy" {
		t.Errorf("expected one snappy image, got %+v", images)
	}
}
