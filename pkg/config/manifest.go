package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ImageRecord describes a partition image exported from the store
type ImageRecord struct {
	Path      string `json:"path"`
	Codec     string `json:"codec"`
	Timestamp int64  `json:"timestamp"`
}

type ManifestEntry struct {
	Timestamp int64                  `json:"timestamp"`
	Version   int                    `json:"version"`
	Config    *Config                `json:"config"`
	Images    map[string]ImageRecord `json:"images,omitempty"`
}

// Manifest keeps the configuration history of a store directory along with
// the partition images exported from it.
type Manifest struct {
	Dir        string
	Entries    []ManifestEntry
	Current    *ManifestEntry
	LastUpdate time.Time
	mu         sync.RWMutex
}

// NewManifest creates a new manifest for the given store directory
func NewManifest(dir string, config *Config) (*Manifest, error) {
	if config == nil {
		config = NewDefaultConfig(dir)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    config,
	}

	return &Manifest{
		Dir:        dir,
		Entries:    []ManifestEntry{entry},
		Current:    &entry,
		LastUpdate: time.Now(),
	}, nil
}

// LoadManifest loads an existing manifest from the store directory
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, DefaultManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in manifest", ErrInvalidManifest)
	}

	current := &entries[len(entries)-1]
	if current.Config == nil {
		return nil, fmt.Errorf("%w: latest entry has no configuration", ErrInvalidManifest)
	}
	if err := current.Config.Validate(); err != nil {
		return nil, err
	}

	return &Manifest{
		Dir:        dir,
		Entries:    entries,
		Current:    current,
		LastUpdate: time.Now(),
	}, nil
}

// Save persists the manifest to disk
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Current.Config.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(m.Dir, DefaultManifestFileName), data); err != nil {
		return err
	}

	m.LastUpdate = time.Now()
	return nil
}

// UpdateConfig appends a new configuration entry derived from the current one.
// Partition geometry cannot change once an image exists.
func (m *Manifest) UpdateConfig(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	currentJSON, err := json.Marshal(m.Current.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal current config: %w", err)
	}

	var newConfig Config
	if err := json.Unmarshal(currentJSON, &newConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fn(&newConfig)

	if err := newConfig.Validate(); err != nil {
		return err
	}

	old := m.Current.Config
	if newConfig.SectorSize != old.SectorSize || newConfig.SectorCount != old.SectorCount ||
		newConfig.Alignment != old.Alignment {
		return fmt.Errorf("%w: partition geometry cannot change", ErrInvalidConfig)
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    &newConfig,
		Images:    copyImages(m.Current.Images),
	}

	m.Entries = append(m.Entries, entry)
	m.Current = &m.Entries[len(m.Entries)-1]

	return nil
}

// AddImage records an exported partition image
func (m *Manifest) AddImage(path, codec string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Current.Images == nil {
		m.Current.Images = make(map[string]ImageRecord)
	}

	m.Current.Images[path] = ImageRecord{Path: path, Codec: codec, Timestamp: time.Now().Unix()}
}

// RemoveImage forgets an exported image
func (m *Manifest) RemoveImage(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Current.Images, path)
}

// GetConfig returns the current configuration
func (m *Manifest) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Current.Config
}

// GetImages returns the recorded images ordered by path
func (m *Manifest) GetImages() []ImageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	images := make([]ImageRecord, 0, len(m.Current.Images))
	for _, img := range m.Current.Images {
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })
	return images
}

func copyImages(src map[string]ImageRecord) map[string]ImageRecord {
	if src == nil {
		return nil
	}
	dst := make(map[string]ImageRecord, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// SaveManifest records the configuration as the newest manifest entry in dir
func (c *Config) SaveManifest(dir string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	m, err := LoadManifest(dir)
	switch {
	case err == ErrManifestNotFound:
		if m, err = NewManifest(dir, c); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		m.mu.Lock()
		m.Entries = append(m.Entries, ManifestEntry{
			Timestamp: time.Now().Unix(),
			Version:   CurrentManifestVersion,
			Config:    c,
			Images:    copyImages(m.Current.Images),
		})
		m.Current = &m.Entries[len(m.Entries)-1]
		m.mu.Unlock()
	}

	return m.Save()
}
