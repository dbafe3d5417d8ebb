package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KevoDB/flashkv/pkg/checksum"
	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

const (
	DefaultManifestFileName = "MANIFEST"
	DefaultImageFileName    = "flash.img"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// GCPolicy controls garbage collection triggered by a write that finds no space
type GCPolicy int

const (
	// GCDisabled fails the write instead of collecting
	GCDisabled GCPolicy = iota
	// GCOneSector collects at most one sector per write
	GCOneSector
	// GCAsManySectorsNeeded keeps collecting until the write fits
	GCAsManySectorsNeeded
)

var gcPolicyNames = map[GCPolicy]string{
	GCDisabled:            "disabled",
	GCOneSector:           "one_sector",
	GCAsManySectorsNeeded: "as_many_sectors_needed",
}

func (p GCPolicy) String() string {
	if name, ok := gcPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("gc_policy(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler
func (p GCPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *GCPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseGCPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseGCPolicy returns the policy with the given name
func ParseGCPolicy(name string) (GCPolicy, error) {
	for p, n := range gcPolicyNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return GCDisabled, fmt.Errorf("%w: unknown gc policy %q", ErrInvalidConfig, name)
}

// RecoveryPolicy controls when detected corruption is repaired
type RecoveryPolicy int

const (
	// RecoveryImmediate repairs as soon as an error is detected
	RecoveryImmediate RecoveryPolicy = iota
	// RecoveryLazy repairs during initialization and maintenance
	RecoveryLazy
	// RecoveryManual only repairs on an explicit full maintenance call
	RecoveryManual
)

var recoveryPolicyNames = map[RecoveryPolicy]string{
	RecoveryImmediate: "immediate",
	RecoveryLazy:      "lazy",
	RecoveryManual:    "manual",
}

func (p RecoveryPolicy) String() string {
	if name, ok := recoveryPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("recovery_policy(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler
func (p RecoveryPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *RecoveryPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseRecoveryPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseRecoveryPolicy returns the policy with the given name
func ParseRecoveryPolicy(name string) (RecoveryPolicy, error) {
	for p, n := range recoveryPolicyNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return RecoveryLazy, fmt.Errorf("%w: unknown recovery policy %q", ErrInvalidConfig, name)
}

type Config struct {
	Version int `json:"version"`

	// Partition configuration
	ImagePath   string `json:"image_path"`
	SectorSize  int    `json:"sector_size"`
	SectorCount int    `json:"sector_count"`
	Alignment   int    `json:"alignment"`

	// Store configuration
	Redundancy       int            `json:"redundancy"`
	MaxEntries       int            `json:"max_entries"`
	GCOnWrite        GCPolicy       `json:"gc_on_write"`
	Recovery         RecoveryPolicy `json:"recovery"`
	VerifyOnRead     bool           `json:"verify_on_read"`
	VerifyOnWrite    bool           `json:"verify_on_write"`
	GCUsageThreshold int            `json:"gc_usage_threshold"` // Percent of the partition in use that forces a full GC pass
	Checksum         string         `json:"checksum"`

	// Observability
	LogLevel  string           `json:"log_level"`
	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dirPath string) *Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "flashkv"
	tel.Enabled = false

	return &Config{
		Version: CurrentManifestVersion,

		// Partition defaults
		ImagePath:   filepath.Join(dirPath, DefaultImageFileName),
		SectorSize:  4096,
		SectorCount: 4,
		Alignment:   16,

		// Store defaults
		Redundancy:       1,
		MaxEntries:       256,
		GCOnWrite:        GCOneSector,
		Recovery:         RecoveryLazy,
		VerifyOnRead:     true,
		VerifyOnWrite:    true,
		GCUsageThreshold: 70,
		Checksum:         checksum.DefaultName,

		LogLevel:  "info",
		Telemetry: tel,
	}
}

// Geometry returns the flash geometry described by the configuration
func (c *Config) Geometry() flash.Geometry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return flash.Geometry{SectorSize: c.SectorSize, SectorCount: c.SectorCount, Alignment: c.Alignment}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.ImagePath == "" {
		return fmt.Errorf("%w: image path not specified", ErrInvalidConfig)
	}

	g := flash.Geometry{SectorSize: c.SectorSize, SectorCount: c.SectorCount, Alignment: c.Alignment}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.SectorCount < 2 {
		return fmt.Errorf("%w: at least 2 sectors are required, got %d", ErrInvalidConfig, c.SectorCount)
	}

	if c.Redundancy < 1 || c.Redundancy >= c.SectorCount {
		return fmt.Errorf("%w: redundancy must be between 1 and %d", ErrInvalidConfig, c.SectorCount-1)
	}

	if c.MaxEntries <= 0 {
		return fmt.Errorf("%w: max entries must be positive", ErrInvalidConfig)
	}

	if _, ok := gcPolicyNames[c.GCOnWrite]; !ok {
		return fmt.Errorf("%w: unknown gc policy %d", ErrInvalidConfig, int(c.GCOnWrite))
	}

	if _, ok := recoveryPolicyNames[c.Recovery]; !ok {
		return fmt.Errorf("%w: unknown recovery policy %d", ErrInvalidConfig, int(c.Recovery))
	}

	if c.GCUsageThreshold <= 0 || c.GCUsageThreshold > 100 {
		return fmt.Errorf("%w: gc usage threshold must be between 1 and 100 percent", ErrInvalidConfig)
	}

	if _, err := checksum.Lookup(c.Checksum); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// LoadConfigFromManifest loads just the configuration portion from the manifest file
func LoadConfigFromManifest(dirPath string) (*Config, error) {
	manifest, err := LoadManifest(dirPath)
	if err != nil {
		return nil, err
	}
	return manifest.GetConfig(), nil
}

// LoadConfig reads a standalone JSON configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig(filepath.Dir(path))
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a standalone JSON file
func (c *Config) SaveConfig(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return writeFileAtomic(path, data)
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	return nil
}
