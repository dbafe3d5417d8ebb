package kvs

import (
	"fmt"

	"github.com/KevoDB/flashkv/pkg/checksum"
	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// Options configures a KeyValueStore
type Options struct {
	// Redundancy is the number of copies kept of every entry, each in a different sector
	Redundancy int

	// MaxEntries bounds the number of keys, deleted keys included
	MaxEntries int

	// GCOnWrite decides how much garbage collection a write may do to find space
	GCOnWrite config.GCPolicy

	// Recovery decides when detected corruption is repaired
	Recovery config.RecoveryPolicy

	// VerifyOnRead checks the checksum of values read from offset zero
	VerifyOnRead bool

	// VerifyOnWrite reads back and checks every entry after writing it
	VerifyOnWrite bool

	// GCUsageThreshold is the percentage of the partition in use above which
	// full maintenance collects every sector with reclaimable bytes
	GCUsageThreshold int

	// Formats lists the on-flash formats the store reads; new entries use the primary
	Formats entry.Formats

	Logger    log.Logger
	Stats     stats.Collector
	Telemetry telemetry.Telemetry
}

// DefaultOptions returns options for a single-copy store with lazy recovery
func DefaultOptions() Options {
	return Options{
		Redundancy:       1,
		MaxEntries:       256,
		GCOnWrite:        config.GCOneSector,
		Recovery:         config.RecoveryLazy,
		VerifyOnRead:     true,
		VerifyOnWrite:    true,
		GCUsageThreshold: 70,
		Formats:          entry.DefaultFormats(),
	}
}

// OptionsFromConfig builds store options from a validated configuration
func OptionsFromConfig(cfg *config.Config, logger log.Logger) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}

	alg, err := checksum.Lookup(cfg.Checksum)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	formats, err := entry.NewFormats(entry.Format{Magic: entry.DefaultMagic, Checksum: alg})
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	return Options{
		Redundancy:       cfg.Redundancy,
		MaxEntries:       cfg.MaxEntries,
		GCOnWrite:        cfg.GCOnWrite,
		Recovery:         cfg.Recovery,
		VerifyOnRead:     cfg.VerifyOnRead,
		VerifyOnWrite:    cfg.VerifyOnWrite,
		GCUsageThreshold: cfg.GCUsageThreshold,
		Formats:          formats,
		Logger:           logger,
	}, nil
}
