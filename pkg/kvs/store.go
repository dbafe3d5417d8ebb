// Package kvs implements a key-value store on a raw flash partition.
//
// Entries are appended to sectors and never rewritten in place. Every write
// supersedes the previous entry for its key, and stale entries are reclaimed
// by garbage collection, which moves the live entries out of a sector and
// erases it. The in-memory index is rebuilt from flash by Init.
//
// A KeyValueStore is not safe for concurrent use; callers serialize access
// or hand the store to a Worker.
package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/index"
	"github.com/KevoDB/flashkv/pkg/sectors"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// State is the initialization state of a store
type State int

const (
	// StateNotInitialized means Init has not completed; nothing is allowed
	StateNotInitialized State = iota
	// StateReady allows every operation
	StateReady
	// StateNeedsMaintenance allows reads; writes wait for a successful repair
	StateNeedsMaintenance
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not_initialized"
	case StateReady:
		return "ready"
	case StateNeedsMaintenance:
		return "needs_maintenance"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StorageStats describes partition usage and the store's repair history
type StorageStats struct {
	// WritableBytes is the erased space available to writes, excluding the
	// empty sector kept for garbage collection
	WritableBytes int
	// InUseBytes is the space used by the current entries
	InUseBytes int
	// ReclaimableBytes is the stale space garbage collection would free
	ReclaimableBytes int

	SectorEraseCount                 int
	CorruptSectorsRecovered          int
	MissingRedundantEntriesRecovered int
}

type internalStats struct {
	sectorEraseCount                 int
	corruptSectorsRecovered          int
	missingRedundantEntriesRecovered int
}

// KeyValueStore is a key-value store bound to one flash partition
type KeyValueStore struct {
	partition flash.Partition
	formats   entry.Formats
	opts      Options

	sectors *sectors.Sectors
	cache   *index.Cache

	state             State
	lastTransactionID uint32
	errorDetected     bool
	internalStats     internalStats

	logger  log.Logger
	stats   stats.Collector
	tel     telemetry.Telemetry
	metrics Metrics
}

// New creates a store over p. The store must be initialized with Init
// before use.
func New(p flash.Partition, opts Options) (*KeyValueStore, error) {
	g := flash.GeometryOf(p)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if g.SectorCount < 2 {
		return nil, fmt.Errorf("%w: at least 2 sectors are required, got %d", ErrInvalidArgument, g.SectorCount)
	}
	if g.SectorSize%entry.Alignment(p) != 0 {
		return nil, fmt.Errorf("%w: sector size %d is not a multiple of the entry alignment %d",
			ErrInvalidArgument, g.SectorSize, entry.Alignment(p))
	}
	if opts.Redundancy < 1 || opts.Redundancy >= g.SectorCount {
		return nil, fmt.Errorf("%w: redundancy must be between 1 and %d, got %d",
			ErrInvalidArgument, g.SectorCount-1, opts.Redundancy)
	}
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("%w: max entries must be positive", ErrInvalidArgument)
	}
	if opts.GCUsageThreshold <= 0 || opts.GCUsageThreshold > 100 {
		opts.GCUsageThreshold = DefaultOptions().GCUsageThreshold
	}
	if opts.Formats.Len() == 0 {
		opts.Formats = entry.DefaultFormats()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	collector := opts.Stats
	if collector == nil {
		collector = stats.NewAtomicCollector()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	return &KeyValueStore{
		partition: p,
		formats:   opts.Formats,
		opts:      opts,
		sectors:   sectors.New(g.SectorCount, g.SectorSize, logger),
		cache:     index.New(opts.MaxEntries, opts.Redundancy),
		logger:    logger,
		stats:     collector,
		tel:       tel,
		metrics:   NewMetrics(tel, opts.Redundancy),
	}, nil
}

// Get reads the value of key, starting offset bytes in, into buf and
// returns the number of bytes read. ErrBufferTooSmall is returned, along
// with the bytes that fit, if buf cannot hold the rest of the value.
func (kvs *KeyValueStore) Get(key string, buf []byte, offset int) (int, error) {
	start := time.Now()
	n, err := kvs.get([]byte(key), buf, offset)
	kvs.trackOperation(stats.OpGet, telemetry.OpTypeGet, start, err)
	if err == nil || errors.Is(err, ErrBufferTooSmall) {
		kvs.stats.TrackBytes(false, uint64(n))
	}
	return n, err
}

// GetValue returns a copy of the whole value of key
func (kvs *KeyValueStore) GetValue(key string) ([]byte, error) {
	size, err := kvs.ValueSize(key)
	if err != nil {
		return nil, err
	}
	value := make([]byte, size)
	n, err := kvs.Get(key, value, 0)
	if err != nil {
		return nil, err
	}
	return value[:n], nil
}

// Put stores value under key, replacing any previous value. Writing the
// value a key already holds does not touch flash.
func (kvs *KeyValueStore) Put(key string, value []byte) error {
	start := time.Now()
	err := kvs.put([]byte(key), value)
	kvs.recoverIfNeeded()
	kvs.trackOperation(stats.OpPut, telemetry.OpTypePut, start, err)
	if err == nil {
		kvs.stats.TrackBytes(true, uint64(len(key)+len(value)))
	}
	kvs.trackStorage()
	return err
}

// Delete removes key by writing a tombstone for it
func (kvs *KeyValueStore) Delete(key string) error {
	start := time.Now()
	err := kvs.delete([]byte(key))
	kvs.recoverIfNeeded()
	kvs.trackOperation(stats.OpDelete, telemetry.OpTypeDelete, start, err)
	if err == nil {
		kvs.stats.TrackBytes(true, uint64(len(key)))
	}
	kvs.trackStorage()
	return err
}

// ValueSize returns the size of the value stored under key
func (kvs *KeyValueStore) ValueSize(key string) (int, error) {
	start := time.Now()
	size, err := kvs.valueSize([]byte(key))
	kvs.trackOperation(stats.OpValueSize, telemetry.OpTypeValueSize, start, err)
	return size, err
}

// Size returns the number of keys, not counting deleted ones
func (kvs *KeyValueStore) Size() int { return kvs.cache.PresentEntries() }

// Empty reports whether the store holds no keys
func (kvs *KeyValueStore) Empty() bool { return kvs.Size() == 0 }

// MaxSize returns the maximum number of keys, deleted ones included
func (kvs *KeyValueStore) MaxSize() int { return kvs.cache.MaxEntries() }

// TotalEntriesWithDeleted returns the number of keys, deleted ones included
func (kvs *KeyValueStore) TotalEntriesWithDeleted() int { return kvs.cache.Len() }

// TransactionCount returns the last transaction id used
func (kvs *KeyValueStore) TransactionCount() uint32 { return kvs.lastTransactionID }

// Redundancy returns the number of copies kept of each entry
func (kvs *KeyValueStore) Redundancy() int { return kvs.cache.Redundancy() }

// ErrorDetected reports whether corruption was found and not yet repaired
func (kvs *KeyValueStore) ErrorDetected() bool { return kvs.errorDetected }

// State returns the initialization state
func (kvs *KeyValueStore) State() State { return kvs.state }

// Stats returns the collector the store reports operations to
func (kvs *KeyValueStore) Stats() stats.Collector { return kvs.stats }

// GetStorageStats returns the current space usage of the partition
func (kvs *KeyValueStore) GetStorageStats() StorageStats {
	s := StorageStats{
		SectorEraseCount:                 kvs.internalStats.sectorEraseCount,
		CorruptSectorsRecovered:          kvs.internalStats.corruptSectorsRecovered,
		MissingRedundantEntriesRecovered: kvs.internalStats.missingRedundantEntriesRecovered,
	}

	sectorSize := kvs.sectors.SectorSize()
	foundEmpty := false
	for i := 0; i < kvs.sectors.Len(); i++ {
		d := kvs.sectors.At(i)
		s.InUseBytes += d.ValidBytes()
		s.ReclaimableBytes += d.RecoverableBytes(sectorSize)

		// The first empty sector is reserved for garbage collection
		if !foundEmpty && d.Empty(sectorSize) {
			foundEmpty = true
			continue
		}
		s.WritableBytes += d.WritableBytes()
	}
	return s
}

// LogDebugInfo logs the partition geometry, every sector descriptor and
// every key descriptor at debug level
func (kvs *KeyValueStore) LogDebugInfo() {
	g := flash.GeometryOf(kvs.partition)
	kvs.logger.Debug("==== flashkv debug info ====")
	kvs.logger.Debug("State: %s, error detected: %t", kvs.state, kvs.errorDetected)
	kvs.logger.Debug("Sector size: %d, sector count: %d, alignment: %d, entry alignment: %d",
		g.SectorSize, g.SectorCount, g.Alignment, entry.Alignment(kvs.partition))
	kvs.logger.Debug("Redundancy: %d, keys: %d/%d (%d with deleted), last transaction id: %d",
		kvs.Redundancy(), kvs.Size(), kvs.MaxSize(), kvs.TotalEntriesWithDeleted(), kvs.lastTransactionID)
	kvs.logger.Debug("Last new sector: %d", kvs.sectors.LastNew())

	kvs.logger.Debug("Sector descriptors:")
	kvs.logger.Debug("  #     tail free  valid     erases  corrupt")
	for i := 0; i < kvs.sectors.Len(); i++ {
		d := kvs.sectors.At(i)
		kvs.logger.Debug("  %-4d  %-9d  %-8d  %-6d  %t", i, d.WritableBytes(), d.ValidBytes(), d.EraseCount(), d.Corrupt())
	}

	kvs.logger.Debug("Key descriptors:")
	kvs.logger.Debug("  #     hash        tx id       state    addresses")
	for i := 0; i < kvs.cache.Len(); i++ {
		m := kvs.cache.At(i)
		kvs.logger.Debug("  %-4d  0x%08x  %-10d  %-7s  %v", i, m.Hash(), m.TransactionID(), m.State(), m.Addresses())
	}

	s := kvs.GetStorageStats()
	kvs.logger.Debug("In use: %dB, reclaimable: %dB, writable: %dB, erases: %d",
		s.InUseBytes, s.ReclaimableBytes, s.WritableBytes, s.SectorEraseCount)
	kvs.logger.Debug("==== end of debug info ====")
}

func (kvs *KeyValueStore) get(key, buf []byte, offset int) (int, error) {
	if err := kvs.checkReadOperation(key); err != nil {
		return 0, err
	}

	m, err := kvs.findExisting(key)
	if err != nil {
		return 0, err
	}

	lastErr := fmt.Errorf("%w: no copies of key", ErrDataLoss)
	for _, addr := range m.AddressesCopy() {
		e, err := entry.Read(kvs.partition, addr, kvs.formats)
		if err != nil {
			kvs.markAddressCorrupt(addr, err)
			lastErr = fmt.Errorf("%w: %v", ErrDataLoss, err)
			continue
		}

		n, err := e.ReadValue(buf, offset)
		switch {
		case errors.Is(err, entry.ErrOffsetOutOfRange):
			return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
		case errors.Is(err, entry.ErrBufferTooSmall):
			return n, fmt.Errorf("%w: read %d of %d bytes", ErrBufferTooSmall, n, e.ValueSize()-offset)
		case err != nil:
			kvs.markAddressCorrupt(addr, err)
			lastErr = fmt.Errorf("%w: %v", ErrDataLoss, err)
			continue
		}

		if kvs.opts.VerifyOnRead && offset == 0 {
			if err := e.VerifyChecksum(key, buf[:n]); err != nil {
				clear(buf[:n])
				kvs.markAddressCorrupt(addr, err)
				lastErr = fmt.Errorf("%w: %v", ErrDataLoss, err)
				continue
			}
		}
		return n, nil
	}

	kvs.logger.Error("No valid copy of key with hash 0x%08x; data has been lost", m.Hash())
	return 0, lastErr
}

func (kvs *KeyValueStore) valueSize(key []byte) (int, error) {
	if err := kvs.checkReadOperation(key); err != nil {
		return 0, err
	}

	m, err := kvs.findExisting(key)
	if err != nil {
		return 0, err
	}

	e, err := kvs.readEntry(m)
	if err != nil {
		return 0, err
	}
	return e.ValueSize(), nil
}

func (kvs *KeyValueStore) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > entry.MaxKeyLength {
		return fmt.Errorf("%w: key must be 1 to %d bytes, got %d", ErrInvalidArgument, entry.MaxKeyLength, len(key))
	}
	return nil
}

func (kvs *KeyValueStore) checkReadOperation(key []byte) error {
	if err := kvs.checkKey(key); err != nil {
		return err
	}
	if kvs.state == StateNotInitialized {
		return fmt.Errorf("%w: store is not initialized", ErrFailedPrecondition)
	}
	return nil
}

func (kvs *KeyValueStore) checkWriteOperation(key []byte) error {
	if err := kvs.checkKey(key); err != nil {
		return err
	}
	if kvs.state != StateReady {
		return fmt.Errorf("%w: store is %s", ErrFailedPrecondition, kvs.state)
	}
	return nil
}

// findEntry looks up key, deleted or not
func (kvs *KeyValueStore) findEntry(key []byte) (index.Metadata, error) {
	m, err := kvs.cache.Find(key, flashKeys{kvs})
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, index.ErrNotFound):
		return m, ErrNotFound
	case errors.Is(err, index.ErrHashCollision):
		kvs.logger.Warn("Key hash 0x%08x collides with a stored key", index.Hash(key))
		return m, fmt.Errorf("%w: %v", ErrHashCollision, err)
	default:
		return m, fmt.Errorf("%w: %v", ErrDataLoss, err)
	}
}

// findExisting looks up a key that is present and not deleted
func (kvs *KeyValueStore) findExisting(key []byte) (index.Metadata, error) {
	m, err := kvs.findEntry(key)
	if errors.Is(err, ErrHashCollision) {
		// Another key owns the hash, so this one is absent
		return m, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return m, err
	}
	if m.Deleted() {
		return m, ErrNotFound
	}
	return m, nil
}

// readEntry returns the header of the first readable copy of m
func (kvs *KeyValueStore) readEntry(m index.Metadata) (entry.Entry, error) {
	lastErr := fmt.Errorf("%w: key 0x%08x has no copies", ErrDataLoss, m.Hash())
	for _, addr := range m.AddressesCopy() {
		e, err := entry.Read(kvs.partition, addr, kvs.formats)
		if err == nil {
			return e, nil
		}
		kvs.markAddressCorrupt(addr, err)
		lastErr = fmt.Errorf("%w: %v", ErrDataLoss, err)
	}
	kvs.logger.Error("No valid entries for key 0x%08x; data has been lost", m.Hash())
	return entry.Entry{}, lastErr
}

// readVerifiedEntry returns the first copy of m whose checksum verifies
func (kvs *KeyValueStore) readVerifiedEntry(m index.Metadata) (entry.Entry, error) {
	lastErr := fmt.Errorf("%w: key 0x%08x has no copies", ErrDataLoss, m.Hash())
	for _, addr := range m.AddressesCopy() {
		e, err := entry.Read(kvs.partition, addr, kvs.formats)
		if err == nil {
			err = e.VerifyChecksumInFlash()
		}
		if err == nil {
			return e, nil
		}
		kvs.markAddressCorrupt(addr, err)
		lastErr = fmt.Errorf("%w: %v", ErrDataLoss, err)
	}
	kvs.logger.Error("No intact copy of key 0x%08x; data has been lost", m.Hash())
	return entry.Entry{}, lastErr
}

// markAddressCorrupt marks the sector holding addr corrupt after a failed access
func (kvs *KeyValueStore) markAddressCorrupt(addr flash.Address, cause error) {
	kvs.markSectorCorrupt(kvs.sectors.Index(addr), cause)
}

func (kvs *KeyValueStore) markSectorCorrupt(i int, cause error) {
	kvs.errorDetected = true
	if kvs.sectors.At(i).Corrupt() {
		return
	}
	kvs.logger.Debug("Sector %d failed verification: %v", i, cause)
	kvs.sectors.MarkCorrupt(i)
	kvs.stats.TrackCorruptSector()
	kvs.metrics.RecordCorruption(context.Background(), i, corruptionReason(cause))
}

func corruptionReason(err error) string {
	switch {
	case errors.Is(err, entry.ErrChecksum):
		return "checksum"
	case errors.Is(err, entry.ErrCorrupt):
		return "malformed"
	case errors.Is(err, flash.ErrInjected):
		return "flash_error"
	default:
		return "other"
	}
}

// recoverIfNeeded repairs right away when corruption was found during a
// write and the recovery policy asks for it
func (kvs *KeyValueStore) recoverIfNeeded() {
	if !kvs.errorDetected || kvs.opts.Recovery != config.RecoveryImmediate || kvs.state == StateNotInitialized {
		return
	}
	if err := kvs.repair(); err != nil {
		kvs.logger.Error("Immediate repair failed: %v", err)
		kvs.state = StateNeedsMaintenance
	}
}

func (kvs *KeyValueStore) trackOperation(op stats.OperationType, opType string, start time.Time, err error) {
	elapsed := time.Since(start)
	kvs.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil && !errors.Is(err, ErrNotFound) {
		kvs.stats.TrackError(string(op) + "_error")
	}
	kvs.metrics.RecordOperation(context.Background(), opType, elapsed, err)
}

func (kvs *KeyValueStore) trackStorage() {
	s := kvs.GetStorageStats()
	kvs.stats.TrackStorage(uint64(s.InUseBytes), uint64(s.ReclaimableBytes), uint64(s.WritableBytes))
	kvs.metrics.RecordStorage(context.Background(), s)
}

// flashKeys reads keys back from flash for the index
type flashKeys struct {
	kvs *KeyValueStore
}

func (f flashKeys) ReadKey(addr flash.Address) ([]byte, error) {
	e, err := entry.Read(f.kvs.partition, addr, f.kvs.formats)
	if err != nil {
		return nil, err
	}
	return e.ReadKey()
}

func (f flashKeys) BadAddress(addr flash.Address, err error) {
	f.kvs.markAddressCorrupt(addr, err)
}
