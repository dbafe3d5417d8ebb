package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/index"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// PartialMaintenance does a small amount of upkeep: it repairs detected
// corruption if the recovery policy allows, and otherwise garbage collects
// at most one sector.
func (kvs *KeyValueStore) PartialMaintenance() error {
	start := time.Now()
	err := kvs.partialMaintenance()
	kvs.trackOperation(stats.OpMaintenance, telemetry.OpTypeMaintenance, start, err)
	kvs.trackStorage()
	return err
}

// FullMaintenance repairs detected corruption regardless of the recovery
// policy, moves entries in deprecated formats to the primary format and
// garbage collects every sector that has nothing valid left. Once the
// partition is more than GCUsageThreshold percent in use, every sector with
// reclaimable bytes is collected.
func (kvs *KeyValueStore) FullMaintenance() error {
	return kvs.runFullMaintenance(false)
}

// HeavyMaintenance does everything FullMaintenance does, collects every
// sector with reclaimable bytes, and drops the index records of deleted keys.
func (kvs *KeyValueStore) HeavyMaintenance() error {
	return kvs.runFullMaintenance(true)
}

func (kvs *KeyValueStore) runFullMaintenance(heavy bool) error {
	start := time.Now()
	op, opType := stats.OpMaintenance, telemetry.OpTypeMaintenance
	if heavy {
		op, opType = stats.OpHeavyMaintenance, telemetry.OpTypeHeavyMaintenance
	}

	_, span := kvs.tel.StartSpan(context.Background(), "kvs."+opType,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
	)
	defer span.End()

	err := kvs.fullMaintenance(heavy)
	if err != nil {
		span.RecordError(err)
	}
	kvs.trackOperation(op, opType, start, err)
	kvs.trackStorage()
	return err
}

func (kvs *KeyValueStore) partialMaintenance() error {
	if kvs.state == StateNotInitialized {
		return fmt.Errorf("%w: store is not initialized", ErrFailedPrecondition)
	}

	kvs.checkForErrors()
	if kvs.errorDetected && kvs.opts.Recovery != config.RecoveryManual {
		return kvs.repair()
	}

	if err := kvs.garbageCollect(nil); err != nil && !errors.Is(err, errNothingToCollect) {
		return err
	}
	return nil
}

func (kvs *KeyValueStore) fullMaintenance(heavy bool) error {
	if kvs.state == StateNotInitialized {
		return fmt.Errorf("%w: store is not initialized", ErrFailedPrecondition)
	}

	kvs.logger.Info("Beginning %s maintenance", maintenanceKind(heavy))

	kvs.checkForErrors()
	if kvs.errorDetected {
		if err := kvs.repair(); err != nil {
			kvs.logger.Error("Repair during maintenance failed: %v", err)
			return err
		}
	}

	updated, overall := kvs.updateEntriesToPrimaryFormat()

	s := kvs.GetStorageStats()
	overThreshold := s.InUseBytes*100 > kvs.opts.GCUsageThreshold*kvs.partition.SizeBytes()
	force := heavy || overThreshold || updated > 0

	if err := kvs.garbageCollectPass(force); err != nil {
		overall = err
	}

	if heavy {
		if removed := kvs.removeDeletedKeyEntries(); removed > 0 {
			kvs.logger.Info("Dropped %d deleted keys from the index", removed)
		}
		if err := kvs.garbageCollectPass(true); err != nil {
			overall = err
		}
	}

	if overall != nil {
		kvs.logger.Error("%s maintenance finished with errors: %v", maintenanceKind(heavy), overall)
		return overall
	}
	kvs.logger.Info("Finished %s maintenance: %d entries migrated", maintenanceKind(heavy), updated)
	return nil
}

func maintenanceKind(heavy bool) string {
	if heavy {
		return "heavy"
	}
	return "full"
}

// garbageCollectPass collects, round-robin from the sector after the last
// new one, every sector with reclaimable bytes. Unless force is set, only
// sectors with no valid bytes left are collected.
func (kvs *KeyValueStore) garbageCollectPass(force bool) error {
	var overall error
	first := kvs.sectors.LastNew() + 1
	sectorSize := kvs.sectors.SectorSize()

	for j := 0; j < kvs.sectors.Len(); j++ {
		i := (first + j) % kvs.sectors.Len()
		d := kvs.sectors.At(i)
		if d.RecoverableBytes(sectorSize) == 0 || (!force && d.ValidBytes() != 0) {
			continue
		}
		if err := kvs.garbageCollectSector(i, nil); err != nil {
			kvs.logger.Error("Garbage collection of sector %d failed: %v", i, err)
			overall = err
		}
	}
	return overall
}

// updateEntriesToPrimaryFormat rewrites every entry stored in a deprecated
// format. It returns the number of keys rewritten.
func (kvs *KeyValueStore) updateEntriesToPrimaryFormat() (int, error) {
	primary := kvs.formats.Primary()
	updated := 0

	for k := 0; k < kvs.cache.Len(); k++ {
		m := kvs.cache.At(k)
		e, err := kvs.readEntry(m)
		if err != nil {
			return updated, err
		}
		if e.Magic() == primary.Magic {
			continue
		}

		kvs.logger.Info("Migrating key 0x%08x from format %#x to %#x", m.Hash(), e.Magic(), primary.Magic)
		updated++

		// Garbage collection may move the entry while space is found
		addrs, err := kvs.getAddressesForWrite(e.Size())
		if err != nil {
			return updated, err
		}
		if e, err = kvs.readVerifiedEntry(m); err != nil {
			return updated, err
		}

		priorSize := e.Size()
		kvs.lastTransactionID++
		if err := e.Update(primary, kvs.lastTransactionID); err != nil {
			return updated, fmt.Errorf("%w: %v", ErrDataLoss, err)
		}

		newAddrs := make([]flash.Address, 0, len(addrs))
		for _, addr := range addrs {
			newAddr, err := kvs.copyEntryToSector(e, kvs.sectors.Index(addr))
			if err != nil {
				kvs.logger.Warn("Migrating copy of key 0x%08x to %#x failed: %v", m.Hash(), addr, err)
				continue
			}
			newAddrs = append(newAddrs, newAddr)
		}
		if len(newAddrs) == 0 {
			return updated, fmt.Errorf("%w: no copy of key 0x%08x could be migrated", ErrDataLoss, m.Hash())
		}

		for _, addr := range m.Addresses() {
			kvs.sectors.RemoveValidBytes(addr, priorSize)
		}
		m.Reset(index.Descriptor{Hash: m.Hash(), TransactionID: kvs.lastTransactionID, State: m.State()}, newAddrs[0])
		for _, addr := range newAddrs[1:] {
			m.AddNewAddress(addr)
		}
		kvs.logger.Debug("Key 0x%08x migrated to %v", m.Hash(), newAddrs)
	}
	return updated, nil
}

// removeDeletedKeyEntries drops the descriptors of deleted keys. Their
// tombstones become stale and are reclaimed by the next collection.
func (kvs *KeyValueStore) removeDeletedKeyEntries() int {
	removed := 0
	for i := kvs.cache.Len() - 1; i >= 0; i-- {
		m := kvs.cache.At(i)
		if !m.Deleted() {
			continue
		}
		for _, addr := range m.Addresses() {
			if size := kvs.entrySizeAt(addr); size > 0 {
				kvs.sectors.RemoveValidBytes(addr, size)
			}
		}
		kvs.cache.Remove(m)
		removed++
	}
	return removed
}

// checkForErrors sets errorDetected if any sector is corrupt or any key has
// fewer copies than the redundancy level
func (kvs *KeyValueStore) checkForErrors() {
	if kvs.anyCorruptSector() {
		kvs.errorDetected = true
		return
	}
	for i := 0; i < kvs.cache.Len(); i++ {
		if len(kvs.cache.At(i).Addresses()) < kvs.Redundancy() {
			kvs.errorDetected = true
			return
		}
	}
}

// repair rebuilds the index from flash and fixes what it finds
func (kvs *KeyValueStore) repair() error {
	start := time.Now()
	ctx, span := kvs.tel.StartSpan(context.Background(), "kvs.repair",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
		attribute.String(telemetry.AttrPolicy, kvs.opts.Recovery.String()),
	)
	defer span.End()

	kvs.logger.Info("Starting store repair")
	scan := kvs.initializeMetadata()
	err := kvs.fixErrors()

	if err != nil {
		span.RecordError(err)
		kvs.logger.Error("Store repair failed: %v", err)
	} else {
		kvs.logger.Info("Store repair completed")
	}
	kvs.trackOperation(stats.OpRepair, telemetry.OpTypeRepair, start, err)
	kvs.metrics.RecordInit(ctx, time.Since(start), scan.entries, scan.corruptSectors)
	return err
}

// fixErrors garbage collects corrupt sectors, makes sure an empty sector
// exists and restores missing redundant copies
func (kvs *KeyValueStore) fixErrors() error {
	kvs.state = StateNeedsMaintenance

	var overall error
	if err := kvs.repairCorruptSectors(); err != nil {
		overall = err
	}
	kvs.removeLostKeys()
	if err := kvs.ensureFreeSectorExists(); err != nil {
		overall = err
	}
	if err := kvs.ensureEntryRedundancy(); err != nil {
		overall = err
	}

	if overall != nil {
		return overall
	}
	kvs.errorDetected = false
	kvs.state = StateReady
	return nil
}

func (kvs *KeyValueStore) repairCorruptSectors() error {
	var overall error

	// A second pass catches sectors that went bad while the first relocated
	for pass := 0; pass < 2; pass++ {
		overall = nil
		for i := 0; i < kvs.sectors.Len(); i++ {
			if !kvs.sectors.At(i).Corrupt() {
				continue
			}
			kvs.logger.Warn("Recovering corrupt sector %d", i)
			if err := kvs.garbageCollectSector(i, nil); err != nil {
				kvs.logger.Error("Failed to recover corrupt sector %d: %v", i, err)
				overall = err
				continue
			}
			kvs.internalStats.corruptSectorsRecovered++
		}
		if overall == nil {
			break
		}
	}
	return overall
}

func (kvs *KeyValueStore) ensureFreeSectorExists() error {
	if kvs.sectors.EmptyCount() > 0 {
		return nil
	}

	kvs.logger.Warn("No empty sector; garbage collecting to make one")
	if err := kvs.garbageCollect(nil); err != nil && !errors.Is(err, errNothingToCollect) {
		return err
	}
	if kvs.sectors.EmptyCount() == 0 {
		return fmt.Errorf("%w: could not free a sector", ErrResourceExhausted)
	}
	return nil
}

func (kvs *KeyValueStore) ensureEntryRedundancy() error {
	if kvs.Redundancy() == 1 {
		return nil
	}

	var overall error
	for i := 0; i < kvs.cache.Len(); i++ {
		m := kvs.cache.At(i)
		if len(m.Addresses()) >= kvs.Redundancy() {
			continue
		}
		if err := kvs.addRedundantEntries(m); err != nil {
			kvs.logger.Error("Failed to restore copies of key 0x%08x: %v", m.Hash(), err)
			overall = err
			continue
		}
		kvs.internalStats.missingRedundantEntriesRecovered++
	}
	return overall
}

func (kvs *KeyValueStore) addRedundantEntries(m index.Metadata) error {
	for len(m.Addresses()) < kvs.Redundancy() {
		e, err := kvs.readVerifiedEntry(m)
		if err != nil {
			return err
		}
		i, err := kvs.getSectorForWrite(e.Size(), m.Addresses())
		if err != nil {
			return err
		}

		// Reread in case garbage collection moved the source
		if e, err = kvs.readVerifiedEntry(m); err != nil {
			return err
		}
		addr, err := kvs.copyEntryToSector(e, i)
		if err != nil {
			return err
		}
		m.AddNewAddress(addr)
		kvs.logger.Debug("Restored copy of key 0x%08x at %#x", m.Hash(), addr)
	}
	return nil
}

// removeLostKeys drops descriptors left with no copies after their last
// copy failed verification during garbage collection
func (kvs *KeyValueStore) removeLostKeys() {
	for i := kvs.cache.Len() - 1; i >= 0; i-- {
		m := kvs.cache.At(i)
		if len(m.Addresses()) == 0 {
			kvs.logger.Error("Key 0x%08x lost its last copy", m.Hash())
			kvs.cache.Remove(m)
		}
	}
}
