package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/index"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// scanResult summarizes what initializeMetadata found on flash
type scanResult struct {
	entries          int
	corruptSectors   int
	missingRedundant int
	onlyRedundancy   bool
}

// Init rebuilds the in-memory index from flash.
//
// Corruption found while scanning puts the store in StateNeedsMaintenance.
// Unless the recovery policy is RecoveryManual a repair runs right away; an
// error wrapping ErrDataLoss is returned if the store could not be brought
// back to StateReady. The store stays readable in either case.
func (kvs *KeyValueStore) Init() error {
	start := time.Now()
	ctx, span := kvs.tel.StartSpan(context.Background(), "kvs.init",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
		attribute.Int(telemetry.AttrRedundancy, kvs.Redundancy()),
	)
	defer span.End()

	err := kvs.init()

	span.SetAttributes(attribute.String("state", kvs.state.String()))
	if err != nil {
		span.RecordError(err)
	}
	kvs.trackOperation(stats.OpInit, telemetry.OpTypeInit, start, err)
	kvs.trackStorage()
	kvs.metrics.RecordInit(ctx, time.Since(start), kvs.cache.Len(), kvs.corruptSectorCount())
	return err
}

func (kvs *KeyValueStore) init() error {
	kvs.state = StateNotInitialized
	kvs.errorDetected = false

	g := flash.GeometryOf(kvs.partition)
	kvs.logger.Info("Initializing store: %d sectors of %d bytes, redundancy %d",
		g.SectorCount, g.SectorSize, kvs.Redundancy())

	recoveryStart := kvs.stats.StartRecovery()
	scan := kvs.initializeMetadata()
	kvs.stats.FinishRecovery(recoveryStart, uint64(g.SectorCount), uint64(scan.entries), uint64(scan.corruptSectors))

	if !kvs.errorDetected {
		kvs.state = StateReady
		kvs.logger.Info("Store initialized with %d keys (%d including deleted), last transaction id %d",
			kvs.Size(), kvs.TotalEntriesWithDeleted(), kvs.lastTransactionID)
		return nil
	}

	kvs.state = StateNeedsMaintenance
	if scan.onlyRedundancy {
		kvs.logger.Info("Redundancy raised to %d; %d keys need more copies", kvs.Redundancy(), scan.missingRedundant)
	} else {
		kvs.logger.Warn("Corruption found during init: %d corrupt sectors, %d keys below redundancy",
			scan.corruptSectors, scan.missingRedundant)
	}

	if kvs.opts.Recovery == config.RecoveryManual {
		return fmt.Errorf("%w: store needs maintenance", ErrDataLoss)
	}

	recovered := kvs.internalStats.missingRedundantEntriesRecovered
	err := kvs.fixErrors()
	if scan.onlyRedundancy {
		// Adding copies for a new redundancy level is not a recovery
		kvs.internalStats.missingRedundantEntriesRecovered = recovered
	}
	if err != nil {
		kvs.logger.Error("Repair during init failed: %v", err)
		return fmt.Errorf("%w: repair failed: %v", ErrDataLoss, err)
	}

	kvs.logger.Info("Store initialized and repaired with %d keys", kvs.Size())
	return nil
}

// initializeMetadata resets the sector and key descriptors and rebuilds them
// by scanning every sector
func (kvs *KeyValueStore) initializeMetadata() scanResult {
	var result scanResult
	sectorSize := kvs.sectors.SectorSize()

	kvs.sectors.Reset()
	kvs.cache.Reset()
	kvs.lastTransactionID = 0

	emptySectorFound := false
	corruptEntries := 0

	for i := 0; i < kvs.sectors.Len(); i++ {
		base := kvs.sectors.BaseAddress(i)
		addr := base
		corruptBytes := 0

		for kvs.sectors.AddressInSector(i, addr) {
			next, err := kvs.loadEntry(addr)
			if errors.Is(err, entry.ErrErased) {
				break
			}
			if err != nil {
				kvs.logger.Debug("Unreadable entry at %#x in sector %d: %v", addr, i, err)
				corruptEntries++

				found, scanErr := entry.ScanForEntry(kvs.partition, kvs.formats, base, addr+entry.HeaderSize)
				if scanErr != nil {
					corruptBytes += int(base) + sectorSize - int(addr)
					addr = base + flash.Address(sectorSize)
					kvs.sectors.At(i).SetWritableBytes(0)
					break
				}
				corruptBytes += int(found - addr)
				next = found
			} else {
				result.entries++
			}

			addr = next
			kvs.sectors.At(i).SetWritableBytes(sectorSize - int(addr-base))
		}

		if corruptBytes > 0 {
			kvs.logger.Warn("Sector %d has %d corrupt bytes", i, corruptBytes)
			kvs.markSectorCorrupt(i, fmt.Errorf("%w: %d bytes unreadable", entry.ErrCorrupt, corruptBytes))
		}
		if kvs.sectors.At(i).Empty(sectorSize) {
			emptySectorFound = true
		}
	}

	var newest flash.Address
	haveNewest := false
	for i := kvs.cache.Len() - 1; i >= 0; i-- {
		m := kvs.cache.At(i)
		for _, addr := range m.AddressesCopy() {
			e, err := entry.Read(kvs.partition, addr, kvs.formats)
			if err != nil {
				kvs.logger.Warn("Dropping unreadable copy of key 0x%08x at %#x: %v", m.Hash(), addr, err)
				kvs.markAddressCorrupt(addr, err)
				m.RemoveAddress(addr)
				corruptEntries++
				continue
			}
			kvs.sectors.FromAddress(addr).AddValidBytes(e.Size())
		}

		addrs := m.Addresses()
		if len(addrs) == 0 {
			kvs.logger.Error("Key 0x%08x has no readable copies; data has been lost", m.Hash())
			kvs.cache.Remove(m)
			continue
		}

		if !haveNewest || m.TransactionID() > kvs.lastTransactionID {
			kvs.lastTransactionID = m.TransactionID()
			newest = addrs[len(addrs)-1]
			haveNewest = true
		}
		if len(addrs) < kvs.Redundancy() {
			result.missingRedundant++
		}
	}
	if haveNewest {
		kvs.sectors.SetLastNewSector(newest)
	}

	if result.missingRedundant > 0 {
		kvs.errorDetected = true
		result.onlyRedundancy = corruptEntries == 0 && !kvs.anyCorruptSector() &&
			result.missingRedundant == kvs.cache.Len()
	}
	if !emptySectorFound {
		kvs.logger.Warn("No empty sector found")
		kvs.errorDetected = true
		result.onlyRedundancy = false
	}

	result.corruptSectors = kvs.corruptSectorCount()
	return result
}

// loadEntry reads and verifies the entry at addr and records it in the index.
// It returns the address following the entry.
func (kvs *KeyValueStore) loadEntry(addr flash.Address) (flash.Address, error) {
	e, err := entry.Read(kvs.partition, addr, kvs.formats)
	if err != nil {
		return 0, err
	}

	key, err := e.ReadKey()
	if err != nil {
		return 0, err
	}
	if err := e.VerifyChecksumInFlash(); err != nil {
		return 0, err
	}

	d := index.Descriptor{Hash: index.Hash(key), TransactionID: e.TransactionID(), State: e.State()}
	if err := kvs.cache.AddNewOrUpdateExisting(d, addr, kvs.sectors.SectorSize()); err != nil {
		if errors.Is(err, index.ErrFull) {
			kvs.logger.Error("Index is full; key 0x%08x at %#x cannot be loaded", d.Hash, addr)
			kvs.errorDetected = true
			return e.NextAddress(), nil
		}
		return 0, err
	}
	return e.NextAddress(), nil
}

func (kvs *KeyValueStore) anyCorruptSector() bool {
	return kvs.corruptSectorCount() > 0
}

func (kvs *KeyValueStore) corruptSectorCount() int {
	count := 0
	for i := 0; i < kvs.sectors.Len(); i++ {
		if kvs.sectors.At(i).Corrupt() {
			count++
		}
	}
	return count
}
