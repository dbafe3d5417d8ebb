package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/index"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// errNothingToCollect is returned when no sector can be garbage collected
var errNothingToCollect = errors.New("no sector to garbage collect")

// garbageCollect collects the best candidate sector, never touching the
// sectors holding reserved addresses
func (kvs *KeyValueStore) garbageCollect(reserved []flash.Address) error {
	i, ok := kvs.sectors.FindSectorToGarbageCollect(reserved)
	if !ok {
		kvs.logger.Debug("No sector to garbage collect")
		return errNothingToCollect
	}
	return kvs.garbageCollectSector(i, reserved)
}

// garbageCollectSector moves every current entry out of sector i and erases it
func (kvs *KeyValueStore) garbageCollectSector(i int, reserved []flash.Address) error {
	start := time.Now()
	ctx, span := kvs.tel.StartSpan(context.Background(), "kvs.gc",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSectors),
		attribute.Int(telemetry.AttrSector, i),
	)
	defer span.End()

	d := kvs.sectors.At(i)
	kvs.logger.Debug("Garbage collecting sector %d: %d valid, %d reclaimable bytes",
		i, d.ValidBytes(), d.RecoverableBytes(kvs.sectors.SectorSize()))

	relocated := 0
	if d.ValidBytes() > 0 {
		for k := 0; k < kvs.cache.Len(); k++ {
			m := kvs.cache.At(k)
			for _, addr := range m.AddressesCopy() {
				if kvs.sectors.Index(addr) != i {
					continue
				}
				if err := kvs.relocateEntry(m, addr, reserved); err != nil {
					span.RecordError(err)
					kvs.stats.TrackError("gc_error")
					return err
				}
				relocated++
			}
		}

		switch {
		case d.ValidBytes() == 0:
		case d.Corrupt():
			kvs.logger.Warn("Discarding %d unaccounted bytes in corrupt sector %d", d.ValidBytes(), i)
		default:
			kvs.logger.Error("Sector %d still has %d valid bytes after relocating its entries", i, d.ValidBytes())
			err := fmt.Errorf("%w: sector %d accounting does not match its entries", ErrInternal, i)
			span.RecordError(err)
			return err
		}
	}

	if !d.Empty(kvs.sectors.SectorSize()) {
		// Keep the sector out of use if the erase does not complete
		d.MarkCorrupt()
		if err := kvs.partition.Erase(kvs.sectors.BaseAddress(i), 1); err != nil {
			kvs.logger.Error("Erasing sector %d failed: %v", i, err)
			span.RecordError(err)
			return fmt.Errorf("%w: erasing sector %d: %v", ErrResourceExhausted, i, err)
		}
		d.MarkErased(kvs.sectors.SectorSize())
		kvs.internalStats.sectorEraseCount++
		kvs.stats.TrackSectorErase()
		kvs.metrics.RecordErase(ctx, i)
	}

	kvs.stats.TrackRelocations(uint64(relocated))
	kvs.stats.TrackOperationWithLatency(stats.OpGC, uint64(time.Since(start).Nanoseconds()))
	kvs.metrics.RecordGarbageCollection(ctx, i, relocated, time.Since(start))
	kvs.logger.Debug("Sector %d collected, %d entries relocated", i, relocated)
	return nil
}

// relocateEntry moves the copy of m at addr to another sector, avoiding the
// sectors of the key's other copies and the reserved addresses. A copy with
// no intact source left is dropped so the sector can still be erased.
func (kvs *KeyValueStore) relocateEntry(m index.Metadata, addr flash.Address, reserved []flash.Address) error {
	e, err := kvs.readVerifiedEntry(m)
	if err != nil {
		kvs.logger.Error("Dropping copy of key 0x%08x at %#x: %v", m.Hash(), addr, err)
		if size := kvs.entrySizeAt(addr); size > 0 {
			kvs.sectors.RemoveValidBytes(addr, size)
		}
		m.RemoveAddress(addr)
		return nil
	}

	for attempt := 0; attempt < kvs.sectors.Len(); attempt++ {
		i, err := kvs.sectors.FindSpaceDuringGarbageCollection(e.Size(), m.Addresses(), reserved)
		if err != nil {
			kvs.logger.Error("No space to relocate %d byte entry from %#x", e.Size(), addr)
			return fmt.Errorf("%w: relocating entry from %#x: %v", ErrResourceExhausted, addr, err)
		}

		newAddr, err := kvs.copyEntryToSector(e, i)
		if err != nil {
			kvs.logger.Warn("Copying entry from %#x to sector %d failed: %v", e.Address(), i, err)
			if errors.Is(err, entry.ErrCorrupt) {
				// The source went bad; pick another copy
				if e, err = kvs.readVerifiedEntry(m); err != nil {
					return err
				}
			}
			continue
		}

		kvs.sectors.RemoveValidBytes(addr, e.Size())
		m.ReplaceAddress(addr, newAddr)
		kvs.logger.Debug("Relocated key 0x%08x from %#x to %#x", m.Hash(), addr, newAddr)
		return nil
	}
	return fmt.Errorf("%w: could not relocate entry from %#x", ErrDataLoss, addr)
}

// entrySizeAt returns the size of the entry at addr, or zero if its header
// cannot be read
func (kvs *KeyValueStore) entrySizeAt(addr flash.Address) int {
	e, err := entry.Read(kvs.partition, addr, kvs.formats)
	if err != nil {
		return 0
	}
	return e.Size()
}
