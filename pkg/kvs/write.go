package kvs

import (
	"errors"
	"fmt"

	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/index"
	"github.com/KevoDB/flashkv/pkg/sectors"
)

func (kvs *KeyValueStore) put(key, value []byte) error {
	if err := kvs.checkWriteOperation(key); err != nil {
		return err
	}
	if len(value) > entry.MaxValueLength {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", ErrInvalidArgument, len(value), entry.MaxValueLength)
	}
	if size := entry.Size(kvs.partition, len(key), len(value)); size > kvs.sectors.SectorSize() {
		return fmt.Errorf("%w: %d byte entry does not fit in a %d byte sector",
			ErrInvalidArgument, size, kvs.sectors.SectorSize())
	}

	m, err := kvs.findEntry(key)
	switch {
	case err == nil:
		return kvs.writeEntryForExistingKey(m, entry.StateValid, key, value)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if kvs.cache.Full() {
		if kvs.opts.GCOnWrite == config.GCAsManySectorsNeeded {
			kvs.logger.Debug("Index full; running heavy maintenance to drop deleted keys")
			if err := kvs.fullMaintenance(true); err != nil {
				return err
			}
		}
		if kvs.cache.Full() {
			return fmt.Errorf("%w: index holds the maximum of %d keys", ErrResourceExhausted, kvs.MaxSize())
		}
	}
	return kvs.writeEntry(key, value, index.Metadata{}, nil, entry.StateValid)
}

func (kvs *KeyValueStore) delete(key []byte) error {
	if err := kvs.checkWriteOperation(key); err != nil {
		return err
	}

	m, err := kvs.findExisting(key)
	if err != nil {
		return err
	}
	kvs.logger.Debug("Writing tombstone for key 0x%08x", m.Hash())
	return kvs.writeEntryForExistingKey(m, entry.StateDeleted, key, nil)
}

func (kvs *KeyValueStore) writeEntryForExistingKey(m index.Metadata, state entry.State, key, value []byte) error {
	prior, err := kvs.readEntry(m)
	if err != nil {
		return err
	}
	return kvs.writeEntry(key, value, m, &prior, state)
}

// writeEntry writes a new entry for key. For an existing key, m is its
// metadata and prior its newest entry; the write is skipped if nothing changes.
func (kvs *KeyValueStore) writeEntry(key, value []byte, m index.Metadata, prior *entry.Entry, state entry.State) error {
	if prior != nil && prior.ValueSize() == len(value) && m.State() == state {
		same, err := prior.ValueMatches(value)
		if err != nil {
			kvs.markAddressCorrupt(prior.Address(), err)
		} else if same {
			kvs.logger.Debug("Value of key 0x%08x is unchanged; skipping write", m.Hash())
			return nil
		}
	}

	size := entry.Size(kvs.partition, len(key), len(value))
	addrs, err := kvs.getAddressesForWrite(size)
	if err != nil {
		return err
	}

	e, err := kvs.writePrimary(key, value, state, size, addrs)
	if err != nil {
		return err
	}
	primary := e.Address()
	addrs[0] = primary

	if prior != nil {
		for _, addr := range m.Addresses() {
			kvs.sectors.RemoveValidBytes(addr, prior.Size())
		}
		m.Reset(index.Descriptor{Hash: m.Hash(), TransactionID: e.TransactionID(), State: state}, primary)
	} else {
		d := index.Descriptor{Hash: index.Hash(key), TransactionID: e.TransactionID(), State: state}
		if m, err = kvs.cache.AddNew(d, primary); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}

	for _, addr := range addrs[1:] {
		if err := kvs.appendEntry(e.WithAddress(addr), key, value); err != nil {
			kvs.logger.Warn("Redundant copy of key 0x%08x at %#x failed: %v", m.Hash(), addr, err)
			continue
		}
		m.AddNewAddress(addr)
	}
	return nil
}

// writePrimary writes the first copy at addrs[0], moving to another sector
// after each failure. Every attempt burns a new transaction id. It returns
// the entry as written.
func (kvs *KeyValueStore) writePrimary(key, value []byte, state entry.State, size int, addrs []flash.Address) (entry.Entry, error) {
	addr := addrs[0]
	for attempt := 0; ; attempt++ {
		e := kvs.createEntry(addr, key, value, state)
		err := kvs.appendEntry(e, key, value)
		if err == nil {
			return e, nil
		}
		kvs.logger.Warn("Write of key at %#x with transaction %d failed: %v", addr, e.TransactionID(), err)
		if attempt >= kvs.sectors.Len() {
			return entry.Entry{}, fmt.Errorf("%w: write failed after %d attempts: %v", ErrDataLoss, attempt+1, err)
		}

		i, findErr := kvs.sectors.FindSpace(size, addrs[1:])
		if findErr != nil {
			return entry.Entry{}, fmt.Errorf("%w: write failed and no other sector has space: %v", ErrDataLoss, err)
		}
		addr = kvs.sectors.NextWritableAddress(i)
	}
}

// getAddressesForWrite picks one address per copy, each in a different sector
func (kvs *KeyValueStore) getAddressesForWrite(size int) ([]flash.Address, error) {
	addrs := make([]flash.Address, 0, kvs.Redundancy())
	for len(addrs) < kvs.Redundancy() {
		i, err := kvs.getSectorForWrite(size, addrs)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, kvs.sectors.NextWritableAddress(i))
	}
	kvs.logger.Debug("Placing %d byte entry at %v", size, addrs)
	return addrs, nil
}

// getSectorForWrite finds a sector with room for size bytes, garbage
// collecting as far as the GC policy allows
func (kvs *KeyValueStore) getSectorForWrite(size int, reserved []flash.Address) (int, error) {
	i, err := kvs.sectors.FindSpace(size, reserved)

	gcCount := 0
	for errors.Is(err, sectors.ErrNoSpace) && kvs.gcAllowed(gcCount) {
		if gcCount >= kvs.sectors.Len()+2 {
			kvs.logger.Error("Garbage collected %d times without finding space", gcCount)
			return 0, fmt.Errorf("%w: garbage collection made no progress", ErrResourceExhausted)
		}
		gcCount++

		if gcErr := kvs.garbageCollect(reserved); gcErr != nil {
			if errors.Is(gcErr, errNothingToCollect) {
				break
			}
			return 0, gcErr
		}
		i, err = kvs.sectors.FindSpace(size, reserved)
	}

	if err != nil {
		kvs.logger.Warn("No sector has %d free bytes", size)
		return 0, fmt.Errorf("%w: no space for %d byte entry", ErrResourceExhausted, size)
	}
	return i, nil
}

func (kvs *KeyValueStore) gcAllowed(gcCount int) bool {
	switch kvs.opts.GCOnWrite {
	case config.GCOneSector:
		return gcCount == 0
	case config.GCAsManySectorsNeeded:
		return true
	default:
		return false
	}
}

// createEntry builds a new entry, burning a fresh transaction id
func (kvs *KeyValueStore) createEntry(addr flash.Address, key, value []byte, state entry.State) entry.Entry {
	kvs.lastTransactionID++
	if state == entry.StateDeleted {
		return entry.Tombstone(kvs.partition, addr, kvs.formats.Primary(), key, kvs.lastTransactionID)
	}
	return entry.Valid(kvs.partition, addr, kvs.formats.Primary(), key, value, kvs.lastTransactionID)
}

// appendEntry writes e and updates the sector accounting. A failed or
// unverifiable write marks the sector corrupt.
func (kvs *KeyValueStore) appendEntry(e entry.Entry, key, value []byte) error {
	i := kvs.sectors.Index(e.Address())

	n, err := e.Write(key, value)
	if err != nil {
		kvs.markSectorCorrupt(i, err)
		return err
	}
	kvs.stats.TrackBytes(true, uint64(n))

	if kvs.opts.VerifyOnWrite {
		if err := e.VerifyChecksumInFlash(); err != nil {
			kvs.markSectorCorrupt(i, err)
			return fmt.Errorf("%w: verification after write failed: %v", ErrDataLoss, err)
		}
	}

	d := kvs.sectors.At(i)
	d.RemoveWritableBytes(e.Size())
	d.AddValidBytes(e.Size())
	return nil
}

// copyEntryToSector copies e to the next writable address of sector i
func (kvs *KeyValueStore) copyEntryToSector(e entry.Entry, i int) (flash.Address, error) {
	addr := kvs.sectors.NextWritableAddress(i)

	if _, err := e.Copy(addr); err != nil {
		if errors.Is(err, entry.ErrCorrupt) {
			kvs.markAddressCorrupt(e.Address(), err)
		} else {
			kvs.markSectorCorrupt(i, err)
		}
		return 0, err
	}

	if kvs.opts.VerifyOnWrite {
		copied, err := entry.Read(kvs.partition, addr, kvs.formats)
		if err == nil {
			err = copied.VerifyChecksumInFlash()
		}
		if err != nil {
			kvs.markSectorCorrupt(i, err)
			return 0, fmt.Errorf("%w: verification after copy failed: %v", ErrDataLoss, err)
		}
	}

	d := kvs.sectors.At(i)
	d.RemoveWritableBytes(e.Size())
	d.AddValidBytes(e.Size())
	return addr, nil
}
