// Package index is the in-memory directory of every key stored on flash.
//
// Keys are identified by a 32-bit hash; the key bytes themselves live only on
// flash. Each descriptor owns a fixed run of address slots in a shared arena,
// one slot per redundant copy of the key's newest entry.
package index

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/flash"
)

var (
	// ErrNotFound is returned when no descriptor has the key's hash
	ErrNotFound = errors.New("key not found")
	// ErrHashCollision is returned when the hash belongs to a different key
	ErrHashCollision = errors.New("key hash collides with another key")
	// ErrUnreadable is returned when no copy of a key could be read back
	ErrUnreadable = errors.New("no readable copy of key")
	// ErrFull is returned when the descriptor table has no free slot
	ErrFull = errors.New("index full")
	// ErrDuplicateInSector is returned when two copies of one entry share a sector
	ErrDuplicateInSector = errors.New("redundant copies in the same sector")
)

// noAddress marks an unused slot in the address arena
const noAddress = flash.Address(0xFFFFFFFF)

// Hash returns the 32-bit hash that identifies key in the index
func Hash(key []byte) uint32 {
	return murmur3.Sum32(key)
}

// Descriptor is the index record for one key
type Descriptor struct {
	Hash          uint32
	TransactionID uint32
	State         entry.State
}

// KeyReader reads keys back from flash so colliding hashes can be told apart
type KeyReader interface {
	// ReadKey returns the key of the entry stored at addr
	ReadKey(addr flash.Address) ([]byte, error)

	// BadAddress is called for each copy that could not be read or whose
	// key does not hash to the descriptor's hash
	BadAddress(addr flash.Address, err error)
}

// Cache holds the descriptors of all keys and their flash addresses
type Cache struct {
	descriptors []Descriptor
	addresses   []flash.Address
	redundancy  int
	maxEntries  int

	hash func([]byte) uint32
}

// New creates a cache for up to maxEntries keys, each with up to redundancy copies
func New(maxEntries, redundancy int) *Cache {
	c := &Cache{
		descriptors: make([]Descriptor, 0, maxEntries),
		addresses:   make([]flash.Address, maxEntries*redundancy),
		redundancy:  redundancy,
		maxEntries:  maxEntries,
		hash:        Hash,
	}
	c.Reset()
	return c
}

// Reset removes every descriptor
func (c *Cache) Reset() {
	c.descriptors = c.descriptors[:0]
	for i := range c.addresses {
		c.addresses[i] = noAddress
	}
}

// Len returns the number of descriptors, deleted keys included
func (c *Cache) Len() int { return len(c.descriptors) }

// PresentEntries returns the number of keys that are not deleted
func (c *Cache) PresentEntries() int {
	count := 0
	for _, d := range c.descriptors {
		if d.State != entry.StateDeleted {
			count++
		}
	}
	return count
}

// MaxEntries returns the capacity of the descriptor table
func (c *Cache) MaxEntries() int { return c.maxEntries }

// Redundancy returns the number of address slots per descriptor
func (c *Cache) Redundancy() int { return c.redundancy }

// Full reports whether no more keys can be added
func (c *Cache) Full() bool { return len(c.descriptors) >= c.maxEntries }

// At returns the metadata of the i-th descriptor in table order
func (c *Cache) At(i int) Metadata {
	return Metadata{cache: c, index: i}
}

// Find looks up key by hash and confirms the match by reading the key back.
//
// It returns ErrNotFound if no descriptor has the hash, ErrHashCollision if
// the descriptor belongs to a different key, and ErrUnreadable if none of
// the copies could be read. The metadata is returned for the latter two.
func (c *Cache) Find(key []byte, reader KeyReader) (Metadata, error) {
	hash := c.hash(key)
	idx := c.findIndex(hash)
	if idx < 0 {
		return Metadata{}, ErrNotFound
	}

	m := c.At(idx)
	for _, addr := range m.Addresses() {
		stored, err := reader.ReadKey(addr)
		if err == nil && c.hash(stored) != hash {
			err = fmt.Errorf("key at %#x hashes to %#08x, expected %#08x", addr, c.hash(stored), hash)
		}
		if err != nil {
			reader.BadAddress(addr, err)
			continue
		}

		if bytes.Equal(stored, key) {
			return m, nil
		}
		return m, fmt.Errorf("%w: hash %#08x", ErrHashCollision, hash)
	}
	return m, fmt.Errorf("%w: hash %#08x", ErrUnreadable, hash)
}

// AddNew appends a descriptor for a key that is not in the cache
func (c *Cache) AddNew(d Descriptor, addr flash.Address) (Metadata, error) {
	if c.Full() {
		return Metadata{}, fmt.Errorf("%w: %d entries", ErrFull, c.maxEntries)
	}
	c.descriptors = append(c.descriptors, d)
	m := c.At(len(c.descriptors) - 1)
	m.Reset(d, addr)
	return m, nil
}

// AddNewOrUpdateExisting records an entry found while scanning flash.
//
// A newer transaction id replaces the descriptor, an equal one adds a
// redundant address, and an older one is stale and ignored. Two copies of the
// same entry in one sector mean the sector is corrupt.
func (c *Cache) AddNewOrUpdateExisting(d Descriptor, addr flash.Address, sectorSize int) error {
	idx := c.findIndex(d.Hash)
	if idx < 0 {
		_, err := c.AddNew(d, addr)
		return err
	}

	m := c.At(idx)
	existing := c.descriptors[idx]
	switch {
	case d.TransactionID > existing.TransactionID:
		m.Reset(d, addr)

	case d.TransactionID == existing.TransactionID:
		for _, other := range m.Addresses() {
			if int(other)/sectorSize == int(addr)/sectorSize {
				return fmt.Errorf("%w: %#x and %#x", ErrDuplicateInSector, other, addr)
			}
		}
		m.AddNewAddress(addr)
	}
	return nil
}

// Remove deletes the descriptor behind m. The last descriptor takes its
// place, so metadata for that descriptor must be refetched with At.
func (c *Cache) Remove(m Metadata) {
	last := len(c.descriptors) - 1
	if m.index != last {
		c.descriptors[m.index] = c.descriptors[last]
		copy(c.slots(m.index), c.slots(last))
	}
	for i := range c.slots(last) {
		c.slots(last)[i] = noAddress
	}
	c.descriptors = c.descriptors[:last]
}

func (c *Cache) findIndex(hash uint32) int {
	for i := range c.descriptors {
		if c.descriptors[i].Hash == hash {
			return i
		}
	}
	return -1
}

// slots returns the full run of address slots owned by descriptor i
func (c *Cache) slots(i int) []flash.Address {
	return c.addresses[i*c.redundancy : (i+1)*c.redundancy]
}
