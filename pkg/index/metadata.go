package index

import (
	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/flash"
)

// Metadata is a handle to one descriptor and its addresses inside a Cache
type Metadata struct {
	cache *Cache
	index int
}

// Valid reports whether the handle refers to a descriptor
func (m Metadata) Valid() bool { return m.cache != nil }

// Descriptor returns a copy of the descriptor
func (m Metadata) Descriptor() Descriptor { return m.cache.descriptors[m.index] }

// Hash returns the key hash
func (m Metadata) Hash() uint32 { return m.cache.descriptors[m.index].Hash }

// TransactionID returns the transaction id of the newest entry for the key
func (m Metadata) TransactionID() uint32 { return m.cache.descriptors[m.index].TransactionID }

// State returns whether the key is live or deleted
func (m Metadata) State() entry.State { return m.cache.descriptors[m.index].State }

// Deleted reports whether the newest entry for the key is a tombstone
func (m Metadata) Deleted() bool { return m.State() == entry.StateDeleted }

// IsNewerThan reports whether the key was written after txID
func (m Metadata) IsNewerThan(txID uint32) bool { return m.TransactionID() > txID }

// Addresses returns the flash addresses of the key's copies, oldest first.
// The slice aliases the cache and is only valid until the next mutation.
func (m Metadata) Addresses() []flash.Address {
	slots := m.cache.slots(m.index)
	for i, addr := range slots {
		if addr == noAddress {
			return slots[:i]
		}
	}
	return slots
}

// AddressesCopy returns the key's addresses in a freshly allocated slice
func (m Metadata) AddressesCopy() []flash.Address {
	return append([]flash.Address(nil), m.Addresses()...)
}

// Reset replaces the descriptor and leaves addr as its only address
func (m Metadata) Reset(d Descriptor, addr flash.Address) {
	m.cache.descriptors[m.index] = d
	slots := m.cache.slots(m.index)
	slots[0] = addr
	for i := 1; i < len(slots); i++ {
		slots[i] = noAddress
	}
}

// AddNewAddress appends a redundant copy's address. It returns false if
// every slot is already in use.
func (m Metadata) AddNewAddress(addr flash.Address) bool {
	slots := m.cache.slots(m.index)
	n := len(m.Addresses())
	if n == len(slots) {
		return false
	}
	slots[n] = addr
	return true
}

// ReplaceAddress swaps old for addr, keeping the order of the copies
func (m Metadata) ReplaceAddress(old, addr flash.Address) bool {
	addrs := m.Addresses()
	for i := range addrs {
		if addrs[i] == old {
			addrs[i] = addr
			return true
		}
	}
	return false
}

// RemoveAddress drops addr from the key's copies
func (m Metadata) RemoveAddress(addr flash.Address) bool {
	slots := m.cache.slots(m.index)
	n := len(m.Addresses())
	for i := 0; i < n; i++ {
		if slots[i] == addr {
			copy(slots[i:n], slots[i+1:n])
			slots[n-1] = noAddress
			return true
		}
	}
	return false
}
