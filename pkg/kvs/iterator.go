package kvs

import (
	"fmt"
	"time"

	"github.com/KevoDB/flashkv/pkg/common/iterator"
	"github.com/KevoDB/flashkv/pkg/entry"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// Iterator walks the keys of a store in index order, skipping deleted keys
// and keys with no readable copy. The store must not be written while an
// iterator is in use.
type Iterator struct {
	kvs   *KeyValueStore
	next  int
	entry entry.Entry
	key   []byte
	valid bool
	err   error

	start    time.Time
	returned int
	done     bool
}

var _ iterator.Iterator = (*Iterator)(nil)

// Items returns an iterator over the keys of the store
func (kvs *KeyValueStore) Items() *Iterator {
	it := &Iterator{kvs: kvs, start: time.Now()}
	if kvs.state == StateNotInitialized {
		it.err = fmt.Errorf("%w: store is not initialized", ErrFailedPrecondition)
	}
	return it
}

// Next advances to the next key
func (it *Iterator) Next() bool {
	it.valid = false
	it.key = nil
	if it.done || (it.err != nil && it.kvs.state == StateNotInitialized) {
		return false
	}

	for it.next < it.kvs.cache.Len() {
		m := it.kvs.cache.At(it.next)
		it.next++
		if m.Deleted() {
			continue
		}

		e, err := it.kvs.readEntry(m)
		if err != nil {
			it.setErr(err)
			continue
		}
		key, err := e.ReadKey()
		if err != nil {
			it.kvs.markAddressCorrupt(e.Address(), err)
			it.setErr(fmt.Errorf("%w: %v", ErrDataLoss, err))
			continue
		}

		it.entry, it.key, it.valid = e, key, true
		it.returned++
		return true
	}

	it.finish()
	return false
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.key
}

// ValueSize returns the size of the current value
func (it *Iterator) ValueSize() int {
	if !it.valid {
		return 0
	}
	return it.entry.ValueSize()
}

// Value reads the current value from flash. It returns nil, and records the
// error, if no copy of the value could be read.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	value := make([]byte, it.entry.ValueSize())
	n, err := it.kvs.get(it.key, value, 0)
	if err != nil {
		it.setErr(err)
		return nil
	}
	return value[:n]
}

// Valid returns true if the iterator is positioned at a key
func (it *Iterator) Valid() bool {
	return it.valid
}

// Err returns the first error met while iterating
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) setErr(err error) {
	if it.err == nil {
		it.err = err
	}
}

func (it *Iterator) finish() {
	if it.done {
		return
	}
	it.done = true
	it.kvs.trackOperation(stats.OpScan, telemetry.OpTypeScan, it.start, it.err)
	it.kvs.logger.Debug("Iterated over %d keys", it.returned)
}
