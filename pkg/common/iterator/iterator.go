package iterator

// Iterator defines the interface for walking the keys of a store.
// Iterators are forward-only and cannot be restarted; Next must be called
// before the first key is available.
type Iterator interface {
	// Next advances the iterator to the next key
	Next() bool

	// Key returns the current key
	Key() []byte

	// Value returns the current value
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid entry
	Valid() bool

	// Err returns the first error that stopped or affected the iteration
	Err() error
}
