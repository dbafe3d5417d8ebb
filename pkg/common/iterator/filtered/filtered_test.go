package filtered

import (
	"bytes"
	"errors"
	"testing"

	"github.com/KevoDB/flashkv/pkg/common/iterator"
)

// MockEntry represents a single entry in the mock iterator
type MockEntry struct {
	Key   []byte
	Value []byte
}

// MockIterator is a simple in-memory iterator for testing
type MockIterator struct {
	entries    []MockEntry
	currentIdx int
	err        error
}

// NewMockIterator creates a new mock iterator with the given entries
func NewMockIterator(entries []MockEntry) *MockIterator {
	return &MockIterator{
		entries:    entries,
		currentIdx: -1, // Start before the first entry
	}
}

// Next advances to the next entry
func (mi *MockIterator) Next() bool {
	if mi.currentIdx < len(mi.entries)-1 {
		mi.currentIdx++
		return true
	}
	mi.currentIdx = len(mi.entries)
	return false
}

// Key returns the current key
func (mi *MockIterator) Key() []byte {
	if mi.Valid() {
		return mi.entries[mi.currentIdx].Key
	}
	return nil
}

// Value returns the current value
func (mi *MockIterator) Value() []byte {
	if mi.Valid() {
		return mi.entries[mi.currentIdx].Value
	}
	return nil
}

// Valid returns true if positioned at a valid entry
func (mi *MockIterator) Valid() bool {
	return mi.currentIdx >= 0 && mi.currentIdx < len(mi.entries)
}

// Err returns the configured error
func (mi *MockIterator) Err() error {
	return mi.err
}

// Verify the MockIterator implements Iterator
var _ iterator.Iterator = (*MockIterator)(nil)

// Test the FilteredIterator with a simple filter
func TestFilteredIterator(t *testing.T) {
	entries := []MockEntry{
		{Key: []byte("a1"), Value: []byte("val1")},
		{Key: []byte("b2"), Value: []byte("val2")},
		{Key: []byte("a3"), Value: []byte("val3")},
		{Key: []byte("c4"), Value: []byte("val4")},
		{Key: []byte("a5"), Value: []byte("val5")},
	}

	baseIter := NewMockIterator(entries)

	// Filter for keys starting with 'a'
	filter := func(key []byte) bool {
		return bytes.HasPrefix(key, []byte("a"))
	}

	filtered := NewFilteredIterator(baseIter, filter)

	if filtered.Valid() {
		t.Fatal("Expected invalid position before the first Next")
	}

	expected := []string{"a1", "a3", "a5"}
	values := []string{"val1", "val3", "val5"}
	for i, want := range expected {
		if !filtered.Next() {
			t.Fatalf("Expected successful Next() call for %s", want)
		}
		if !filtered.Valid() {
			t.Fatal("Expected valid position after Next")
		}
		if string(filtered.Key()) != want {
			t.Errorf("Expected key '%s', got '%s'", want, string(filtered.Key()))
		}
		if string(filtered.Value()) != values[i] {
			t.Errorf("Expected value '%s', got '%s'", values[i], string(filtered.Value()))
		}
	}

	// No more entries
	if filtered.Next() {
		t.Fatal("Expected end of iteration")
	}

	if filtered.Valid() {
		t.Fatal("Expected invalid position at end of iteration")
	}
}

// Test the PrefixIterator
func TestPrefixIterator(t *testing.T) {
	entries := []MockEntry{
		{Key: []byte("apple1"), Value: []byte("val1")},
		{Key: []byte("banana2"), Value: []byte("val2")},
		{Key: []byte("apple3"), Value: []byte("val3")},
		{Key: []byte("cherry4"), Value: []byte("val4")},
		{Key: []byte("apple5"), Value: []byte("val5")},
	}

	prefixIter := NewPrefixIterator(NewMockIterator(entries), []byte("apple"))

	count := 0
	for prefixIter.Next() {
		if !bytes.HasPrefix(prefixIter.Key(), []byte("apple")) {
			t.Errorf("Unexpected key '%s'", string(prefixIter.Key()))
		}
		count++
	}

	if count != 3 {
		t.Errorf("Expected 3 entries with prefix 'apple', got %d", count)
	}
}

// Test the SuffixIterator
func TestSuffixIterator(t *testing.T) {
	entries := []MockEntry{
		{Key: []byte("key1_suffix"), Value: []byte("val1")},
		{Key: []byte("key2_other"), Value: []byte("val2")},
		{Key: []byte("key3_suffix"), Value: []byte("val3")},
		{Key: []byte("key4_test"), Value: []byte("val4")},
		{Key: []byte("key5_suffix"), Value: []byte("val5")},
	}

	suffixIter := NewSuffixIterator(NewMockIterator(entries), []byte("_suffix"))

	count := 0
	for suffixIter.Next() {
		count++
	}

	if count != 3 {
		t.Errorf("Expected 3 entries with suffix '_suffix', got %d", count)
	}
}

// Test that errors from the wrapped iterator are passed through
func TestFilteredIteratorErr(t *testing.T) {
	base := NewMockIterator(nil)
	base.err = errors.New("read failed")

	filtered := NewPrefixIterator(base, []byte("x"))
	if filtered.Next() {
		t.Fatal("Expected no entries")
	}
	if filtered.Err() == nil || filtered.Err().Error() != "read failed" {
		t.Errorf("Expected wrapped error, got %v", filtered.Err())
	}
}
