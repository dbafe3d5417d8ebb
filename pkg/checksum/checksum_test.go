package checksum

import (
	"errors"
	"hash/crc32"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		alg, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) failed: %v", name, err)
		}
		if alg.Name() != name {
			t.Errorf("Expected algorithm %q, got %q", name, alg.Name())
		}
	}

	if alg, err := Lookup(""); err != nil || alg.Name() != DefaultName {
		t.Errorf("Expected default algorithm, got %v, %v", alg, err)
	}
	if _, err := Lookup("md5"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("Expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestSumMatchesReference(t *testing.T) {
	data := []byte("the quick brown fox")

	if got, want := Sum(CRC32, data[:4], data[4:]), crc32.ChecksumIEEE(data); got != want {
		t.Errorf("CRC32: got %#x, expected %#x", got, want)
	}
	if got, want := Sum(XXHash, data), uint32(xxhash.Sum64(data)); got != want {
		t.Errorf("XXHash: got %#x, expected %#x", got, want)
	}
	if got := Sum(None, data); got != 0 {
		t.Errorf("None: expected zero, got %#x", got)
	}
	if Sum(CRC32C, data) == Sum(CRC32, data) {
		t.Errorf("CRC32C and CRC32 should differ")
	}
}

func TestDigestSize(t *testing.T) {
	for _, alg := range []Algorithm{CRC32, CRC32C, XXHash, None} {
		d := alg.New()
		if d.Size() != 4 {
			t.Errorf("%s: expected 4 byte digest, got %d", alg.Name(), d.Size())
		}
		if n := len(d.Sum(nil)); n != 4 {
			t.Errorf("%s: expected 4 byte sum, got %d", alg.Name(), n)
		}
	}
}
