package kvs

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/config"
)

func expectEvenWear(t *testing.T, counts []uint32) {
	t.Helper()
	lo, hi := counts[0], counts[0]
	for _, c := range counts {
		lo, hi = min(lo, c), max(hi, c)
	}
	if hi-lo > 1 {
		t.Errorf("Expected erase counts to differ by at most one, got %v", counts)
	}
}

func TestGarbageCollectionKeepsLatestValues(t *testing.T) {
	policies := []config.GCPolicy{config.GCOneSector, config.GCAsManySectorsNeeded}

	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			kvs, p := newTestStore(t, func(o *Options) { o.GCOnWrite = policy })

			latest := make(map[string]string)
			for i := 0; i < 1000; i++ {
				key := fmt.Sprintf("k%d", i%8)
				value := value46(i)
				mustPut(t, kvs, key, value)
				latest[key] = value
			}

			for k, v := range latest {
				expectValue(t, kvs, k, v)
			}

			s := kvs.GetStorageStats()
			if s.SectorEraseCount == 0 {
				t.Fatal("Expected garbage collection to erase sectors")
			}
			if s.InUseBytes != 8*64 {
				t.Errorf("Expected %d bytes in use, got %d", 8*64, s.InUseBytes)
			}
			if kvs.ErrorDetected() {
				t.Error("Expected no errors")
			}
			expectEvenWear(t, p.EraseCounts())

			reopened := openStore(t, p, testOptions(func(o *Options) { o.GCOnWrite = policy }))
			for k, v := range latest {
				expectValue(t, reopened, k, v)
			}
		})
	}
}

func TestGarbageCollectionWithRedundancy(t *testing.T) {
	kvs, p := newTestStore(t, func(o *Options) { o.Redundancy = 2 })

	latest := make(map[string]string)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", i%3)
		value := value46(i)
		mustPut(t, kvs, key, value)
		latest[key] = value
	}

	for i := 0; i < kvs.cache.Len(); i++ {
		addrs := kvs.cache.At(i).Addresses()
		if len(addrs) != 2 {
			t.Fatalf("Expected 2 copies, got %v", addrs)
		}
		if kvs.sectors.Index(addrs[0]) == kvs.sectors.Index(addrs[1]) {
			t.Errorf("Expected copies in different sectors, got %v", addrs)
		}
	}
	for k, v := range latest {
		expectValue(t, kvs, k, v)
	}
	expectEvenWear(t, p.EraseCounts())
}

func TestGarbageCollectionDisabled(t *testing.T) {
	kvs, p := newTestStore(t, func(o *Options) { o.GCOnWrite = config.GCDisabled })

	// Three sectors of eight 64 byte entries each; the fourth stays empty
	for i := 0; i < 24; i++ {
		mustPut(t, kvs, fmt.Sprintf("k%d", i%3), value46(i))
	}

	err := kvs.Put("k0", []byte(value46(100)))
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}
	for _, c := range p.EraseCounts() {
		if c != 0 {
			t.Fatalf("Expected no erases, got %v", p.EraseCounts())
		}
	}
	expectValue(t, kvs, "k0", value46(21))

	// Explicit maintenance still reclaims space
	if err := kvs.FullMaintenance(); err != nil {
		t.Fatalf("FullMaintenance failed: %v", err)
	}
	mustPut(t, kvs, "k0", value46(100))
	expectValue(t, kvs, "k0", value46(100))
}

func TestPartitionFullOfLiveData(t *testing.T) {
	kvs, _ := newTestStore(t, func(o *Options) {
		o.GCOnWrite = config.GCAsManySectorsNeeded
		o.MaxEntries = 64
	})

	// Distinct keys fill three sectors with live data
	for i := 0; i < 24; i++ {
		mustPut(t, kvs, fmt.Sprintf("%02d", i), value46(i))
	}

	if err := kvs.Put("xx", []byte(value46(99))); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}
	// Each collection only moves live data into the spare sector
	if got, want := kvs.GetStorageStats().SectorEraseCount, kvs.sectors.Len()+2; got != want {
		t.Errorf("Expected the write to give up after %d collections, got %d", want, got)
	}
	for i := 0; i < 24; i++ {
		expectValue(t, kvs, fmt.Sprintf("%02d", i), value46(i))
	}
}

func TestGarbageCollectionLogsNoCorruption(t *testing.T) {
	var logs bytes.Buffer
	kvs, _ := newTestStore(t, func(o *Options) {
		o.Logger = log.NewStandardLogger(log.WithOutput(&logs), log.WithLevel(log.LevelWarn))
	})

	for i := 0; i < 200; i++ {
		mustPut(t, kvs, fmt.Sprintf("k%d", i%4), value46(i))
	}
	if kvs.GetStorageStats().SectorEraseCount == 0 {
		t.Fatal("Expected garbage collection to erase sectors")
	}
	if strings.Contains(logs.String(), "corrupt") {
		t.Errorf("Expected no corruption warnings from healthy sectors, got:\n%s", logs.String())
	}
	if kvs.corruptSectorCount() != 0 || kvs.ErrorDetected() {
		t.Error("Expected no sector to stay marked corrupt")
	}
}
