package sectors

import (
	"errors"
	"testing"

	"github.com/KevoDB/flashkv/pkg/flash"
)

const sectorSize = 512

// fill simulates writing n bytes to sector i, of which valid remain current
func fill(s *Sectors, i, n, valid int) {
	d := s.At(i)
	d.RemoveWritableBytes(n)
	d.AddValidBytes(valid)
}

func TestDescriptorAccounting(t *testing.T) {
	var d Descriptor
	d.MarkErased(sectorSize)

	if !d.Empty(sectorSize) || d.EraseCount() != 1 {
		t.Fatalf("Expected empty sector with one erase, got %+v", d)
	}

	d.RemoveWritableBytes(64)
	d.AddValidBytes(64)
	if d.WritableBytes() != 448 || d.ValidBytes() != 64 || d.RecoverableBytes(sectorSize) != 0 {
		t.Errorf("Unexpected accounting after write: %+v", d)
	}

	if !d.RemoveValidBytes(32) || d.RecoverableBytes(sectorSize) != 32 {
		t.Errorf("Unexpected accounting after supersede: %+v", d)
	}
	if d.RemoveValidBytes(100) || d.ValidBytes() != 0 {
		t.Errorf("Expected underflow to clamp and report, got %+v", d)
	}

	d.MarkCorrupt()
	if !d.Corrupt() || d.HasSpace(1) {
		t.Errorf("Corrupt sector should not accept writes: %+v", d)
	}

	d.MarkErased(sectorSize)
	if d.Corrupt() || !d.Empty(sectorSize) || d.EraseCount() != 2 {
		t.Errorf("Erase should clear corruption: %+v", d)
	}
}

func TestAddressMath(t *testing.T) {
	s := New(4, sectorSize, nil)

	if s.BaseAddress(2) != 1024 || s.Index(1500) != 2 {
		t.Errorf("Unexpected base/index mapping")
	}
	fill(s, 2, 96, 96)
	if addr := s.NextWritableAddress(2); addr != 1024+96 {
		t.Errorf("Expected next writable address %#x, got %#x", 1024+96, addr)
	}
	if !s.AddressInSector(2, 1535) || s.AddressInSector(2, 1536) {
		t.Errorf("AddressInSector boundaries are wrong")
	}
}

func TestFindSpacePrefersPartialSectors(t *testing.T) {
	s := New(4, sectorSize, nil)
	fill(s, 2, 100, 100)

	idx, err := s.FindSpace(32, nil)
	if err != nil || idx != 2 {
		t.Fatalf("Expected partial sector 2, got %d, %v", idx, err)
	}

	// With the partial sector reserved, an empty one is used and becomes the newest
	idx, err = s.FindSpace(32, []flash.Address{s.BaseAddress(2)})
	if err != nil || idx != 1 {
		t.Fatalf("Expected first empty sector 1, got %d, %v", idx, err)
	}
	if s.LastNew() != 1 {
		t.Errorf("Expected last new sector 1, got %d", s.LastNew())
	}
}

func TestFindSpaceKeepsOneEmptySector(t *testing.T) {
	s := New(3, sectorSize, nil)
	fill(s, 0, sectorSize, 0)
	fill(s, 1, sectorSize, 0)

	if _, err := s.FindSpace(32, nil); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Expected ErrNoSpace with a single empty sector, got %v", err)
	}

	idx, err := s.FindSpaceDuringGarbageCollection(32, nil, nil)
	if err != nil || idx != 2 {
		t.Fatalf("Garbage collection should use the last empty sector, got %d, %v", idx, err)
	}
}

func TestFindSpaceDuringGarbageCollectionAvoidsReclaimable(t *testing.T) {
	s := New(4, sectorSize, nil)
	fill(s, 1, 256, 128) // 128 reclaimable
	fill(s, 2, 256, 192) // 64 reclaimable
	fill(s, 3, 128, 128) // nothing reclaimable

	idx, err := s.FindSpaceDuringGarbageCollection(32, nil, nil)
	if err != nil || idx != 3 {
		t.Fatalf("Expected clean sector 3, got %d, %v", idx, err)
	}

	idx, err = s.FindSpaceDuringGarbageCollection(32, []flash.Address{s.BaseAddress(3)}, nil)
	if err != nil || idx != 2 {
		t.Fatalf("Expected least reclaimable sector 2, got %d, %v", idx, err)
	}
}

func TestFindSpaceSkipsCorruptSectors(t *testing.T) {
	s := New(4, sectorSize, nil)
	fill(s, 1, 64, 64)
	s.MarkCorrupt(1)

	idx, err := s.FindSpace(32, nil)
	if err != nil {
		t.Fatalf("FindSpace failed: %v", err)
	}
	if idx == 1 {
		t.Errorf("Corrupt sector must not be chosen")
	}
}

func TestFindSectorToGarbageCollect(t *testing.T) {
	t.Run("nothing to collect", func(t *testing.T) {
		s := New(4, sectorSize, nil)
		if idx, ok := s.FindSectorToGarbageCollect(nil); ok {
			t.Errorf("Expected no candidate, got %d", idx)
		}
	})

	t.Run("fully stale first", func(t *testing.T) {
		s := New(4, sectorSize, nil)
		fill(s, 1, 512, 0)   // 512 reclaimable, nothing to move
		fill(s, 2, 512, 100) // 412 reclaimable
		fill(s, 3, 64, 0)    // 64 reclaimable, nothing to move

		idx, ok := s.FindSectorToGarbageCollect(nil)
		if !ok || idx != 1 {
			t.Errorf("Expected sector 1, got %d, %v", idx, ok)
		}

		idx, ok = s.FindSectorToGarbageCollect([]flash.Address{s.BaseAddress(1)})
		if !ok || idx != 3 {
			t.Errorf("Expected sector 3 when 1 is reserved, got %d, %v", idx, ok)
		}
	})

	t.Run("most reclaimable", func(t *testing.T) {
		s := New(4, sectorSize, nil)
		fill(s, 0, 512, 400) // 112 reclaimable
		fill(s, 1, 512, 300) // 212 reclaimable
		fill(s, 2, 412, 200) // 212 reclaimable, fewer valid bytes

		idx, ok := s.FindSectorToGarbageCollect(nil)
		if !ok || idx != 2 {
			t.Errorf("Expected sector 2, got %d, %v", idx, ok)
		}
	})

	t.Run("corrupt sectors are candidates", func(t *testing.T) {
		s := New(4, sectorSize, nil)
		fill(s, 3, 64, 64)
		s.MarkCorrupt(3)

		idx, ok := s.FindSectorToGarbageCollect(nil)
		if !ok || idx != 3 {
			t.Errorf("Expected corrupt sector 3, got %d, %v", idx, ok)
		}
	})

	t.Run("most valid when nothing reclaimable", func(t *testing.T) {
		s := New(4, sectorSize, nil)
		fill(s, 0, 64, 64)
		fill(s, 2, 128, 128)

		idx, ok := s.FindSectorToGarbageCollect(nil)
		if !ok || idx != 2 {
			t.Errorf("Expected sector 2, got %d, %v", idx, ok)
		}
	})
}

func TestResetKeepsEraseCounts(t *testing.T) {
	s := New(2, sectorSize, nil)
	s.At(0).MarkErased(sectorSize)
	fill(s, 0, 64, 64)
	s.Reset()

	if !s.At(0).Empty(sectorSize) || s.EmptyCount() != 2 {
		t.Errorf("Reset should empty every sector")
	}
	if counts := s.EraseCounts(); counts[0] != 1 || counts[1] != 0 {
		t.Errorf("Unexpected erase counts %v", counts)
	}
}
