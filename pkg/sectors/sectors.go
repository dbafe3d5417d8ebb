// Package sectors keeps per-sector space accounting for a flash partition and
// decides where new entries go and which sector to garbage collect next.
package sectors

import (
	"errors"
	"fmt"

	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/flash"
)

// ErrNoSpace is returned when no sector can take an entry of the requested size
var ErrNoSpace = errors.New("no sector with enough space")

type findMode int

const (
	appendEntry findMode = iota
	garbageCollect
)

// Sectors is the ledger of every sector in one partition
type Sectors struct {
	descriptors []Descriptor
	sectorSize  int

	// lastNew is the sector most recently started from empty. Searches
	// begin just after it so writes and erases rotate around the partition.
	lastNew int

	logger log.Logger
}

// New creates a ledger for sectorCount sectors of sectorSize bytes.
// All sectors start out empty.
func New(sectorCount, sectorSize int, logger log.Logger) *Sectors {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Sectors{
		descriptors: make([]Descriptor, sectorCount),
		sectorSize:  sectorSize,
		logger:      logger,
	}
	s.Reset()
	return s
}

// Reset marks every sector empty, keeping erase counts
func (s *Sectors) Reset() {
	for i := range s.descriptors {
		s.descriptors[i].reset(s.sectorSize)
	}
	s.lastNew = 0
}

// Len returns the number of sectors
func (s *Sectors) Len() int { return len(s.descriptors) }

// SectorSize returns the size of each sector in bytes
func (s *Sectors) SectorSize() int { return s.sectorSize }

// At returns the descriptor of sector i
func (s *Sectors) At(i int) *Descriptor { return &s.descriptors[i] }

// Index returns the sector containing addr
func (s *Sectors) Index(addr flash.Address) int {
	return int(addr) / s.sectorSize
}

// FromAddress returns the descriptor of the sector containing addr
func (s *Sectors) FromAddress(addr flash.Address) *Descriptor {
	return &s.descriptors[s.Index(addr)]
}

// BaseAddress returns the first address of sector i
func (s *Sectors) BaseAddress(i int) flash.Address {
	return flash.Address(i * s.sectorSize)
}

// NextWritableAddress returns the address where the next entry in sector i goes
func (s *Sectors) NextWritableAddress(i int) flash.Address {
	return s.BaseAddress(i) + flash.Address(s.sectorSize-s.descriptors[i].writableBytes)
}

// AddressInSector reports whether addr lies inside sector i
func (s *Sectors) AddressInSector(i int, addr flash.Address) bool {
	base := s.BaseAddress(i)
	return addr >= base && int(addr) < int(base)+s.sectorSize
}

// LastNew returns the index of the sector most recently started from empty
func (s *Sectors) LastNew() int { return s.lastNew }

// SetLastNewSector records the sector holding addr as the newest
func (s *Sectors) SetLastNewSector(addr flash.Address) {
	s.lastNew = s.Index(addr)
}

// MarkCorrupt excludes sector i from writes until it is garbage collected
func (s *Sectors) MarkCorrupt(i int) {
	if !s.descriptors[i].corrupt {
		s.logger.Warn("Marking sector %d corrupt", i)
	}
	s.descriptors[i].MarkCorrupt()
}

// RemoveValidBytes makes n bytes in the sector holding addr stale
func (s *Sectors) RemoveValidBytes(addr flash.Address, n int) {
	if !s.FromAddress(addr).RemoveValidBytes(n) {
		s.logger.Error("Sector %d accounting is corrupt: removing %d valid bytes for %#x", s.Index(addr), n, addr)
	}
}

// EraseCounts returns how often each sector was erased since startup
func (s *Sectors) EraseCounts() []uint32 {
	counts := make([]uint32, len(s.descriptors))
	for i := range s.descriptors {
		counts[i] = s.descriptors[i].eraseCount
	}
	return counts
}

// EmptyCount returns the number of fully erased sectors
func (s *Sectors) EmptyCount() int {
	count := 0
	for i := range s.descriptors {
		if s.descriptors[i].Empty(s.sectorSize) {
			count++
		}
	}
	return count
}

// FindSpace returns a sector that can take an entry of size bytes for a
// normal write. Sectors holding any of the reserved addresses are skipped.
//
// Partially written sectors are preferred, searching round-robin from just
// after the last new sector. An empty sector is only used while another
// empty one remains, so garbage collection always has somewhere to go.
func (s *Sectors) FindSpace(size int, reserved []flash.Address) (int, error) {
	return s.find(appendEntry, size, nil, reserved)
}

// FindSpaceDuringGarbageCollection returns a sector to relocate an entry to.
// It may use the last empty sector and prefers sectors with nothing to
// reclaim. Sectors holding skip or reserved addresses are never chosen.
func (s *Sectors) FindSpaceDuringGarbageCollection(size int, skip, reserved []flash.Address) (int, error) {
	return s.find(garbageCollect, size, skip, reserved)
}

func (s *Sectors) find(mode findMode, size int, skip, reserved []flash.Address) (int, error) {
	avoid := s.sectorsOf(skip, reserved)

	firstEmpty := -1
	atLeastTwoEmpty := mode == garbageCollect
	leastReclaimable := -1

	for j := 0; j < len(s.descriptors); j++ {
		i := (s.lastNew + 1 + j) % len(s.descriptors)
		if avoid[i] {
			continue
		}
		d := &s.descriptors[i]

		if d.Empty(s.sectorSize) {
			if firstEmpty < 0 {
				firstEmpty = i
			} else {
				atLeastTwoEmpty = true
			}
			continue
		}

		if !d.HasSpace(size) {
			continue
		}
		if mode == appendEntry || d.RecoverableBytes(s.sectorSize) == 0 {
			return i, nil
		}
		if leastReclaimable < 0 ||
			d.RecoverableBytes(s.sectorSize) < s.descriptors[leastReclaimable].RecoverableBytes(s.sectorSize) {
			leastReclaimable = i
		}
	}

	if leastReclaimable >= 0 {
		return leastReclaimable, nil
	}

	if atLeastTwoEmpty && firstEmpty >= 0 && s.descriptors[firstEmpty].HasSpace(size) {
		s.lastNew = firstEmpty
		return firstEmpty, nil
	}

	return -1, fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
}

// FindSectorToGarbageCollect picks the sector whose collection frees the
// most space for the least relocation. Sectors holding reserved addresses
// are never picked. It returns false when nothing is reclaimable.
//
// Fully stale sectors come first since they need no relocation. Otherwise
// the sector with the most reclaimable bytes wins, with ties going to the
// one with fewer valid bytes to move. If no sector has anything to reclaim,
// the sector with the most valid bytes is picked so its entries spread out.
func (s *Sectors) FindSectorToGarbageCollect(reserved []flash.Address) (int, bool) {
	avoid := s.sectorsOf(nil, reserved)

	candidate := -1
	candidateBytes := 0
	for j := 0; j < len(s.descriptors); j++ {
		i := (s.lastNew + 1 + j) % len(s.descriptors)
		d := &s.descriptors[i]
		if avoid[i] || d.validBytes != 0 {
			continue
		}
		if reclaimable := d.RecoverableBytes(s.sectorSize); reclaimable > candidateBytes {
			candidate, candidateBytes = i, reclaimable
		}
	}
	if candidate >= 0 {
		return candidate, true
	}

	for i := range s.descriptors {
		d := &s.descriptors[i]
		if avoid[i] {
			continue
		}
		reclaimable := d.RecoverableBytes(s.sectorSize)
		if reclaimable == 0 {
			continue
		}
		if reclaimable > candidateBytes ||
			(reclaimable == candidateBytes && d.validBytes < s.descriptors[candidate].validBytes) {
			candidate, candidateBytes = i, reclaimable
		}
	}
	if candidate >= 0 {
		return candidate, true
	}

	for i := range s.descriptors {
		d := &s.descriptors[i]
		if !avoid[i] && d.validBytes > candidateBytes {
			candidate, candidateBytes = i, d.validBytes
		}
	}
	return candidate, candidate >= 0
}

// sectorsOf returns the set of sectors holding any of the given addresses
func (s *Sectors) sectorsOf(lists ...[]flash.Address) []bool {
	avoid := make([]bool, len(s.descriptors))
	for _, list := range lists {
		for _, addr := range list {
			if idx := s.Index(addr); idx >= 0 && idx < len(avoid) {
				avoid[idx] = true
			}
		}
	}
	return avoid
}
