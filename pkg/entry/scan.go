package entry

import (
	"encoding/binary"

	"github.com/KevoDB/flashkv/pkg/flash"
)

// ScanForEntry searches forward from start for the next recognizable magic
// inside the sector beginning at sectorBase.
//
// Entries of different alignments may share a sector, so the scan steps by
// MinAlignmentBytes to be exhaustive. Unreadable locations are skipped.
// ErrNoEntryFound is returned when the end of the sector is reached.
func ScanForEntry(p flash.Partition, formats Formats, sectorBase, start flash.Address) (flash.Address, error) {
	end := int(sectorBase) + p.SectorSizeBytes()
	magic := make([]byte, 4)

	for addr := flash.AlignUp(int(start), MinAlignmentBytes); addr+HeaderSize <= end; addr += MinAlignmentBytes {
		if _, err := p.Read(flash.Address(addr), magic); err != nil {
			continue
		}
		if formats.KnownMagic(binary.LittleEndian.Uint32(magic)) {
			return flash.Address(addr), nil
		}
	}
	return 0, ErrNoEntryFound
}
