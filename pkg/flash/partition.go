// Package flash defines the flash partition consumed by the key-value store
// and provides simulated partitions backed by memory or by an image file.
package flash

import (
	"errors"
	"fmt"
)

// Address is a byte offset from the start of a partition.
type Address uint32

// ErasedByte is the value of every byte of a freshly erased sector.
const ErasedByte = 0xFF

var (
	// ErrOutOfRange is returned when an access falls outside the partition
	ErrOutOfRange = errors.New("address out of range")
	// ErrAlignment is returned when a write or erase is not properly aligned
	ErrAlignment = errors.New("misaligned access")
	// ErrNotErased is returned when writing over bytes that were not erased
	ErrNotErased = errors.New("write to non-erased flash")
	// ErrInjected is returned by operations that hit an injected fault
	ErrInjected = errors.New("injected flash error")
	// ErrInvalidGeometry is returned when a partition is created with bad dimensions
	ErrInvalidGeometry = errors.New("invalid partition geometry")
)

// Partition is a contiguous, block-erasable region of flash.
//
// Writes must start on an AlignmentBytes boundary and cover a whole number of
// alignment units. Writes may only target erased bytes; the caller never relies
// on read-modify-write.
type Partition interface {
	// Read fills buf starting at addr and returns the number of bytes read
	Read(addr Address, buf []byte) (int, error)

	// Write stores buf starting at addr and returns the number of bytes written
	Write(addr Address, buf []byte) (int, error)

	// Erase erases numSectors sectors starting at the sector-aligned addr
	Erase(addr Address, numSectors int) error

	// SectorSizeBytes returns the size of one erasable sector
	SectorSizeBytes() int

	// SectorCount returns the number of sectors in the partition
	SectorCount() int

	// AlignmentBytes returns the minimum write alignment
	AlignmentBytes() int

	// SizeBytes returns the total size of the partition
	SizeBytes() int
}

// Geometry describes the static layout of a partition.
type Geometry struct {
	SectorSize  int `json:"sector_size"`
	SectorCount int `json:"sector_count"`
	Alignment   int `json:"alignment"`
}

// SizeBytes returns the total number of bytes covered by the geometry
func (g Geometry) SizeBytes() int {
	return g.SectorSize * g.SectorCount
}

// Validate checks that the geometry describes a usable partition
func (g Geometry) Validate() error {
	if g.SectorSize <= 0 || g.SectorCount <= 0 || g.Alignment <= 0 {
		return fmt.Errorf("%w: sector size %d, sector count %d, alignment %d",
			ErrInvalidGeometry, g.SectorSize, g.SectorCount, g.Alignment)
	}
	if g.SectorSize%g.Alignment != 0 {
		return fmt.Errorf("%w: sector size %d is not a multiple of alignment %d",
			ErrInvalidGeometry, g.SectorSize, g.Alignment)
	}
	if uint64(g.SectorSize)*uint64(g.SectorCount) > uint64(^Address(0)) {
		return fmt.Errorf("%w: partition too large for 32-bit addresses", ErrInvalidGeometry)
	}
	return nil
}

// GeometryOf returns the geometry reported by a partition
func GeometryOf(p Partition) Geometry {
	return Geometry{
		SectorSize:  p.SectorSizeBytes(),
		SectorCount: p.SectorCount(),
		Alignment:   p.AlignmentBytes(),
	}
}

// AlignUp rounds value up to the next multiple of alignment
func AlignUp(value, alignment int) int {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) / alignment * alignment
}

// AlignDown rounds value down to a multiple of alignment
func AlignDown(value, alignment int) int {
	if alignment <= 1 {
		return value
	}
	return value / alignment * alignment
}

// checkAccess validates the bounds of an access against a geometry
func checkAccess(g Geometry, addr Address, length int) error {
	if int(addr) > g.SizeBytes() || length > g.SizeBytes()-int(addr) {
		return fmt.Errorf("%w: %d bytes at %#x, partition is %d bytes",
			ErrOutOfRange, length, addr, g.SizeBytes())
	}
	return nil
}

// checkWrite validates bounds and alignment of a write
func checkWrite(g Geometry, addr Address, length int) error {
	if err := checkAccess(g, addr, length); err != nil {
		return err
	}
	if int(addr)%g.Alignment != 0 || length%g.Alignment != 0 {
		return fmt.Errorf("%w: write of %d bytes at %#x with alignment %d",
			ErrAlignment, length, addr, g.Alignment)
	}
	return nil
}

// checkErase validates bounds and alignment of an erase
func checkErase(g Geometry, addr Address, numSectors int) error {
	if int(addr)%g.SectorSize != 0 {
		return fmt.Errorf("%w: erase at %#x is not sector aligned", ErrAlignment, addr)
	}
	if numSectors < 0 {
		return fmt.Errorf("%w: negative sector count %d", ErrOutOfRange, numSectors)
	}
	return checkAccess(g, addr, numSectors*g.SectorSize)
}
