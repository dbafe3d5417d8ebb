package flash

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// FilePartition is a flash simulator persisted in an image file.
// The file holds the raw partition bytes and nothing else.
type FilePartition struct {
	mu       sync.Mutex
	geometry Geometry
	file     *os.File
	scratch  []byte
}

// OpenFilePartition opens or creates an image file with the given geometry.
// A new or empty file is initialized to the erased state.
func OpenFilePartition(path string, g Geometry) (*FilePartition, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	switch stat.Size() {
	case 0:
		erased := bytes.Repeat([]byte{ErasedByte}, g.SectorSize)
		for i := 0; i < g.SectorCount; i++ {
			if _, err := file.WriteAt(erased, int64(i*g.SectorSize)); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to initialize flash image: %w", err)
			}
		}
	case int64(g.SizeBytes()):
	default:
		file.Close()
		return nil, fmt.Errorf("%w: image %s is %d bytes, geometry needs %d",
			ErrInvalidGeometry, path, stat.Size(), g.SizeBytes())
	}

	return &FilePartition{
		geometry: g,
		file:     file,
		scratch:  make([]byte, g.SectorSize),
	}, nil
}

// Read implements Partition.Read
func (f *FilePartition) Read(addr Address, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := checkAccess(f.geometry, addr, len(buf)); err != nil {
		return 0, err
	}
	n, err := f.file.ReadAt(buf, int64(addr))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return n, err
}

// Write implements Partition.Write
func (f *FilePartition) Write(addr Address, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := checkWrite(f.geometry, addr, len(buf)); err != nil {
		return 0, err
	}

	// Verify the target range is erased, one sector-sized chunk at a time
	for off := 0; off < len(buf); off += len(f.scratch) {
		chunk := f.scratch[:min(len(f.scratch), len(buf)-off)]
		if _, err := f.file.ReadAt(chunk, int64(addr)+int64(off)); err != nil {
			return 0, fmt.Errorf("failed to read flash image: %w", err)
		}
		for i, b := range chunk {
			if b != ErasedByte {
				return 0, fmt.Errorf("%w: byte %#x is %#x", ErrNotErased, int(addr)+off+i, b)
			}
		}
	}

	return f.file.WriteAt(buf, int64(addr))
}

// Erase implements Partition.Erase
func (f *FilePartition) Erase(addr Address, numSectors int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := checkErase(f.geometry, addr, numSectors); err != nil {
		return err
	}

	erased := bytes.Repeat([]byte{ErasedByte}, f.geometry.SectorSize)
	for i := 0; i < numSectors; i++ {
		off := int64(addr) + int64(i*f.geometry.SectorSize)
		if _, err := f.file.WriteAt(erased, off); err != nil {
			return fmt.Errorf("failed to erase sector at %#x: %w", off, err)
		}
	}
	return nil
}

// SectorSizeBytes implements Partition.SectorSizeBytes
func (f *FilePartition) SectorSizeBytes() int { return f.geometry.SectorSize }

// SectorCount implements Partition.SectorCount
func (f *FilePartition) SectorCount() int { return f.geometry.SectorCount }

// AlignmentBytes implements Partition.AlignmentBytes
func (f *FilePartition) AlignmentBytes() int { return f.geometry.Alignment }

// SizeBytes implements Partition.SizeBytes
func (f *FilePartition) SizeBytes() int { return f.geometry.SizeBytes() }

// Sync flushes the image file to stable storage
func (f *FilePartition) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Sync()
}

// Close syncs and closes the image file
func (f *FilePartition) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return fmt.Errorf("failed to sync flash image: %w", err)
	}
	return f.file.Close()
}
