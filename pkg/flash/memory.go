package flash

import (
	"bytes"
	"fmt"
	"sync"
)

// fault is an injected error covering an address range
type fault struct {
	begin  Address
	length int // zero covers the whole partition
	times  int // negative means forever
}

func (f *fault) hit(addr Address, length int) bool {
	if f.times == 0 {
		return false
	}
	if f.length > 0 {
		end := int(f.begin) + f.length
		if int(addr)+length <= int(f.begin) || int(addr) >= end {
			return false
		}
	}
	if f.times > 0 {
		f.times--
	}
	return true
}

// MemoryPartition is an in-memory flash simulator.
//
// It enforces alignment on writes, refuses writes over non-erased bytes and
// counts reads, writes and erases so tests can assert on flash traffic.
type MemoryPartition struct {
	mu       sync.Mutex
	geometry Geometry
	data     []byte

	readFaults  []*fault
	writeFaults []*fault

	reads       uint64
	writes      uint64
	bytesWrote  uint64
	eraseCounts []uint32
}

// NewMemoryPartition creates an erased in-memory partition
func NewMemoryPartition(g Geometry) (*MemoryPartition, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	p := &MemoryPartition{
		geometry:    g,
		data:        bytes.Repeat([]byte{ErasedByte}, g.SizeBytes()),
		eraseCounts: make([]uint32, g.SectorCount),
	}
	return p, nil
}

// Read implements Partition.Read
func (m *MemoryPartition) Read(addr Address, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkAccess(m.geometry, addr, len(buf)); err != nil {
		return 0, err
	}
	m.reads++
	for _, f := range m.readFaults {
		if f.hit(addr, len(buf)) {
			return 0, fmt.Errorf("%w: read of %d bytes at %#x", ErrInjected, len(buf), addr)
		}
	}

	return copy(buf, m.data[addr:]), nil
}

// Write implements Partition.Write
func (m *MemoryPartition) Write(addr Address, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkWrite(m.geometry, addr, len(buf)); err != nil {
		return 0, err
	}
	m.writes++
	for _, f := range m.writeFaults {
		if f.hit(addr, len(buf)) {
			return 0, fmt.Errorf("%w: write of %d bytes at %#x", ErrInjected, len(buf), addr)
		}
	}

	for i := range buf {
		if m.data[int(addr)+i] != ErasedByte {
			return 0, fmt.Errorf("%w: byte %#x is %#x", ErrNotErased, int(addr)+i, m.data[int(addr)+i])
		}
	}

	n := copy(m.data[addr:], buf)
	m.bytesWrote += uint64(n)
	return n, nil
}

// Erase implements Partition.Erase
func (m *MemoryPartition) Erase(addr Address, numSectors int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkErase(m.geometry, addr, numSectors); err != nil {
		return err
	}

	first := int(addr) / m.geometry.SectorSize
	for i := 0; i < numSectors; i++ {
		start := (first + i) * m.geometry.SectorSize
		sector := m.data[start : start+m.geometry.SectorSize]
		for j := range sector {
			sector[j] = ErasedByte
		}
		m.eraseCounts[first+i]++
	}
	return nil
}

// SectorSizeBytes implements Partition.SectorSizeBytes
func (m *MemoryPartition) SectorSizeBytes() int { return m.geometry.SectorSize }

// SectorCount implements Partition.SectorCount
func (m *MemoryPartition) SectorCount() int { return m.geometry.SectorCount }

// AlignmentBytes implements Partition.AlignmentBytes
func (m *MemoryPartition) AlignmentBytes() int { return m.geometry.Alignment }

// SizeBytes implements Partition.SizeBytes
func (m *MemoryPartition) SizeBytes() int { return m.geometry.SizeBytes() }

// InjectReadError makes the next times reads overlapping [begin, begin+length)
// fail. A length of zero covers the whole partition, a negative times never expires.
func (m *MemoryPartition) InjectReadError(begin Address, length, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFaults = append(m.readFaults, &fault{begin: begin, length: length, times: times})
}

// InjectWriteError makes the next times writes overlapping the range fail
func (m *MemoryPartition) InjectWriteError(begin Address, length, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFaults = append(m.writeFaults, &fault{begin: begin, length: length, times: times})
}

// ClearFaults removes all injected errors
func (m *MemoryPartition) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFaults = nil
	m.writeFaults = nil
}

// Corrupt overwrites raw bytes at addr, bypassing the erased-write rule.
// It simulates bit rot or a torn write.
func (m *MemoryPartition) Corrupt(addr Address, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkAccess(m.geometry, addr, len(data)); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	return nil
}

// Bytes returns a copy of the raw partition contents
func (m *MemoryPartition) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Load replaces the partition contents with data, which must match its size
func (m *MemoryPartition) Load(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) != len(m.data) {
		return fmt.Errorf("%w: image is %d bytes, partition is %d bytes",
			ErrInvalidGeometry, len(data), len(m.data))
	}
	copy(m.data, data)
	return nil
}

// ReadCount returns the number of Read calls that passed bounds checks
func (m *MemoryPartition) ReadCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// WriteCount returns the number of Write calls that passed bounds checks
func (m *MemoryPartition) WriteCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// BytesWritten returns the number of bytes successfully written
func (m *MemoryPartition) BytesWritten() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesWrote
}

// EraseCounts returns the number of erases of each sector
func (m *MemoryPartition) EraseCounts() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.eraseCounts...)
}
