// Package entry encodes and decodes the key-value records stored on flash.
//
// Each record is laid out little-endian as
//
//	[magic:4][checksum:4][key_length:1][value_length:2][transaction_id:4][state:1][key][value][padding]
//
// and padded with zero bytes to the entry alignment. The checksum covers the
// whole record, including padding, with the checksum field itself zeroed.
package entry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KevoDB/flashkv/pkg/flash"
)

const (
	// HeaderSize is the fixed size of an entry header in bytes
	HeaderSize = 16
	// MinAlignmentBytes is the smallest alignment of any entry
	MinAlignmentBytes = 16
	// MaxKeyLength is the longest key the one-byte length field can describe
	MaxKeyLength = 0xFF
	// MaxValueLength is the longest value the two-byte length field can describe
	MaxValueLength = 0xFFFF
)

var (
	// ErrCorrupt is returned when flash contents do not decode to a valid entry
	ErrCorrupt = errors.New("corrupt entry")
	// ErrChecksum is returned when an entry's checksum does not match its contents
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	// ErrErased is returned when the header at an address was never written
	ErrErased = errors.New("erased flash")
	// ErrNoEntryFound is returned when a scan reaches the end of a sector
	ErrNoEntryFound = errors.New("no entry found")
	// ErrBufferTooSmall is returned when a value only partially fits the caller's buffer
	ErrBufferTooSmall = errors.New("buffer too small for value")
	// ErrOffsetOutOfRange is returned when reading a value past its end
	ErrOffsetOutOfRange = errors.New("offset past end of value")
)

// header mirrors the first HeaderSize bytes of an entry
type header struct {
	magic         uint32
	checksum      uint32
	keyLength     uint8
	valueLength   uint16
	transactionID uint32
	state         State
}

func (h *header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.checksum)
	buf[8] = h.keyLength
	binary.LittleEndian.PutUint16(buf[9:11], h.valueLength)
	binary.LittleEndian.PutUint32(buf[11:15], h.transactionID)
	buf[15] = byte(h.state)
}

func decodeHeader(buf []byte) header {
	return header{
		magic:         binary.LittleEndian.Uint32(buf[0:4]),
		checksum:      binary.LittleEndian.Uint32(buf[4:8]),
		keyLength:     buf[8],
		valueLength:   binary.LittleEndian.Uint16(buf[9:11]),
		transactionID: binary.LittleEndian.Uint32(buf[11:15]),
		state:         State(buf[15]),
	}
}

// Entry is a handle to one record at a flash address.
// It holds the decoded header; key and value bytes stay on flash.
type Entry struct {
	partition flash.Partition
	address   flash.Address
	format    Format
	header    header
}

// Alignment returns the alignment of entries on p: the smallest multiple of
// both MinAlignmentBytes and the partition's write alignment.
func Alignment(p flash.Partition) int {
	a, b := MinAlignmentBytes, p.AlignmentBytes()
	for b != 0 {
		a, b = b, a%b
	}
	return MinAlignmentBytes / a * p.AlignmentBytes()
}

// Size returns the on-flash size of an entry with the given key and value lengths
func Size(p flash.Partition, keyLength, valueLength int) int {
	return flash.AlignUp(HeaderSize+keyLength+valueLength, Alignment(p))
}

// Valid creates an entry holding value for key
func Valid(p flash.Partition, addr flash.Address, format Format, key, value []byte, txID uint32) Entry {
	return newEntry(p, addr, format, key, value, txID, StateValid)
}

// Tombstone creates a zero-length entry marking key as deleted
func Tombstone(p flash.Partition, addr flash.Address, format Format, key []byte, txID uint32) Entry {
	return newEntry(p, addr, format, key, nil, txID, StateDeleted)
}

func newEntry(p flash.Partition, addr flash.Address, format Format, key, value []byte, txID uint32, state State) Entry {
	e := Entry{
		partition: p,
		address:   addr,
		format:    format,
		header: header{
			magic:         format.Magic,
			keyLength:     uint8(len(key)),
			valueLength:   uint16(len(value)),
			transactionID: txID,
			state:         state,
		},
	}
	e.header.checksum = e.calculateChecksum(key, value)
	return e
}

// Read decodes the entry header at addr.
//
// It returns ErrErased if the header was never written, which marks the end
// of the data in a sector, and an error wrapping ErrCorrupt if the bytes are
// not a recognizable entry. Only the header is checked; use
// VerifyChecksumInFlash to validate the key and value.
func Read(p flash.Partition, addr flash.Address, formats Formats) (Entry, error) {
	buf := make([]byte, HeaderSize)
	if _, err := p.Read(addr, buf); err != nil {
		return Entry{}, fmt.Errorf("%w: reading header at %#x: %w", ErrCorrupt, addr, err)
	}

	if bytes.Count(buf, []byte{flash.ErasedByte}) == len(buf) {
		return Entry{}, ErrErased
	}

	h := decodeHeader(buf)
	format, ok := formats.Find(h.magic)
	if !ok {
		return Entry{}, fmt.Errorf("%w: unknown magic %#x at %#x", ErrCorrupt, h.magic, addr)
	}

	e := Entry{partition: p, address: addr, format: format, header: h}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// validate checks header fields that do not depend on flash contents
func (e *Entry) validate() error {
	switch {
	case e.header.keyLength == 0:
		return fmt.Errorf("%w: zero-length key at %#x", ErrCorrupt, e.address)
	case e.header.state != StateValid && e.header.state != StateDeleted:
		return fmt.Errorf("%w: bad state %v at %#x", ErrCorrupt, e.header.state, e.address)
	case e.header.state == StateDeleted && e.header.valueLength != 0:
		return fmt.Errorf("%w: tombstone with %d byte value at %#x", ErrCorrupt, e.header.valueLength, e.address)
	}

	sectorSize := e.partition.SectorSizeBytes()
	offset := int(e.address) % sectorSize
	if offset+e.Size() > sectorSize {
		return fmt.Errorf("%w: %d byte entry at %#x crosses the sector boundary", ErrCorrupt, e.Size(), e.address)
	}
	return nil
}

// Address returns the flash address of the entry
func (e Entry) Address() flash.Address { return e.address }

// NextAddress returns the address just past the entry
func (e Entry) NextAddress() flash.Address { return e.address + flash.Address(e.Size()) }

// WithAddress returns a copy of the entry located at addr
func (e Entry) WithAddress(addr flash.Address) Entry {
	e.address = addr
	return e
}

// Size returns the on-flash size of the entry including padding
func (e Entry) Size() int {
	return Size(e.partition, int(e.header.keyLength), int(e.header.valueLength))
}

// KeyLength returns the length of the key in bytes
func (e Entry) KeyLength() int { return int(e.header.keyLength) }

// ValueSize returns the length of the value in bytes
func (e Entry) ValueSize() int { return int(e.header.valueLength) }

// TransactionID returns the transaction id the entry was written with
func (e Entry) TransactionID() uint32 { return e.header.transactionID }

// State returns whether the entry is live or a tombstone
func (e Entry) State() State { return e.header.state }

// Deleted reports whether the entry is a tombstone
func (e Entry) Deleted() bool { return e.header.state == StateDeleted }

// Magic returns the format magic of the entry
func (e Entry) Magic() uint32 { return e.header.magic }

// Checksum returns the checksum stored in the header
func (e Entry) Checksum() uint32 { return e.header.checksum }

// ReadKey reads the key bytes from flash
func (e Entry) ReadKey() ([]byte, error) {
	key := make([]byte, e.header.keyLength)
	if _, err := e.partition.Read(e.address+HeaderSize, key); err != nil {
		return nil, fmt.Errorf("%w: reading key at %#x: %w", ErrCorrupt, e.address, err)
	}
	return key, nil
}

// ReadValue copies the value, starting at offset, into buf.
// If buf cannot hold the rest of the value it is filled and ErrBufferTooSmall
// is returned along with the number of bytes copied.
func (e Entry) ReadValue(buf []byte, offset int) (int, error) {
	if offset < 0 || offset > e.ValueSize() {
		return 0, fmt.Errorf("%w: offset %d, value is %d bytes", ErrOffsetOutOfRange, offset, e.ValueSize())
	}

	remaining := e.ValueSize() - offset
	n := min(len(buf), remaining)
	if n > 0 {
		addr := e.address + flash.Address(HeaderSize+e.KeyLength()+offset)
		if _, err := e.partition.Read(addr, buf[:n]); err != nil {
			return 0, fmt.Errorf("%w: reading value at %#x: %w", ErrCorrupt, e.address, err)
		}
	}

	if n < remaining {
		return n, ErrBufferTooSmall
	}
	return n, nil
}

// ValueMatches reports whether the value stored on flash equals value
func (e Entry) ValueMatches(value []byte) (bool, error) {
	if len(value) != e.ValueSize() {
		return false, nil
	}

	const chunkSize = 64
	chunk := make([]byte, chunkSize)
	addr := e.address + flash.Address(HeaderSize+e.KeyLength())
	for off := 0; off < len(value); off += chunkSize {
		n := min(chunkSize, len(value)-off)
		if _, err := e.partition.Read(addr+flash.Address(off), chunk[:n]); err != nil {
			return false, fmt.Errorf("%w: reading value at %#x: %w", ErrCorrupt, e.address, err)
		}
		if !bytes.Equal(chunk[:n], value[off:off+n]) {
			return false, nil
		}
	}
	return true, nil
}

// VerifyChecksum checks the header checksum against the given key and value
func (e Entry) VerifyChecksum(key, value []byte) error {
	if got := e.calculateChecksum(key, value); got != e.header.checksum {
		return fmt.Errorf("%w: entry at %#x has %#x, calculated %#x", ErrChecksum, e.address, e.header.checksum, got)
	}
	return nil
}

// VerifyChecksumInFlash reads the whole entry back and checks its checksum
func (e Entry) VerifyChecksumInFlash() error {
	raw, err := e.readRaw()
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(raw[4:8], 0)
	if got := sumRaw(e.format, raw); got != e.header.checksum {
		return fmt.Errorf("%w: entry at %#x has %#x, calculated %#x", ErrChecksum, e.address, e.header.checksum, got)
	}
	return nil
}

// Write serializes the entry at its address and returns the bytes written
func (e Entry) Write(key, value []byte) (int, error) {
	buf := make([]byte, e.Size())
	e.header.encode(buf)
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], value)

	n, err := e.partition.Write(e.address, buf)
	if err != nil {
		return n, fmt.Errorf("failed to write entry at %#x: %w", e.address, err)
	}
	return n, nil
}

// Copy writes the entry to newAddr using the header held in memory, so a
// header changed by Update is written along with the original key and value.
func (e Entry) Copy(newAddr flash.Address) (int, error) {
	raw, err := e.readRaw()
	if err != nil {
		return 0, err
	}
	e.header.encode(raw)

	n, err := e.partition.Write(newAddr, raw)
	if err != nil {
		return n, fmt.Errorf("failed to copy entry from %#x to %#x: %w", e.address, newAddr, err)
	}
	return n, nil
}

// Update moves the in-memory header to a new format and transaction id and
// recomputes the checksum from the key and value on flash.
// The entry must be copied to take effect.
func (e *Entry) Update(format Format, txID uint32) error {
	raw, err := e.readRaw()
	if err != nil {
		return err
	}

	e.format = format
	e.header.magic = format.Magic
	e.header.transactionID = txID
	e.header.checksum = 0
	e.header.encode(raw)
	e.header.checksum = sumRaw(format, raw)
	return nil
}

// readRaw reads the full entry, header through padding
func (e Entry) readRaw() ([]byte, error) {
	raw := make([]byte, e.Size())
	if _, err := e.partition.Read(e.address, raw); err != nil {
		return nil, fmt.Errorf("%w: reading entry at %#x: %w", ErrCorrupt, e.address, err)
	}
	return raw, nil
}

func (e Entry) calculateChecksum(key, value []byte) uint32 {
	h := e.header
	h.checksum = 0
	buf := make([]byte, HeaderSize)
	h.encode(buf)

	d := e.format.Checksum.New()
	d.Write(buf)
	d.Write(key)
	d.Write(value)
	if padding := e.Size() - HeaderSize - len(key) - len(value); padding > 0 {
		d.Write(make([]byte, padding))
	}
	return d.Sum32()
}

func sumRaw(format Format, raw []byte) uint32 {
	d := format.Checksum.New()
	d.Write(raw)
	return d.Sum32()
}

// String returns a short description of the entry for logging
func (e Entry) String() string {
	return fmt.Sprintf("entry{addr=%#x size=%d key=%dB value=%dB tx=%d %v}",
		e.address, e.Size(), e.KeyLength(), e.ValueSize(), e.TransactionID(), e.State())
}
