package entry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/KevoDB/flashkv/pkg/checksum"
	"github.com/KevoDB/flashkv/pkg/flash"
)

const legacyMagic = uint32(0x30564B46)

func newPartition(t *testing.T, alignment int) *flash.MemoryPartition {
	t.Helper()
	p, err := flash.NewMemoryPartition(flash.Geometry{SectorSize: 512, SectorCount: 4, Alignment: alignment})
	if err != nil {
		t.Fatalf("Failed to create partition: %v", err)
	}
	return p
}

func writeEntry(t *testing.T, e Entry, key, value []byte) {
	t.Helper()
	n, err := e.Write(key, value)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != e.Size() {
		t.Fatalf("Expected %d bytes written, got %d", e.Size(), n)
	}
}

func TestSizeAndAlignment(t *testing.T) {
	tests := []struct {
		alignment int
		keyLen    int
		valueLen  int
		expected  int
	}{
		{1, 1, 1, 32},
		{16, 1, 0, 32},
		{16, 8, 8, 32},
		{16, 8, 9, 48},
		{32, 1, 1, 32},
		{64, 1, 1, 64},
		{8, 0, 0, 16},
	}

	for _, tt := range tests {
		p := newPartition(t, tt.alignment)
		if got := Size(p, tt.keyLen, tt.valueLen); got != tt.expected {
			t.Errorf("Size(align=%d, %d, %d) = %d, expected %d",
				tt.alignment, tt.keyLen, tt.valueLen, got, tt.expected)
		}
	}

	p, err := flash.NewMemoryPartition(flash.Geometry{SectorSize: 480, SectorCount: 2, Alignment: 24})
	if err != nil {
		t.Fatalf("Failed to create partition: %v", err)
	}
	if got := Alignment(p); got != 48 {
		t.Errorf("Expected alignment 48 for 24-byte writes, got %d", got)
	}
}

func TestWriteAndRead(t *testing.T) {
	p := newPartition(t, 16)
	formats := DefaultFormats()
	key, value := []byte("temperature"), []byte("21.5C")

	e := Valid(p, 64, formats.Primary(), key, value, 7)
	writeEntry(t, e, key, value)

	got, err := Read(p, 64, formats)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.TransactionID() != 7 || got.State() != StateValid || got.Deleted() {
		t.Errorf("Unexpected header: %v", got)
	}
	if got.KeyLength() != len(key) || got.ValueSize() != len(value) {
		t.Errorf("Unexpected lengths: %v", got)
	}
	if got.NextAddress() != 64+flash.Address(got.Size()) {
		t.Errorf("Unexpected next address %#x", got.NextAddress())
	}

	readKey, err := got.ReadKey()
	if err != nil || !bytes.Equal(readKey, key) {
		t.Errorf("ReadKey = %q, %v", readKey, err)
	}

	buf := make([]byte, 16)
	n, err := got.ReadValue(buf, 0)
	if err != nil || !bytes.Equal(buf[:n], value) {
		t.Errorf("ReadValue = %q, %v", buf[:n], err)
	}

	if err := got.VerifyChecksumInFlash(); err != nil {
		t.Errorf("VerifyChecksumInFlash failed: %v", err)
	}
	if err := got.VerifyChecksum(key, value); err != nil {
		t.Errorf("VerifyChecksum failed: %v", err)
	}
	if err := got.VerifyChecksum(key, []byte("99.9C")); !errors.Is(err, ErrChecksum) {
		t.Errorf("Expected ErrChecksum for different value, got %v", err)
	}
}

func TestHeaderLayout(t *testing.T) {
	p := newPartition(t, 16)
	key, value := []byte("k"), []byte{0xAB, 0xCD}

	e := Valid(p, 0, DefaultFormats().Primary(), key, value, 0x01020304)
	writeEntry(t, e, key, value)

	raw := p.Bytes()[:32]
	expected := []byte{
		0x46, 0x4B, 0x56, 0x31, // magic
	}
	if !bytes.Equal(raw[0:4], expected) {
		t.Errorf("Unexpected magic bytes %x", raw[0:4])
	}
	if raw[8] != 1 {
		t.Errorf("Unexpected key length %d", raw[8])
	}
	if raw[9] != 2 || raw[10] != 0 {
		t.Errorf("Unexpected value length %x", raw[9:11])
	}
	if !bytes.Equal(raw[11:15], []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Errorf("Unexpected transaction id %x", raw[11:15])
	}
	if State(raw[15]) != StateValid {
		t.Errorf("Unexpected state %x", raw[15])
	}
	if raw[16] != 'k' || raw[17] != 0xAB || raw[18] != 0xCD {
		t.Errorf("Unexpected payload %x", raw[16:19])
	}
	if !bytes.Equal(raw[19:32], make([]byte, 13)) {
		t.Errorf("Expected zero padding, got %x", raw[19:32])
	}
}

func TestTombstone(t *testing.T) {
	p := newPartition(t, 16)
	formats := DefaultFormats()
	key := []byte("gone")

	e := Tombstone(p, 0, formats.Primary(), key, 3)
	writeEntry(t, e, key, nil)

	got, err := Read(p, 0, formats)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !got.Deleted() || got.ValueSize() != 0 || got.State() != StateDeleted {
		t.Errorf("Expected tombstone, got %v", got)
	}
	if err := got.VerifyChecksumInFlash(); err != nil {
		t.Errorf("VerifyChecksumInFlash failed: %v", err)
	}
}

func TestReadErasedAndCorrupt(t *testing.T) {
	p := newPartition(t, 16)
	formats := DefaultFormats()

	if _, err := Read(p, 0, formats); !errors.Is(err, ErrErased) {
		t.Errorf("Expected ErrErased, got %v", err)
	}

	if err := p.Corrupt(0, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	if _, err := Read(p, 0, formats); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for unknown magic, got %v", err)
	}

	p.InjectReadError(128, 16, 1)
	if _, err := Read(p, 128, formats); !errors.Is(err, ErrCorrupt) || !errors.Is(err, flash.ErrInjected) {
		t.Errorf("Expected wrapped read error, got %v", err)
	}
}

func TestReadRejectsEntryCrossingSector(t *testing.T) {
	p := newPartition(t, 16)
	formats := DefaultFormats()
	key, value := []byte("k"), make([]byte, 40)

	e := Valid(p, 448, formats.Primary(), key, value, 1)
	writeEntry(t, e, key, value)

	// Grow the recorded value length so the entry would run past the sector end
	if err := p.Corrupt(448+9, []byte{0x80, 0x00}); err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	if _, err := Read(p, 448, formats); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", err)
	}
}

func TestVerifyChecksumInFlashDetectsBitRot(t *testing.T) {
	p := newPartition(t, 16)
	formats := DefaultFormats()
	key, value := []byte("key"), []byte("value")

	e := Valid(p, 0, formats.Primary(), key, value, 1)
	writeEntry(t, e, key, value)

	if err := p.Corrupt(HeaderSize+3, []byte{'V'}); err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	got, err := Read(p, 0, formats)
	if err != nil {
		t.Fatalf("Header should still decode: %v", err)
	}
	if err := got.VerifyChecksumInFlash(); !errors.Is(err, ErrChecksum) {
		t.Errorf("Expected ErrChecksum, got %v", err)
	}
}

func TestReadValuePartial(t *testing.T) {
	p := newPartition(t, 16)
	key, value := []byte("k"), []byte("0123456789")

	e := Valid(p, 0, DefaultFormats().Primary(), key, value, 1)
	writeEntry(t, e, key, value)

	buf := make([]byte, 4)
	n, err := e.ReadValue(buf, 0)
	if !errors.Is(err, ErrBufferTooSmall) || n != 4 || string(buf) != "0123" {
		t.Errorf("ReadValue short buffer = %d, %q, %v", n, buf[:n], err)
	}

	n, err = e.ReadValue(buf, 6)
	if err != nil || n != 4 || string(buf) != "6789" {
		t.Errorf("ReadValue at offset = %d, %q, %v", n, buf[:n], err)
	}

	n, err = e.ReadValue(buf, 10)
	if err != nil || n != 0 {
		t.Errorf("ReadValue at end = %d, %v", n, err)
	}

	if _, err := e.ReadValue(buf, 11); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestValueMatches(t *testing.T) {
	p := newPartition(t, 16)
	key := []byte("k")
	value := bytes.Repeat([]byte("abcdefgh"), 20)

	e := Valid(p, 0, DefaultFormats().Primary(), key, value, 1)
	writeEntry(t, e, key, value)

	if ok, err := e.ValueMatches(value); err != nil || !ok {
		t.Errorf("Expected match, got %v, %v", ok, err)
	}

	other := append([]byte(nil), value...)
	other[150] = 'X'
	if ok, _ := e.ValueMatches(other); ok {
		t.Errorf("Expected mismatch in last chunk")
	}
	if ok, _ := e.ValueMatches(value[:10]); ok {
		t.Errorf("Expected mismatch for shorter value")
	}
}

func TestCopyAndUpdate(t *testing.T) {
	p := newPartition(t, 16)
	legacy := Format{Magic: legacyMagic, Checksum: checksum.XXHash}
	formats, err := NewFormats(Format{Magic: DefaultMagic, Checksum: checksum.CRC32}, legacy)
	if err != nil {
		t.Fatalf("NewFormats failed: %v", err)
	}
	key, value := []byte("config"), []byte("v1")

	old := Valid(p, 0, legacy, key, value, 5)
	writeEntry(t, old, key, value)

	read, err := Read(p, 0, formats)
	if err != nil {
		t.Fatalf("Read of legacy entry failed: %v", err)
	}
	if read.Magic() != legacyMagic {
		t.Fatalf("Expected legacy magic, got %#x", read.Magic())
	}

	// Plain copy keeps the header
	if _, err := read.Copy(512); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	copied, err := Read(p, 512, formats)
	if err != nil {
		t.Fatalf("Read of copy failed: %v", err)
	}
	if copied.TransactionID() != 5 || copied.Magic() != legacyMagic {
		t.Errorf("Copy changed the header: %v", copied)
	}
	if err := copied.VerifyChecksumInFlash(); err != nil {
		t.Errorf("Copied entry failed verification: %v", err)
	}

	// Update migrates to the primary format
	if err := read.Update(formats.Primary(), 9); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := read.Copy(1024); err != nil {
		t.Fatalf("Copy after update failed: %v", err)
	}
	migrated, err := Read(p, 1024, formats)
	if err != nil {
		t.Fatalf("Read of migrated entry failed: %v", err)
	}
	if migrated.Magic() != DefaultMagic || migrated.TransactionID() != 9 {
		t.Errorf("Unexpected migrated header: magic %#x, %v", migrated.Magic(), migrated)
	}
	if err := migrated.VerifyChecksumInFlash(); err != nil {
		t.Errorf("Migrated entry failed verification: %v", err)
	}
	if err := migrated.VerifyChecksum(key, value); err != nil {
		t.Errorf("Migrated entry failed in-memory verification: %v", err)
	}
}

func TestNewFormatsValidation(t *testing.T) {
	primary := Format{Magic: DefaultMagic, Checksum: checksum.CRC32}

	if _, err := NewFormats(primary, primary); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected duplicate magic error, got %v", err)
	}
	if _, err := NewFormats(Format{Magic: 0xFFFFFFFF, Checksum: checksum.CRC32}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected reserved magic error, got %v", err)
	}
	if _, err := NewFormats(Format{Magic: 1}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected missing checksum error, got %v", err)
	}
}

func TestScanForEntry(t *testing.T) {
	p := newPartition(t, 16)
	formats := DefaultFormats()
	key, value := []byte("k"), []byte("v")

	e := Valid(p, 512+96, formats.Primary(), key, value, 1)
	writeEntry(t, e, key, value)

	addr, err := ScanForEntry(p, formats, 512, 512+16)
	if err != nil || addr != 512+96 {
		t.Errorf("ScanForEntry = %#x, %v", addr, err)
	}

	if _, err := ScanForEntry(p, formats, 512, 512+97); !errors.Is(err, ErrNoEntryFound) {
		t.Errorf("Expected ErrNoEntryFound, got %v", err)
	}
	if _, err := ScanForEntry(p, formats, 0, 0); !errors.Is(err, ErrNoEntryFound) {
		t.Errorf("Expected ErrNoEntryFound in empty sector, got %v", err)
	}
}
