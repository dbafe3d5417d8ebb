package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

var testGeometry = Geometry{SectorSize: 512, SectorCount: 4, Alignment: 16}

func newTestPartition(t *testing.T) *MemoryPartition {
	t.Helper()
	p, err := NewMemoryPartition(testGeometry)
	if err != nil {
		t.Fatalf("Failed to create partition: %v", err)
	}
	return p
}

func TestGeometryValidate(t *testing.T) {
	tests := []struct {
		name    string
		g       Geometry
		wantErr bool
	}{
		{"valid", Geometry{SectorSize: 4096, SectorCount: 4, Alignment: 16}, false},
		{"zero sectors", Geometry{SectorSize: 4096, SectorCount: 0, Alignment: 16}, true},
		{"zero alignment", Geometry{SectorSize: 4096, SectorCount: 4, Alignment: 0}, true},
		{"unaligned sector", Geometry{SectorSize: 1000, SectorCount: 4, Alignment: 16}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("Expected ErrInvalidGeometry, got %v", err)
			}
		})
	}
}

func TestAlignUp(t *testing.T) {
	cases := [][3]int{{0, 16, 0}, {1, 16, 16}, {16, 16, 16}, {17, 16, 32}, {5, 1, 5}}
	for _, c := range cases {
		if got := AlignUp(c[0], c[1]); got != c[2] {
			t.Errorf("AlignUp(%d, %d) = %d, expected %d", c[0], c[1], got, c[2])
		}
	}
}

func TestMemoryPartitionStartsErased(t *testing.T) {
	p := newTestPartition(t)

	buf := make([]byte, p.SectorSizeBytes())
	if _, err := p.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{ErasedByte}, len(buf))) {
		t.Fatalf("Expected partition to be erased")
	}
}

func TestMemoryPartitionWriteRules(t *testing.T) {
	p := newTestPartition(t)
	data := bytes.Repeat([]byte{0xA5}, 16)

	if _, err := p.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := p.Write(0, data); !errors.Is(err, ErrNotErased) {
		t.Errorf("Expected ErrNotErased on rewrite, got %v", err)
	}
	if _, err := p.Write(8, data); !errors.Is(err, ErrAlignment) {
		t.Errorf("Expected ErrAlignment on unaligned write, got %v", err)
	}
	if _, err := p.Write(16, data[:5]); !errors.Is(err, ErrAlignment) {
		t.Errorf("Expected ErrAlignment on partial unit write, got %v", err)
	}
	if _, err := p.Write(Address(p.SizeBytes()), data); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}

	if err := p.Erase(0, 1); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if _, err := p.Write(0, data); err != nil {
		t.Errorf("Write after erase failed: %v", err)
	}
	if counts := p.EraseCounts(); counts[0] != 1 || counts[1] != 0 {
		t.Errorf("Unexpected erase counts %v", counts)
	}
	if err := p.Erase(8, 1); !errors.Is(err, ErrAlignment) {
		t.Errorf("Expected ErrAlignment on unaligned erase, got %v", err)
	}
}

func TestMemoryPartitionFaults(t *testing.T) {
	p := newTestPartition(t)
	data := bytes.Repeat([]byte{0x11}, 16)

	p.InjectWriteError(512, 512, 1)
	if _, err := p.Write(0, data); err != nil {
		t.Fatalf("Write outside fault range failed: %v", err)
	}
	if _, err := p.Write(512, data); !errors.Is(err, ErrInjected) {
		t.Fatalf("Expected injected write error, got %v", err)
	}
	if _, err := p.Write(512, data); err != nil {
		t.Fatalf("Fault should have expired, got %v", err)
	}

	p.InjectReadError(0, 0, -1)
	buf := make([]byte, 16)
	for i := 0; i < 3; i++ {
		if _, err := p.Read(0, buf); !errors.Is(err, ErrInjected) {
			t.Fatalf("Expected persistent read fault, got %v", err)
		}
	}
	p.ClearFaults()
	if _, err := p.Read(0, buf); err != nil {
		t.Fatalf("Read after ClearFaults failed: %v", err)
	}
}

func TestFilePartitionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	p, err := OpenFilePartition(path, testGeometry)
	if err != nil {
		t.Fatalf("Failed to open file partition: %v", err)
	}
	data := bytes.Repeat([]byte{0x42}, 32)
	if _, err := p.Write(512, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := p.Write(512, data); !errors.Is(err, ErrNotErased) {
		t.Errorf("Expected ErrNotErased, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	p, err = OpenFilePartition(path, testGeometry)
	if err != nil {
		t.Fatalf("Failed to reopen file partition: %v", err)
	}
	defer p.Close()

	buf := make([]byte, 32)
	if _, err := p.Read(512, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("Expected %x, got %x", data, buf)
	}

	if _, err := OpenFilePartition(path, Geometry{SectorSize: 1024, SectorCount: 4, Alignment: 16}); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("Expected geometry mismatch error, got %v", err)
	}
}

func TestImageRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			src := newTestPartition(t)
			if _, err := src.Write(32, bytes.Repeat([]byte{0x5A}, 48)); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			var image bytes.Buffer
			if _, err := ExportImage(&image, src, codec); err != nil {
				t.Fatalf("ExportImage failed: %v", err)
			}

			dst := newTestPartition(t)
			if _, err := dst.Write(1024, bytes.Repeat([]byte{0x01}, 16)); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := ImportImage(bytes.NewReader(image.Bytes()), dst); err != nil {
				t.Fatalf("ImportImage failed: %v", err)
			}

			if !bytes.Equal(src.Bytes(), dst.Bytes()) {
				t.Errorf("Imported partition does not match the exported one")
			}
		})
	}
}

func TestImageRejectsCorruption(t *testing.T) {
	src := newTestPartition(t)

	var image bytes.Buffer
	if _, err := ExportImage(&image, src, CodecZstd); err != nil {
		t.Fatalf("ExportImage failed: %v", err)
	}
	raw := image.Bytes()
	raw[ImageHeaderSize] ^= 0xFF

	if err := ImportImage(bytes.NewReader(raw), newTestPartition(t)); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage, got %v", err)
	}

	other, err := NewMemoryPartition(Geometry{SectorSize: 512, SectorCount: 8, Alignment: 16})
	if err != nil {
		t.Fatalf("Failed to create partition: %v", err)
	}
	image.Reset()
	if _, err := ExportImage(&image, src, CodecNone); err != nil {
		t.Fatalf("ExportImage failed: %v", err)
	}
	if err := ImportImage(&image, other); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("Expected ErrInvalidGeometry, got %v", err)
	}
}

func TestParseCodec(t *testing.T) {
	if c, err := ParseCodec("ZSTD"); err != nil || c != CodecZstd {
		t.Errorf("ParseCodec(ZSTD) = %v, %v", c, err)
	}
	if _, err := ParseCodec("lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Expected ErrUnknownCodec, got %v", err)
	}
}
