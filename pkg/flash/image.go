package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

const (
	// ImageMagic identifies a partition image container
	ImageMagic = uint64(0x474D494853414C46) // "FLASHIMG"
	// ImageVersion is the current image container version
	ImageVersion = uint32(1)
	// ImageHeaderSize is the fixed size of the image header in bytes
	ImageHeaderSize = 40
	// ImageFooterSize is the size of the trailing checksum
	ImageFooterSize = 8
)

var (
	// ErrInvalidImage is returned when an image container cannot be decoded
	ErrInvalidImage = errors.New("invalid partition image")
	// ErrUnknownCodec is returned for an unsupported compression codec
	ErrUnknownCodec = errors.New("unknown image codec")
)

// Codec selects how the partition payload of an image is compressed
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
)

// String returns the name of the codec
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec returns the codec with the given name
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// imageHeader is the fixed-size prefix of an image container
type imageHeader struct {
	Magic      uint64
	Version    uint32
	Geometry   Geometry
	PayloadLen uint64
	Codec      Codec
}

func (h *imageHeader) encode() []byte {
	buf := make([]byte, ImageHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Geometry.SectorSize))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Geometry.SectorCount))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Geometry.Alignment))
	binary.LittleEndian.PutUint64(buf[24:32], h.PayloadLen)
	buf[32] = byte(h.Codec)
	return buf
}

func decodeImageHeader(buf []byte) (*imageHeader, error) {
	h := &imageHeader{
		Magic:   binary.LittleEndian.Uint64(buf[0:8]),
		Version: binary.LittleEndian.Uint32(buf[8:12]),
		Geometry: Geometry{
			SectorSize:  int(binary.LittleEndian.Uint32(buf[12:16])),
			SectorCount: int(binary.LittleEndian.Uint32(buf[16:20])),
			Alignment:   int(binary.LittleEndian.Uint32(buf[20:24])),
		},
		PayloadLen: binary.LittleEndian.Uint64(buf[24:32]),
		Codec:      Codec(buf[32]),
	}

	if h.Magic != ImageMagic {
		return nil, fmt.Errorf("%w: magic %#x, expected %#x", ErrInvalidImage, h.Magic, ImageMagic)
	}
	if h.Version != ImageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidImage, h.Version)
	}
	return h, nil
}

// ExportImage writes the full contents of p to w as an image container
func ExportImage(w io.Writer, p Partition, codec Codec) (int64, error) {
	g := GeometryOf(p)
	raw := make([]byte, g.SizeBytes())
	for off := 0; off < len(raw); off += g.SectorSize {
		if _, err := p.Read(Address(off), raw[off:off+g.SectorSize]); err != nil {
			return 0, fmt.Errorf("failed to read sector at %#x: %w", off, err)
		}
	}

	payload, err := compress(raw, codec)
	if err != nil {
		return 0, err
	}

	header := (&imageHeader{
		Magic:      ImageMagic,
		Version:    ImageVersion,
		Geometry:   g,
		PayloadLen: uint64(len(payload)),
		Codec:      codec,
	}).encode()

	digest := xxhash.New()
	digest.Write(header)
	digest.Write(payload)
	footer := make([]byte, ImageFooterSize)
	binary.LittleEndian.PutUint64(footer, digest.Sum64())

	var written int64
	for _, part := range [][]byte{header, payload, footer} {
		n, err := w.Write(part)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write image: %w", err)
		}
	}
	return written, nil
}

// ImportImage erases p and replaces its contents with the image read from r.
// The image geometry must match the partition.
func ImportImage(r io.Reader, p Partition) error {
	headerBuf := make([]byte, ImageHeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrInvalidImage, err)
	}
	header, err := decodeImageHeader(headerBuf)
	if err != nil {
		return err
	}

	g := GeometryOf(p)
	if header.Geometry != g {
		return fmt.Errorf("%w: image geometry %+v does not match partition %+v",
			ErrInvalidGeometry, header.Geometry, g)
	}
	// No codec expands a partition by more than a small constant factor
	if header.PayloadLen > uint64(2*g.SizeBytes()+1024) {
		return fmt.Errorf("%w: payload of %d bytes is implausible", ErrInvalidImage, header.PayloadLen)
	}

	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: reading payload: %v", ErrInvalidImage, err)
	}
	footer := make([]byte, ImageFooterSize)
	if _, err := io.ReadFull(r, footer); err != nil {
		return fmt.Errorf("%w: reading footer: %v", ErrInvalidImage, err)
	}

	digest := xxhash.New()
	digest.Write(headerBuf)
	digest.Write(payload)
	if expected, got := binary.LittleEndian.Uint64(footer), digest.Sum64(); expected != got {
		return fmt.Errorf("%w: checksum mismatch: image has %#x, calculated %#x", ErrInvalidImage, expected, got)
	}

	raw, err := decompress(payload, header.Codec)
	if err != nil {
		return err
	}
	if len(raw) != g.SizeBytes() {
		return fmt.Errorf("%w: payload decodes to %d bytes, expected %d", ErrInvalidImage, len(raw), g.SizeBytes())
	}

	if err := p.Erase(0, g.SectorCount); err != nil {
		return fmt.Errorf("failed to erase partition: %w", err)
	}
	for off := 0; off < len(raw); off += g.SectorSize {
		if _, err := p.Write(Address(off), raw[off:off+g.SectorSize]); err != nil {
			return fmt.Errorf("failed to write sector at %#x: %w", off, err)
		}
	}
	return nil
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

func decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
		}
		defer dec.Close()
		result, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return result, nil

	case CodecSnappy:
		result, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}
