package entry

import (
	"errors"
	"fmt"

	"github.com/KevoDB/flashkv/pkg/checksum"
)

// DefaultMagic marks entries written in the current on-flash format ("FKV1")
const DefaultMagic = uint32(0x31564B46)

// erasedMagic is what an unwritten header reads back as
const erasedMagic = uint32(0xFFFFFFFF)

// ErrInvalidFormat is returned when a format set is misconfigured
var ErrInvalidFormat = errors.New("invalid entry format")

// State distinguishes live entries from tombstones
type State uint8

const (
	// StateValid marks an entry holding a live value
	StateValid State = 0x01
	// StateDeleted marks a zero-length tombstone
	StateDeleted State = 0x02
)

// String returns the name of the state
func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%#x)", uint8(s))
	}
}

// Format is one revision of the on-flash entry layout, identified by its magic
type Format struct {
	Magic    uint32
	Checksum checksum.Algorithm
}

// Formats is the set of entry formats a store understands.
// The first format is the primary one and is used for every new write;
// the rest are deprecated formats that are still readable.
type Formats struct {
	formats []Format
}

// NewFormats builds a format set from a primary format and any deprecated ones
func NewFormats(primary Format, deprecated ...Format) (Formats, error) {
	all := append([]Format{primary}, deprecated...)
	seen := make(map[uint32]bool, len(all))
	for _, f := range all {
		if f.Magic == erasedMagic || f.Magic == 0 {
			return Formats{}, fmt.Errorf("%w: magic %#x is reserved", ErrInvalidFormat, f.Magic)
		}
		if f.Checksum == nil {
			return Formats{}, fmt.Errorf("%w: magic %#x has no checksum algorithm", ErrInvalidFormat, f.Magic)
		}
		if seen[f.Magic] {
			return Formats{}, fmt.Errorf("%w: duplicate magic %#x", ErrInvalidFormat, f.Magic)
		}
		seen[f.Magic] = true
	}
	return Formats{formats: all}, nil
}

// DefaultFormats returns a set holding only the current format with CRC32
func DefaultFormats() Formats {
	return Formats{formats: []Format{{Magic: DefaultMagic, Checksum: checksum.CRC32}}}
}

// Primary returns the format used for new writes
func (f Formats) Primary() Format {
	return f.formats[0]
}

// Find returns the format with the given magic
func (f Formats) Find(magic uint32) (Format, bool) {
	for _, format := range f.formats {
		if format.Magic == magic {
			return format, true
		}
	}
	return Format{}, false
}

// KnownMagic reports whether magic belongs to any format in the set
func (f Formats) KnownMagic(magic uint32) bool {
	_, ok := f.Find(magic)
	return ok
}

// Len returns the number of formats in the set
func (f Formats) Len() int {
	return len(f.formats)
}
