package sectors

// Descriptor is the in-memory bookkeeping for one flash sector.
//
// The bytes of a sector are always split three ways:
//
//	valid + writable + reclaimable == sector size
//
// Valid bytes belong to the current copies of keys, writable bytes are the
// erased tail after the write pointer, and the rest is stale data waiting
// for garbage collection.
type Descriptor struct {
	writableBytes int
	validBytes    int
	corrupt       bool
	eraseCount    uint32
}

// WritableBytes returns the erased bytes remaining at the end of the sector
func (d *Descriptor) WritableBytes() int { return d.writableBytes }

// ValidBytes returns the bytes used by current entries
func (d *Descriptor) ValidBytes() int { return d.validBytes }

// Corrupt reports whether the sector has been marked corrupt
func (d *Descriptor) Corrupt() bool { return d.corrupt }

// EraseCount returns the number of times the sector was erased since startup
func (d *Descriptor) EraseCount() uint32 { return d.eraseCount }

// RecoverableBytes returns the bytes garbage collection would reclaim
func (d *Descriptor) RecoverableBytes(sectorSize int) int {
	return sectorSize - d.validBytes - d.writableBytes
}

// Empty reports whether the whole sector is erased and writable
func (d *Descriptor) Empty(sectorSize int) bool {
	return d.writableBytes == sectorSize
}

// HasSpace reports whether an entry of size bytes can be appended
func (d *Descriptor) HasSpace(size int) bool {
	return d.writableBytes >= size
}

// SetWritableBytes sets the erased tail size, used when scanning on startup
func (d *Descriptor) SetWritableBytes(n int) {
	d.writableBytes = n
}

// RemoveWritableBytes consumes n bytes of erased tail after a write
func (d *Descriptor) RemoveWritableBytes(n int) {
	if n > d.writableBytes {
		n = d.writableBytes
	}
	d.writableBytes -= n
}

// AddValidBytes accounts for a newly written current entry
func (d *Descriptor) AddValidBytes(n int) {
	d.validBytes += n
}

// RemoveValidBytes makes n valid bytes stale. It returns false, and clears
// the valid bytes, if the sector did not hold that many.
func (d *Descriptor) RemoveValidBytes(n int) bool {
	if n > d.validBytes {
		d.validBytes = 0
		return false
	}
	d.validBytes -= n
	return true
}

// MarkCorrupt stops all further writes to the sector until it is erased
func (d *Descriptor) MarkCorrupt() {
	d.corrupt = true
	d.writableBytes = 0
}

// MarkErased resets the descriptor after the sector was erased
func (d *Descriptor) MarkErased(sectorSize int) {
	d.writableBytes = sectorSize
	d.validBytes = 0
	d.corrupt = false
	d.eraseCount++
}

// reset clears the accounting without touching the erase count
func (d *Descriptor) reset(sectorSize int) {
	d.writableBytes = sectorSize
	d.validBytes = 0
	d.corrupt = false
}
