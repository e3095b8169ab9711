package vmem

import (
	"fmt"
	"io"

	"github.com/NebulousLabs/errors"
)

type (
	// RegionIO reads and writes an allocated region of a VM pool through the
	// MMU. It implements io.ReadWriteSeeker, io.ReaderAt and io.WriterAt.
	// Touching a page that is not resident faults it in.
	RegionIO struct {
		// vp is the pool the region belongs to
		vp *VMPool

		// region is the region accessed
		region Region

		// cursor is the offset of the cursor from the start of the region
		cursor int64
	}
)

// Open returns a RegionIO for the allocated region starting at start.
func (vp *VMPool) Open(start uint32) (*RegionIO, error) {
	if err := vp.m.checkHalted(); err != nil {
		return nil, err
	}
	if !vp.pageTable.loaded() {
		return nil, errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot open region %#x", start))
	}
	idx, r, err := vp.findRegion(start)
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		return nil, errors.AddContext(ErrRegionNotFound, fmt.Sprintf("cannot open region %#x", start))
	}
	return &RegionIO{
		vp:     vp,
		region: r,
	}, nil
}

// Base returns the first address of the region.
func (rio *RegionIO) Base() uint32 {
	return rio.region.Base
}

// Size returns the size of the region in bytes.
func (rio *RegionIO) Size() int64 {
	return int64(rio.region.Size)
}

// Read tries to read len(p) bytes from the current cursor position
func (rio *RegionIO) Read(p []byte) (int, error) {
	n, err := rio.readAt(p, rio.cursor)
	rio.cursor += int64(n)
	return n, err
}

// Write tries to write len(p) bytes to the current cursor position. Writes
// never extend the region.
func (rio *RegionIO) Write(p []byte) (int, error) {
	n, err := rio.writeAt(p, rio.cursor)
	rio.cursor += int64(n)
	return n, err
}

// Seek moves the cursor for reading and writing. Seeking past the end of the
// region places the cursor at the end.
func (rio *RegionIO) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = rio.cursor + offset
	case io.SeekEnd:
		pos = rio.Size() + offset
	default:
		return rio.cursor, fmt.Errorf("invalid whence %v", whence)
	}

	// Don't allow to seek before the start of the region
	if pos < 0 {
		return rio.cursor, errors.New("cannot set cursor to negative position")
	}
	if pos > rio.Size() {
		pos = rio.Size()
	}
	rio.cursor = pos
	return pos, nil
}

// ReadAt reads from a specific offset without moving the cursor
func (rio *RegionIO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("cannot read at negative offset")
	}
	return rio.readAt(p, off)
}

// WriteAt writes to a specific offset without moving the cursor
func (rio *RegionIO) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("cannot write at negative offset")
	}
	return rio.writeAt(p, off)
}

// readAt copies from the region into p, stopping at the end of the region.
func (rio *RegionIO) readAt(p []byte, off int64) (int, error) {
	if off >= rio.Size() {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > rio.Size()-off {
		n = int(rio.Size() - off)
	}
	if err := rio.access(p[:n], off, false); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// writeAt copies p into the region, stopping at the end of the region.
func (rio *RegionIO) writeAt(p []byte, off int64) (int, error) {
	n := len(p)
	if off >= rio.Size() {
		n = 0
	} else if int64(n) > rio.Size()-off {
		n = int(rio.Size() - off)
	}
	if err := rio.access(p[:n], off, true); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// access performs the memory access through the MMU. A failing fault halts
// the Manager inside the fault handler.
func (rio *RegionIO) access(p []byte, off int64, write bool) error {
	if len(p) == 0 {
		return nil
	}
	m := rio.vp.m
	if err := m.checkHalted(); err != nil {
		return err
	}
	if !rio.vp.pageTable.loaded() {
		return errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot access region %#x", rio.region.Base))
	}
	addr := rio.region.Base + uint32(off)
	if write {
		return m.hw.WriteVirtual(addr, p)
	}
	return m.hw.ReadVirtual(addr, p)
}
