package vmem

import (
	"encoding/binary"
	"fmt"

	"github.com/NebulousLabs/errors"
)

type (
	// Region is a range of virtual memory handed out by a VM pool.
	Region struct {
		Base uint32
		Size uint32
	}

	// VMPool manages a range of virtual memory that is paged in on demand.
	// The first page of the range holds the region directory, an array of
	// (base, size) records describing the allocated regions in address
	// order. Record 0 describes the directory page itself.
	VMPool struct {
		// m is the Manager the pool is registered with
		m *Manager

		// base and size describe the managed range
		base uint32
		size uint32

		// framePool is the frame pool the pool was created for
		framePool *FramePool

		// pageTable is the table the pool is registered with
		pageTable *PageTable

		// regionCount is the number of records in the region directory
		regionCount uint32

		// available is the number of bytes not covered by a region
		available uint32
	}
)

// NewVMPool creates a VM pool for the size bytes of virtual memory starting
// at base and registers it with pt. Writing the first region record faults
// in the directory page.
func (m *Manager) NewVMPool(base, size uint32, framePool *FramePool, pt *PageTable) (*VMPool, error) {
	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	vp, err := m.newVMPool(base, size, framePool, pt)
	return vp, m.fail(err)
}

// newVMPool is the unmanaged version of NewVMPool.
func (m *Manager) newVMPool(base, size uint32, framePool *FramePool, pt *PageTable) (*VMPool, error) {
	if m.paging == nil {
		return nil, ErrPagingNotConfigured
	}
	if framePool == nil || pt == nil || framePool.m != m || pt.m != m {
		return nil, errors.AddContext(ErrInvalidConfig, "a VM pool needs a frame pool and a page table of the same manager")
	}
	if base%PageSize != 0 || size%PageSize != 0 || size < PageSize {
		return nil, errors.AddContext(ErrInvalidRegion, fmt.Sprintf("pool at %#x of %#x bytes is not page aligned", base, size))
	}
	if base < m.paging.SharedSize || uint64(base)+uint64(size) > RecursiveWindowBase {
		return nil, errors.AddContext(ErrInvalidRegion, fmt.Sprintf("pool [%#x,%#x) must lie in [%#x,%#x)",
			base, uint64(base)+uint64(size), m.paging.SharedSize, RecursiveWindowBase))
	}
	if !pt.loaded() {
		return nil, errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot create VM pool at %#x", base))
	}

	vp := &VMPool{
		m:           m,
		base:        base,
		size:        size,
		framePool:   framePool,
		pageTable:   pt,
		regionCount: 1,
		available:   size - PageSize,
	}
	if err := m.registerPool(vp); err != nil {
		return nil, err
	}
	if err := vp.writeRegion(0, Region{Base: base, Size: PageSize}); err != nil {
		return nil, err
	}
	return vp, nil
}

// Base returns the first address of the pool.
func (vp *VMPool) Base() uint32 {
	return vp.base
}

// Size returns the size of the pool in bytes.
func (vp *VMPool) Size() uint32 {
	return vp.size
}

// Available returns the number of bytes that can still be allocated.
func (vp *VMPool) Available() uint32 {
	return vp.available
}

// FramePool returns the frame pool the pool was created for.
func (vp *VMPool) FramePool() *FramePool {
	return vp.framePool
}

// PageTable returns the page table the pool is registered with.
func (vp *VMPool) PageTable() *PageTable {
	return vp.pageTable
}

// IsLegitimate returns true if addr lies within the pool. The address just
// past the end of the pool is included.
func (vp *VMPool) IsLegitimate(addr uint32) bool {
	return addr >= vp.base && uint64(addr) <= uint64(vp.base)+uint64(vp.size)
}

// Allocate reserves a region of at least n bytes, rounded up to whole pages,
// directly after the last allocated region and returns its first address.
// No frame is touched until the region is accessed.
func (vp *VMPool) Allocate(n uint32) (uint32, error) {
	if err := vp.m.checkHalted(); err != nil {
		return 0, err
	}
	addr, err := vp.allocate(n)
	return addr, vp.m.fail(err)
}

// allocate is the unmanaged version of Allocate.
func (vp *VMPool) allocate(n uint32) (uint32, error) {
	if !vp.pageTable.loaded() {
		return 0, errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot allocate from VM pool at %#x", vp.base))
	}
	if n == 0 {
		return 0, ErrEmptyRegion
	}
	size := (uint64(n) + PageSize - 1) / PageSize * PageSize
	if size > uint64(vp.available) {
		return 0, errors.AddContext(ErrInsufficientSpace, fmt.Sprintf("requested %d bytes from VM pool at %#x with %d bytes available", n, vp.base, vp.available))
	}
	if vp.regionCount >= maxRegions {
		return 0, errors.AddContext(ErrRegionDirectoryFull, fmt.Sprintf("VM pool at %#x holds %d regions", vp.base, vp.regionCount))
	}
	last, err := vp.readRegion(vp.regionCount - 1)
	if err != nil {
		return 0, err
	}
	start := uint64(last.Base) + uint64(last.Size)
	if start+size > uint64(vp.base)+uint64(vp.size) {
		return 0, errors.AddContext(ErrInsufficientSpace, fmt.Sprintf("VM pool at %#x is fragmented, %d bytes do not fit after %#x", vp.base, size, start))
	}

	r := Region{Base: uint32(start), Size: uint32(size)}
	if err := vp.writeRegion(vp.regionCount, r); err != nil {
		return 0, err
	}
	vp.regionCount++
	vp.available -= r.Size
	vp.m.log.Debugf("VM pool at %#x allocated region [%#x,%#x)", vp.base, r.Base, start+size)
	return r.Base, nil
}

// Release frees the region starting at start. Every resident page of the
// region is freed and the records after it move down by one slot.
func (vp *VMPool) Release(start uint32) error {
	if err := vp.m.checkHalted(); err != nil {
		return err
	}
	return vp.m.fail(vp.release(start))
}

// release is the unmanaged version of Release.
func (vp *VMPool) release(start uint32) error {
	if !vp.pageTable.loaded() {
		return errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot release from VM pool at %#x", vp.base))
	}

	idx, r, err := vp.findRegion(start)
	if err != nil {
		return err
	}
	if idx == 0 {
		return errors.AddContext(ErrRegionNotFound, fmt.Sprintf("address %#x in VM pool at %#x with %d regions", start, vp.base, vp.regionCount))
	}

	first := PageNumber(r.Base)
	for p := first; p < first+r.Size/PageSize; p++ {
		if err := vp.pageTable.freePage(p); err != nil {
			return err
		}
	}
	for i := idx; i+1 < vp.regionCount; i++ {
		next, err := vp.readRegion(i + 1)
		if err != nil {
			return err
		}
		if err := vp.writeRegion(i, next); err != nil {
			return err
		}
	}
	if err := vp.writeRegion(vp.regionCount-1, Region{}); err != nil {
		return err
	}
	vp.regionCount--
	vp.available += r.Size
	vp.m.log.Debugf("VM pool at %#x released region [%#x,%#x)", vp.base, r.Base, uint64(r.Base)+uint64(r.Size))
	return nil
}

// Regions reads the region directory, including the directory page itself.
func (vp *VMPool) Regions() ([]Region, error) {
	if !vp.pageTable.loaded() {
		return nil, errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot read regions of VM pool at %#x", vp.base))
	}
	regions := make([]Region, vp.regionCount)
	for i := range regions {
		r, err := vp.readRegion(uint32(i))
		if err != nil {
			return nil, err
		}
		regions[i] = r
	}
	return regions, nil
}

// findRegion returns the index and the record of the region starting at
// start, or index 0 if no allocated region starts there. Record 0 is the
// directory page and never matches.
func (vp *VMPool) findRegion(start uint32) (uint32, Region, error) {
	for i := uint32(1); i < vp.regionCount; i++ {
		r, err := vp.readRegion(i)
		if err != nil {
			return 0, Region{}, err
		}
		if r.Base == start {
			return i, r, nil
		}
	}
	return 0, Region{}, nil
}

// readRegion reads record i of the region directory through the MMU.
func (vp *VMPool) readRegion(i uint32) (Region, error) {
	var b [regionRecordSize]byte
	if err := vp.m.hw.ReadVirtual(vp.base+i*regionRecordSize, b[:]); err != nil {
		return Region{}, err
	}
	return Region{
		Base: binary.LittleEndian.Uint32(b[:4]),
		Size: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// writeRegion writes record i of the region directory through the MMU.
func (vp *VMPool) writeRegion(i uint32, r Region) error {
	var b [regionRecordSize]byte
	binary.LittleEndian.PutUint32(b[:4], r.Base)
	binary.LittleEndian.PutUint32(b[4:], r.Size)
	return vp.m.hw.WriteVirtual(vp.base+i*regionRecordSize, b[:])
}
