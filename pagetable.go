package vmem

import (
	"fmt"

	"github.com/NebulousLabs/errors"
)

type (
	// PageTable is a two level translation structure: a page directory of
	// 1024 entries pointing at page tables of 1024 entries each. The first
	// table identity maps the shared window and the last directory slot maps
	// the directory itself, which makes every table of the loaded directory
	// visible in the recursive window at the top of the address space.
	PageTable struct {
		// m is the Manager the table was created by
		m *Manager

		// directoryFrame is the kernel pool frame holding the directory
		directoryFrame uint32

		// sharedTableFrame is the frame of the table that identity maps the
		// shared window
		sharedTableFrame uint32
	}
)

// NewPageTable creates a page table whose only mappings are the shared
// window and the recursive slot. The directory frame comes from the kernel
// pool.
func (m *Manager) NewPageTable() (*PageTable, error) {
	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	pt, err := m.newPageTable()
	return pt, m.fail(err)
}

// newPageTable is the unmanaged version of NewPageTable.
func (m *Manager) newPageTable() (*PageTable, error) {
	if m.paging == nil {
		return nil, ErrPagingNotConfigured
	}
	tablePool := m.paging.ProcessPool
	if m.paging.TablesInKernelPool {
		tablePool = m.paging.KernelPool
	}

	dirFrame, err := m.paging.KernelPool.getFrames(1)
	if err != nil {
		return nil, errors.AddContext(ErrOutOfFrames, fmt.Sprintf("no frame for a page directory: %v", err))
	}
	tableFrame, err := tablePool.getFrames(1)
	if err != nil {
		return nil, errors.AddContext(ErrOutOfFrames, fmt.Sprintf("no frame for the shared window table: %v", err))
	}
	dir, err := m.hw.PhysicalFrame(dirFrame)
	if err != nil {
		return nil, err
	}
	table, err := m.hw.PhysicalFrame(tableFrame)
	if err != nil {
		return nil, err
	}

	// Identity map the shared window, everything above it is not present.
	shared := m.paging.SharedSize / PageSize
	for i := uint32(0); i < EntriesPerTable; i++ {
		e := entry(0)
		if i < shared {
			e = makeEntry(i, FlagPresent|FlagRW)
		}
		putEntry(table, i, e)
	}
	copy(dir, zeroPage[:])
	putEntry(dir, 0, makeEntry(tableFrame, FlagPresent|FlagRW))
	putEntry(dir, recursiveIndex, makeEntry(dirFrame, FlagPresent|FlagRW))

	m.log.Printf("page table created: directory frame %d, shared table frame %d", dirFrame, tableFrame)
	return &PageTable{
		m:                m,
		directoryFrame:   dirFrame,
		sharedTableFrame: tableFrame,
	}, nil
}

// DirectoryAddress returns the physical address of the page directory, the
// value loaded into CR3.
func (pt *PageTable) DirectoryAddress() uint32 {
	return PageAddress(pt.directoryFrame)
}

// DirectoryFrame returns the frame holding the page directory.
func (pt *PageTable) DirectoryFrame() uint32 {
	return pt.directoryFrame
}

// SharedTableFrame returns the frame of the table mapping the shared window.
func (pt *PageTable) SharedTableFrame() uint32 {
	return pt.sharedTableFrame
}

// Load makes pt the current table and writes its directory address to CR3,
// which discards all cached translations.
func (pt *PageTable) Load() error {
	if err := pt.m.checkHalted(); err != nil {
		return err
	}
	pt.load()
	return nil
}

// load is the unmanaged version of Load.
func (pt *PageTable) load() {
	pt.m.current = pt
	pt.m.hw.WriteCR3(pt.DirectoryAddress())
}

// loaded returns true if addresses are translated through pt.
func (pt *PageTable) loaded() bool {
	return pt.m.pagingEnabled && pt.m.current == pt
}

// RegisterPool adds vp to the VM pools whose addresses the fault handler
// services.
func (pt *PageTable) RegisterPool(vp *VMPool) error {
	return pt.m.RegisterPool(vp)
}

// HandleFault services a page fault on the loaded table. A missing table is
// created from the process pool before a zeroed data frame is mapped at the
// faulting page.
func (pt *PageTable) HandleFault(f Fault) error {
	if err := pt.m.checkHalted(); err != nil {
		return err
	}
	return pt.m.fail(pt.handleFault(f))
}

// handleFault is the unmanaged version of HandleFault.
func (pt *PageTable) handleFault(f Fault) error {
	if !pt.loaded() {
		return errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("page fault at %#x", f.Addr))
	}
	if f.Code&FaultProtection != 0 {
		return errors.AddContext(ErrProtectionViolation, fmt.Sprintf("address %#x, error code %#x", f.Addr, f.Code))
	}
	d, t := DirectoryIndex(f.Addr), TableIndex(f.Addr)
	if d == recursiveIndex {
		return errors.AddContext(ErrIllegalAddress, fmt.Sprintf("fault at %#x in the recursive window", f.Addr))
	}
	if len(pt.m.vmPools) > 0 {
		if _, err := pt.m.claimingPool(f.Addr); err != nil {
			return err
		}
	}
	pool := pt.m.paging.ProcessPool

	pde, err := pt.readDirectoryEntry(d)
	if err != nil {
		return err
	}
	if !pde.HasFlags(FlagPresent) {
		frame, err := pool.getFrames(1)
		if err != nil {
			return errors.AddContext(ErrOutOfFrames, fmt.Sprintf("no frame for the table of %#x: %v", f.Addr, err))
		}
		if err := pt.writeDirectoryEntry(d, makeEntry(frame, FlagPresent|FlagRW)); err != nil {
			return err
		}
		if err := pt.m.hw.WriteVirtual(RecursiveTableAddress(d), zeroPage[:]); err != nil {
			return err
		}
		pt.m.log.Debugf("page table for directory slot %d installed at frame %d", d, frame)
	}

	pte, err := pt.readTableEntry(d, t)
	if err != nil {
		return err
	}
	if pte.HasFlags(FlagPresent) {
		return errors.AddContext(ErrSpuriousFault, fmt.Sprintf("address %#x is mapped to frame %d", f.Addr, pte.Frame()))
	}
	frame, err := pool.getFrames(1)
	if err != nil {
		return errors.AddContext(ErrOutOfFrames, fmt.Sprintf("no frame for the page at %#x: %v", f.Addr, err))
	}
	if err := pt.writeTableEntry(d, t, makeEntry(frame, FlagPresent|FlagRW)); err != nil {
		return err
	}
	if err := pt.m.hw.WriteVirtual(PageAddress(PageNumber(f.Addr)), zeroPage[:]); err != nil {
		return err
	}
	pt.m.log.Debugf("page fault at %#x: mapped page %d to frame %d", f.Addr, PageNumber(f.Addr), frame)
	return nil
}

// FreePage releases the frame mapped at page pageNo and clears the mapping.
// Freeing a page that is not resident does nothing.
func (pt *PageTable) FreePage(pageNo uint32) error {
	if err := pt.m.checkHalted(); err != nil {
		return err
	}
	return pt.m.fail(pt.freePage(pageNo))
}

// freePage is the unmanaged version of FreePage.
func (pt *PageTable) freePage(pageNo uint32) error {
	if pageNo > PageNumber(^uint32(0)) {
		return errors.AddContext(ErrIllegalAddress, fmt.Sprintf("page %d is beyond the address space", pageNo))
	}
	if !pt.loaded() {
		return errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("cannot free page %d", pageNo))
	}
	addr := PageAddress(pageNo)
	if addr < pt.m.paging.SharedSize {
		return errors.AddContext(ErrIllegalAddress, fmt.Sprintf("page %d lies in the shared window", pageNo))
	}
	d, t := DirectoryIndex(addr), TableIndex(addr)
	if d == recursiveIndex {
		return errors.AddContext(ErrIllegalAddress, fmt.Sprintf("page %d lies in the recursive window", pageNo))
	}

	pde, err := pt.readDirectoryEntry(d)
	if err != nil || !pde.HasFlags(FlagPresent) {
		return err
	}
	pte, err := pt.readTableEntry(d, t)
	if err != nil || !pte.HasFlags(FlagPresent) {
		return err
	}
	if err := pt.m.releaseFrames(pte.Frame()); err != nil {
		return errors.AddContext(err, fmt.Sprintf("cannot free page %d", pageNo))
	}
	if err := pt.writeTableEntry(d, t, 0); err != nil {
		return err
	}

	// Reloading CR3 drops the stale translation.
	pt.load()
	pt.m.log.Debugf("freed page %d, frame %d", pageNo, pte.Frame())
	return nil
}

// Translate returns the physical address vaddr maps to. If pt is loaded the
// walk reads the tables through the recursive window, otherwise it reads
// physical memory.
func (pt *PageTable) Translate(vaddr uint32) (uint32, error) {
	d, t := DirectoryIndex(vaddr), TableIndex(vaddr)
	var pde, pte entry
	var err error
	if pt.loaded() {
		pde, err = pt.readDirectoryEntry(d)
		if err != nil {
			return 0, err
		}
		if pde.HasFlags(FlagPresent) {
			pte, err = pt.readTableEntry(d, t)
		}
	} else {
		pde, pte, err = pt.physicalWalk(d, t)
	}
	if err != nil {
		return 0, err
	}
	if !pde.HasFlags(FlagPresent) || !pte.HasFlags(FlagPresent) {
		return 0, errors.AddContext(ErrNotMapped, fmt.Sprintf("address %#x", vaddr))
	}
	return pte.Address() | vaddr&offsetMask, nil
}

// physicalWalk reads the directory and table entries for the given indices
// straight from physical memory.
func (pt *PageTable) physicalWalk(d, t uint32) (pde, pte entry, err error) {
	dir, err := pt.m.hw.PhysicalFrame(pt.directoryFrame)
	if err != nil {
		return 0, 0, err
	}
	pde = entryAt(dir, d)
	if !pde.HasFlags(FlagPresent) {
		return pde, 0, nil
	}
	table, err := pt.m.hw.PhysicalFrame(pde.Frame())
	if err != nil {
		return 0, 0, err
	}
	return pde, entryAt(table, t), nil
}

// readDirectoryEntry reads slot d of the loaded directory through the
// recursive window.
func (pt *PageTable) readDirectoryEntry(d uint32) (entry, error) {
	v, err := readWord(pt.m.hw, directoryEntryAddress(d))
	return entry(v), err
}

// writeDirectoryEntry writes slot d of the loaded directory through the
// recursive window.
func (pt *PageTable) writeDirectoryEntry(d uint32, e entry) error {
	return writeWord(pt.m.hw, directoryEntryAddress(d), uint32(e))
}

// readTableEntry reads slot t of the table installed at directory slot d.
// The directory entry must be present.
func (pt *PageTable) readTableEntry(d, t uint32) (entry, error) {
	v, err := readWord(pt.m.hw, tableEntryAddress(d, t))
	return entry(v), err
}

// writeTableEntry writes slot t of the table installed at directory slot d.
func (pt *PageTable) writeTableEntry(d, t uint32, e entry) error {
	return writeWord(pt.m.hw, tableEntryAddress(d, t), uint32(e))
}
