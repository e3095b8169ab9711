package vmem

import (
	"bytes"
	"testing"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"
)

// TestNewPageTableLayout checks the directory and the shared window table of
// a new page table in physical memory
func TestNewPageTableLayout(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	dir, err := mt.machine.PhysicalFrame(mt.pt.DirectoryFrame())
	if err != nil {
		t.Fatal(err)
	}
	table, err := mt.machine.PhysicalFrame(mt.pt.SharedTableFrame())
	if err != nil {
		t.Fatal(err)
	}
	if e := entryAt(dir, 0); e != makeEntry(1024, FlagPresent|FlagRW) {
		t.Errorf("Directory slot 0 should point at the shared table but was %#x", uint32(e))
	}
	if e := entryAt(dir, recursiveIndex); e != makeEntry(514, FlagPresent|FlagRW) {
		t.Errorf("Directory slot 1023 should point at the directory but was %#x", uint32(e))
	}
	for i := uint32(1); i < recursiveIndex; i++ {
		if e := entryAt(dir, i); e != 0 {
			t.Fatalf("Directory slot %v should be empty but was %#x", i, uint32(e))
		}
	}
	for i := uint32(0); i < EntriesPerTable; i++ {
		if e := entryAt(table, i); e != makeEntry(i, FlagPresent|FlagRW) {
			t.Fatalf("Shared table slot %v should identity map frame %v but was %#x", i, i, uint32(e))
		}
	}
}

// TestSharedWindowSize checks that only the shared window is identity mapped
func TestSharedWindowSize(t *testing.T) {
	mt, err := newManagerTester(t.Name(), testMemorySize)
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	kernel, err := mt.m.NewFramePool(testKernelBase, testPoolSize, InternalInfoFrame)
	if err != nil {
		t.Fatal(err)
	}
	err = mt.m.InitPaging(PagingConfig{KernelPool: kernel, ProcessPool: kernel, SharedSize: 16 * PageSize})
	if err != nil {
		t.Fatal(err)
	}
	pt, err := mt.m.NewPageTable()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pt.Translate(15 * PageSize); err != nil {
		t.Errorf("Page 15 should be mapped: %v", err)
	}
	if _, err := pt.Translate(16 * PageSize); !errors.Contains(err, ErrNotMapped) {
		t.Errorf("Expected %v but got %v", ErrNotMapped, err)
	}
}

// TestRecursiveMapping reads the tables of the loaded directory through the
// recursive window
func TestRecursiveMapping(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	self, err := readWord(mt.machine, directoryEntryAddress(recursiveIndex))
	if err != nil {
		t.Fatal(err)
	}
	if entry(self).Address() != mt.pt.DirectoryAddress() {
		t.Errorf("Recursive slot should point at %#x but pointed at %#x", mt.pt.DirectoryAddress(), entry(self).Address())
	}
	shared, err := readWord(mt.machine, tableEntryAddress(0, 5))
	if err != nil {
		t.Fatal(err)
	}
	if entry(shared) != makeEntry(5, FlagPresent|FlagRW) {
		t.Errorf("Shared table slot 5 should identity map frame 5 but was %#x", shared)
	}
	if mt.machine.Faults() != 0 {
		t.Errorf("Reading the recursive window should not fault but %v faults were raised", mt.machine.Faults())
	}

	// Identity mapping of the shared window.
	phys, err := mt.pt.Translate(0x123456)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x123456 {
		t.Errorf("Shared address should translate to itself but translated to %#x", phys)
	}
}

// TestDemandPaging touches a page in an unmapped directory slot and checks
// that the table and the page are created once
func TestDemandPaging(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	free := mt.process.FreeFrames()
	addr := uint32(0x800010)
	if err := writeWord(mt.machine, addr, 42); err != nil {
		t.Fatal(err)
	}
	if mt.machine.Faults() != 1 {
		t.Errorf("First touch should raise 1 fault but raised %v", mt.machine.Faults())
	}
	if mt.process.FreeFrames() != free-2 {
		t.Errorf("A table and a page should be allocated, free frames went from %v to %v", free, mt.process.FreeFrames())
	}

	// Touching it again doesn't fault.
	v, err := readWord(mt.machine, addr)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("Expected 42 but got %v", v)
	}
	if mt.machine.Faults() != 1 {
		t.Errorf("Second touch should not fault, %v faults raised", mt.machine.Faults())
	}

	// A neighbor page only needs a frame.
	if err := writeWord(mt.machine, addr+PageSize, 43); err != nil {
		t.Fatal(err)
	}
	if mt.process.FreeFrames() != free-3 {
		t.Errorf("Only a page should be allocated, free frames went from %v to %v", free, mt.process.FreeFrames())
	}

	// The new table is installed in the directory.
	pde, err := mt.pt.readDirectoryEntry(DirectoryIndex(addr))
	if err != nil {
		t.Fatal(err)
	}
	if !pde.HasFlags(FlagPresent|FlagRW) || !mt.process.Owns(pde.Frame()) {
		t.Errorf("Directory slot %v should hold a process pool table but was %#x", DirectoryIndex(addr), uint32(pde))
	}
	phys, err := mt.pt.Translate(addr)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := mt.machine.PhysicalFrame(PageNumber(phys))
	if entryAt(frame, (phys&offsetMask)/entrySize) != 42 {
		t.Errorf("Frame %v should hold the written word", PageNumber(phys))
	}
	if mt.m.Halted() != nil {
		t.Errorf("Manager should not be halted: %v", mt.m.Halted())
	}
}

// TestFaultedPagesAreZeroed checks that a reused frame is cleared before it
// is mapped again
func TestFaultedPagesAreZeroed(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	addr := uint32(0x800000)
	data := fastrand.Bytes(PageSize)
	if err := mt.machine.WriteVirtual(addr, data); err != nil {
		t.Fatal(err)
	}
	if err := mt.pt.FreePage(PageNumber(addr)); err != nil {
		t.Fatal(err)
	}

	read := make([]byte, PageSize)
	if err := mt.machine.ReadVirtual(addr, read); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read, zeroPage[:]) {
		t.Error("Faulted in page should be zeroed")
	}
	if mt.machine.Faults() != 2 {
		t.Errorf("Expected 2 faults but got %v", mt.machine.Faults())
	}
}

// TestFreePage tests freeing resident and non resident pages
func TestFreePage(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	addr := uint32(0x1000000)
	if err := writeWord(mt.machine, addr, 1); err != nil {
		t.Fatal(err)
	}
	phys, err := mt.pt.Translate(addr)
	if err != nil {
		t.Fatal(err)
	}
	free := mt.process.FreeFrames()
	if err := mt.pt.FreePage(PageNumber(addr)); err != nil {
		t.Fatal(err)
	}
	if mt.process.FreeFrames() != free+1 {
		t.Errorf("Freeing a page should return 1 frame, free frames went from %v to %v", free, mt.process.FreeFrames())
	}
	if s, _ := mt.process.State(PageNumber(phys)); s != FrameFree {
		t.Errorf("Frame %v should be free but was %v", PageNumber(phys), s)
	}
	if _, err := mt.pt.Translate(addr); !errors.Contains(err, ErrNotMapped) {
		t.Errorf("Expected %v but got %v", ErrNotMapped, err)
	}

	// The stale translation is gone, the next access faults.
	faults := mt.machine.Faults()
	if _, err := readWord(mt.machine, addr); err != nil {
		t.Fatal(err)
	}
	if mt.machine.Faults() != faults+1 {
		t.Errorf("Access after free should fault once, got %v faults", mt.machine.Faults()-faults)
	}

	// Pages that are not resident are ignored, with or without a table.
	free = mt.process.FreeFrames()
	for _, page := range []uint32{PageNumber(addr) + 1, PageNumber(0x40000000)} {
		if err := mt.pt.FreePage(page); err != nil {
			t.Errorf("Freeing non resident page %#x failed: %v", page, err)
		}
	}
	if mt.process.FreeFrames() != free {
		t.Errorf("Free frames changed from %v to %v", free, mt.process.FreeFrames())
	}
}

// TestFreePageIllegal tests freeing pages that can't be freed
func TestFreePageIllegal(t *testing.T) {
	pages := []uint32{0, PageNumber(testSharedSize) - 1, PageNumber(RecursiveWindowBase), 1 << 20}
	for _, page := range pages {
		mt, err := newMemTester(t.Name())
		if err != nil {
			t.Fatal(err)
		}
		if err := mt.pt.FreePage(page); !errors.Contains(err, ErrIllegalAddress) {
			t.Errorf("Freeing page %#x: expected %v but got %v", page, ErrIllegalAddress, err)
		}
		mt.Close()
	}
}

// TestProtectionViolation tests that a write to a read-only page halts the
// Manager
func TestProtectionViolation(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	addr := uint32(0x800000)
	if err := writeWord(mt.machine, addr, 1); err != nil {
		t.Fatal(err)
	}
	pte, err := mt.pt.readTableEntry(DirectoryIndex(addr), TableIndex(addr))
	if err != nil {
		t.Fatal(err)
	}
	if err := mt.pt.writeTableEntry(DirectoryIndex(addr), TableIndex(addr), pte&^entry(FlagRW)); err != nil {
		t.Fatal(err)
	}
	mt.machine.WriteCR3(mt.machine.ReadCR3())

	err = writeWord(mt.machine, addr, 2)
	if !errors.Contains(err, ErrProtectionViolation) {
		t.Fatalf("Expected %v but got %v", ErrProtectionViolation, err)
	}
	if !errors.Contains(mt.m.Halted(), ErrProtectionViolation) {
		t.Errorf("Manager should be halted with %v but was %v", ErrProtectionViolation, mt.m.Halted())
	}
}

// TestFaultOutsidePools tests that with registered VM pools only their
// addresses are serviced
func TestFaultOutsidePools(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	if _, err := mt.m.NewVMPool(0x800000, 16*PageSize, mt.process, mt.pt); err != nil {
		t.Fatal(err)
	}
	free := mt.process.FreeFrames()
	err = writeWord(mt.machine, 0x900000, 1)
	if !errors.Contains(err, ErrIllegalAddress) {
		t.Fatalf("Expected %v but got %v", ErrIllegalAddress, err)
	}
	if mt.process.FreeFrames() != free {
		t.Errorf("No frame should be allocated for an illegal address")
	}
	if mt.m.Halted() == nil {
		t.Error("Manager should be halted")
	}
}

// TestFaultInRecursiveWindow tests that the recursive window is never
// serviced
func TestFaultInRecursiveWindow(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	// The table of directory slot 7 doesn't exist.
	_, err = readWord(mt.machine, RecursiveTableAddress(7))
	if !errors.Contains(err, ErrIllegalAddress) {
		t.Errorf("Expected %v but got %v", ErrIllegalAddress, err)
	}
}

// TestSpuriousFault tests that a fault on a mapped page is rejected
func TestSpuriousFault(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	if err := writeWord(mt.machine, 0x800000, 1); err != nil {
		t.Fatal(err)
	}
	if err := mt.pt.HandleFault(Fault{Addr: 0x800000}); !errors.Contains(err, ErrSpuriousFault) {
		t.Errorf("Expected %v but got %v", ErrSpuriousFault, err)
	}
}

// TestFaultOutOfFrames tests that running out of frames while servicing a
// fault is fatal
func TestFaultOutOfFrames(t *testing.T) {
	mt, err := newManagerTester(t.Name(), testMemorySize)
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	// The process pool only holds the shared table and two more frames.
	if err := mt.initPools(3, false); err != nil {
		t.Fatal(err)
	}
	if err := mt.pt.Load(); err != nil {
		t.Fatal(err)
	}
	if err := mt.m.EnablePaging(); err != nil {
		t.Fatal(err)
	}

	if err := writeWord(mt.machine, 0x800000, 1); err != nil {
		t.Fatal(err)
	}
	err = writeWord(mt.machine, 0x801000, 1)
	if !errors.Contains(err, ErrOutOfFrames) {
		t.Fatalf("Expected %v but got %v", ErrOutOfFrames, err)
	}
	if !IsFatal(err) {
		t.Error("Running out of frames in the fault handler should be fatal")
	}
	if mt.m.Halted() == nil {
		t.Error("Manager should be halted")
	}
}

// TestTableNotLoaded tests operations on a table that is not loaded
func TestTableNotLoaded(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	other, err := mt.m.NewPageTable()
	if err != nil {
		t.Fatal(err)
	}

	// Translate works on tables that aren't loaded.
	if phys, err := other.Translate(0x2000); err != nil || phys != 0x2000 {
		t.Errorf("Expected %#x but got %#x, %v", 0x2000, phys, err)
	}
	if _, err := other.Translate(0x800000); !errors.Contains(err, ErrNotMapped) {
		t.Errorf("Expected %v but got %v", ErrNotMapped, err)
	}

	if err := other.FreePage(PageNumber(0x800000)); !errors.Contains(err, ErrTableNotLoaded) {
		t.Errorf("Expected %v but got %v", ErrTableNotLoaded, err)
	}
}

// TestSwitchTables tests that each table keeps its own mappings
func TestSwitchTables(t *testing.T) {
	mt, err := newMemTester(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	other, err := mt.m.NewPageTable()
	if err != nil {
		t.Fatal(err)
	}
	addr := uint32(0x800000)
	if err := writeWord(mt.machine, addr, 1); err != nil {
		t.Fatal(err)
	}

	if err := other.Load(); err != nil {
		t.Fatal(err)
	}
	if mt.m.CurrentTable() != other || mt.machine.ReadCR3() != other.DirectoryAddress() {
		t.Fatal("Other table should be loaded")
	}
	if err := writeWord(mt.machine, addr, 2); err != nil {
		t.Fatal(err)
	}

	if err := mt.pt.Load(); err != nil {
		t.Fatal(err)
	}
	if v, err := readWord(mt.machine, addr); err != nil || v != 1 {
		t.Errorf("Kernel table should map its own page holding 1, got %v, %v", v, err)
	}
	if mt.machine.Faults() != 2 {
		t.Errorf("Expected 2 faults but got %v", mt.machine.Faults())
	}
}
