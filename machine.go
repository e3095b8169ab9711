package vmem

import (
	"encoding/binary"
	"fmt"

	"github.com/NebulousLabs/errors"
)

type (
	// Fault describes a page fault as the trap path hands it to the fault
	// handler.
	Fault struct {
		// Addr is the faulting virtual address, the value of CR2
		Addr uint32

		// Code is the error code pushed by the MMU
		Code FaultCode
	}

	// FaultCode is the error code of a page fault.
	FaultCode uint32

	// Hardware is the processor and physical memory the subsystem drives.
	Hardware interface {
		// ReadCR0 and WriteCR0 access the control register holding the
		// paging enable bit.
		ReadCR0() uint32
		WriteCR0(uint32)

		// ReadCR2 returns the address of the last page fault.
		ReadCR2() uint32

		// ReadCR3 and WriteCR3 access the translation base register. Writing
		// it discards all cached translations.
		ReadCR3() uint32
		WriteCR3(uint32)

		// PhysicalFrame returns the contents of a physical frame. The slice
		// aliases physical memory.
		PhysicalFrame(frameNo uint32) ([]byte, error)

		// ReadVirtual and WriteVirtual access memory through the MMU. Pages
		// that are not present raise a page fault first.
		ReadVirtual(addr uint32, p []byte) error
		WriteVirtual(addr uint32, p []byte) error

		// SetFaultHandler installs the page fault trap.
		SetFaultHandler(func(Fault) error)
	}

	// Machine is a simulated 32 bit processor with two level paging, a TLB
	// and a fixed amount of physical memory. It is not safe for concurrent
	// use.
	Machine struct {
		// memory is the installed physical memory
		memory []byte

		// cr0, cr2 and cr3 are the control registers used by paging
		cr0 uint32
		cr2 uint32
		cr3 uint32

		// tlb caches the effective table entry of translated pages by virtual
		// page number
		tlb map[uint32]entry

		// handler is called for every page fault
		handler func(Fault) error

		// faults counts the page faults raised so far
		faults uint64
	}
)

const (
	// FaultProtection is set if the faulting page was present and the access
	// was not permitted. If it is clear the page was not present.
	FaultProtection FaultCode = 1 << iota

	// FaultWrite is set if the faulting access was a write.
	FaultWrite

	// FaultUser is set if the faulting access came from user mode.
	FaultUser
)

// NewMachine creates a machine with memorySize bytes of physical memory and
// paging disabled.
func NewMachine(memorySize uint32) (*Machine, error) {
	if memorySize == 0 || memorySize%PageSize != 0 {
		return nil, errors.AddContext(ErrInvalidConfig, fmt.Sprintf("memory size %d is not a positive multiple of the page size", memorySize))
	}
	return &Machine{
		memory: make([]byte, memorySize),
		tlb:    make(map[uint32]entry),
	}, nil
}

// MemorySize returns the installed physical memory in bytes.
func (m *Machine) MemorySize() uint32 {
	return uint32(len(m.memory))
}

// Faults returns the number of page faults raised so far.
func (m *Machine) Faults() uint64 {
	return m.faults
}

// ReadCR0 returns the CR0 register.
func (m *Machine) ReadCR0() uint32 {
	return m.cr0
}

// WriteCR0 sets the CR0 register. Toggling paging flushes the TLB.
func (m *Machine) WriteCR0(v uint32) {
	if (m.cr0^v)&CR0PagingBit != 0 {
		m.flushTLB()
	}
	m.cr0 = v
}

// ReadCR2 returns the address of the last page fault.
func (m *Machine) ReadCR2() uint32 {
	return m.cr2
}

// ReadCR3 returns the physical address of the loaded page directory.
func (m *Machine) ReadCR3() uint32 {
	return m.cr3
}

// WriteCR3 loads a page directory and flushes the TLB.
func (m *Machine) WriteCR3(v uint32) {
	m.cr3 = v
	m.flushTLB()
}

// SetFaultHandler installs the page fault handler.
func (m *Machine) SetFaultHandler(h func(Fault) error) {
	m.handler = h
}

// PhysicalFrame returns the contents of frame frameNo.
func (m *Machine) PhysicalFrame(frameNo uint32) ([]byte, error) {
	off := uint64(frameNo) * PageSize
	if off+PageSize > uint64(len(m.memory)) {
		return nil, errors.AddContext(ErrPhysicalAddress, fmt.Sprintf("frame %d is beyond %d bytes of memory", frameNo, len(m.memory)))
	}
	return m.memory[off : off+PageSize : off+PageSize], nil
}

// ReadVirtual reads len(p) bytes starting at virtual address addr.
func (m *Machine) ReadVirtual(addr uint32, p []byte) error {
	return m.access(addr, p, false)
}

// WriteVirtual writes p starting at virtual address addr.
func (m *Machine) WriteVirtual(addr uint32, p []byte) error {
	return m.access(addr, p, true)
}

// access copies between p and memory one page at a time, translating every
// page separately.
func (m *Machine) access(addr uint32, p []byte, write bool) error {
	for len(p) > 0 {
		n := PageSize - int(addr&offsetMask)
		if n > len(p) {
			n = len(p)
		}
		phys, err := m.translate(addr, write)
		if err != nil {
			return err
		}
		if write {
			copy(m.memory[phys:int(phys)+n], p[:n])
		} else {
			copy(p[:n], m.memory[phys:int(phys)+n])
		}
		p = p[n:]
		addr += uint32(n)
	}
	return nil
}

// translate returns the physical address of addr. If the walk faults the
// fault handler runs once and the walk is repeated.
func (m *Machine) translate(addr uint32, write bool) (uint32, error) {
	if m.cr0&CR0PagingBit == 0 {
		if uint64(addr) >= uint64(len(m.memory)) {
			return 0, errors.AddContext(ErrPhysicalAddress, fmt.Sprintf("address %#x with paging disabled", addr))
		}
		return addr, nil
	}

	phys, code, faulted, err := m.walk(addr, write)
	if err != nil || !faulted {
		return phys, err
	}
	if err := m.raise(Fault{Addr: addr, Code: code}); err != nil {
		return 0, err
	}
	phys, _, faulted, err = m.walk(addr, write)
	if err != nil {
		return 0, err
	}
	if faulted {
		return 0, errors.AddContext(ErrUnresolvedFault, fmt.Sprintf("address %#x", addr))
	}
	return phys, nil
}

// walk translates addr through the TLB or the loaded directory. It returns
// faulted with the fault's error code if the access is not possible.
func (m *Machine) walk(addr uint32, write bool) (phys uint32, code FaultCode, faulted bool, err error) {
	if write {
		code |= FaultWrite
	}

	vpn := PageNumber(addr)
	e, cached := m.tlb[vpn]
	if !cached {
		pde, err := m.physicalEntry(m.cr3&entryAddrMask + DirectoryIndex(addr)*entrySize)
		if err != nil {
			return 0, 0, false, err
		}
		if !pde.HasFlags(FlagPresent) {
			return 0, code, true, nil
		}
		pte, err := m.physicalEntry(pde.Address() + TableIndex(addr)*entrySize)
		if err != nil {
			return 0, 0, false, err
		}
		if !pte.HasFlags(FlagPresent) {
			return 0, code, true, nil
		}

		// The effective permission is the intersection of both levels.
		e = pte
		if !pde.HasFlags(FlagRW) {
			e &^= entry(FlagRW)
		}
		m.tlb[vpn] = e
	}

	if write && !e.HasFlags(FlagRW) {
		return 0, code | FaultProtection, true, nil
	}
	phys = e.Address() | addr&offsetMask
	if uint64(phys) >= uint64(len(m.memory)) {
		return 0, 0, false, errors.AddContext(ErrPhysicalAddress, fmt.Sprintf("address %#x maps to %#x", addr, phys))
	}
	return phys, 0, false, nil
}

// physicalEntry reads a directory or table entry at a physical address.
func (m *Machine) physicalEntry(addr uint32) (entry, error) {
	if uint64(addr)+entrySize > uint64(len(m.memory)) {
		return 0, errors.AddContext(ErrPhysicalAddress, fmt.Sprintf("table entry at %#x", addr))
	}
	return entry(binary.LittleEndian.Uint32(m.memory[addr:])), nil
}

// raise records a page fault and runs the fault handler.
func (m *Machine) raise(f Fault) error {
	m.faults++
	m.cr2 = f.Addr
	if m.handler == nil {
		return errors.AddContext(ErrNoFaultHandler, fmt.Sprintf("address %#x, error code %#x", f.Addr, f.Code))
	}
	return m.handler(f)
}

// flushTLB discards every cached translation.
func (m *Machine) flushTLB() {
	m.tlb = make(map[uint32]entry)
}

// readWord reads a little endian uint32 through the MMU.
func readWord(hw Hardware, addr uint32) (uint32, error) {
	var b [4]byte
	if err := hw.ReadVirtual(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// writeWord writes a little endian uint32 through the MMU.
func writeWord(hw Hardware, addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return hw.WriteVirtual(addr, b[:])
}
