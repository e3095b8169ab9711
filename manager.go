package vmem

import (
	"fmt"

	"github.com/NebulousLabs/Sia/persist"
	"github.com/NebulousLabs/errors"
)

type (
	// PagingConfig is the one-time configuration of the paging layer.
	PagingConfig struct {
		// KernelPool provides the frames of page directories.
		KernelPool *FramePool

		// ProcessPool provides the frames of page tables created on demand
		// and of faulted in data pages.
		ProcessPool *FramePool

		// SharedSize is the size of the identity mapped window at virtual
		// address 0. It must be page aligned and fit into one table.
		SharedSize uint32

		// TablesInKernelPool makes new page tables take the frame of their
		// shared window table from the kernel pool instead of the process
		// pool.
		TablesInKernelPool bool
	}

	// Manager owns the state of the memory subsystem: the hardware, the
	// registered frame pools, the paging configuration, the loaded page table
	// and the registered VM pools. Its methods must be called from a single
	// execution context; it is not safe for concurrent use.
	//
	// Every error except ErrNoContiguousRun is fatal. The first fatal error
	// halts the Manager and every later call returns ErrHalted.
	Manager struct {
		// hw is the processor and memory driven by the subsystem
		hw Hardware

		// log receives lifecycle events and fault traces
		log *persist.Logger

		// frames is the registry of all frame pools
		frames *frameRegistry

		// paging is the configuration set by InitPaging, nil before
		paging *PagingConfig

		// current is the page table last loaded into CR3
		current *PageTable

		// pagingEnabled is set once EnablePaging succeeded
		pagingEnabled bool

		// vmPools are the VM pools registered with the loaded table, in
		// registration order
		vmPools []*VMPool

		// halted is the fatal error that stopped the subsystem
		halted error
	}
)

// New creates a Manager driving hw and installs its page fault trap. log must
// not be nil.
func New(hw Hardware, log *persist.Logger) *Manager {
	m := &Manager{
		hw:     hw,
		log:    log,
		frames: newFrameRegistry(),
	}
	hw.SetFaultHandler(m.handleTrap)
	return m
}

// handleTrap dispatches a page fault to the loaded page table.
func (m *Manager) handleTrap(f Fault) error {
	if m.current == nil {
		err := errors.AddContext(ErrTableNotLoaded, fmt.Sprintf("page fault at %#x without a loaded table", f.Addr))
		return m.fail(err)
	}
	return m.current.HandleFault(f)
}

// checkHalted returns ErrHalted combined with the original cause if the
// Manager stopped after a fatal error.
func (m *Manager) checkHalted() error {
	if m.halted == nil {
		return nil
	}
	return errors.Compose(ErrHalted, m.halted)
}

// fail halts the Manager if err is fatal and returns err unchanged.
func (m *Manager) fail(err error) error {
	if !IsFatal(err) || m.halted != nil {
		return err
	}
	m.halted = err
	m.log.Printf("FATAL: memory subsystem halted: %v", err)
	return err
}

// Halted returns the error that halted the Manager or nil if it is running.
func (m *Manager) Halted() error {
	return m.halted
}

// Hardware returns the hardware driven by the Manager.
func (m *Manager) Hardware() Hardware {
	return m.hw
}

// FramePools returns all registered frame pools ordered by base frame.
func (m *Manager) FramePools() []*FramePool {
	return m.frames.list()
}

// FramePoolOf returns the frame pool that manages frameNo.
func (m *Manager) FramePoolOf(frameNo uint32) (*FramePool, bool) {
	return m.frames.owner(frameNo)
}

// VMPools returns the registered VM pools in registration order.
func (m *Manager) VMPools() []*VMPool {
	return append([]*VMPool(nil), m.vmPools...)
}

// CurrentTable returns the loaded page table or nil.
func (m *Manager) CurrentTable() *PageTable {
	return m.current
}

// PagingEnabled returns true once EnablePaging succeeded.
func (m *Manager) PagingEnabled() bool {
	return m.pagingEnabled
}

// Paging returns the paging configuration or nil before InitPaging.
func (m *Manager) Paging() *PagingConfig {
	if m.paging == nil {
		return nil
	}
	cfg := *m.paging
	return &cfg
}

// InitPaging configures the frame pools and the shared window used by every
// page table. It can only be called once.
func (m *Manager) InitPaging(cfg PagingConfig) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	return m.fail(m.initPaging(cfg))
}

// initPaging is the unmanaged version of InitPaging.
func (m *Manager) initPaging(cfg PagingConfig) error {
	if m.paging != nil {
		return ErrPagingConfigured
	}
	if cfg.KernelPool == nil || cfg.ProcessPool == nil {
		return errors.AddContext(ErrInvalidConfig, "paging needs a kernel and a process pool")
	}
	if cfg.KernelPool.m != m || cfg.ProcessPool.m != m {
		return errors.AddContext(ErrInvalidConfig, "frame pools belong to a different manager")
	}
	if cfg.SharedSize == 0 || cfg.SharedSize%PageSize != 0 || cfg.SharedSize > maxSharedSize {
		return errors.AddContext(ErrInvalidConfig, fmt.Sprintf("shared size %#x must be a page multiple in (0, %#x]", cfg.SharedSize, maxSharedSize))
	}
	m.paging = &cfg
	m.log.Printf("paging configured: kernel pool at frame %d, process pool at frame %d, shared window %#x",
		cfg.KernelPool.baseFrame, cfg.ProcessPool.baseFrame, cfg.SharedSize)
	return nil
}

// EnablePaging turns on address translation through the loaded table.
func (m *Manager) EnablePaging() error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	return m.fail(m.enablePaging())
}

// enablePaging is the unmanaged version of EnablePaging.
func (m *Manager) enablePaging() error {
	if m.current == nil {
		return ErrNoTableLoaded
	}
	m.pagingEnabled = true
	m.hw.WriteCR0(m.hw.ReadCR0() | CR0PagingBit)
	m.log.Printf("paging enabled, directory at %#x", m.hw.ReadCR3())
	return nil
}

// RegisterPool adds vp to the VM pools consulted by the fault handler.
func (m *Manager) RegisterPool(vp *VMPool) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	return m.fail(m.registerPool(vp))
}

// registerPool is the unmanaged version of RegisterPool. IsLegitimate
// includes the address just past the end of a pool, so pools may neither
// overlap nor touch.
func (m *Manager) registerPool(vp *VMPool) error {
	for _, other := range m.vmPools {
		if other == vp {
			return errors.AddContext(ErrPoolOverlap, fmt.Sprintf("VM pool at %#x is already registered", vp.base))
		}
		if uint64(vp.base) <= uint64(other.base)+uint64(other.size) && uint64(other.base) <= uint64(vp.base)+uint64(vp.size) {
			return errors.AddContext(ErrPoolOverlap, fmt.Sprintf("VM pool [%#x,%#x) overlaps or touches VM pool [%#x,%#x)",
				vp.base, uint64(vp.base)+uint64(vp.size), other.base, uint64(other.base)+uint64(other.size)))
		}
	}
	m.vmPools = append(m.vmPools, vp)
	m.log.Printf("VM pool registered: [%#x,%#x)", vp.base, uint64(vp.base)+uint64(vp.size))
	return nil
}

// claimingPool returns the single registered pool that considers addr
// legitimate. It fails if none or more than one do.
func (m *Manager) claimingPool(addr uint32) (*VMPool, error) {
	var claimer *VMPool
	claims := 0
	for _, vp := range m.vmPools {
		if vp.IsLegitimate(addr) {
			claimer = vp
			claims++
		}
	}
	if claims != 1 {
		return nil, errors.AddContext(ErrIllegalAddress, fmt.Sprintf("address %#x is claimed by %d of %d VM pools", addr, claims, len(m.vmPools)))
	}
	return claimer, nil
}
