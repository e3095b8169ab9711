package vmem

import (
	"fmt"

	"github.com/NebulousLabs/Sia/persist"
	"github.com/NebulousLabs/errors"
)

type (
	// FrameRange is a contiguous range of physical frames.
	FrameRange struct {
		Start uint32 `json:"start"`
		Count uint32 `json:"count"`
	}

	// BootConfig describes the memory layout set up by Boot. Pool positions
	// and sizes are given in frames.
	BootConfig struct {
		// MemorySize is the installed physical memory in bytes.
		MemorySize uint32 `json:"memorysize"`

		// KernelPoolStart and KernelPoolSize place the kernel frame pool,
		// which keeps its bitmap in its first frame.
		KernelPoolStart uint32 `json:"kernelpoolstart"`
		KernelPoolSize  uint32 `json:"kernelpoolsize"`

		// ProcessPoolStart and ProcessPoolSize place the process frame pool,
		// whose bitmap is allocated from the kernel pool.
		ProcessPoolStart uint32 `json:"processpoolstart"`
		ProcessPoolSize  uint32 `json:"processpoolsize"`

		// SharedSize is the identity mapped window at address 0 in bytes.
		SharedSize uint32 `json:"sharedsize"`

		// Holes are frame ranges inside the pools that must never be handed
		// out, such as memory mapped devices.
		Holes []FrameRange `json:"holes"`

		// TablesInKernelPool takes the shared window table of new page tables
		// from the kernel pool.
		TablesInKernelPool bool `json:"tablesinkernelpool"`
	}
)

// DefaultBootConfig returns the layout of a 32 MiB machine: the kernel pool
// covers 2 MiB to 4 MiB, the process pool covers 4 MiB to 32 MiB with a 1 MiB
// hole at 15 MiB and the first 4 MiB are shared.
func DefaultBootConfig() BootConfig {
	const mib = 1 << 20
	return BootConfig{
		MemorySize:       32 * mib,
		KernelPoolStart:  2 * mib / FrameSize,
		KernelPoolSize:   2 * mib / FrameSize,
		ProcessPoolStart: 4 * mib / FrameSize,
		ProcessPoolSize:  28 * mib / FrameSize,
		SharedSize:       4 * mib,
		Holes:            []FrameRange{{Start: 15 * mib / FrameSize, Count: mib / FrameSize}},
	}
}

// Boot brings up the memory subsystem on a new Machine: it creates the
// kernel and process frame pools, marks the holes inaccessible, configures
// paging, loads the kernel page table and enables paging.
func Boot(cfg BootConfig, log *persist.Logger) (*Manager, *PageTable, error) {
	machine, err := NewMachine(cfg.MemorySize)
	if err != nil {
		return nil, nil, err
	}
	m := New(machine, log)

	kernelPool, err := m.NewFramePool(cfg.KernelPoolStart, cfg.KernelPoolSize, InternalInfoFrame)
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to create the kernel pool")
	}
	infoFrame, err := kernelPool.GetFrames(NeededInfoFrames(cfg.ProcessPoolSize))
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to allocate the process pool bitmap")
	}
	processPool, err := m.NewFramePool(cfg.ProcessPoolStart, cfg.ProcessPoolSize, infoFrame)
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to create the process pool")
	}
	for _, hole := range cfg.Holes {
		fp, ok := m.FramePoolOf(hole.Start)
		if !ok {
			return nil, nil, m.fail(errors.AddContext(ErrFrameNotOwned, fmt.Sprintf("hole at frame %d is not inside a pool", hole.Start)))
		}
		if err := fp.MarkInaccessible(hole.Start, hole.Count); err != nil {
			return nil, nil, errors.AddContext(err, "unable to mark hole inaccessible")
		}
	}

	err = m.InitPaging(PagingConfig{
		KernelPool:         kernelPool,
		ProcessPool:        processPool,
		SharedSize:         cfg.SharedSize,
		TablesInKernelPool: cfg.TablesInKernelPool,
	})
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to configure paging")
	}
	pt, err := m.NewPageTable()
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to create the kernel page table")
	}
	if err := pt.Load(); err != nil {
		return nil, nil, err
	}
	if err := m.EnablePaging(); err != nil {
		return nil, nil, errors.AddContext(err, "unable to enable paging")
	}
	return m, pt, nil
}
