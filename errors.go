package vmem

import (
	"github.com/NebulousLabs/errors"
)

// Errors returned by frame pool requests.
var (
	// ErrInsufficientFrames is returned when a request asks for no frames or
	// for more frames than the pool has in total or has free.
	ErrInsufficientFrames = errors.New("frame request exceeds the pool's total or free frames")

	// ErrNoContiguousRun is returned when the pool has enough free frames but
	// no contiguous run of the requested length. It is the only recoverable
	// error of the package.
	ErrNoContiguousRun = errors.New("no contiguous run of free frames is long enough")

	// ErrFrameOutOfRange is returned when a frame lies outside of a pool or
	// outside of installed memory.
	ErrFrameOutOfRange = errors.New("frame is out of range")

	// ErrFrameNotFree is returned when marking a frame inaccessible that is
	// already in use.
	ErrFrameNotFree = errors.New("frame is not free")

	// ErrFrameNotOwned is returned when releasing a frame that no registered
	// pool manages.
	ErrFrameNotOwned = errors.New("frame is not owned by any registered frame pool")

	// ErrNotSequenceHead is returned when releasing a frame that does not
	// start an allocated sequence.
	ErrNotSequenceHead = errors.New("frame is not the head of an allocated sequence")

	// ErrPoolTooLarge is returned when a pool has more frames than one info
	// frame can describe.
	ErrPoolTooLarge = errors.New("frame pool exceeds the capacity of one info frame")

	// ErrPoolOverlap is returned when a frame pool or a VM pool overlaps an
	// already registered pool.
	ErrPoolOverlap = errors.New("pool overlaps a registered pool")
)

// Errors returned while configuring paging and handling faults.
var (
	ErrInvalidConfig       = errors.New("invalid memory configuration")
	ErrPagingConfigured    = errors.New("paging has already been configured")
	ErrPagingNotConfigured = errors.New("paging has not been configured")
	ErrNoTableLoaded       = errors.New("no page table is loaded")
	ErrTableNotLoaded      = errors.New("page table is not the loaded table or paging is disabled")

	// ErrProtectionViolation is returned for a fault on a present page.
	ErrProtectionViolation = errors.New("page protection violation")

	// ErrIllegalAddress is returned for a fault on an address that is not
	// covered by exactly one registered VM pool.
	ErrIllegalAddress = errors.New("illegal address")

	// ErrSpuriousFault is returned when the handler finds the faulting page
	// already mapped.
	ErrSpuriousFault = errors.New("fault on a present mapping")

	// ErrOutOfFrames is returned when the subsystem cannot obtain a frame it
	// needs for a table, a directory or a faulting page.
	ErrOutOfFrames = errors.New("no frame available for the memory subsystem")

	// ErrNotMapped is returned by Translate for non resident pages.
	ErrNotMapped = errors.New("virtual address is not mapped")
)

// Errors returned by VM pools.
var (
	ErrRegionNotFound      = errors.New("no region starts at the address")
	ErrInsufficientSpace   = errors.New("not enough virtual space left in the pool")
	ErrEmptyRegion         = errors.New("cannot allocate an empty region")
	ErrRegionDirectoryFull = errors.New("region directory of the pool is full")
	ErrInvalidRegion       = errors.New("invalid virtual region")
)

// Errors returned by the machine.
var (
	ErrPhysicalAddress = errors.New("physical address is outside installed memory")
	ErrNoFaultHandler  = errors.New("page fault raised without a fault handler")
	ErrUnresolvedFault = errors.New("access still faults after the fault handler returned")
)

// ErrHalted is returned by every entry point of a Manager after a fatal
// error.
var ErrHalted = errors.New("memory subsystem halted after a fatal error")

// IsFatal returns true if err must halt the memory subsystem. Only a frame
// request that found no contiguous run can be recovered from.
func IsFatal(err error) bool {
	return err != nil && !errors.Contains(err, ErrNoContiguousRun)
}
