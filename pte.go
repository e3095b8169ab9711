package vmem

import (
	"encoding/binary"
)

// EntryFlag is a flag stored in the low bits of a directory or table entry.
type EntryFlag uint32

const (
	// FlagPresent is set if the entry maps a frame.
	FlagPresent EntryFlag = 1 << iota

	// FlagRW is set if the mapped memory can be written to.
	FlagRW

	// FlagUser is set if user mode may access the mapped memory.
	FlagUser
)

// entryAddrMask extracts the frame address of an entry.
const entryAddrMask = 0xFFFFF000

// entry is a page directory or page table entry in the layout expected by the
// MMU: a page aligned frame address ORed with EntryFlags.
type entry uint32

// makeEntry returns an entry that points at frame with the given flags.
func makeEntry(frame uint32, flags EntryFlag) entry {
	return entry(frame<<pageShift | uint32(flags))
}

// HasFlags returns true if all the flags are set.
func (e entry) HasFlags(flags EntryFlag) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

// Address returns the physical address the entry points at.
func (e entry) Address() uint32 {
	return uint32(e) & entryAddrMask
}

// Frame returns the frame number the entry points at.
func (e entry) Frame() uint32 {
	return uint32(e) >> pageShift
}

// entryAt reads the i-th entry of a directory or table frame.
func entryAt(frame []byte, i uint32) entry {
	return entry(binary.LittleEndian.Uint32(frame[i*entrySize:]))
}

// putEntry writes the i-th entry of a directory or table frame.
func putEntry(frame []byte, i uint32, e entry) {
	binary.LittleEndian.PutUint32(frame[i*entrySize:], uint32(e))
}

// DirectoryIndex returns the directory slot that translates addr.
func DirectoryIndex(addr uint32) uint32 {
	return addr >> dirShift
}

// TableIndex returns the table slot that translates addr.
func TableIndex(addr uint32) uint32 {
	return (addr >> pageShift) & indexMask
}

// PageNumber returns the number of the page containing addr.
func PageNumber(addr uint32) uint32 {
	return addr >> pageShift
}

// PageAddress returns the first address of page pageNo.
func PageAddress(pageNo uint32) uint32 {
	return pageNo << pageShift
}

// RecursiveDirectoryAddress returns the virtual address at which the loaded
// directory is visible. Both index fields select the last directory slot, so
// the MMU follows the self map twice and lands on the directory.
func RecursiveDirectoryAddress() uint32 {
	return recursiveIndex<<dirShift | recursiveIndex<<pageShift
}

// RecursiveTableAddress returns the virtual address at which the table
// installed in directory slot dirIndex is visible. The first walk step
// follows the self map, the second uses dirIndex as a table index into the
// directory.
func RecursiveTableAddress(dirIndex uint32) uint32 {
	return recursiveIndex<<dirShift | (dirIndex&indexMask)<<pageShift
}

// directoryEntryAddress returns the virtual address of directory slot
// dirIndex in the loaded directory.
func directoryEntryAddress(dirIndex uint32) uint32 {
	return RecursiveDirectoryAddress() + dirIndex*entrySize
}

// tableEntryAddress returns the virtual address of slot tableIndex in the
// table installed at dirIndex of the loaded directory.
func tableEntryAddress(dirIndex, tableIndex uint32) uint32 {
	return RecursiveTableAddress(dirIndex) + tableIndex*entrySize
}
