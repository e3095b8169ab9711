package vmem

const (
	// PageSize is the size in bytes of a virtual page. It is also the size of
	// a physical frame.
	PageSize = 4096

	// FrameSize is the size in bytes of a physical frame.
	FrameSize = PageSize

	// EntriesPerTable is the number of 32 bit entries stored in a page
	// directory or a page table.
	EntriesPerTable = 1024

	// FramesPerInfoFrame is the number of frames whose state fits into the
	// bitmap of a single info frame.
	FramesPerInfoFrame = FrameSize * 8 / bitsPerFrame

	// InternalInfoFrame tells NewFramePool to keep the bitmap in the first
	// frame of the pool itself.
	InternalInfoFrame = 0

	// CR0PagingBit is the paging enable bit of the CR0 control register.
	CR0PagingBit = 0x80000000

	// RecursiveWindowBase is the lowest virtual address of the window through
	// which the loaded directory and its tables are visible.
	RecursiveWindowBase = recursiveIndex << dirShift
)

const (
	// bitsPerFrame is the number of bitmap bits that describe one frame.
	bitsPerFrame = 2

	// pageShift and dirShift are the positions of the table index and the
	// directory index within a virtual address.
	pageShift = 12
	dirShift  = 22

	// indexMask extracts a directory or table index.
	indexMask = EntriesPerTable - 1

	// offsetMask extracts the offset within a page.
	offsetMask = PageSize - 1

	// recursiveIndex is the directory slot that maps the directory itself.
	recursiveIndex = EntriesPerTable - 1

	// entrySize is the size in bytes of a directory or table entry.
	entrySize = 4

	// maxSharedSize is the largest shared window a single page table can
	// identity map.
	maxSharedSize = EntriesPerTable * PageSize

	// regionRecordSize is the size of one record of a VM pool's region
	// directory: 4 bytes base address followed by 4 bytes size.
	regionRecordSize = 8

	// maxRegions is the number of region records that fit into the metadata
	// page of a VM pool.
	maxRegions = PageSize / regionRecordSize
)

// zeroPage is written over fresh tables and data pages.
var zeroPage [PageSize]byte
