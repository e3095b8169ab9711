package vmem

import (
	"fmt"

	"github.com/NebulousLabs/Sia/build"
	"github.com/NebulousLabs/errors"
)

// FrameState is the state of a frame as recorded in a pool's bitmap.
type FrameState uint8

const (
	// FrameFree marks a frame that can be allocated.
	FrameFree FrameState = iota

	// FrameUsed marks an allocated frame that is not the first of its
	// sequence.
	FrameUsed

	// FrameHead marks the first frame of an allocated sequence.
	FrameHead
)

// String implements fmt.Stringer.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameUsed:
		return "used"
	case FrameHead:
		return "head"
	default:
		return fmt.Sprintf("FrameState(%d)", uint8(s))
	}
}

type (
	// FramePool allocates contiguous runs of frames from a fixed range of
	// physical memory. The state of every frame is kept in a bitmap with two
	// bits per frame which lives in a frame of physical memory.
	FramePool struct {
		// m is the Manager the pool is registered with
		m *Manager

		// baseFrame is the number of the first frame managed by the pool
		baseFrame uint32

		// frameCount is the number of frames managed by the pool
		frameCount uint32

		// freeFrames is the number of frames currently marked free
		freeFrames uint32

		// infoFrame is the frame that holds the bitmap
		infoFrame uint32

		// bitmap aliases the contents of infoFrame
		bitmap []byte
	}
)

// NeededInfoFrames returns the number of frames required to hold the bitmap
// of a pool with n frames.
func NeededInfoFrames(n uint32) uint32 {
	const bitsPerInfoFrame = FrameSize * 8
	return uint32((uint64(n)*bitsPerFrame + bitsPerInfoFrame - 1) / bitsPerInfoFrame)
}

// NewFramePool creates a pool for the frameCount frames starting at
// baseFrame and appends it to the registry. If infoFrame is
// InternalInfoFrame the bitmap is kept in the first frame of the pool, which
// is marked used. Otherwise infoFrame must be a frame outside of the pool
// that the caller has reserved.
func (m *Manager) NewFramePool(baseFrame, frameCount, infoFrame uint32) (*FramePool, error) {
	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	fp, err := m.newFramePool(baseFrame, frameCount, infoFrame)
	return fp, m.fail(err)
}

// newFramePool is the unmanaged version of NewFramePool.
func (m *Manager) newFramePool(baseFrame, frameCount, infoFrame uint32) (*FramePool, error) {
	if frameCount == 0 {
		return nil, errors.AddContext(ErrInvalidConfig, "a frame pool needs at least one frame")
	}
	if frameCount > FramesPerInfoFrame {
		return nil, errors.AddContext(ErrPoolTooLarge, fmt.Sprintf("%d frames requested, one info frame holds %d", frameCount, FramesPerInfoFrame))
	}
	last := uint64(baseFrame) + uint64(frameCount) - 1
	if last > uint64(^uint32(0)) {
		return nil, errors.AddContext(ErrFrameOutOfRange, fmt.Sprintf("pool of %d frames at frame %d", frameCount, baseFrame))
	}
	if _, err := m.hw.PhysicalFrame(uint32(last)); err != nil {
		return nil, errors.Compose(ErrFrameOutOfRange, err)
	}
	if infoFrame != InternalInfoFrame && infoFrame >= baseFrame && uint64(infoFrame) <= last {
		return nil, errors.AddContext(ErrInvalidConfig, fmt.Sprintf("info frame %d lies inside the pool, use InternalInfoFrame", infoFrame))
	}
	if other := m.frames.overlapping(baseFrame, frameCount); other != nil {
		return nil, errors.AddContext(ErrPoolOverlap, fmt.Sprintf("frames [%d,%d) overlap pool [%d,%d)",
			baseFrame, last+1, other.baseFrame, other.baseFrame+other.frameCount))
	}

	bitmapFrame := infoFrame
	if infoFrame == InternalInfoFrame {
		bitmapFrame = baseFrame
	}
	for _, other := range m.frames.list() {
		if other.infoFrame == bitmapFrame {
			return nil, errors.AddContext(ErrInvalidConfig, fmt.Sprintf("info frame %d already holds the bitmap of pool at frame %d", bitmapFrame, other.baseFrame))
		}
	}
	bitmap, err := m.hw.PhysicalFrame(bitmapFrame)
	if err != nil {
		return nil, errors.Compose(ErrFrameOutOfRange, err)
	}

	fp := &FramePool{
		m:          m,
		baseFrame:  baseFrame,
		frameCount: frameCount,
		freeFrames: frameCount,
		infoFrame:  bitmapFrame,
		bitmap:     bitmap,
	}
	for i := uint32(0); i < frameCount; i++ {
		fp.setState(i, FrameFree)
	}
	if infoFrame == InternalInfoFrame {
		fp.setState(0, FrameUsed)
		fp.freeFrames--
	}
	m.frames.add(fp)

	m.log.Printf("frame pool initialized: frames [%d,%d), info frame %d, %d free", baseFrame, last+1, bitmapFrame, fp.freeFrames)
	return fp, nil
}

// BaseFrame returns the number of the first frame of the pool.
func (fp *FramePool) BaseFrame() uint32 {
	return fp.baseFrame
}

// FrameCount returns the number of frames managed by the pool.
func (fp *FramePool) FrameCount() uint32 {
	return fp.frameCount
}

// FreeFrames returns the number of free frames.
func (fp *FramePool) FreeFrames() uint32 {
	return fp.freeFrames
}

// InfoFrame returns the frame holding the pool's bitmap.
func (fp *FramePool) InfoFrame() uint32 {
	return fp.infoFrame
}

// Owns returns true if frameNo is managed by the pool.
func (fp *FramePool) Owns(frameNo uint32) bool {
	return frameNo >= fp.baseFrame && frameNo-fp.baseFrame < fp.frameCount
}

// State returns the state of frame frameNo.
func (fp *FramePool) State(frameNo uint32) (FrameState, error) {
	if !fp.Owns(frameNo) {
		return 0, errors.AddContext(ErrFrameOutOfRange, fp.describe(frameNo))
	}
	return fp.state(frameNo - fp.baseFrame), nil
}

// States returns the state of every frame of the pool, indexed relative to
// the base frame.
func (fp *FramePool) States() []FrameState {
	states := make([]FrameState, fp.frameCount)
	for i := range states {
		states[i] = fp.state(uint32(i))
	}
	return states
}

// GetFrames allocates a contiguous run of n frames and returns the number of
// its first frame. ErrNoContiguousRun is returned if no free run is long
// enough; that error leaves the subsystem running.
func (fp *FramePool) GetFrames(n uint32) (uint32, error) {
	if err := fp.m.checkHalted(); err != nil {
		return 0, err
	}
	frame, err := fp.getFrames(n)
	return frame, fp.m.fail(err)
}

// getFrames is the unmanaged version of GetFrames. The first free run that
// is long enough is used.
func (fp *FramePool) getFrames(n uint32) (uint32, error) {
	if n == 0 || n > fp.frameCount || n > fp.freeFrames {
		return 0, errors.AddContext(ErrInsufficientFrames, fmt.Sprintf("requested %d frames from pool at frame %d with %d of %d frames free",
			n, fp.baseFrame, fp.freeFrames, fp.frameCount))
	}

	var start, run uint32
	for i := uint32(0); i < fp.frameCount; i++ {
		if fp.state(i) != FrameFree {
			run = 0
			continue
		}
		if run == 0 {
			start = i
		}
		run++
		if run == n {
			fp.markRun(start, n)
			fp.m.log.Debugf("allocated frames [%d,%d)", fp.baseFrame+start, fp.baseFrame+start+n)
			return fp.baseFrame + start, nil
		}
	}
	return 0, errors.AddContext(ErrNoContiguousRun, fmt.Sprintf("requested %d frames from pool at frame %d with %d frames free",
		n, fp.baseFrame, fp.freeFrames))
}

// MarkInaccessible marks the n frames starting at baseFrame as allocated so
// they are never handed out. All of them must belong to the pool and be
// free.
func (fp *FramePool) MarkInaccessible(baseFrame, n uint32) error {
	if err := fp.m.checkHalted(); err != nil {
		return err
	}
	return fp.m.fail(fp.markInaccessible(baseFrame, n))
}

// markInaccessible is the unmanaged version of MarkInaccessible.
func (fp *FramePool) markInaccessible(baseFrame, n uint32) error {
	if n == 0 {
		return nil
	}
	if baseFrame < fp.baseFrame || uint64(baseFrame)+uint64(n) > uint64(fp.baseFrame)+uint64(fp.frameCount) {
		return errors.AddContext(ErrFrameOutOfRange, fmt.Sprintf("cannot mark frames [%d,%d) in pool [%d,%d)",
			baseFrame, uint64(baseFrame)+uint64(n), fp.baseFrame, fp.baseFrame+fp.frameCount))
	}

	// Check the whole range before changing any state.
	off := baseFrame - fp.baseFrame
	for i := off; i < off+n; i++ {
		if s := fp.state(i); s != FrameFree {
			return errors.AddContext(ErrFrameNotFree, fmt.Sprintf("cannot mark frame %d inaccessible, it is %v", fp.baseFrame+i, s))
		}
	}
	fp.markRun(off, n)
	fp.m.log.Printf("marked frames [%d,%d) inaccessible", baseFrame, baseFrame+n)
	return nil
}

// ReleaseFrames releases the sequence starting at firstFrame. The owning
// pool is looked up in the registry, so firstFrame does not have to belong to
// fp.
func (fp *FramePool) ReleaseFrames(firstFrame uint32) error {
	return fp.m.ReleaseFrames(firstFrame)
}

// ReleaseFrames releases the sequence starting at firstFrame to whichever
// registered pool owns it.
func (m *Manager) ReleaseFrames(firstFrame uint32) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	return m.fail(m.releaseFrames(firstFrame))
}

// releaseFrames is the unmanaged version of ReleaseFrames.
func (m *Manager) releaseFrames(firstFrame uint32) error {
	fp, ok := m.frames.owner(firstFrame)
	if !ok {
		return errors.AddContext(ErrFrameNotOwned, fmt.Sprintf("cannot release frame %d, %d pools registered", firstFrame, m.frames.len()))
	}
	return fp.releaseRun(firstFrame)
}

// releaseRun frees the head at firstFrame and every used frame that follows
// it up to the next free or head frame.
func (fp *FramePool) releaseRun(firstFrame uint32) error {
	i := firstFrame - fp.baseFrame
	if s := fp.state(i); s != FrameHead {
		return errors.AddContext(ErrNotSequenceHead, fmt.Sprintf("cannot release frame %d, it is %v", firstFrame, s))
	}
	fp.setState(i, FrameFree)
	released := uint32(1)
	for i++; i < fp.frameCount && fp.state(i) == FrameUsed; i++ {
		fp.setState(i, FrameFree)
		released++
	}
	fp.freeFrames += released
	fp.m.log.Debugf("released frames [%d,%d)", firstFrame, firstFrame+released)
	return nil
}

// markRun marks n frames starting at pool index start as one allocated
// sequence.
func (fp *FramePool) markRun(start, n uint32) {
	fp.setState(start, FrameHead)
	for i := start + 1; i < start+n; i++ {
		fp.setState(i, FrameUsed)
	}
	fp.freeFrames -= n
}

// state returns the state of the frame at pool index i.
func (fp *FramePool) state(i uint32) FrameState {
	s := FrameState(fp.bitmap[i>>2]>>((i&3)<<1)) & 0b11
	if s > FrameHead {
		build.Critical(fmt.Sprintf("corrupt bitmap state %#b for frame %d", uint8(s), fp.baseFrame+i))
		return FrameUsed
	}
	return s
}

// setState records the state of the frame at pool index i.
func (fp *FramePool) setState(i uint32, s FrameState) {
	shift := (i & 3) << 1
	fp.bitmap[i>>2] = fp.bitmap[i>>2]&^(0b11<<shift) | byte(s)<<shift
}

// describe returns a description of the pool for error context.
func (fp *FramePool) describe(frameNo uint32) string {
	return fmt.Sprintf("frame %d, pool [%d,%d) with %d frames free", frameNo, fp.baseFrame, uint64(fp.baseFrame)+uint64(fp.frameCount), fp.freeFrames)
}
