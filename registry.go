package vmem

import (
	"github.com/benbjohnson/immutable"
)

type (
	// frameComparer orders frame numbers.
	frameComparer struct{}

	// frameRegistry is the set of every frame pool constructed by a Manager,
	// ordered by base frame. It answers which pool owns a frame when frames
	// are released without naming their pool.
	frameRegistry struct {
		// pools maps the base frame of every pool to the pool
		pools *immutable.SortedMap[uint32, *FramePool]
	}
)

// Compare implements immutable.Comparer.
func (frameComparer) Compare(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// newFrameRegistry returns an empty registry.
func newFrameRegistry() *frameRegistry {
	return &frameRegistry{
		pools: immutable.NewSortedMap[uint32, *FramePool](frameComparer{}),
	}
}

// add registers a pool. The caller has checked that it does not overlap a
// registered pool.
func (r *frameRegistry) add(fp *FramePool) {
	r.pools = r.pools.Set(fp.baseFrame, fp)
}

// len returns the number of registered pools.
func (r *frameRegistry) len() int {
	return r.pools.Len()
}

// owner returns the pool that manages frameNo.
func (r *frameRegistry) owner(frameNo uint32) (*FramePool, bool) {
	itr := r.pools.Iterator()
	for !itr.Done() {
		base, fp, _ := itr.Next()
		if base > frameNo {
			break
		}
		if fp.Owns(frameNo) {
			return fp, true
		}
	}
	return nil, false
}

// overlapping returns a registered pool that shares a frame with the count
// frames starting at base, or nil.
func (r *frameRegistry) overlapping(base, count uint32) *FramePool {
	end := uint64(base) + uint64(count)
	itr := r.pools.Iterator()
	for !itr.Done() {
		_, fp, _ := itr.Next()
		if uint64(fp.baseFrame) < end && uint64(base) < uint64(fp.baseFrame)+uint64(fp.frameCount) {
			return fp
		}
	}
	return nil
}

// list returns the registered pools ordered by base frame.
func (r *frameRegistry) list() []*FramePool {
	pools := make([]*FramePool, 0, r.pools.Len())
	itr := r.pools.Iterator()
	for !itr.Done() {
		_, fp, _ := itr.Next()
		pools = append(pools, fp)
	}
	return pools
}
