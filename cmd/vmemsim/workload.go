package main

import (
	"bytes"
	"fmt"

	"github.com/NebulousLabs/Sia/build"
	"github.com/NebulousLabs/fastrand"

	"github.com/NebulousLabs/vmem"
)

type (
	// allocation is a region allocated by the workload together with the
	// pattern written into it.
	allocation struct {
		pool    *vmem.VMPool
		addr    uint32
		pattern []byte
	}

	// workloadStats summarizes a workload run.
	workloadStats struct {
		regions      int
		bytes        int
		faults       uint64
		framesBefore uint32
		framesPeak   uint32
		framesAfter  uint32
	}
)

// runWorkload allocates n regions of growing size round robin from pools,
// fills them with random data, verifies the data and releases the regions in
// allocation order. Every page of every region is faulted in on first touch.
func runWorkload(m *vmem.Manager, pools []*vmem.VMPool, n int, st *stepper) (workloadStats, error) {
	machine, ok := m.Hardware().(*vmem.Machine)
	if !ok {
		return workloadStats{}, fmt.Errorf("workload needs a simulated machine, got %T", m.Hardware())
	}
	frames := m.Paging().ProcessPool
	stats := workloadStats{
		regions:      n,
		framesBefore: frames.FreeFrames(),
	}
	faultsBefore := machine.Faults()

	if err := st.wait("allocate"); err != nil {
		return stats, err
	}
	allocs := make([]allocation, 0, n)
	for i := 0; i < n; i++ {
		vp := pools[i%len(pools)]
		size := (i+1)*vmem.PageSize/2 + fastrand.Intn(vmem.PageSize)
		addr, err := vp.Allocate(uint32(size))
		if err != nil {
			return stats, build.ExtendErr(fmt.Sprintf("allocation %v of %v bytes failed", i, size), err)
		}
		allocs = append(allocs, allocation{
			pool:    vp,
			addr:    addr,
			pattern: fastrand.Bytes(size),
		})
		stats.bytes += size
	}

	if err := st.wait("write"); err != nil {
		return stats, err
	}
	for _, a := range allocs {
		rio, err := a.pool.Open(a.addr)
		if err != nil {
			return stats, err
		}
		if _, err := rio.Write(a.pattern); err != nil {
			return stats, build.ExtendErr(fmt.Sprintf("writing region %#x failed", a.addr), err)
		}
	}
	stats.framesPeak = frames.FreeFrames()

	if err := st.wait("verify"); err != nil {
		return stats, err
	}
	for _, a := range allocs {
		rio, err := a.pool.Open(a.addr)
		if err != nil {
			return stats, err
		}
		buf := make([]byte, len(a.pattern))
		if _, err := rio.ReadAt(buf, 0); err != nil {
			return stats, build.ExtendErr(fmt.Sprintf("reading region %#x failed", a.addr), err)
		}
		if !bytes.Equal(buf, a.pattern) {
			return stats, fmt.Errorf("region %#x does not hold the pattern written to it", a.addr)
		}
	}

	if err := st.wait("release"); err != nil {
		return stats, err
	}
	for _, a := range allocs {
		if err := a.pool.Release(a.addr); err != nil {
			return stats, build.ExtendErr(fmt.Sprintf("releasing region %#x failed", a.addr), err)
		}
	}
	stats.framesAfter = frames.FreeFrames()
	stats.faults = machine.Faults() - faultsBefore
	return stats, nil
}

// String implements fmt.Stringer.
func (s workloadStats) String() string {
	return fmt.Sprintf("%v regions, %v bytes, %v page faults, free process frames %v -> %v -> %v",
		s.regions, s.bytes, s.faults, s.framesBefore, s.framesPeak, s.framesAfter)
}
