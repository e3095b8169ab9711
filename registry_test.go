package vmem

import (
	"testing"
)

// TestRegistryOrder checks that pools are kept ordered by base frame
// regardless of the order they are created in
func TestRegistryOrder(t *testing.T) {
	mt, err := newManagerTester(t.Name(), testMemorySize)
	if err != nil {
		t.Fatal(err)
	}
	defer mt.Close()

	bases := []uint32{900, 100, 1500, 400}
	for _, base := range bases {
		if _, err := mt.m.NewFramePool(base, 50, InternalInfoFrame); err != nil {
			t.Fatal(err)
		}
	}

	pools := mt.m.FramePools()
	expected := []uint32{100, 400, 900, 1500}
	if len(pools) != len(expected) {
		t.Fatalf("There should be %v pools but there were %v", len(expected), len(pools))
	}
	for i, fp := range pools {
		if fp.BaseFrame() != expected[i] {
			t.Errorf("Pool %v should start at %v but started at %v", i, expected[i], fp.BaseFrame())
		}
	}
}

// TestRegistryOwner tests the lookup of the pool that owns a frame
func TestRegistryOwner(t *testing.T) {
	r := newFrameRegistry()
	low := &FramePool{baseFrame: 100, frameCount: 50}
	high := &FramePool{baseFrame: 300, frameCount: 10}
	r.add(high)
	r.add(low)

	tests := []struct {
		frame    uint32
		expected *FramePool
	}{
		{99, nil},
		{100, low},
		{149, low},
		{150, nil},
		{300, high},
		{309, high},
		{310, nil},
		{0, nil},
	}
	for _, test := range tests {
		fp, ok := r.owner(test.frame)
		if ok != (test.expected != nil) || fp != test.expected {
			t.Errorf("Frame %v should be owned by %v but was owned by %v", test.frame, test.expected, fp)
		}
	}
	if r.len() != 2 {
		t.Errorf("Registry should hold 2 pools but held %v", r.len())
	}
}

// TestRegistryOverlapping tests the overlap detection
func TestRegistryOverlapping(t *testing.T) {
	r := newFrameRegistry()
	fp := &FramePool{baseFrame: 100, frameCount: 50}
	r.add(fp)

	tests := []struct {
		base, count uint32
		overlaps    bool
	}{
		{50, 50, false},
		{50, 51, true},
		{149, 1, true},
		{150, 10, false},
		{0, 1000, true},
		{120, 5, true},
	}
	for _, test := range tests {
		if other := r.overlapping(test.base, test.count); (other != nil) != test.overlaps {
			t.Errorf("Range [%v,%v) overlapping should be %v", test.base, test.base+test.count, test.overlaps)
		}
	}
}
