package main

import (
	"github.com/NebulousLabs/Sia/build"
	"github.com/fogleman/gg"

	"github.com/NebulousLabs/vmem"
)

const (
	// cellSize is the edge length in pixels of one frame in the frame map.
	cellSize = 4

	// framesPerRow is the number of frames drawn per row.
	framesPerRow = 256

	// poolGap is the vertical space in pixels between two pools.
	poolGap = 8
)

// renderFrameMap draws the state of every frame of every registered pool
// into a PNG at path. Each pool is a block of rows, free frames are dark,
// used frames are blue and sequence heads are orange.
func renderFrameMap(path string, pools []*vmem.FramePool) error {
	height := 0
	for _, fp := range pools {
		height += rowsFor(fp)*cellSize + poolGap
	}
	if height == 0 {
		height = poolGap
	}

	dc := gg.NewContext(framesPerRow*cellSize, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	y := 0
	for _, fp := range pools {
		for i, s := range fp.States() {
			switch s {
			case vmem.FrameFree:
				dc.SetRGB(0.15, 0.15, 0.15)
			case vmem.FrameUsed:
				dc.SetRGB(0.2, 0.45, 0.9)
			case vmem.FrameHead:
				dc.SetRGB(1, 0.55, 0)
			}
			col, row := i%framesPerRow, i/framesPerRow
			dc.DrawRectangle(float64(col*cellSize), float64(y+row*cellSize), cellSize, cellSize)
			dc.Fill()
		}
		y += rowsFor(fp)*cellSize + poolGap
	}

	if err := dc.SavePNG(path); err != nil {
		return build.ExtendErr("unable to write frame map", err)
	}
	return nil
}

// rowsFor returns the number of rows needed to draw the frames of fp.
func rowsFor(fp *vmem.FramePool) int {
	return (int(fp.FrameCount()) + framesPerRow - 1) / framesPerRow
}
