package main

import (
	"fmt"

	"github.com/fogleman/gg"

	"kmem/tools/mmsim/sim"
)

const (
	renderMargin  = 10.0
	renderLabelH  = 20.0
	renderHeapBar = 40.0
)

// renderOccupancy draws the frame map as a grid of cells followed by a bar
// showing the heap blocks laid out across the dynamic region.
func renderOccupancy(sys *sim.System, cfg RenderConfig) (*gg.Context, error) {
	snap, err := sys.Stats()
	if err != nil {
		return nil, err
	}

	if cfg.CellSize <= 0 {
		return nil, fmt.Errorf("render: invalid cell size %d", cfg.CellSize)
	}

	cell := float64(cfg.CellSize)
	usable := float64(cfg.Width) - 2*renderMargin
	perRow := int(usable / cell)
	if perRow <= 0 {
		return nil, fmt.Errorf("render: width %d cannot fit a %d pixel cell", cfg.Width, cfg.CellSize)
	}

	var (
		rows    = (int(snap.TotalFrames) + perRow - 1) / perRow
		gridH   = float64(rows) * cell
		heapTop = renderMargin + renderLabelH + gridH + renderMargin + renderLabelH
		height  = heapTop + renderHeapBar + renderMargin
	)

	dc := gg.NewContext(cfg.Width, int(height))
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("frames: %d total, %d free", snap.TotalFrames, snap.FreeFrames), renderMargin, renderMargin+renderLabelH-6)

	gridTop := renderMargin + renderLabelH
	sys.VisitFrames(func(index uint32, used bool) bool {
		x := renderMargin + float64(int(index)%perRow)*cell
		y := gridTop + float64(int(index)/perRow)*cell
		dc.DrawRectangle(x, y, cell-1, cell-1)
		if used {
			dc.SetRGB(0.85, 0.25, 0.2)
		} else {
			dc.SetRGB(0.3, 0.75, 0.35)
		}
		dc.Fill()
		return true
	})

	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("heap: %d segments, %d bytes in use, %d bytes free",
		snap.Heap.Segments, snap.Heap.InUseBytes, snap.Heap.FreeBytes), renderMargin, heapTop-6)

	// Unused parts of the dynamic region stay gray.
	dc.SetRGB(0.85, 0.85, 0.85)
	dc.DrawRectangle(renderMargin, heapTop, usable, renderHeapBar)
	dc.Fill()

	start, end := sys.Region()
	scale := usable / float64(end-start)
	err = sys.VisitHeapBlocks(func(_, addr, size uintptr, free bool) bool {
		x := renderMargin + float64(addr-start)*scale
		w := float64(size) * scale
		if w < 1 {
			w = 1
		}
		dc.DrawRectangle(x, heapTop, w, renderHeapBar)
		if free {
			dc.SetRGB(0.3, 0.75, 0.35)
		} else {
			dc.SetRGB(0.85, 0.25, 0.2)
		}
		dc.Fill()
		return true
	})
	if err != nil {
		return nil, err
	}

	return dc, nil
}

// writeOccupancyPNG renders the occupancy image and saves it to path.
func writeOccupancyPNG(sys *sim.System, cfg RenderConfig, path string) error {
	dc, err := renderOccupancy(sys, cfg)
	if err != nil {
		return err
	}
	if err = dc.SavePNG(path); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}
