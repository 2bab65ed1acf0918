// Package view tracks the HEALPix cells a camera sees at the depth matching
// the screen resolution.
package view

import (
	"math"
	"slices"

	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/healpix"
)

// CellsInView is refreshed once per frame by the frame goroutine.
type CellsInView struct {
	cells          map[healpix.Cell]bool // value reports a newly visible cell
	sorted         []healpix.Cell
	depth          uint8
	prevDepth      uint8
	hasNew         bool
	lookForParents bool
	refreshed      bool
}

func New() *CellsInView {
	return &CellsInView{cells: make(map[healpix.Cell]bool)}
}

// DepthFromPixelsOnScreen picks the depth whose cells, once covered by a
// texSize² texture, roughly match the angular size of a screen pixel.
func DepthFromPixelsOnScreen(vp camera.ViewPort, texSize int, maxDepth uint8) uint8 {
	width, _ := vp.ScreenSize()
	if width <= 0 {
		return 0
	}
	theta := vp.Aperture() / width
	depthPixel := math.Round(math.Log2(math.Pi/(3*theta*theta)) / 2)
	d := depthPixel - math.Log2(float64(texSize))
	switch {
	case math.IsNaN(d) || d < 0:
		return 0
	case d > float64(maxDepth):
		return maxDepth
	default:
		return uint8(d)
	}
}

// Refresh recomputes the visible cells and flags the ones absent last frame.
func (v *CellsInView) Refresh(texSize int, maxDepth uint8, vp camera.ViewPort) {
	depth := DepthFromPixelsOnScreen(vp, texSize, maxDepth)
	cells := cellsAt(depth, vp)

	next := make(map[healpix.Cell]bool, len(cells))
	v.hasNew = false
	for _, c := range cells {
		_, seen := v.cells[c]
		next[c] = !seen
		if !seen {
			v.hasNew = true
		}
	}

	v.lookForParents = v.refreshed && vp.LastAction() == camera.Unzooming && depth < v.depth
	v.prevDepth = v.depth
	v.depth = depth
	v.cells = next
	v.sorted = cells
	v.refreshed = true
}

func cellsAt(depth uint8, vp camera.ViewPort) []healpix.Cell {
	fov := vp.FieldOfView()
	if fov.AllSky() {
		return healpix.AllCells(depth)
	}
	center := vp.Center()
	if healpix.PolygonArea(fov.Vertices, center) < healpix.CellArea(depth) {
		// Thin polygons upset the coverage; hash the ring instead.
		pts := append(slices.Clone(fov.Vertices), center)
		return healpix.HashVertices(depth, pts...)
	}
	return healpix.PolygonCoverage(depth, fov.Vertices, center)
}

// Cells returns the visible cells sorted by z-order.
func (v *CellsInView) Cells() []healpix.Cell { return v.sorted }

// NewCells returns the cells that were not visible during the previous refresh.
func (v *CellsInView) NewCells() []healpix.Cell {
	var out []healpix.Cell
	for _, c := range v.sorted {
		if v.cells[c] {
			out = append(out, c)
		}
	}
	return out
}

func (v *CellsInView) IsNew(c healpix.Cell) bool { return v.cells[c] }

func (v *CellsInView) Contains(c healpix.Cell) bool {
	_, ok := v.cells[c]
	return ok
}

func (v *CellsInView) HasNewCells() bool { return v.hasNew }
func (v *CellsInView) LookForParents() bool { return v.lookForParents }
func (v *CellsInView) Depth() uint8 { return v.depth }
func (v *CellsInView) PrevDepth() uint8 { return v.prevDepth }
func (v *CellsInView) Len() int { return len(v.sorted) }
