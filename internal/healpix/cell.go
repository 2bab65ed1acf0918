// Package healpix implements the nested HEALPix quad-tree used to index HiPS tiles.
package healpix

import (
	"fmt"
)

// MaxDepth is the deepest order representable in a 64-bit nested index.
const MaxDepth = 29

// Cell identifies a HEALPix cell in the nested scheme.
type Cell struct {
	Depth uint8
	Index uint64
}

// NewCell returns the cell (depth, index) and panics on an out-of-range index.
func NewCell(depth uint8, index uint64) Cell {
	c := Cell{Depth: depth, Index: index}
	if !c.Valid() {
		panic(fmt.Sprintf("healpix: index %d out of range at depth %d", index, depth))
	}
	return c
}

// NumCells returns 12·4^depth.
func NumCells(depth uint8) uint64 {
	return 12 << (2 * uint64(depth))
}

// AllCells returns every cell at depth in index order.
func AllCells(depth uint8) []Cell {
	n := NumCells(depth)
	out := make([]Cell, n)
	for i := uint64(0); i < n; i++ {
		out[i] = Cell{Depth: depth, Index: i}
	}
	return out
}

// Valid reports whether the index fits the depth.
func (c Cell) Valid() bool {
	return c.Depth <= MaxDepth && c.Index < NumCells(c.Depth)
}

// ZOrder places the cell on the deepest grid so cells of different depths compare.
func (c Cell) ZOrder() uint64 {
	return c.Index << (2 * (MaxDepth - uint64(c.Depth)))
}

// Less orders by z-order key, ancestors before their first descendant.
func (c Cell) Less(o Cell) bool {
	zc, zo := c.ZOrder(), o.ZOrder()
	if zc != zo {
		return zc < zo
	}
	return c.Depth < o.Depth
}

// Uniq encodes depth and index in one integer.
func (c Cell) Uniq() uint64 {
	return (16 << (2 * uint64(c.Depth))) | c.Index
}

// FromUniq decodes a uniq integer.
func FromUniq(u uint64) (Cell, error) {
	if u < 16 {
		return Cell{}, fmt.Errorf("invalid uniq %d", u)
	}
	depth := uint8(0)
	for d := uint8(0); d <= MaxDepth; d++ {
		if u>>(2*uint64(d)) < 16 {
			break
		}
		depth = d
	}
	c := Cell{Depth: depth, Index: u - (16 << (2 * uint64(depth)))}
	if !c.Valid() {
		return Cell{}, fmt.Errorf("invalid uniq %d", u)
	}
	return c, nil
}

// Parent returns the enclosing cell one depth up. The parent of a base cell is itself.
func (c Cell) Parent() Cell {
	return c.Ancestor(1)
}

// Ancestor returns the enclosing cell delta depths up, clamped at depth 0.
func (c Cell) Ancestor(delta uint8) Cell {
	if delta > c.Depth {
		delta = c.Depth
	}
	return Cell{Depth: c.Depth - delta, Index: c.Index >> (2 * uint64(delta))}
}

// ChildrenRange returns the half-open index range of the descendants delta depths down.
func (c Cell) ChildrenRange(delta uint8) (first, end uint64) {
	shift := 2 * uint64(delta)
	return c.Index << shift, (c.Index + 1) << shift
}

// Children lists the descendants delta depths down in index order.
func (c Cell) Children(delta uint8) []Cell {
	first, end := c.ChildrenRange(delta)
	out := make([]Cell, 0, end-first)
	for i := first; i < end; i++ {
		out = append(out, Cell{Depth: c.Depth + delta, Index: i})
	}
	return out
}

// IsDescendantOf reports whether c lies in the subtree rooted at a (c itself included).
func (c Cell) IsDescendantOf(a Cell) bool {
	if a.Depth > c.Depth {
		return false
	}
	return c.Ancestor(c.Depth-a.Depth) == a
}

// TextureCell returns the ancestor holding c's texture when each texture aggregates
// tiles delta depths below it. Cells shallower than delta map to their base cell.
func (c Cell) TextureCell(delta uint8) Cell {
	return c.Ancestor(delta)
}

// OffsetInParent returns the (x, y) position of c inside ancestor a on c's grid.
func (c Cell) OffsetInParent(a Cell) (x, y uint32) {
	dd := uint64(c.Depth - a.Depth)
	local := c.Index - (a.Index << (2 * dd))
	return Unmortonize(local)
}

// Base returns the depth-0 cell containing c.
func (c Cell) Base() uint8 {
	return uint8(c.Index >> (2 * uint64(c.Depth)))
}

func (c Cell) String() string {
	return fmt.Sprintf("%d/%d", c.Depth, c.Index)
}
