package healpix

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// mocMaxOrder bounds the storage order so indices stay within one roaring64 high key.
const mocMaxOrder = 14

// Moc is a multi-order coverage map flattened to a single order.
type Moc struct {
	order uint8
	bits  *roaring64.Bitmap
}

// NewMoc returns an empty coverage stored at order (clamped to 14).
func NewMoc(order uint8) *Moc {
	if order > mocMaxOrder {
		order = mocMaxOrder
	}
	return &Moc{order: order, bits: roaring64.New()}
}

// FromNUniqs builds a coverage from NUNIQ values (4·4^order + ipix) as stored in MOC FITS files.
func FromNUniqs(nuniqs []uint64) (*Moc, error) {
	cells := make([]Cell, 0, len(nuniqs))
	maxOrder := uint8(0)
	for _, u := range nuniqs {
		c, err := fromNUniq(u)
		if err != nil {
			return nil, err
		}
		maxOrder = max(maxOrder, c.Depth)
		cells = append(cells, c)
	}
	m := NewMoc(maxOrder)
	for _, c := range cells {
		m.Add(c)
	}
	return m, nil
}

func fromNUniq(u uint64) (Cell, error) {
	if u < 4 {
		return Cell{}, fmt.Errorf("invalid nuniq %d", u)
	}
	for d := uint8(MaxDepth); ; d-- {
		base := uint64(4) << (2 * uint64(d))
		if u >= base {
			c := Cell{Depth: d, Index: u - base}
			if !c.Valid() {
				return Cell{}, fmt.Errorf("invalid nuniq %d", u)
			}
			return c, nil
		}
		if d == 0 {
			break
		}
	}
	return Cell{}, fmt.Errorf("invalid nuniq %d", u)
}

// Order is the storage order.
func (m *Moc) Order() uint8 { return m.order }

// Add marks the cell as covered. Cells deeper than the storage order cover their ancestor.
func (m *Moc) Add(c Cell) {
	if c.Depth >= m.order {
		m.bits.Add(c.Ancestor(c.Depth - m.order).Index)
		return
	}
	first, end := c.ChildrenRange(m.order - c.Depth)
	m.bits.AddRange(first, end)
}

// Intersects reports whether any part of c is covered.
func (m *Moc) Intersects(c Cell) bool {
	if m == nil {
		return true
	}
	if c.Depth >= m.order {
		return m.bits.Contains(c.Ancestor(c.Depth - m.order).Index)
	}
	first, end := c.ChildrenRange(m.order - c.Depth)
	covered := m.bits.Rank(end - 1)
	if first > 0 {
		covered -= m.bits.Rank(first - 1)
	}
	return covered > 0
}

// Contains reports whether c is entirely covered.
func (m *Moc) Contains(c Cell) bool {
	if m == nil {
		return true
	}
	if c.Depth >= m.order {
		return m.Intersects(c)
	}
	first, end := c.ChildrenRange(m.order - c.Depth)
	covered := m.bits.Rank(end - 1)
	if first > 0 {
		covered -= m.bits.Rank(first - 1)
	}
	return covered == end-first
}

// SkyFraction is the covered fraction of the sphere.
func (m *Moc) SkyFraction() float64 {
	return float64(m.bits.GetCardinality()) / float64(NumCells(m.order))
}
