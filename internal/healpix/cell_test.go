package healpix

import (
	"testing"
)

func TestCellNavigation(t *testing.T) {
	c := NewCell(5, 1234)

	if got := c.Parent(); got != (Cell{Depth: 4, Index: 1234 >> 2}) {
		t.Fatalf("unexpected parent %v", got)
	}
	if got := c.Ancestor(3); got != (Cell{Depth: 2, Index: 1234 >> 6}) {
		t.Fatalf("unexpected ancestor %v", got)
	}
	if got := c.Ancestor(9); got.Depth != 0 || got.Index != uint64(c.Base()) {
		t.Fatalf("ancestor should clamp to the base cell, got %v", got)
	}

	first, end := c.ChildrenRange(2)
	if first != 1234<<4 || end != 1235<<4 {
		t.Fatalf("unexpected children range [%d, %d)", first, end)
	}
	children := c.Children(2)
	if len(children) != 16 {
		t.Fatalf("expected 16 children, got %d", len(children))
	}
	for _, ch := range children {
		if !ch.IsDescendantOf(c) {
			t.Fatalf("%v should descend from %v", ch, c)
		}
	}
	if c.IsDescendantOf(children[0]) {
		t.Fatalf("a cell must not descend from its child")
	}
}

func TestCellUniq(t *testing.T) {
	cases := []Cell{{0, 0}, {0, 11}, {3, 767}, {7, 12345}, {12, 201326591}}
	for _, c := range cases {
		got, err := FromUniq(c.Uniq())
		if err != nil {
			t.Fatalf("FromUniq(%d): %v", c.Uniq(), err)
		}
		if got != c {
			t.Fatalf("uniq round trip: want %v, got %v", c, got)
		}
	}
	if (Cell{Depth: 1, Index: 3}).Uniq() != (16<<2)|3 {
		t.Fatalf("unexpected uniq encoding")
	}
	if _, err := FromUniq(3); err == nil {
		t.Fatalf("expected an error for uniq 3")
	}
}

func TestCellOrdering(t *testing.T) {
	parent := Cell{Depth: 2, Index: 5}
	child := Cell{Depth: 3, Index: 20}
	sibling := Cell{Depth: 2, Index: 6}

	if !parent.Less(child) {
		t.Errorf("ancestor should sort before its first descendant")
	}
	if !child.Less(sibling) {
		t.Errorf("descendant of 2/5 should sort before 2/6")
	}
	if sibling.Less(parent) {
		t.Errorf("2/6 should not sort before 2/5")
	}
}

func TestTextureCellInvariant(t *testing.T) {
	for delta := uint8(0); delta <= 4; delta++ {
		for depth := uint8(0); depth <= 9; depth++ {
			n := NumCells(depth)
			for _, idx := range []uint64{0, n / 3, n / 2, n - 1} {
				c := Cell{Depth: depth, Index: idx}
				tc := c.TextureCell(delta)
				if tc.Depth > c.Depth {
					t.Fatalf("texture cell %v deeper than %v", tc, c)
				}
				if !c.IsDescendantOf(tc) {
					t.Fatalf("%v does not descend from its texture cell %v", c, tc)
				}
				if depth >= delta && tc.Depth != depth-delta {
					t.Fatalf("texture cell of %v at delta %d: got %v", c, delta, tc)
				}
			}
		}
	}
}

func TestMortonRoundTrip(t *testing.T) {
	for x := uint32(0); x < 1<<16; x += 97 {
		for y := uint32(0); y < 1<<16; y += 89 {
			gx, gy := Unmortonize(Mortonize(x, y))
			if gx != x || gy != y {
				t.Fatalf("round trip (%d, %d) -> (%d, %d)", x, y, gx, gy)
			}
		}
	}
	gx, gy := Unmortonize(Mortonize(1<<16-1, 1<<16-1))
	if gx != 1<<16-1 || gy != 1<<16-1 {
		t.Fatalf("round trip at the upper bound failed: (%d, %d)", gx, gy)
	}
	if Mortonize(1, 0) != 1 || Mortonize(0, 1) != 2 || Mortonize(3, 3) != 15 {
		t.Fatalf("x must occupy even bits and y odd bits")
	}
}

func TestOffsetInParent(t *testing.T) {
	parent := Cell{Depth: 3, Index: 100}
	for _, ch := range parent.Children(2) {
		x, y := ch.OffsetInParent(parent)
		if x > 3 || y > 3 {
			t.Fatalf("offset (%d, %d) outside a 4x4 grid", x, y)
		}
		if Mortonize(x, y)+(parent.Index<<4) != ch.Index {
			t.Fatalf("offset of %v does not rebuild its index", ch)
		}
	}
}
