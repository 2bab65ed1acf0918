package healpix

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// polygon is a closed spherical polygon with a known interior point.
type polygon struct {
	ring   []r3.Vec
	inside r3.Vec
}

func newPolygon(ring []r3.Vec, interior r3.Vec) *polygon {
	p := &polygon{ring: make([]r3.Vec, len(ring)), inside: r3.Unit(interior)}
	for i, v := range ring {
		p.ring[i] = r3.Unit(v)
	}
	return p
}

func (p *polygon) edge(i int) (r3.Vec, r3.Vec) {
	return p.ring[i], p.ring[(i+1)%len(p.ring)]
}

// contains counts crossings of the arc from the interior point to q.
func (p *polygon) contains(q r3.Vec) bool {
	if r3.Dot(p.inside, q) < -0.999 {
		return false
	}
	crossings := 0
	for i := range p.ring {
		a, b := p.edge(i)
		if arcsCross(p.inside, q, a, b) {
			crossings++
		}
	}
	return crossings%2 == 0
}

func (p *polygon) intersectsCone(center r3.Vec, radius float64) bool {
	if p.contains(center) {
		return true
	}
	for i := range p.ring {
		a, b := p.edge(i)
		if Angle(a, center) <= radius || arcDistance(center, a, b) <= radius {
			return true
		}
	}
	return false
}

// arcsCross reports whether the minor arcs AB and CD intersect.
func arcsCross(a, b, c, d r3.Vec) bool {
	n1 := r3.Cross(a, b)
	n2 := r3.Cross(c, d)
	if r3.Dot(n1, c)*r3.Dot(n1, d) >= 0 {
		return false
	}
	if r3.Dot(n2, a)*r3.Dot(n2, b) >= 0 {
		return false
	}
	x := r3.Cross(n1, n2)
	if r3.Dot(x, r3.Add(a, b)) < 0 {
		x = r3.Scale(-1, x)
	}
	return r3.Dot(x, r3.Add(c, d)) > 0
}

// arcDistance is the angular distance from p to the minor arc AB.
func arcDistance(p, a, b r3.Vec) float64 {
	n := r3.Cross(a, b)
	nn := r3.Norm(n)
	if nn < 1e-15 {
		return Angle(p, a)
	}
	n = r3.Scale(1/nn, n)
	q := r3.Sub(p, r3.Scale(r3.Dot(p, n), n))
	if r3.Dot(r3.Cross(a, q), n) >= 0 && r3.Dot(r3.Cross(q, b), n) >= 0 {
		return math.Abs(math.Asin(math.Max(-1, math.Min(1, r3.Dot(p, n)))))
	}
	return math.Min(Angle(p, a), Angle(p, b))
}

// PolygonArea returns the solid angle of a polygon that is star-shaped around interior.
func PolygonArea(ring []r3.Vec, interior r3.Vec) float64 {
	p := newPolygon(ring, interior)
	area := 0.0
	for i := range p.ring {
		a, b := p.edge(i)
		area += triangleArea(p.inside, a, b)
	}
	return area
}

func triangleArea(a, b, c r3.Vec) float64 {
	num := math.Abs(r3.Dot(a, r3.Cross(b, c)))
	den := 1 + r3.Dot(a, b) + r3.Dot(b, c) + r3.Dot(c, a)
	return 2 * math.Atan2(num, den)
}

// PolygonCoverage returns the cells at depth intersecting the polygon, sorted.
// Cells touching the boundary are included.
func PolygonCoverage(depth uint8, ring []r3.Vec, interior r3.Vec) []Cell {
	if len(ring) < 3 {
		return nil
	}
	p := newPolygon(ring, interior)
	return descend(depth, p.intersectsCone)
}

// ConeCoverage returns the cells at depth intersecting the cone, sorted.
func ConeCoverage(depth uint8, center r3.Vec, radius float64) []Cell {
	center = r3.Unit(center)
	return descend(depth, func(c r3.Vec, r float64) bool {
		return Angle(c, center) <= r+radius
	})
}

func descend(depth uint8, hit func(r3.Vec, float64) bool) []Cell {
	var out []Cell
	var visit func(c Cell)
	visit = func(c Cell) {
		ctr, radius := boundingCone(c)
		if !hit(ctr, radius) {
			return
		}
		if c.Depth == depth {
			out = append(out, c)
			return
		}
		first, end := c.ChildrenRange(1)
		for i := first; i < end; i++ {
			visit(Cell{Depth: c.Depth + 1, Index: i})
		}
	}
	for i := uint64(0); i < 12; i++ {
		visit(Cell{Depth: 0, Index: i})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// HashVertices returns the distinct cells at depth containing the given directions.
func HashVertices(depth uint8, vs ...r3.Vec) []Cell {
	seen := make(map[Cell]struct{}, len(vs))
	out := make([]Cell, 0, len(vs))
	for _, v := range vs {
		c := Hash(depth, v)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
