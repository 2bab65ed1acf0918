package healpix

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Ring and phase of the 12 base faces in the nested scheme.
var (
	jrll = [12]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// LonLatToVec converts spherical coordinates (radians) to a unit vector.
func LonLatToVec(lon, lat float64) r3.Vec {
	cl := math.Cos(lat)
	return r3.Vec{X: cl * math.Cos(lon), Y: cl * math.Sin(lon), Z: math.Sin(lat)}
}

// VecToLonLat converts a vector to (lon, lat) in radians, lon in [0, 2π).
func VecToLonLat(v r3.Vec) (lon, lat float64) {
	lon = math.Atan2(v.Y, v.X)
	if lon < 0 {
		lon += 2 * math.Pi
	}
	lat = math.Atan2(v.Z, math.Hypot(v.X, v.Y))
	return lon, lat
}

// Angle returns the angular distance between two unit vectors.
func Angle(a, b r3.Vec) float64 {
	return math.Atan2(r3.Norm(r3.Cross(a, b)), r3.Dot(a, b))
}

// HashLonLat returns the cell at depth containing (lon, lat).
func HashLonLat(depth uint8, lon, lat float64) Cell {
	return hashZPhi(depth, math.Sin(lat), lon)
}

// Hash returns the cell at depth containing the direction v.
func Hash(depth uint8, v r3.Vec) Cell {
	v = r3.Unit(v)
	return hashZPhi(depth, v.Z, math.Atan2(v.Y, v.X))
}

func hashZPhi(depth uint8, z, phi float64) Cell {
	nside := int64(1) << depth
	fn := float64(nside)
	za := math.Abs(z)
	tt := math.Mod(phi*2/math.Pi, 4)
	if tt < 0 {
		tt += 4
	}
	if tt >= 4 {
		tt -= 4
	}

	var face, ix, iy int64
	if za <= 2.0/3.0 {
		temp1 := fn * (0.5 + tt)
		temp2 := fn * (z * 0.75)
		jp := int64(temp1 - temp2)
		jm := int64(temp1 + temp2)
		ifp := jp >> depth
		ifm := jm >> depth
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
		ix = jm & (nside - 1)
		iy = nside - (jp & (nside - 1)) - 1
	} else {
		ntt := int64(tt)
		if ntt > 3 {
			ntt = 3
		}
		tp := tt - float64(ntt)
		tmp := fn * math.Sqrt(3*(1-za))
		jp := min(int64(tp*tmp), nside-1)
		jm := min(int64((1-tp)*tmp), nside-1)
		if z > 0 {
			face = ntt
			ix = nside - jm - 1
			iy = nside - jp - 1
		} else {
			face = ntt + 8
			ix = jp
			iy = jm
		}
	}
	idx := uint64(face)<<(2*uint64(depth)) | Mortonize(uint32(ix), uint32(iy))
	return Cell{Depth: depth, Index: idx}
}

func (c Cell) xyf() (ix, iy uint32, face int) {
	shift := 2 * uint64(c.Depth)
	face = int(c.Index >> shift)
	ix, iy = Unmortonize(c.Index & (1<<shift - 1))
	return ix, iy, face
}

// xyfToVec maps continuous face coordinates x, y in [0, 1] to the sphere.
func xyfToVec(x, y float64, face int) r3.Vec {
	jr := float64(jrll[face]) - x - y
	var nr, z float64
	switch {
	case jr < 1:
		nr = jr
		z = 1 - nr*nr/3
	case jr > 3:
		nr = 4 - jr
		z = nr*nr/3 - 1
	default:
		nr = 1
		z = (2 - jr) * 2 / 3
	}
	tmp := float64(jpll[face])*nr + x - y
	if tmp < 0 {
		tmp += 8
	}
	if tmp >= 8 {
		tmp -= 8
	}
	phi := 0.0
	if nr > 1e-15 {
		phi = math.Pi / 4 * tmp / nr
	}
	sth := math.Sqrt((1 - z) * (1 + z))
	return r3.Vec{X: sth * math.Cos(phi), Y: sth * math.Sin(phi), Z: z}
}

// Center returns the unit vector at the center of the cell.
func Center(c Cell) r3.Vec {
	ix, iy, face := c.xyf()
	n := float64(uint64(1) << c.Depth)
	return xyfToVec((float64(ix)+0.5)/n, (float64(iy)+0.5)/n, face)
}

// Vertices returns the four corners of the cell: south, east, north, west.
func Vertices(c Cell) [4]r3.Vec {
	ix, iy, face := c.xyf()
	n := float64(uint64(1) << c.Depth)
	x0, y0 := float64(ix)/n, float64(iy)/n
	x1, y1 := float64(ix+1)/n, float64(iy+1)/n
	return [4]r3.Vec{
		xyfToVec(x0, y0, face),
		xyfToVec(x1, y0, face),
		xyfToVec(x1, y1, face),
		xyfToVec(x0, y1, face),
	}
}

// CellArea is the solid angle of one cell at depth, in steradians.
func CellArea(depth uint8) float64 {
	return 4 * math.Pi / float64(NumCells(depth))
}

// boundingCone returns a cone containing the whole cell.
func boundingCone(c Cell) (r3.Vec, float64) {
	ctr := Center(c)
	radius := 0.0
	for _, v := range Vertices(c) {
		radius = max(radius, Angle(ctr, v))
	}
	// Cell edges are not great circles; widen slightly.
	return ctr, radius*1.1 + 1e-9
}
