// Package camera provides the viewport the engine reads each frame.
package camera

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/skyatlas/hipsview/internal/healpix"
)

// Action is the last discrete user action applied to the camera.
type Action int

const (
	Starting Action = iota
	Zooming
	Unzooming
	Moving
)

func (a Action) String() string {
	switch a {
	case Zooming:
		return "zooming"
	case Unzooming:
		return "unzooming"
	case Moving:
		return "moving"
	default:
		return "starting"
	}
}

// ViewPort is what the view tracker consumes from a camera.
type ViewPort interface {
	FieldOfView() FieldOfView
	Aperture() float64
	ScreenSize() (width, height float64)
	Center() r3.Vec
	LastAction() Action
}

// BoundingBox is a lon/lat box in radians. Lon bounds may wrap (MinLon > MaxLon).
type BoundingBox struct {
	MinLon, MaxLon float64
	MinLat, MaxLat float64
}

// FieldOfView is the visible region. A nil Vertices ring means the whole sky is visible.
type FieldOfView struct {
	Vertices    []r3.Vec
	BoundingBox BoundingBox
}

// AllSky reports whether the view covers the whole sphere.
func (f FieldOfView) AllSky() bool {
	return f.Vertices == nil
}

const (
	// SamplesPerEdge is the number of ring vertices per screen edge.
	SamplesPerEdge = 10
	// maxGnomonicAperture is where the TAN projection stops being usable.
	maxGnomonicAperture = 150 * math.Pi / 180
	// MaxAperture is the widest aperture a camera accepts.
	MaxAperture = 2 * math.Pi
)

// Camera is a gnomonic viewport centered on (lon, lat).
type Camera struct {
	lon, lat      float64
	aperture      float64
	width, height float64
	action        Action
}

// New returns a camera; aperture is the horizontal field of view in radians.
func New(lon, lat, aperture, width, height float64) *Camera {
	c := &Camera{width: width, height: height, action: Starting}
	c.lon, c.lat = lon, lat
	c.aperture = clampAperture(aperture)
	return c
}

func clampAperture(a float64) float64 {
	return math.Max(1e-7, math.Min(a, MaxAperture))
}

// SetCenter moves the camera.
func (c *Camera) SetCenter(lon, lat float64) {
	c.lon = math.Mod(lon, 2*math.Pi)
	if c.lon < 0 {
		c.lon += 2 * math.Pi
	}
	c.lat = math.Max(-math.Pi/2, math.Min(math.Pi/2, lat))
	c.action = Moving
}

// SetAperture zooms the camera and records the direction of the zoom.
func (c *Camera) SetAperture(a float64) {
	a = clampAperture(a)
	switch {
	case a < c.aperture:
		c.action = Zooming
	case a > c.aperture:
		c.action = Unzooming
	}
	c.aperture = a
}

// SetScreenSize resizes the viewport in pixels.
func (c *Camera) SetScreenSize(width, height float64) {
	c.width, c.height = width, height
}

func (c *Camera) Aperture() float64 { return c.aperture }

func (c *Camera) ScreenSize() (float64, float64) { return c.width, c.height }

func (c *Camera) LastAction() Action { return c.action }

func (c *Camera) Center() r3.Vec { return healpix.LonLatToVec(c.lon, c.lat) }

// LonLat returns the center in radians.
func (c *Camera) LonLat() (float64, float64) { return c.lon, c.lat }

// FieldOfView unprojects the screen border.
func (c *Camera) FieldOfView() FieldOfView {
	if c.aperture >= maxGnomonicAperture || c.width <= 0 || c.height <= 0 {
		return FieldOfView{BoundingBox: BoundingBox{MinLon: 0, MaxLon: 2 * math.Pi, MinLat: -math.Pi / 2, MaxLat: math.Pi / 2}}
	}

	center := c.Center()
	east := r3.Vec{X: -math.Sin(c.lon), Y: math.Cos(c.lon)}
	north := r3.Vec{
		X: -math.Sin(c.lat) * math.Cos(c.lon),
		Y: -math.Sin(c.lat) * math.Sin(c.lon),
		Z: math.Cos(c.lat),
	}
	tx := math.Tan(c.aperture / 2)
	ty := tx * c.height / c.width

	corners := [4][2]float64{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
	ring := make([]r3.Vec, 0, 4*SamplesPerEdge)
	for i := range corners {
		a, b := corners[i], corners[(i+1)%4]
		for s := 0; s < SamplesPerEdge; s++ {
			f := float64(s) / SamplesPerEdge
			x := (a[0] + (b[0]-a[0])*f) * tx
			y := (a[1] + (b[1]-a[1])*f) * ty
			p := r3.Add(center, r3.Add(r3.Scale(x, east), r3.Scale(y, north)))
			ring = append(ring, r3.Unit(p))
		}
	}
	return FieldOfView{Vertices: ring, BoundingBox: boundingBox(ring, center)}
}

func boundingBox(ring []r3.Vec, center r3.Vec) BoundingBox {
	clon, _ := healpix.VecToLonLat(center)
	bb := BoundingBox{MinLon: math.Inf(1), MaxLon: math.Inf(-1), MinLat: math.Inf(1), MaxLat: math.Inf(-1)}
	for _, v := range ring {
		lon, lat := healpix.VecToLonLat(v)
		// Measure longitudes relative to the center so boxes crossing lon=0 stay compact.
		d := math.Remainder(lon-clon, 2*math.Pi)
		bb.MinLon = math.Min(bb.MinLon, d)
		bb.MaxLon = math.Max(bb.MaxLon, d)
		bb.MinLat = math.Min(bb.MinLat, lat)
		bb.MaxLat = math.Max(bb.MaxLat, lat)
	}
	bb.MinLon = wrapLon(clon + bb.MinLon)
	bb.MaxLon = wrapLon(clon + bb.MaxLon)
	return bb
}

func wrapLon(l float64) float64 {
	l = math.Mod(l, 2*math.Pi)
	if l < 0 {
		l += 2 * math.Pi
	}
	return l
}
