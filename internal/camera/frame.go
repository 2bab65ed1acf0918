package camera

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Frame is a celestial coordinate frame a survey is indexed in.
type Frame int

const (
	ICRS Frame = iota
	Galactic
)

// ParseFrame accepts the hips_frame values found in HiPS properties.
func ParseFrame(s string) (Frame, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "equatorial", "icrs", "c", "j2000", "fk5":
		return ICRS, nil
	case "galactic", "g":
		return Galactic, nil
	default:
		return ICRS, fmt.Errorf("unsupported frame %q", s)
	}
}

func (f Frame) String() string {
	if f == Galactic {
		return "galactic"
	}
	return "equatorial"
}

// icrsToGal is the J2000 equatorial to galactic rotation.
var icrsToGal = [3][3]float64{
	{-0.0548755604162154, -0.8734370902348850, -0.4838350155487132},
	{0.4941094278755837, -0.4448296299600112, 0.7469822444972189},
	{-0.8676661490190047, -0.1980763734312015, 0.4559837761750669},
}

// FromICRS rotates an equatorial direction into the frame.
func (f Frame) FromICRS(v r3.Vec) r3.Vec {
	if f != Galactic {
		return v
	}
	m := icrsToGal
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// ToICRS rotates a direction of the frame back to equatorial.
func (f Frame) ToICRS(v r3.Vec) r3.Vec {
	if f != Galactic {
		return v
	}
	m := icrsToGal
	return r3.Vec{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z,
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z,
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z,
	}
}

type framed struct {
	ViewPort
	frame Frame
}

// InFrame exposes a viewport with its directions expressed in frame.
func InFrame(vp ViewPort, frame Frame) ViewPort {
	if frame == ICRS {
		return vp
	}
	return framed{ViewPort: vp, frame: frame}
}

func (f framed) Center() r3.Vec {
	return f.frame.FromICRS(f.ViewPort.Center())
}

func (f framed) FieldOfView() FieldOfView {
	fov := f.ViewPort.FieldOfView()
	if fov.AllSky() {
		return fov
	}
	ring := make([]r3.Vec, len(fov.Vertices))
	for i, v := range fov.Vertices {
		ring[i] = f.frame.FromICRS(v)
	}
	return FieldOfView{Vertices: ring, BoundingBox: boundingBox(ring, f.Center())}
}
