// Package colormap maps normalized pixel values of single-channel tiles to
// colors.
package colormap

import (
	"image/color"
	"math"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Linear interpolates between evenly spaced color stops.
type Linear struct {
	stops []color.RGBA
}

func (c Linear) At(t float64) color.Color {
	if t <= 0 || math.IsNaN(t) {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[len(c.stops)-1]
	}
	idx := t * float64(len(c.stops)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.stops)-1)
	return interpolate(c.stops[lower], c.stops[upper], idx-float64(lower))
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Reversed runs a colormap from 1 to 0.
type Reversed struct {
	Colormap
}

func (r Reversed) At(t float64) color.Color { return r.Colormap.At(1 - t) }

// TableSize is the number of entries of a sampled colormap.
const TableSize = 256

// Table is a colormap sampled into TableSize entries. Tiles are mapped
// through it pixel by pixel.
type Table [TableSize]color.RGBA

// Sample evaluates c at TableSize evenly spaced positions.
func Sample(c Colormap) *Table {
	if t, ok := c.(*Table); ok {
		return t
	}
	var t Table
	for i := range t {
		t[i] = color.RGBAModel.Convert(c.At(float64(i) / (TableSize - 1))).(color.RGBA)
	}
	return &t
}

func (t *Table) At(v float64) color.Color {
	switch {
	case v <= 0 || math.IsNaN(v):
		return t[0]
	case v >= 1:
		return t[TableSize-1]
	}
	return t[int(v*(TableSize-1)+0.5)]
}

// Viridis colormap (matplotlib viridis)
var Viridis = Linear{
	stops: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = Linear{
	stops: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = Linear{
	stops: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = Linear{
	stops: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Grayscale maps 0 to black and 1 to white.
var Grayscale = Linear{
	stops: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

var byName = map[string]Colormap{
	"grayscale": Grayscale,
	"viridis":   Viridis,
	"plasma":    Plasma,
	"inferno":   Inferno,
	"magma":     Magma,
}

// ByName looks up a colormap by its lower-case name. A "_r" suffix selects
// the reversed map, e.g. "grayscale_r".
func ByName(name string) (Colormap, bool) {
	if base, ok := strings.CutSuffix(name, "_r"); ok {
		c, found := byName[base]
		if !found {
			return nil, false
		}
		return Reversed{c}, true
	}
	c, ok := byName[name]
	return c, ok
}

// Names lists the registered colormaps, reversed variants excluded.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
