package hipsconfig

import (
	"math"
	"slices"
)

// PixelMeta carries the value scaling of a FITS survey.
type PixelMeta struct {
	Scale, Zero  float64
	Blank        float64
	HasBlank     bool
	CutLo, CutHi float64
}

// DefaultPixelMeta is the identity scaling with 8-bit cuts.
var DefaultPixelMeta = PixelMeta{Scale: 1, CutLo: 0, CutHi: 255}

// Physical applies BSCALE and BZERO to a raw sample.
func (m PixelMeta) Physical(raw float64) float64 {
	return raw*m.Scale + m.Zero
}

// IsBlank reports whether a raw sample is a missing value.
func (m PixelMeta) IsBlank(raw float64) bool {
	return math.IsNaN(raw) || m.HasBlank && raw == m.Blank
}

// Normalize maps a raw sample into [0, 1] using the cuts.
func (m PixelMeta) Normalize(raw float64) float64 {
	if m.CutHi <= m.CutLo {
		return 0
	}
	v := (m.Physical(raw) - m.CutLo) / (m.CutHi - m.CutLo)
	return math.Max(0, math.Min(1, v))
}

// MetaFromFITS reads the scaling keywords and estimates cuts from the
// 0.5 and 99.5 percentiles of the tile.
func MetaFromFITS(img *Image, h *FITSHeader) PixelMeta {
	m := PixelMeta{Scale: h.Scale, Zero: h.Zero, Blank: h.Blank, HasBlank: h.HasBlank}
	if m.Scale == 0 {
		m.Scale = 1
	}
	values := make([]float64, 0, img.Width*img.Height)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			raw := img.Value(x, y, 0)
			if m.IsBlank(raw) || math.IsInf(raw, 0) {
				continue
			}
			values = append(values, m.Physical(raw))
		}
	}
	if len(values) == 0 {
		m.CutLo, m.CutHi = 0, 1
		return m
	}
	slices.Sort(values)
	m.CutLo = values[int(0.005*float64(len(values)-1))]
	m.CutHi = values[int(0.995*float64(len(values)-1))]
	if m.CutHi <= m.CutLo {
		m.CutHi = m.CutLo + 1
	}
	return m
}

// WithCuts overrides the cuts, typically from hips_pixel_cut.
func (m PixelMeta) WithCuts(lo, hi float64) PixelMeta {
	m.CutLo, m.CutHi = lo, hi
	return m
}
