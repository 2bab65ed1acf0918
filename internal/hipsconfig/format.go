package hipsconfig

import (
	"fmt"
	"strings"
)

// ImageFormat is the pixel layout of a decoded tile.
type ImageFormat int

const (
	U8x1 ImageFormat = iota
	U8x3
	U8x4
	F32x1
	I16x1
	I32x1
)

var formatNames = map[ImageFormat]string{
	U8x1:  "u8x1",
	U8x3:  "u8x3",
	U8x4:  "u8x4",
	F32x1: "f32x1",
	I16x1: "i16x1",
	I32x1: "i32x1",
}

func (f ImageFormat) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("ImageFormat(%d)", int(f))
}

// Channels returns the number of samples per pixel.
func (f ImageFormat) Channels() int {
	switch f {
	case U8x3:
		return 3
	case U8x4:
		return 4
	default:
		return 1
	}
}

// SampleSize returns the byte size of one sample.
func (f ImageFormat) SampleSize() int {
	switch f {
	case I16x1:
		return 2
	case F32x1, I32x1:
		return 4
	default:
		return 1
	}
}

func (f ImageFormat) BytesPerPixel() int {
	return f.Channels() * f.SampleSize()
}

// Extension is the HiPS tile file extension carrying this format.
func (f ImageFormat) Extension() string {
	switch f {
	case U8x3:
		return "jpg"
	case U8x4:
		return "png"
	default:
		return "fits"
	}
}

func (f ImageFormat) IsFITS() bool {
	return f.Extension() == "fits"
}

// Bitpix is the FITS BITPIX of single-channel formats, 0 otherwise.
func (f ImageFormat) Bitpix() int {
	switch f {
	case U8x1:
		return 8
	case I16x1:
		return 16
	case I32x1:
		return 32
	case F32x1:
		return -32
	default:
		return 0
	}
}

// FormatForBitpix maps a FITS BITPIX onto a format. BITPIX -64 is narrowed to F32x1.
func FormatForBitpix(bitpix int) (ImageFormat, error) {
	switch bitpix {
	case 8:
		return U8x1, nil
	case 16:
		return I16x1, nil
	case 32:
		return I32x1, nil
	case -32, -64:
		return F32x1, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBitpix, bitpix)
	}
}

// ParseTileFormats reads a hips_tile_format value ("jpeg png fits").
// bitpix selects the single-channel layout when fits is listed.
func ParseTileFormats(s string, bitpix int) ([]ImageFormat, error) {
	var out []ImageFormat
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		var f ImageFormat
		switch tok {
		case "jpeg", "jpg":
			f = U8x3
		case "png":
			f = U8x4
		case "fits":
			if bitpix == 0 {
				bitpix = -32
			}
			var err error
			if f, err = FormatForBitpix(bitpix); err != nil {
				return nil, err
			}
		default:
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no supported tile format in %q", s)
	}
	return out, nil
}
