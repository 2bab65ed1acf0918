package hipsconfig

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrPixelBufferSize   = errors.New("pixel buffer size does not match image dimensions")
	ErrNotFITS           = errors.New("not a FITS file")
	ErrUnsupportedBitpix = errors.New("unsupported BITPIX")
	ErrUnknownEncoding   = errors.New("unknown image encoding")
)

// Image is a decoded tile. Multi-byte samples are stored little-endian,
// rows top to bottom.
type Image struct {
	Width, Height int
	Format        ImageFormat
	Pix           []byte
}

// NewImage allocates a zeroed image.
func NewImage(width, height int, format ImageFormat) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Format: format,
		Pix:    make([]byte, width*height*format.BytesPerPixel()),
	}
}

// Validate checks the pixel buffer against the dimensions and format.
func (im *Image) Validate() error {
	want := im.Width * im.Height * im.Format.BytesPerPixel()
	if im.Width < 0 || im.Height < 0 || len(im.Pix) != want {
		return fmt.Errorf("%w: %dx%d %s needs %d bytes, have %d",
			ErrPixelBufferSize, im.Width, im.Height, im.Format, want, len(im.Pix))
	}
	return nil
}

func (im *Image) checkView(f ImageFormat) error {
	if im.Format != f {
		return fmt.Errorf("image is %s, not %s", im.Format, f)
	}
	return im.Validate()
}

// Float32s returns the samples of an F32x1 image.
func (im *Image) Float32s() ([]float32, error) {
	if err := im.checkView(F32x1); err != nil {
		return nil, err
	}
	out := make([]float32, len(im.Pix)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(im.Pix[4*i:]))
	}
	return out, nil
}

// Int16s returns the samples of an I16x1 image.
func (im *Image) Int16s() ([]int16, error) {
	if err := im.checkView(I16x1); err != nil {
		return nil, err
	}
	out := make([]int16, len(im.Pix)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(im.Pix[2*i:]))
	}
	return out, nil
}

// Int32s returns the samples of an I32x1 image.
func (im *Image) Int32s() ([]int32, error) {
	if err := im.checkView(I32x1); err != nil {
		return nil, err
	}
	out := make([]int32, len(im.Pix)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(im.Pix[4*i:]))
	}
	return out, nil
}

// Value returns sample ch of pixel (x, y) as a float.
func (im *Image) Value(x, y, ch int) float64 {
	bpp := im.Format.BytesPerPixel()
	off := (y*im.Width+x)*bpp + ch*im.Format.SampleSize()
	switch im.Format {
	case F32x1:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(im.Pix[off:])))
	case I16x1:
		return float64(int16(binary.LittleEndian.Uint16(im.Pix[off:])))
	case I32x1:
		return float64(int32(binary.LittleEndian.Uint32(im.Pix[off:])))
	default:
		return float64(im.Pix[off])
	}
}

// SubImage copies the w×h rectangle at (x, y).
func (im *Image) SubImage(x, y, w, h int) (*Image, error) {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > im.Width || y+h > im.Height {
		return nil, fmt.Errorf("rectangle (%d,%d %dx%d) outside %dx%d image", x, y, w, h, im.Width, im.Height)
	}
	bpp := im.Format.BytesPerPixel()
	out := NewImage(w, h, im.Format)
	for row := 0; row < h; row++ {
		src := ((y+row)*im.Width + x) * bpp
		copy(out.Pix[row*w*bpp:(row+1)*w*bpp], im.Pix[src:src+w*bpp])
	}
	return out, nil
}

// Resize scales the image with nearest-neighbour sampling.
func (im *Image) Resize(w, h int) *Image {
	if w == im.Width && h == im.Height {
		return im
	}
	bpp := im.Format.BytesPerPixel()
	out := NewImage(w, h, im.Format)
	for y := 0; y < h; y++ {
		sy := y * im.Height / h
		for x := 0; x < w; x++ {
			sx := x * im.Width / w
			src := (sy*im.Width + sx) * bpp
			copy(out.Pix[(y*w+x)*bpp:], im.Pix[src:src+bpp])
		}
	}
	return out
}

// Convert changes an 8-bit color layout (U8x1, U8x3, U8x4) into another one.
func (im *Image) Convert(f ImageFormat) (*Image, error) {
	if im.Format == f {
		return im, nil
	}
	if im.Format.SampleSize() != 1 || f.SampleSize() != 1 {
		return nil, fmt.Errorf("cannot convert %s to %s", im.Format, f)
	}
	src, dst := im.Format.Channels(), f.Channels()
	out := NewImage(im.Width, im.Height, f)
	for i := 0; i < im.Width*im.Height; i++ {
		var px [4]byte
		px[3] = 255
		copy(px[:src], im.Pix[i*src:(i+1)*src])
		if src == 1 {
			px[1], px[2] = px[0], px[0]
		}
		copy(out.Pix[i*dst:(i+1)*dst], px[:dst])
	}
	return out, nil
}
