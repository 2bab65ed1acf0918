package hipsconfig

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
)

// DecodeImage decodes a tile and returns it in the requested format.
// The encoding is sniffed from the payload, not taken from the URL.
func DecodeImage(data []byte, want ImageFormat) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch {
	case IsFITSData(data):
		img, _, err = DecodeFITS(data)
	case bytes.HasPrefix(data, jpegMagic):
		img, err = decodeStd(data, jpeg.Decode, U8x3)
	case bytes.HasPrefix(data, pngMagic):
		img, err = decodeStd(data, png.Decode, U8x4)
	default:
		return nil, ErrUnknownEncoding
	}
	if err != nil {
		return nil, err
	}
	switch {
	case img.Format == want:
		return img, nil
	case img.Format.IsFITS() && want.IsFITS():
		// BITPIX of the tile wins over the advertised one.
		return img, nil
	case img.Format.IsFITS() != want.IsFITS():
		return nil, fmt.Errorf("tile is %s but the survey expects %s", img.Format, want)
	}
	return img.Convert(want)
}

func decodeStd(data []byte, decode func(io.Reader) (image.Image, error), format ImageFormat) (*Image, error) {
	src, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format.Extension(), err)
	}
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy(), format)
	ch := format.Channels()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			px := [4]byte{c.R, c.G, c.B, c.A}
			copy(out.Pix[i:i+ch], px[:ch])
			i += ch
		}
	}
	return out, nil
}
