package hipsconfig

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/skyatlas/hipsview/internal/healpix"
)

const (
	fitsBlock = 2880
	fitsCard  = 80
)

// FITSHeader holds the keywords the engine reads from a HDU.
type FITSHeader struct {
	Bitpix   int
	Naxis    []int
	Scale    float64
	Zero     float64
	Blank    float64
	HasBlank bool
	Cards    map[string]string
}

// Int returns an integer keyword.
func (h *FITSHeader) Int(key string) (int, bool) {
	v, ok := h.Cards[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (h *FITSHeader) dataSize() int {
	if len(h.Naxis) == 0 {
		return 0
	}
	n := 1
	for _, a := range h.Naxis {
		n *= a
	}
	return n * abs(h.Bitpix) / 8
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func padded(n int) int {
	return (n + fitsBlock - 1) / fitsBlock * fitsBlock
}

// readHeader parses one header unit and returns the offset of its data.
func readHeader(data []byte) (*FITSHeader, int, error) {
	h := &FITSHeader{Scale: 1, Cards: make(map[string]string)}
	for off := 0; off+fitsCard <= len(data); off += fitsCard {
		card := string(data[off : off+fitsCard])
		key := strings.TrimSpace(card[:8])
		if key == "END" {
			if err := h.resolve(); err != nil {
				return nil, 0, err
			}
			return h, padded(off + fitsCard), nil
		}
		if card[8:10] != "= " {
			continue
		}
		h.Cards[key] = cardValue(card[10:])
	}
	return nil, 0, fmt.Errorf("%w: missing END card", ErrNotFITS)
}

func cardValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "'") {
		end := strings.Index(raw[1:], "'")
		if end < 0 {
			return strings.TrimSpace(raw[1:])
		}
		return strings.TrimSpace(raw[1 : end+1])
	}
	if i := strings.Index(raw, "/"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

func (h *FITSHeader) resolve() error {
	var ok bool
	if h.Bitpix, ok = h.Int("BITPIX"); !ok {
		return fmt.Errorf("%w: missing BITPIX", ErrNotFITS)
	}
	naxis, _ := h.Int("NAXIS")
	for i := 1; i <= naxis; i++ {
		n, ok := h.Int("NAXIS" + strconv.Itoa(i))
		if !ok {
			return fmt.Errorf("%w: missing NAXIS%d", ErrNotFITS, i)
		}
		h.Naxis = append(h.Naxis, n)
	}
	if v, ok := h.Cards["BSCALE"]; ok {
		h.Scale, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := h.Cards["BZERO"]; ok {
		h.Zero, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := h.Cards["BLANK"]; ok {
		if b, err := strconv.ParseFloat(v, 64); err == nil {
			h.Blank, h.HasBlank = b, true
		}
	}
	return nil
}

// IsFITSData reports whether data starts with a FITS primary header.
func IsFITSData(data []byte) bool {
	return bytes.HasPrefix(data, []byte("SIMPLE  ="))
}

// DecodeFITS reads the 2D image of the primary HDU. FITS rows run bottom to
// top and are flipped so the result matches JPEG and PNG tiles.
func DecodeFITS(data []byte) (*Image, *FITSHeader, error) {
	if !IsFITSData(data) {
		return nil, nil, ErrNotFITS
	}
	h, off, err := readHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if len(h.Naxis) < 2 {
		return nil, nil, fmt.Errorf("%w: NAXIS=%d", ErrNotFITS, len(h.Naxis))
	}
	format, err := FormatForBitpix(h.Bitpix)
	if err != nil {
		return nil, nil, err
	}
	w, hgt := h.Naxis[0], h.Naxis[1]
	size := abs(h.Bitpix) / 8
	need := w * hgt * size
	if off+need > len(data) {
		return nil, nil, fmt.Errorf("%w: need %d data bytes, have %d", ErrPixelBufferSize, need, len(data)-off)
	}
	raw := data[off : off+need]

	img := NewImage(w, hgt, format)
	out := format.SampleSize()
	for y := 0; y < hgt; y++ {
		srcRow := raw[(hgt-1-y)*w*size:]
		dstRow := img.Pix[y*w*out:]
		for x := 0; x < w; x++ {
			s := srcRow[x*size:]
			d := dstRow[x*out:]
			switch h.Bitpix {
			case 8:
				d[0] = s[0]
			case 16:
				binary.LittleEndian.PutUint16(d, binary.BigEndian.Uint16(s))
			case 32, -32:
				binary.LittleEndian.PutUint32(d, binary.BigEndian.Uint32(s))
			case -64:
				f := math.Float64frombits(binary.BigEndian.Uint64(s))
				binary.LittleEndian.PutUint32(d, math.Float32bits(float32(f)))
			}
		}
	}
	return img, h, nil
}

// ParseMocFITS reads the NUNIQ binary table of a HiPS Moc.fits.
func ParseMocFITS(data []byte) (*healpix.Moc, error) {
	if !IsFITSData(data) {
		return nil, ErrNotFITS
	}
	primary, off, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	off += padded(primary.dataSize())
	if off >= len(data) {
		return nil, fmt.Errorf("%w: no binary table extension", ErrNotFITS)
	}
	ext, dataOff, err := readHeader(data[off:])
	if err != nil {
		return nil, err
	}
	if ext.Cards["XTENSION"] != "BINTABLE" || len(ext.Naxis) != 2 {
		return nil, fmt.Errorf("%w: expected a BINTABLE, got %q", ErrNotFITS, ext.Cards["XTENSION"])
	}
	rowSize, rows := ext.Naxis[0], ext.Naxis[1]
	tform := strings.TrimLeft(ext.Cards["TFORM1"], "1")
	switch {
	case tform == "J" && rowSize == 4, tform == "K" && rowSize == 8:
	default:
		return nil, fmt.Errorf("unsupported MOC column TFORM1=%q with %d-byte rows", ext.Cards["TFORM1"], rowSize)
	}

	body := data[off+dataOff:]
	if len(body) < rows*rowSize {
		return nil, fmt.Errorf("%w: MOC table truncated", ErrPixelBufferSize)
	}
	nuniqs := make([]uint64, rows)
	for i := range nuniqs {
		if rowSize == 4 {
			nuniqs[i] = uint64(binary.BigEndian.Uint32(body[i*4:]))
		} else {
			nuniqs[i] = binary.BigEndian.Uint64(body[i*8:])
		}
	}
	return healpix.FromNUniqs(nuniqs)
}
