package render

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/pkg/colormap"
)

// TextureArray is a CPU texture array: capacity slots of textureSize² RGBA
// pixels. Single-channel tiles are mapped through the pixel cuts and a
// colormap.
type TextureArray struct {
	mu          sync.RWMutex
	textureSize int
	tileSize    int
	slots       []*image.RGBA
	meta        hipsconfig.PixelMeta
	cmap        *colormap.Table
	writes      int
}

func NewTextureArray(capacity, textureSize, tileSize int, cmap colormap.Colormap) *TextureArray {
	if cmap == nil {
		cmap = colormap.Grayscale
	}
	return &TextureArray{
		textureSize: textureSize,
		tileSize:    tileSize,
		slots:       make([]*image.RGBA, capacity),
		meta:        hipsconfig.DefaultPixelMeta,
		cmap:        colormap.Sample(cmap),
	}
}

// SetPixelMeta sets the scaling used for tiles written afterwards.
func (a *TextureArray) SetPixelMeta(m hipsconfig.PixelMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meta = m
}

func (a *TextureArray) SetColormap(c colormap.Colormap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmap = colormap.Sample(c)
}

// WriteTile copies img at tile position (x, y) of slot.
func (a *TextureArray) WriteTile(slot, x, y int, img *hipsconfig.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if img.Width != a.tileSize || img.Height != a.tileSize {
		return fmt.Errorf("tile is %dx%d, expected %dx%d", img.Width, img.Height, a.tileSize, a.tileSize)
	}
	per := a.textureSize / a.tileSize
	if x < 0 || y < 0 || x >= per || y >= per {
		return fmt.Errorf("tile position (%d,%d) outside a %dx%d texture", x, y, per, per)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < 0 || slot >= len(a.slots) {
		return fmt.Errorf("slot %d out of range [0, %d)", slot, len(a.slots))
	}
	dst := a.slots[slot]
	if dst == nil {
		dst = image.NewRGBA(image.Rect(0, 0, a.textureSize, a.textureSize))
		a.slots[slot] = dst
	}
	ox, oy := x*a.tileSize, y*a.tileSize
	for py := 0; py < img.Height; py++ {
		for px := 0; px < img.Width; px++ {
			dst.SetRGBA(ox+px, oy+py, a.pixel(img, px, py))
		}
	}
	a.writes++
	return nil
}

func (a *TextureArray) pixel(img *hipsconfig.Image, x, y int) color.RGBA {
	switch img.Format {
	case hipsconfig.U8x3:
		return color.RGBA{R: uint8(img.Value(x, y, 0)), G: uint8(img.Value(x, y, 1)), B: uint8(img.Value(x, y, 2)), A: 255}
	case hipsconfig.U8x4:
		// Premultiply for image.RGBA.
		alpha := uint32(img.Value(x, y, 3))
		mul := func(v float64) uint8 { return uint8(uint32(v) * alpha / 255) }
		return color.RGBA{R: mul(img.Value(x, y, 0)), G: mul(img.Value(x, y, 1)), B: mul(img.Value(x, y, 2)), A: uint8(alpha)}
	}
	raw := img.Value(x, y, 0)
	if img.Format.IsFITS() {
		if a.meta.IsBlank(raw) {
			return color.RGBA{}
		}
		return rgba(a.cmap.At(a.meta.Normalize(raw)))
	}
	return rgba(a.cmap.At(raw / 255))
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

// ClearSlot makes a slot transparent.
func (a *TextureArray) ClearSlot(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < 0 || slot >= len(a.slots) || a.slots[slot] == nil {
		return
	}
	clear(a.slots[slot].Pix)
}

// Slot returns a copy of a slot image, or nil when it was never written.
func (a *TextureArray) Slot(slot int) *image.RGBA {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if slot < 0 || slot >= len(a.slots) || a.slots[slot] == nil {
		return nil
	}
	src := a.slots[slot]
	out := image.NewRGBA(src.Rect)
	copy(out.Pix, src.Pix)
	return out
}

// At samples slot at normalized coordinates (u, v).
func (a *TextureArray) At(slot int, u, v float64) color.RGBA {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if slot < 0 || slot >= len(a.slots) || a.slots[slot] == nil {
		return color.RGBA{}
	}
	px := min(int(u*float64(a.textureSize)), a.textureSize-1)
	py := min(int(v*float64(a.textureSize)), a.textureSize-1)
	return a.slots[slot].RGBAAt(max(px, 0), max(py, 0))
}

func (a *TextureArray) Writes() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.writes
}

func (a *TextureArray) Capacity() int { return len(a.slots) }
