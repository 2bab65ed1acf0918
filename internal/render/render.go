// Package render provides the CPU texture backend and debug images drawn
// with fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"

	"github.com/skyatlas/hipsview/internal/texture"
	"github.com/skyatlas/hipsview/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
}

// Renderer encodes debug views of the texture buffers.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

func NewRenderer(cfg Config) *Renderer {
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Colormap returns the named colormap, falling back to the configured default
// and then to grayscale.
func (r *Renderer) Colormap(name string) colormap.Colormap {
	if c, ok := colormap.ByName(name); ok {
		return c
	}
	if c, ok := colormap.ByName(r.config.DefaultColormap); ok {
		return c
	}
	return colormap.Grayscale
}

// AtlasOverview draws one square per slot of a buffer, filled by the ratio
// of written tiles. Visible slots are outlined and base slots carry a dot.
func (r *Renderer) AtlasOverview(stats texture.Stats, cellPx int) ([]byte, error) {
	if cellPx <= 0 {
		cellPx = 16
	}
	cols := int(math.Ceil(math.Sqrt(float64(max(stats.Capacity, 1)))))
	rows := (max(stats.Capacity, 1) + cols - 1) / cols
	dc := gg.NewContext(cols*cellPx, rows*cellPx)
	dc.SetColor(color.White)
	dc.Clear()

	cmap := colormap.Viridis
	size := float64(cellPx)
	for i := 0; i < stats.Capacity; i++ {
		x := float64(i%cols) * size
		y := float64(i/cols) * size
		dc.SetColor(color.RGBA{R: 220, G: 220, B: 220, A: 255})
		dc.DrawRectangle(x+1, y+1, size-2, size-2)
		dc.Fill()
	}
	for _, s := range stats.Slots {
		x := float64(s.Slot%cols) * size
		y := float64(s.Slot/cols) * size
		fill := 0.0
		if s.PerTex > 0 {
			fill = float64(s.Written) / float64(s.PerTex)
		}
		dc.SetColor(cmap.At(fill))
		dc.DrawRectangle(x+1, y+1, size-2, size-2)
		dc.Fill()
		if s.Visible {
			dc.SetColor(color.Black)
			dc.SetLineWidth(1)
			dc.DrawRectangle(x+1.5, y+1.5, size-3, size-3)
			dc.Stroke()
		}
		if s.Base {
			dc.SetColor(color.RGBA{R: 214, G: 39, B: 40, A: 255})
			dc.DrawCircle(x+size/2, y+size/2, size/6)
			dc.Fill()
		}
	}
	return r.encode(dc.Image())
}

// SlotPNG encodes one slot of a texture array.
func (r *Renderer) SlotPNG(arr *TextureArray, slot, size int) ([]byte, bool, error) {
	img := arr.Slot(slot)
	if img == nil {
		return nil, false, nil
	}
	if size > 0 && size != img.Bounds().Dx() {
		thumb := image.NewRGBA(image.Rect(0, 0, size, size))
		xdraw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		img = thumb
	}
	data, err := r.encode(img)
	return data, true, err
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
