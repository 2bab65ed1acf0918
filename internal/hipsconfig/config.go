// Package hipsconfig describes a HiPS survey: tile geometry, pixel format,
// coordinate frame and the URL layout of its tiles.
package hipsconfig

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"

	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/healpix"
)

const (
	// BaseDepth is the depth of the allsky mosaic and of the base tiles.
	BaseDepth = 3
	// AllskyTilesPerRow is the width of the allsky mosaic in tiles.
	AllskyTilesPerRow = 27
	// DefaultTileSize applies when hips_tile_width is absent.
	DefaultTileSize = 512
)

// Config is immutable during a frame. SetFormat is the only mutation.
type Config struct {
	ID          string
	Title       string
	RootURL     string
	TileSize    int
	TextureSize int
	DeltaDepth  uint8
	MinDepth    uint8
	MaxDepth    uint8
	Format      ImageFormat
	Formats     []ImageFormat
	Frame       camera.Frame

	CutLo, CutHi float64
	HasCuts      bool
}

// New validates the geometry and derives the delta depth.
func New(id, root string, tileSize, textureSize int, maxDepth uint8, format ImageFormat, frame camera.Frame) (*Config, error) {
	c := &Config{
		ID:          id,
		RootURL:     strings.TrimRight(root, "/"),
		TileSize:    tileSize,
		TextureSize: textureSize,
		MaxDepth:    maxDepth,
		Format:      format,
		Formats:     []ImageFormat{format},
		Frame:       frame,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

func (c *Config) validate() error {
	if !isPow2(c.TileSize) {
		return fmt.Errorf("survey %s: tile size %d is not a power of two", c.ID, c.TileSize)
	}
	if c.TextureSize == 0 {
		c.TextureSize = c.TileSize
	}
	if !isPow2(c.TextureSize) || c.TextureSize < c.TileSize {
		return fmt.Errorf("survey %s: texture size %d must be a power of two >= tile size %d", c.ID, c.TextureSize, c.TileSize)
	}
	if c.MaxDepth > healpix.MaxDepth || c.MaxDepth < BaseDepth || c.MinDepth > c.MaxDepth {
		return fmt.Errorf("survey %s: invalid depth range [%d, %d]", c.ID, c.MinDepth, c.MaxDepth)
	}
	if c.RootURL == "" {
		return fmt.Errorf("survey %s: empty root url", c.ID)
	}
	c.DeltaDepth = uint8(bits.TrailingZeros(uint(c.TextureSize / c.TileSize)))
	if c.DeltaDepth > BaseDepth {
		return fmt.Errorf("survey %s: texture size %d packs more than %d levels of %dpx tiles", c.ID, c.TextureSize, BaseDepth, c.TileSize)
	}
	if !slices.Contains(c.Formats, c.Format) {
		return fmt.Errorf("survey %s: format %s not offered", c.ID, c.Format)
	}
	return nil
}

// FromProperties builds a config from a HiPS properties file. preferred is
// "jpeg", "png" or "fits"; the first advertised format is used otherwise.
func FromProperties(id, root string, props Properties, textureSize int, preferred string) (*Config, error) {
	tileSize, err := props.Int("hips_tile_width", DefaultTileSize)
	if err != nil {
		return nil, err
	}
	order, err := props.Int("hips_order", -1)
	if err != nil {
		return nil, err
	}
	if order < 0 {
		return nil, fmt.Errorf("survey %s: missing hips_order", id)
	}
	minOrder, err := props.Int("hips_order_min", 0)
	if err != nil {
		return nil, err
	}
	bitpix, err := props.Int("hips_pixel_bitpix", 0)
	if err != nil {
		return nil, err
	}
	formats, err := ParseTileFormats(props.Get("hips_tile_format"), bitpix)
	if err != nil {
		return nil, fmt.Errorf("survey %s: %w", id, err)
	}
	frame, err := camera.ParseFrame(props.Get("hips_frame"))
	if err != nil {
		return nil, fmt.Errorf("survey %s: %w", id, err)
	}
	if order > healpix.MaxDepth || minOrder < 0 || minOrder > order {
		return nil, fmt.Errorf("survey %s: invalid order range [%d, %d]", id, minOrder, order)
	}

	c := &Config{
		ID:          id,
		Title:       props.Get("obs_title"),
		RootURL:     strings.TrimRight(root, "/"),
		TileSize:    tileSize,
		TextureSize: textureSize,
		MinDepth:    uint8(minOrder),
		MaxDepth:    uint8(order),
		Formats:     formats,
		Format:      formats[0],
		Frame:       frame,
	}
	if preferred != "" {
		if f, ok := c.FormatByExtension(preferred); ok {
			c.Format = f
		}
	}
	c.CutLo, c.CutHi, c.HasCuts = props.Cuts()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FormatByExtension finds the advertised format for "jpeg", "png" or "fits".
func (c *Config) FormatByExtension(ext string) (ImageFormat, bool) {
	ext = strings.ToLower(ext)
	if ext == "jpeg" {
		ext = "jpg"
	}
	for _, f := range c.Formats {
		if f.Extension() == ext {
			return f, true
		}
	}
	return 0, false
}

// SetFormat switches the tile extension. The format must be advertised.
func (c *Config) SetFormat(f ImageFormat) error {
	if !slices.Contains(c.Formats, f) {
		return fmt.Errorf("survey %s: format %s not offered", c.ID, f)
	}
	c.Format = f
	return nil
}

// SetFormatByExtension is SetFormat for "jpeg", "png" or "fits".
func (c *Config) SetFormatByExtension(ext string) error {
	f, ok := c.FormatByExtension(ext)
	if !ok {
		return fmt.Errorf("survey %s: extension %q not offered", c.ID, ext)
	}
	c.Format = f
	return nil
}

// TilesPerTexture is (TextureSize/TileSize)².
func (c *Config) TilesPerTexture() int {
	return 1 << (2 * c.DeltaDepth)
}

func (c *Config) Extension() string { return c.Format.Extension() }

func (c *Config) TileURL(cell healpix.Cell) string {
	return fmt.Sprintf("%s/Norder%d/Dir%d/Npix%d.%s", c.RootURL, cell.Depth, cell.Index/10000*10000, cell.Index, c.Extension())
}

func (c *Config) AllskyURL() string {
	return fmt.Sprintf("%s/Norder%d/Allsky.%s", c.RootURL, BaseDepth, c.Extension())
}

func (c *Config) MocURL() string { return c.RootURL + "/Moc.fits" }

func (c *Config) PropertiesURL() string { return PropertiesURL(c.RootURL) }

// MetadataURL is the first base tile in FITS, read for BSCALE/BZERO/BLANK and cuts.
func (c *Config) MetadataURL() string {
	return fmt.Sprintf("%s/Norder%d/Dir0/Npix0.fits", c.RootURL, BaseDepth)
}

// PropertiesURL is the properties file of the survey at root.
func PropertiesURL(root string) string {
	return strings.TrimRight(root, "/") + "/properties"
}
