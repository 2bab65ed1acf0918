// Package fetch schedules the downloads of HiPS tiles and survey resources.
package fetch

import (
	"time"

	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
)

// Kind is the resource a query asks for.
type Kind int

const (
	Tile Kind = iota
	Allsky
	PixelMetadata
	Moc
)

func (k Kind) String() string {
	switch k {
	case Allsky:
		return "allsky"
	case PixelMetadata:
		return "metadata"
	case Moc:
		return "moc"
	default:
		return "tile"
	}
}

// Query describes one download.
type Query struct {
	Kind        Kind
	SurveyID    string
	Cell        healpix.Cell
	Format      hipsconfig.ImageFormat
	URL         string
	RequestedAt time.Time
}

// Key identifies the query. The URL embeds survey root, cell and extension;
// other kinds are prefixed since the FITS metadata query shares the URL of
// base tile 3/0.
func (q Query) Key() string {
	if q.Kind == Tile {
		return q.URL
	}
	return q.Kind.String() + ":" + q.URL
}

func TileQuery(cfg *hipsconfig.Config, cell healpix.Cell, now time.Time) Query {
	return Query{Kind: Tile, SurveyID: cfg.ID, Cell: cell, Format: cfg.Format, URL: cfg.TileURL(cell), RequestedAt: now}
}

func AllskyQuery(cfg *hipsconfig.Config, now time.Time) Query {
	return Query{Kind: Allsky, SurveyID: cfg.ID, Format: cfg.Format, URL: cfg.AllskyURL(), RequestedAt: now}
}

// MetadataQuery fetches the first base tile in FITS to read the pixel scaling.
func MetadataQuery(cfg *hipsconfig.Config, now time.Time) Query {
	return Query{
		Kind:        PixelMetadata,
		SurveyID:    cfg.ID,
		Cell:        healpix.Cell{Depth: hipsconfig.BaseDepth},
		Format:      cfg.Format,
		URL:         cfg.MetadataURL(),
		RequestedAt: now,
	}
}

func MocQuery(cfg *hipsconfig.Config, now time.Time) Query {
	return Query{Kind: Moc, SurveyID: cfg.ID, URL: cfg.MocURL(), RequestedAt: now}
}
