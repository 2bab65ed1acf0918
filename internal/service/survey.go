// Package service drives the HiPS surveys of a viewer: one Survey per HiPS and
// an Engine running the frame loop.
package service

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/download"
	"github.com/skyatlas/hipsview/internal/exec"
	"github.com/skyatlas/hipsview/internal/fetch"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/internal/metrics"
	"github.com/skyatlas/hipsview/internal/texture"
	"github.com/skyatlas/hipsview/internal/view"
)

// Backend is the texture array of a survey. Single-channel tiles are mapped
// with the pixel metadata once it is known.
type Backend interface {
	texture.TextureArray
	SetPixelMeta(m hipsconfig.PixelMeta)
}

// Survey owns the view, texture buffer and footprint of one HiPS.
type Survey struct {
	cfg      *hipsconfig.Config
	view     *view.CellsInView
	buffer   *texture.Buffer
	backend  Backend
	exec     *exec.Executor
	capacity int
	log      zerolog.Logger

	moc     *healpix.Moc // nil until loaded; nil covers the whole sky
	meta    hipsconfig.PixelMeta
	hasMeta bool
	cells   []healpix.Cell // view cells expanded to the base depth
	tracked map[healpix.Cell]struct{}
	started bool
	missing int
}

func NewSurvey(cfg *hipsconfig.Config, capacity int, ex *exec.Executor, backend Backend, log zerolog.Logger) *Survey {
	s := &Survey{
		cfg:      cfg,
		view:     view.New(),
		backend:  backend,
		exec:     ex,
		capacity: capacity,
		log:      log.With().Str("component", "survey").Str("survey", cfg.ID).Logger(),
		meta:     hipsconfig.DefaultPixelMeta,
	}
	if cfg.HasCuts {
		s.meta = s.meta.WithCuts(cfg.CutLo, cfg.CutHi)
		backend.SetPixelMeta(s.meta)
	}
	s.buffer = texture.NewBuffer(cfg, capacity, ex, backend, log)
	return s
}

func (s *Survey) ID() string { return s.cfg.ID }
func (s *Survey) Config() *hipsconfig.Config { return s.cfg }
func (s *Survey) View() *view.CellsInView { return s.view }
func (s *Survey) Buffer() *texture.Buffer { return s.buffer }
func (s *Survey) Moc() *healpix.Moc { return s.moc }

// PixelMeta returns the pixel scaling and whether it was read from the survey.
func (s *Survey) PixelMeta() (hipsconfig.PixelMeta, bool) { return s.meta, s.hasMeta }

// Start launches the start-up requests of the survey.
func (s *Survey) Start(q *fetch.Queue, dl fetch.Downloader) {
	q.LaunchStartingHiPSRequests(s.cfg, dl)
	s.started = true
}

// SetFormat switches the tile format. Resident textures are dropped and the
// start-up requests are issued again for the new format.
func (s *Survey) SetFormat(f hipsconfig.ImageFormat, q *fetch.Queue, dl fetch.Downloader) error {
	if f == s.cfg.Format {
		return nil
	}
	if err := s.cfg.SetFormat(f); err != nil {
		return err
	}
	for _, key := range s.exec.Keys() {
		if key.Owner == s.cfg.ID {
			s.exec.Remove(key)
		}
	}
	q.Clear(s.cfg.ID)
	for slot := 0; slot < s.buffer.Capacity(); slot++ {
		s.backend.ClearSlot(slot)
	}
	s.buffer = texture.NewBuffer(s.cfg, s.capacity, s.exec, s.backend, s.log)
	s.view = view.New()
	s.cells, s.tracked = nil, nil
	s.log.Info().Stringer("format", f).Msg("tile format switched")
	s.Start(q, dl)
	return nil
}

// expand replaces cells shallower than the base depth by their base-depth
// descendants. Tiles only exist from the base depth on.
func expand(cells []healpix.Cell) []healpix.Cell {
	if len(cells) == 0 || cells[0].Depth >= hipsconfig.BaseDepth {
		return cells
	}
	out := make([]healpix.Cell, 0, len(cells)<<(2*(hipsconfig.BaseDepth-cells[0].Depth)))
	for _, c := range cells {
		out = append(out, c.Children(hipsconfig.BaseDepth-c.Depth)...)
	}
	return out
}

// UpdateView refreshes the visible cells for vp, marks the textures in use and
// queues the tiles still to download. It returns the number of queries added.
func (s *Survey) UpdateView(vp camera.ViewPort, q *fetch.Queue, dl fetch.Downloader, now time.Time) int {
	s.view.Refresh(s.cfg.TileSize, s.cfg.MaxDepth, camera.InFrame(vp, s.cfg.Frame))
	s.cells = expand(s.view.Cells())
	s.tracked = make(map[healpix.Cell]struct{}, len(s.cells))
	for _, c := range s.cells {
		s.tracked[c] = struct{}{}
	}
	s.buffer.SetVisible(s.cells)
	metrics.VisibleCells.WithLabelValues(s.cfg.ID).Set(float64(len(s.cells)))

	evicted := s.buffer.TakeEvicted()
	if !s.view.HasNewCells() && !s.view.LookForParents() && len(evicted) == 0 {
		return 0
	}
	candidates := s.cells
	if !s.view.LookForParents() {
		candidates = expand(s.view.NewCells())
		// Visible tiles pushed out of the pool are fetched again.
		for _, cell := range evicted {
			if _, ok := s.tracked[cell]; ok {
				candidates = append(candidates, cell)
			}
		}
	}

	added := 0
	for _, cell := range candidates {
		if cell.Depth < s.cfg.MinDepth {
			// Covered by the allsky mosaic.
			continue
		}
		if s.moc != nil && !s.moc.Intersects(cell) {
			continue
		}
		if s.buffer.Contains(cell) {
			continue
		}
		query := fetch.TileQuery(s.cfg, cell, now)
		if q.Contains(query.Key()) || dl.IsRequested(query) {
			continue
		}
		q.Append(query)
		added++
	}
	return added
}

// wanted reports whether a received tile is still tracked by the view:
// base tiles always are, others must cover or lie inside a visible cell.
func (s *Survey) wanted(cell healpix.Cell) bool {
	if cell.Depth <= hipsconfig.BaseDepth || len(s.cells) == 0 {
		return true
	}
	depth := s.cells[0].Depth
	if cell.Depth >= depth {
		_, ok := s.tracked[cell.Ancestor(cell.Depth-depth)]
		return ok
	}
	for _, c := range s.cells {
		if c.Ancestor(depth-cell.Depth) == cell {
			return true
		}
	}
	return false
}

// Receive consumes a resolved download of this survey.
func (s *Survey) Receive(p download.Pending, q *fetch.Queue) {
	query := p.Query
	res, found := p.Request.Get()

	if (query.Kind == fetch.Tile || query.Kind == fetch.Allsky) && query.Format != s.cfg.Format {
		s.log.Debug().Stringer("format", query.Format).Str("url", query.URL).Msg("dropping result of a previous format")
		return
	}

	switch query.Kind {
	case fetch.Tile:
		if !found {
			s.missing++
			s.buffer.MarkMissing(query.Cell)
			s.log.Debug().Err(p.Request.Err()).Stringer("tile", query.Cell).Msg("tile missing")
			return
		}
		if !s.wanted(query.Cell) {
			return
		}
		s.push(query.Cell, res.Image, query.RequestedAt)

	case fetch.Allsky:
		if !found {
			s.log.Warn().Err(p.Request.Err()).Msg("allsky missing, requesting base tiles")
			for _, cell := range healpix.AllCells(hipsconfig.BaseDepth) {
				q.AppendBaseTile(fetch.TileQuery(s.cfg, cell, query.RequestedAt))
			}
			return
		}
		if err := s.receiveAllsky(res.Image, query.RequestedAt); err != nil {
			s.log.Warn().Err(err).Msg("allsky unusable")
		}

	case fetch.PixelMetadata:
		if !found {
			s.log.Warn().Err(p.Request.Err()).Msg("pixel metadata missing, using defaults")
			return
		}
		meta := res.Meta
		if s.cfg.HasCuts {
			meta = meta.WithCuts(s.cfg.CutLo, s.cfg.CutHi)
		}
		s.meta, s.hasMeta = meta, true
		s.backend.SetPixelMeta(meta)
		s.log.Info().Float64("cut_lo", meta.CutLo).Float64("cut_hi", meta.CutHi).Msg("pixel metadata loaded")

	case fetch.Moc:
		if !found {
			s.log.Info().Msg("no MOC, assuming full sky coverage")
			return
		}
		s.moc = res.Moc
		s.log.Info().Float64("sky_fraction", res.Moc.SkyFraction()).Msg("MOC loaded")
	}
}

func (s *Survey) push(cell healpix.Cell, img *hipsconfig.Image, requestedAt time.Time) {
	if img.Width != s.cfg.TileSize || img.Height != s.cfg.TileSize {
		img = img.Resize(s.cfg.TileSize, s.cfg.TileSize)
	}
	s.buffer.Push(cell, img, requestedAt)
}

// receiveAllsky splits the depth-3 mosaic, AllskyTilesPerRow tiles per row,
// into the 768 base tiles.
func (s *Survey) receiveAllsky(img *hipsconfig.Image, requestedAt time.Time) error {
	per := hipsconfig.AllskyTilesPerRow
	size := img.Width / per
	n := int(healpix.NumCells(hipsconfig.BaseDepth))
	rows := (n + per - 1) / per
	if size == 0 || img.Height < rows*size {
		return fmt.Errorf("allsky image %dx%d too small for %d tiles", img.Width, img.Height, n)
	}
	for idx := 0; idx < n; idx++ {
		tile, err := img.SubImage((idx%per)*size, (idx/per)*size, size, size)
		if err != nil {
			return err
		}
		s.push(healpix.Cell{Depth: hipsconfig.BaseDepth, Index: uint64(idx)}, tile, requestedAt)
	}
	s.log.Info().Int("tile_size", size).Msg("allsky split into base tiles")
	return nil
}

// DrawList resolves every visible cell to the texture drawing it.
func (s *Survey) DrawList() []texture.Draw {
	draws := make([]texture.Draw, 0, len(s.cells))
	for _, cell := range s.cells {
		if d, ok := s.buffer.Resolve(cell); ok {
			draws = append(draws, d)
		}
	}
	return draws
}

// VisibleCells returns the view cells expanded to the base depth.
func (s *Survey) VisibleCells() []healpix.Cell { return s.cells }

// Missing is the number of tiles reported absent by the server.
func (s *Survey) Missing() int { return s.missing }
