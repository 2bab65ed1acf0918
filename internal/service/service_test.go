package service

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/config"
	"github.com/skyatlas/hipsview/internal/download"
	"github.com/skyatlas/hipsview/internal/exec"
	"github.com/skyatlas/hipsview/internal/fetch"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
)

const tileSize = 8

type fakeBackend struct {
	writes  int
	formats map[hipsconfig.ImageFormat]int
	meta    hipsconfig.PixelMeta
}

func (b *fakeBackend) WriteTile(slot, x, y int, img *hipsconfig.Image) error {
	b.writes++
	if b.formats == nil {
		b.formats = make(map[hipsconfig.ImageFormat]int)
	}
	b.formats[img.Format]++
	return nil
}

func (b *fakeBackend) ClearSlot(slot int) {}

func (b *fakeBackend) SetPixelMeta(m hipsconfig.PixelMeta) { b.meta = m }

// fakeDownloader resolves every admitted query on the next Poll.
type fakeDownloader struct {
	inflight map[string]download.Pending
	order    []string
	respond  func(q fetch.Query) (*download.Resource, error)
	fetched  []fetch.Query
}

func newFakeDownloader(respond func(q fetch.Query) (*download.Resource, error)) *fakeDownloader {
	return &fakeDownloader{inflight: make(map[string]download.Pending), respond: respond}
}

func (f *fakeDownloader) Fetch(q fetch.Query) bool {
	if _, ok := f.inflight[q.Key()]; ok {
		return false
	}
	f.inflight[q.Key()] = download.Pending{Query: q, Request: download.NewRequest[*download.Resource]()}
	f.order = append(f.order, q.Key())
	f.fetched = append(f.fetched, q)
	return true
}

func (f *fakeDownloader) IsRequested(q fetch.Query) bool {
	_, ok := f.inflight[q.Key()]
	return ok
}

func (f *fakeDownloader) Poll() []download.Pending {
	var out []download.Pending
	for _, key := range f.order {
		p := f.inflight[key]
		p.Request.Complete(f.respond(p.Query))
		out = append(out, p)
		delete(f.inflight, key)
	}
	f.order = nil
	return out
}

func tileImage(size int) *hipsconfig.Image {
	return hipsconfig.NewImage(size, size, hipsconfig.U8x3)
}

// serveAll answers tiles and the allsky mosaic in the requested format; the
// MOC is missing.
func serveAll(q fetch.Query) (*download.Resource, error) {
	switch q.Kind {
	case fetch.Tile:
		return &download.Resource{Query: q, Image: hipsconfig.NewImage(tileSize, tileSize, q.Format)}, nil
	case fetch.Allsky:
		rows := (768 + hipsconfig.AllskyTilesPerRow - 1) / hipsconfig.AllskyTilesPerRow
		img := hipsconfig.NewImage(hipsconfig.AllskyTilesPerRow*tileSize, rows*tileSize, q.Format)
		return &download.Resource{Query: q, Image: img}, nil
	default:
		return nil, errors.New("404")
	}
}

func testSurvey(t *testing.T, maxDepth uint8, capacity int) (*Survey, *fakeBackend, *exec.Executor) {
	t.Helper()
	cfg, err := hipsconfig.New("dss", "http://h/dss", tileSize, tileSize, maxDepth, hipsconfig.U8x3, camera.ICRS)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	backend := &fakeBackend{}
	ex := exec.New()
	return NewSurvey(cfg, capacity, ex, backend, zerolog.Nop()), backend, ex
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

func TestEngineAllskyFillsBaseTiles(t *testing.T) {
	s, backend, ex := testSurvey(t, 3, 1000)
	dl := newFakeDownloader(serveAll)
	cam := camera.New(0, 0, deg2rad(180), 1000, 800)
	e := NewEngine(EngineConfig{UploadBudget: time.Second}, cam, fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop()), dl, ex, zerolog.Nop())
	if err := e.AddSurvey(s); err != nil {
		t.Fatalf("AddSurvey: %v", err)
	}
	if err := e.AddSurvey(s); err == nil {
		t.Fatalf("duplicate survey accepted")
	}

	sum := e.Frame()
	if sum.Depths["dss"] != 3 || sum.Visible != 768 {
		t.Fatalf("unexpected view %+v", sum)
	}
	if !sum.RedrawNeeded || sum.Uploads != 768 || sum.Deferred != 0 {
		t.Fatalf("allsky should upload 768 tiles in one frame, got %+v", sum)
	}
	if backend.writes != 768 {
		t.Fatalf("expected 768 writes, got %d", backend.writes)
	}

	draws, err := e.Draws("dss")
	if err != nil {
		t.Fatalf("Draws: %v", err)
	}
	if len(draws) != 768 {
		t.Fatalf("expected 768 draws, got %d", len(draws))
	}
	for _, d := range draws {
		if d.Ancestor || d.UV.Size != 1 {
			t.Fatalf("base draw should use its own full slot: %+v", d)
		}
	}

	stats, err := e.Textures("dss")
	if err != nil || stats.Resident != 768 || stats.Full != 768 {
		t.Fatalf("unexpected texture stats %+v %v", stats, err)
	}
	if _, err := e.Cells("nope"); !errors.Is(err, ErrUnknownSurvey) {
		t.Fatalf("expected ErrUnknownSurvey, got %v", err)
	}

	second := e.Frame()
	if second.Queued != 0 || second.RedrawNeeded {
		t.Fatalf("a still camera should settle, got %+v", second)
	}
}

func TestAllskyMissingFallsBackToBaseTiles(t *testing.T) {
	s, _, _ := testSurvey(t, 3, 1000)
	q := fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop())
	dl := newFakeDownloader(func(q fetch.Query) (*download.Resource, error) { return nil, errors.New("404") })
	s.Start(q, dl)
	for _, p := range dl.Poll() {
		s.Receive(p, q)
	}
	if q.BaseLen() != 768 {
		t.Fatalf("expected the base tiles to be queued, got %d", q.BaseLen())
	}
}

func TestUpdateViewRespectsMocAndResidency(t *testing.T) {
	s, _, _ := testSurvey(t, 3, 1000)
	q := fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop())
	dl := newFakeDownloader(serveAll)

	moc := healpix.NewMoc(3)
	moc.Add(healpix.Cell{Depth: 3, Index: 5})
	moc.Add(healpix.Cell{Depth: 3, Index: 6})
	mq := fetch.Query{Kind: fetch.Moc, SurveyID: "dss", URL: "http://h/dss/Moc.fits"}
	req := download.NewRequest[*download.Resource]()
	req.Complete(&download.Resource{Query: mq, Moc: moc}, nil)
	s.Receive(download.Pending{Query: mq, Request: req}, q)

	s.Buffer().Push(healpix.Cell{Depth: 3, Index: 6}, tileImage(tileSize), time.Now())

	cam := camera.New(0, 0, deg2rad(180), 1000, 800)
	if n := s.UpdateView(cam, q, dl, time.Now()); n != 1 {
		t.Fatalf("only the uncovered tile inside the MOC should be queued, got %d", n)
	}
	if !q.Contains(fetch.TileQuery(s.Config(), healpix.Cell{Depth: 3, Index: 5}, time.Now()).Key()) {
		t.Fatalf("expected tile 5 to be queued")
	}
	if n := s.UpdateView(cam, q, dl, time.Now()); n != 0 {
		t.Fatalf("unchanged view queued %d tiles", n)
	}
}

func TestReceiveDiscardsUntrackedTiles(t *testing.T) {
	s, _, _ := testSurvey(t, 9, 64)
	q := fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop())
	dl := newFakeDownloader(serveAll)
	cam := camera.New(1, 0.5, deg2rad(1), 1000, 800)
	s.UpdateView(cam, q, dl, time.Now())

	depth := s.View().Depth()
	here := healpix.HashLonLat(depth, 1, 0.5)
	away := healpix.HashLonLat(depth, 1+math.Pi, -0.5)
	base := healpix.HashLonLat(hipsconfig.BaseDepth, 1+math.Pi, -0.5)

	deliver := func(cell healpix.Cell, err error) {
		query := fetch.TileQuery(s.Config(), cell, time.Now())
		req := download.NewRequest[*download.Resource]()
		req.Complete(&download.Resource{Query: query, Image: tileImage(tileSize)}, err)
		s.Receive(download.Pending{Query: query, Request: req}, q)
	}
	deliver(here, nil)
	deliver(away, nil)
	deliver(base, nil)
	deliver(here.Parent(), nil)

	if !s.Buffer().Contains(here) || !s.Buffer().Contains(base) || !s.Buffer().Contains(here.Parent()) {
		t.Fatalf("tracked tiles should be pushed")
	}
	if s.Buffer().Contains(away) {
		t.Fatalf("tile outside the view should be discarded")
	}

	// A missing tile resolves without payload and is counted.
	missing := healpix.Cell{Depth: depth, Index: here.Index ^ 1}
	deliver(missing, errors.New("404"))
	if s.Missing() != 1 || s.Buffer().Contains(missing) {
		t.Fatalf("missing tile must not be pushed")
	}
}

func TestEngineDefaultPoolCoversTheSky(t *testing.T) {
	def := config.DefaultConfig()
	// Same texture to tile ratio as the defaults, with small tiles.
	textureSize := tileSize * def.Engine.TextureSize / def.Surveys[0].TileSize
	cfg, err := hipsconfig.New("dss", "http://h/dss", tileSize, textureSize, 3, hipsconfig.U8x3, camera.ICRS)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.DeltaDepth != 0 {
		t.Fatalf("expected one tile per texture, got delta %d", cfg.DeltaDepth)
	}
	backend := &fakeBackend{}
	ex := exec.New()
	s := NewSurvey(cfg, def.Engine.TexturesPerSurvey, ex, backend, zerolog.Nop())
	cam := camera.New(0, 0, deg2rad(def.Camera.FOV), float64(def.Camera.Width), float64(def.Camera.Height))
	e := NewEngine(EngineConfig{UploadBudget: time.Second}, cam, fetch.NewQueue(def.Fetch.QueueCapacity, zerolog.Nop()), newFakeDownloader(serveAll), ex, zerolog.Nop())
	if err := e.AddSurvey(s); err != nil {
		t.Fatalf("AddSurvey: %v", err)
	}
	e.Frame()
	e.Frame()

	draws, _ := e.Draws("dss")
	if len(draws) != 768 {
		t.Fatalf("the all-sky view should draw 768 tiles, got %d", len(draws))
	}
	stats, _ := e.Textures("dss")
	if stats.Evictions != 0 || stats.Resident != 768 {
		t.Fatalf("base tiles evicted each other: %+v", stats.Evictions)
	}
	if stats.Capacity != 768+def.Engine.TexturesPerSurvey {
		t.Fatalf("unexpected capacity %d", stats.Capacity)
	}
}

func TestUpdateViewRefetchesEvictedTiles(t *testing.T) {
	s, _, _ := testSurvey(t, 9, 1)
	q := fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop())
	dl := newFakeDownloader(serveAll)
	cam := camera.New(1, 0.5, deg2rad(1), 1000, 800)
	s.UpdateView(cam, q, dl, time.Now())
	q.Clear("dss")

	cells := s.VisibleCells()
	if len(cells) < 2 || cells[0].Depth <= hipsconfig.BaseDepth {
		t.Fatalf("expected several deep cells, got %v", cells)
	}
	first, second := cells[0], cells[1]
	deliver := func(cell healpix.Cell) {
		query := fetch.TileQuery(s.Config(), cell, time.Now())
		req := download.NewRequest[*download.Resource]()
		req.Complete(serveAll(query))
		s.Receive(download.Pending{Query: query, Request: req}, q)
	}
	deliver(first)
	deliver(second)
	if s.Buffer().Contains(first) {
		t.Fatalf("a one-texture pool should have evicted %v", first)
	}

	if n := s.UpdateView(cam, q, dl, time.Now()); n != 1 {
		t.Fatalf("the evicted visible tile should be queued again, got %d", n)
	}
	if !q.Contains(fetch.TileQuery(s.Config(), first, time.Now()).Key()) {
		t.Fatalf("expected %v to be queued", first)
	}
	if n := s.UpdateView(cam, q, dl, time.Now()); n != 0 {
		t.Fatalf("nothing else was evicted, got %d", n)
	}

	// Tiles that left the view are not fetched again.
	q.Clear("dss")
	away := camera.New(1+math.Pi, -0.5, deg2rad(1), 1000, 800)
	s.UpdateView(away, q, dl, time.Now())
	q.Clear("dss")
	deliver(first)
	if s.Buffer().Contains(first) {
		t.Fatalf("untracked tile pushed")
	}
	s.Buffer().Push(first, tileImage(tileSize), time.Now())
	s.Buffer().Push(s.VisibleCells()[0], tileImage(tileSize), time.Now())
	if n := s.UpdateView(away, q, dl, time.Now()); n != 0 {
		t.Fatalf("an evicted tile outside the view was queued: %d", n)
	}
}

func TestSetFormatDropsStaleResults(t *testing.T) {
	props := hipsconfig.Properties{
		"hips_order":       "3",
		"hips_tile_width":  "8",
		"hips_tile_format": "jpeg png",
	}
	cfg, err := hipsconfig.FromProperties("dss", "http://h/dss", props, tileSize, "jpeg")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	backend := &fakeBackend{}
	ex := exec.New()
	s := NewSurvey(cfg, 16, ex, backend, zerolog.Nop())
	dl := newFakeDownloader(serveAll)
	cam := camera.New(0, 0, deg2rad(180), 1000, 800)
	e := NewEngine(EngineConfig{UploadBudget: time.Second}, cam, fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop()), dl, ex, zerolog.Nop())
	if err := e.AddSurvey(s); err != nil {
		t.Fatalf("AddSurvey: %v", err)
	}
	stale := fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 42}, time.Now())

	// The jpeg allsky is still in flight when the format changes.
	info, err := e.SetFormat("dss", "png")
	if err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if info.Format != hipsconfig.U8x4.String() || cfg.Extension() != "png" {
		t.Fatalf("unexpected format %s", info.Format)
	}
	if _, err := e.SetFormat("dss", "fits"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := e.SetFormat("nope", "png"); !errors.Is(err, ErrUnknownSurvey) {
		t.Fatalf("expected ErrUnknownSurvey, got %v", err)
	}

	e.Frame()
	if backend.formats[hipsconfig.U8x3] != 0 {
		t.Fatalf("%d jpeg tiles written after the switch", backend.formats[hipsconfig.U8x3])
	}
	if backend.formats[hipsconfig.U8x4] != 768 {
		t.Fatalf("expected the png allsky to fill the sky, got %v", backend.formats)
	}
	var pngAllsky bool
	for _, q := range dl.fetched {
		if q.Kind == fetch.Allsky && strings.HasSuffix(q.URL, "/Allsky.png") {
			pngAllsky = true
		}
	}
	if !pngAllsky {
		t.Fatalf("the png allsky was never requested")
	}

	// A jpeg tile reported missing after the switch says nothing about png.
	req := download.NewRequest[*download.Resource]()
	req.Complete(nil, errors.New("404"))
	s.Receive(download.Pending{Query: stale, Request: req}, e.queue)
	if s.Missing() != 0 {
		t.Fatalf("stale result counted as missing")
	}
	if tex, _ := s.Buffer().Texture(stale.Cell); tex == nil || tex.Missing() {
		t.Fatalf("stale result marked the png texture missing")
	}
}

func TestPixelMetadataReachesBackend(t *testing.T) {
	s, backend, _ := testSurvey(t, 3, 8)
	q := fetch.NewQueue(fetch.DefaultCapacity, zerolog.Nop())
	mq := fetch.Query{Kind: fetch.PixelMetadata, SurveyID: "dss", URL: "http://h/dss/Norder3/Dir0/Npix0.fits"}
	req := download.NewRequest[*download.Resource]()
	req.Complete(&download.Resource{Query: mq, Meta: hipsconfig.PixelMeta{Scale: 2, CutLo: 1, CutHi: 9}}, nil)
	s.Receive(download.Pending{Query: mq, Request: req}, q)

	meta, ok := s.PixelMeta()
	if !ok || meta.Scale != 2 || backend.meta.CutHi != 9 {
		t.Fatalf("pixel metadata not applied: %+v %+v", meta, backend.meta)
	}
}

func TestApplyCameraAndSubscribe(t *testing.T) {
	s, _, ex := testSurvey(t, 3, 8)
	cam := camera.New(0, 0, deg2rad(60), 800, 600)
	e := NewEngine(EngineConfig{}, cam, fetch.NewQueue(10, zerolog.Nop()), newFakeDownloader(serveAll), ex, zerolog.Nop())
	if err := e.AddSurvey(s); err != nil {
		t.Fatalf("AddSurvey: %v", err)
	}

	bad := -1.0
	if _, err := e.ApplyCamera(CameraCommand{Aperture: &bad}); err == nil {
		t.Fatalf("negative fov accepted")
	}
	lon, fov := 90.0, 30.0
	state, err := e.ApplyCamera(CameraCommand{Lon: &lon, Aperture: &fov})
	if err != nil {
		t.Fatalf("ApplyCamera: %v", err)
	}
	if math.Abs(state.Lon-90) > 1e-9 || math.Abs(state.Aperture-30) > 1e-9 || state.LastAction != "zooming" {
		t.Fatalf("unexpected camera state %+v", state)
	}

	ch, cancel := e.Subscribe()
	defer cancel()
	e.Frame()
	select {
	case sum := <-ch:
		if sum.Frame != 1 {
			t.Fatalf("unexpected frame %d", sum.Frame)
		}
	default:
		t.Fatalf("subscriber got no frame summary")
	}
	if e.Stats().Frame != 1 || len(e.Surveys()) != 1 {
		t.Fatalf("unexpected stats")
	}
}
