package download

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/skyatlas/hipsview/internal/cache"
	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/fetch"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/internal/tilestore"
)

func fitsUnit(cards [][2]string, data []byte) []byte {
	var buf bytes.Buffer
	for _, c := range cards {
		card := fmt.Sprintf("%-8s= %20s", c[0], c[1])
		buf.WriteString(card + strings.Repeat(" ", 80-len(card)))
	}
	buf.WriteString("END" + strings.Repeat(" ", 77))
	for buf.Len()%2880 != 0 {
		buf.WriteByte(' ')
	}
	buf.Write(data)
	for buf.Len()%2880 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func mocFITS() []byte {
	primary := fitsUnit([][2]string{{"SIMPLE", "T"}, {"BITPIX", "8"}, {"NAXIS", "0"}}, nil)
	rows := make([]byte, 8)
	binary.BigEndian.PutUint64(rows, 4*4+5)
	ext := fitsUnit([][2]string{
		{"XTENSION", "'BINTABLE'"},
		{"BITPIX", "8"},
		{"NAXIS", "2"},
		{"NAXIS1", "8"},
		{"NAXIS2", "1"},
		{"TFIELDS", "1"},
		{"TFORM1", "'1K'"},
	}, rows)
	return append(primary, ext...)
}

func pngTile(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < size; i++ {
		img.Set(i, i, color.NRGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type hipsServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newHiPSServer(t *testing.T) *hipsServer {
	t.Helper()
	s := &hipsServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/dss/properties", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		fmt.Fprint(w, "hips_order = 9\nhips_tile_width = 8\nhips_tile_format = png\n")
	})
	mux.HandleFunc("/dss/Norder3/Dir0/Npix0.png", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		w.Write(pngTile(8))
	})
	mux.HandleFunc("/dss/Moc.fits", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		zw := gzip.NewWriter(w)
		zw.Write(mocFITS())
		zw.Close()
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		http.NotFound(w, r)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(t *testing.T, root string) *hipsconfig.Config {
	t.Helper()
	cfg, err := hipsconfig.New("dss", root+"/dss", 8, 8, 9, hipsconfig.U8x4, camera.ICRS)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// waitAll polls until n requests resolved.
func waitAll(t *testing.T, d *Downloader, n int) []Pending {
	t.Helper()
	var done []Pending
	deadline := time.Now().Add(5 * time.Second)
	for len(done) < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d requests resolved", len(done), n)
		}
		done = append(done, d.Poll()...)
		time.Sleep(time.Millisecond)
	}
	return done
}

func TestRequestResolvesOnce(t *testing.T) {
	r := NewRequest[int]()
	if r.IsResolved() || r.Status() != NotResolved {
		t.Fatalf("new request should be unresolved")
	}
	if _, ok := r.Get(); ok {
		t.Fatalf("unresolved request has no payload")
	}
	if !r.Complete(0, fmt.Errorf("404")) {
		t.Fatalf("first completion should apply")
	}
	if r.Complete(7, nil) {
		t.Fatalf("second completion should be ignored")
	}
	if r.Status() != Missing || r.Err() == nil {
		t.Fatalf("expected Missing, got %s", r.Status())
	}
	if _, ok := r.Get(); ok {
		t.Fatalf("missing request must not expose a payload")
	}
}

func TestDownloaderFoundAndMissing(t *testing.T) {
	srv := newHiPSServer(t)
	cfg := testConfig(t, srv.URL)
	d := New(context.Background(), Options{Capacity: 4}, zerolog.Nop())
	defer d.Close()

	now := time.Now()
	found := fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 0}, now)
	missing := fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 1}, now)
	moc := fetch.MocQuery(cfg, now)

	for _, q := range []fetch.Query{found, missing, moc} {
		if !d.Fetch(q) {
			t.Fatalf("fetch %s rejected", q.URL)
		}
	}
	if d.Fetch(found) {
		t.Fatalf("a query in flight must not be admitted twice")
	}
	if !d.IsRequested(found) {
		t.Fatalf("expected the tile to be in flight")
	}

	byURL := make(map[string]Pending)
	for _, p := range waitAll(t, d, 3) {
		byURL[p.Query.URL] = p
	}
	if d.Len() != 0 || d.IsRequested(found) {
		t.Fatalf("polled requests must leave the in-flight set")
	}

	res, ok := byURL[found.URL].Request.Get()
	if !ok || res.Image == nil || res.Image.Width != 8 || res.Image.Format != hipsconfig.U8x4 {
		t.Fatalf("unexpected tile resource %+v", res)
	}

	miss := byURL[missing.URL].Request
	if miss.Status() != Missing {
		t.Fatalf("expected a missing tile, got %s", miss.Status())
	}
	if _, ok := miss.Get(); ok {
		t.Fatalf("missing tile must not expose a payload")
	}

	mres, ok := byURL[moc.URL].Request.Get()
	if !ok || mres.Moc == nil || !mres.Moc.Contains(healpix.Cell{Depth: 1, Index: 5}) {
		t.Fatalf("gzip moc not decoded: %+v", mres)
	}
}

func TestDownloaderCapacity(t *testing.T) {
	srv := newHiPSServer(t)
	cfg := testConfig(t, srv.URL)
	d := New(context.Background(), Options{Capacity: 2}, zerolog.Nop())
	defer d.Close()

	now := time.Now()
	for i := 0; i < 2; i++ {
		if !d.Fetch(fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: uint64(i)}, now)) {
			t.Fatalf("fetch %d rejected", i)
		}
	}
	if d.Fetch(fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 2}, now)) {
		t.Fatalf("fetch beyond capacity admitted")
	}
	waitAll(t, d, 2)
	if !d.Fetch(fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 2}, now)) {
		t.Fatalf("capacity should be released by Poll")
	}
	waitAll(t, d, 1)
}

func TestDownloaderAdmitsMetadataAndFirstTile(t *testing.T) {
	srv := newHiPSServer(t)
	cfg, err := hipsconfig.New("dss", srv.URL+"/dss", 8, 8, 9, hipsconfig.F32x1, camera.ICRS)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	d := New(context.Background(), Options{Capacity: 8}, zerolog.Nop())
	defer d.Close()

	now := time.Now()
	meta := fetch.MetadataQuery(cfg, now)
	tile := fetch.TileQuery(cfg, healpix.Cell{Depth: 3}, now)
	if !d.Fetch(meta) || !d.Fetch(tile) {
		t.Fatalf("metadata and tile 3/0 must both be admitted")
	}
	if d.Len() != 2 || !d.IsRequested(meta) || !d.IsRequested(tile) {
		t.Fatalf("expected two requests in flight, got %d", d.Len())
	}
	done := waitAll(t, d, 2)
	kinds := map[fetch.Kind]bool{}
	for _, p := range done {
		kinds[p.Query.Kind] = true
	}
	if !kinds[fetch.PixelMetadata] || !kinds[fetch.Tile] {
		t.Fatalf("unexpected resolved kinds %v", kinds)
	}
}

func TestDownloaderCacheLayers(t *testing.T) {
	srv := newHiPSServer(t)
	cfg := testConfig(t, srv.URL)
	mgr, err := cache.NewManager(cache.Config{TileCacheSizeMB: 8, TileTTL: time.Minute, PropertiesCacheLen: 4})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer mgr.Close()
	store, err := tilestore.NewStore(t.TempDir() + "/tiles.db")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	q := fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 0}, time.Now())
	miss := fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 9}, time.Now())

	first := New(context.Background(), Options{Cache: mgr, Store: store}, zerolog.Nop())
	first.Fetch(q)
	first.Fetch(miss)
	waitAll(t, first, 2)
	first.Close()
	if srv.hits.Load() != 2 {
		t.Fatalf("expected 2 network hits, got %d", srv.hits.Load())
	}
	if _, missing, err := store.Get(miss.URL); err != nil || !missing {
		t.Fatalf("404 should be recorded in the store: %v %v", missing, err)
	}

	// Memory cache serves the tile, the store answers the 404.
	second := New(context.Background(), Options{Cache: mgr, Store: store}, zerolog.Nop())
	defer second.Close()
	second.Fetch(q)
	second.Fetch(miss)
	done := waitAll(t, second, 2)
	if srv.hits.Load() != 2 {
		t.Fatalf("cached payloads should not hit the network, got %d hits", srv.hits.Load())
	}
	for _, p := range done {
		want := Found
		if p.Query.URL == miss.URL {
			want = Missing
		}
		if p.Request.Status() != want {
			t.Fatalf("%s: expected %s, got %s", p.Query.URL, want, p.Request.Status())
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(t, srv.URL)
	d := New(context.Background(), Options{RequestTimeout: 20 * time.Millisecond}, zerolog.Nop())
	defer d.Close()

	d.Fetch(fetch.TileQuery(cfg, healpix.Cell{Depth: 3, Index: 0}, time.Now()))
	done := waitAll(t, d, 1)
	if done[0].Request.Status() != Missing {
		t.Fatalf("timed out fetch should be missing")
	}
}

func TestLoadProperties(t *testing.T) {
	srv := newHiPSServer(t)
	mgr, err := cache.NewManager(cache.Config{TileCacheSizeMB: 8, PropertiesCacheLen: 4})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer mgr.Close()
	d := New(context.Background(), Options{Cache: mgr}, zerolog.Nop())
	defer d.Close()

	for i := 0; i < 2; i++ {
		props, err := d.LoadProperties(context.Background(), srv.URL+"/dss/")
		if err != nil {
			t.Fatalf("LoadProperties: %v", err)
		}
		if props.Get("hips_order") != "9" {
			t.Fatalf("unexpected properties %v", props)
		}
	}
	if srv.hits.Load() != 1 {
		t.Fatalf("properties should be cached, got %d hits", srv.hits.Load())
	}

	if _, err := d.LoadProperties(context.Background(), srv.URL+"/nope"); err == nil {
		t.Fatalf("expected an error for a missing survey")
	}
}
