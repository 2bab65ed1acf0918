package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/skyatlas/hipsview/internal/cache"
	"github.com/skyatlas/hipsview/internal/fetch"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/internal/metrics"
	"github.com/skyatlas/hipsview/internal/tilestore"
)

// DefaultCapacity is the number of requests allowed in flight.
const DefaultCapacity = 32

// ErrStoredMissing is returned for URLs the tile store recorded as absent.
var ErrStoredMissing = errors.New("tile recorded as missing")

// StatusError is returned for non-200 HTTP responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// Resource is a decoded download.
type Resource struct {
	Query fetch.Query
	Image *hipsconfig.Image
	Meta  hipsconfig.PixelMeta
	Moc   *healpix.Moc
}

// Pending pairs an admitted query with its request.
type Pending struct {
	Query   fetch.Query
	Request *Request[*Resource]
}

// Options configures a Downloader. Cache and Store are optional.
type Options struct {
	Capacity       int
	RequestTimeout time.Duration
	UserAgent      string
	Client         *http.Client
	Cache          *cache.Manager
	Store          *tilestore.Store
}

// Downloader runs fetches on a bounded worker pool. Fetch, IsRequested and
// Poll are called from the frame goroutine.
type Downloader struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pool   *pool.ContextPool
	group  singleflight.Group

	inflight map[string]*Pending
	order    []string
	closed   bool
	closeMu  sync.Mutex
}

func New(ctx context.Context, opts Options, log zerolog.Logger) *Downloader {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Downloader{
		opts:     opts,
		client:   client,
		log:      log.With().Str("component", "download").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		pool:     pool.New().WithMaxGoroutines(opts.Capacity).WithContext(ctx),
		inflight: make(map[string]*Pending),
	}
}

// Fetch admits q when fewer than Capacity requests are in flight and no
// request with the same key is.
func (d *Downloader) Fetch(q fetch.Query) bool {
	d.closeMu.Lock()
	closed := d.closed
	d.closeMu.Unlock()
	if closed || len(d.inflight) >= d.opts.Capacity {
		return false
	}
	if _, ok := d.inflight[q.Key()]; ok {
		return false
	}
	p := &Pending{Query: q, Request: NewRequest[*Resource]()}
	d.inflight[q.Key()] = p
	d.order = append(d.order, q.Key())
	metrics.InFlight.Set(float64(len(d.inflight)))

	d.pool.Go(func(ctx context.Context) error {
		res, err := d.resolve(ctx, q)
		p.Request.Complete(res, err)
		status := "found"
		if err != nil {
			status = "missing"
			d.log.Debug().Err(err).Str("url", q.URL).Str("kind", q.Kind.String()).Msg("fetch failed")
		}
		metrics.FetchResults.WithLabelValues(q.Kind.String(), status).Inc()
		return nil
	})
	return true
}

func (d *Downloader) IsRequested(q fetch.Query) bool {
	_, ok := d.inflight[q.Key()]
	return ok
}

func (d *Downloader) Len() int { return len(d.inflight) }

// Poll returns the requests resolved since the last call, in admission order.
func (d *Downloader) Poll() []Pending {
	var done []Pending
	keep := d.order[:0]
	for _, key := range d.order {
		p := d.inflight[key]
		if p.Request.IsResolved() {
			done = append(done, *p)
			delete(d.inflight, key)
			continue
		}
		keep = append(keep, key)
	}
	d.order = keep
	metrics.InFlight.Set(float64(len(d.inflight)))
	return done
}

// Close stops admitting queries, cancels running fetches and waits for the
// workers.
func (d *Downloader) Close() {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.cancel()
	_ = d.pool.Wait()
}

func (d *Downloader) resolve(ctx context.Context, q fetch.Query) (*Resource, error) {
	data, err := d.load(ctx, q)
	if err != nil {
		return nil, err
	}
	data, err = inflate(data)
	if err != nil {
		return nil, fmt.Errorf("inflate %s: %w", q.URL, err)
	}
	return decode(q, data)
}

// load returns the raw payload of q from the memory cache, the disk store or
// the network, in that order.
func (d *Downloader) load(ctx context.Context, q fetch.Query) ([]byte, error) {
	url := q.URL
	if d.opts.Cache != nil {
		if data, ok := d.opts.Cache.GetTile(url); ok {
			metrics.CacheHits.WithLabelValues("memory").Inc()
			return data, nil
		}
	}
	if d.opts.Store != nil {
		data, missing, err := d.opts.Store.Get(url)
		switch {
		case err == nil && missing:
			metrics.CacheHits.WithLabelValues("disk").Inc()
			return nil, ErrStoredMissing
		case err == nil:
			metrics.CacheHits.WithLabelValues("disk").Inc()
			d.remember(url, data)
			return data, nil
		case !errors.Is(err, tilestore.ErrNotFound):
			d.log.Warn().Err(err).Str("url", url).Msg("tile store read failed")
		}
	}

	v, err, _ := d.group.Do(url, func() (interface{}, error) {
		if d.opts.Cache != nil {
			if data, ok := d.opts.Cache.GetTile(url); ok {
				return data, nil
			}
		}
		data, err := d.get(ctx, url)
		if err != nil {
			var se *StatusError
			if d.opts.Store != nil && errors.As(err, &se) && se.Code == http.StatusNotFound {
				if perr := d.opts.Store.PutMissing(q.SurveyID, url); perr != nil {
					d.log.Warn().Err(perr).Str("url", url).Msg("tile store write failed")
				}
			}
			return nil, err
		}
		d.remember(url, data)
		if d.opts.Store != nil {
			if err := d.opts.Store.Put(q.SurveyID, url, data); err != nil {
				d.log.Warn().Err(err).Str("url", url).Msg("tile store write failed")
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (d *Downloader) remember(url string, data []byte) {
	if d.opts.Cache == nil {
		return
	}
	if err := d.opts.Cache.SetTile(url, data); err != nil {
		d.log.Debug().Err(err).Str("url", url).Msg("tile not cached")
	}
}

func (d *Downloader) get(ctx context.Context, url string) ([]byte, error) {
	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.RequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	metrics.FetchBytes.Add(float64(len(data)))
	return data, nil
}

// inflate decompresses gzip payloads (".fits.gz" tiles and MOCs) and returns
// other payloads unchanged.
func inflate(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func decode(q fetch.Query, data []byte) (*Resource, error) {
	res := &Resource{Query: q, Meta: hipsconfig.DefaultPixelMeta}
	switch q.Kind {
	case fetch.Tile, fetch.Allsky:
		img, err := hipsconfig.DecodeImage(data, q.Format)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.URL, err)
		}
		res.Image = img
	case fetch.PixelMetadata:
		img, hdr, err := hipsconfig.DecodeFITS(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.URL, err)
		}
		res.Meta = hipsconfig.MetaFromFITS(img, hdr)
	case fetch.Moc:
		moc, err := hipsconfig.ParseMocFITS(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.URL, err)
		}
		res.Moc = moc
	default:
		return nil, fmt.Errorf("unknown query kind %d", q.Kind)
	}
	return res, nil
}

// LoadProperties fetches and parses the properties file of the survey at root.
func (d *Downloader) LoadProperties(ctx context.Context, root string) (hipsconfig.Properties, error) {
	if d.opts.Cache != nil {
		if props, ok := d.opts.Cache.GetProperties(root); ok {
			metrics.CacheHits.WithLabelValues("properties").Inc()
			return hipsconfig.Properties(props), nil
		}
	}
	data, err := d.get(ctx, hipsconfig.PropertiesURL(root))
	if err != nil {
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}
	props, err := hipsconfig.ParseProperties(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if d.opts.Cache != nil {
		d.opts.Cache.SetProperties(root, props)
	}
	return props, nil
}
