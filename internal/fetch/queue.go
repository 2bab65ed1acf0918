package fetch

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/internal/metrics"
)

const (
	// DefaultCapacity bounds the pending tile queries.
	DefaultCapacity = 100
	// MaxNumTileFetching is the number of regular tiles proposed per pass.
	MaxNumTileFetching = 8
)

// Downloader admits queries. Fetch returns false when the query cannot be
// started now; IsRequested reports queries already in flight.
type Downloader interface {
	Fetch(q Query) bool
	IsRequested(q Query) bool
}

// Queue holds pending queries between frames. It is owned by the frame
// goroutine.
type Queue struct {
	capacity int
	queries  []Query // front is the oldest
	base     []Query
	keys     map[string]struct{}
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger
	dropped  int
}

func NewQueue(capacity int, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		keys:     make(map[string]struct{}),
		now:      time.Now,
		log:      log.With().Str("component", "fetch").Logger(),
	}
}

// Append queues a tile query at the back, dropping the oldest one when full.
// Queries already queued are ignored.
func (q *Queue) Append(query Query) {
	if _, ok := q.keys[query.Key()]; ok {
		return
	}
	if len(q.queries) >= q.capacity {
		oldest := q.queries[0]
		q.queries = q.queries[1:]
		delete(q.keys, oldest.Key())
		q.dropped++
		metrics.QueueDropped.Inc()
	}
	q.queries = append(q.queries, query)
	q.keys[query.Key()] = struct{}{}
	metrics.QueueLength.Set(float64(len(q.queries)))
}

// AppendBaseTile queues a query served before any regular tile.
func (q *Queue) AppendBaseTile(query Query) {
	if _, ok := q.keys[query.Key()]; ok {
		return
	}
	q.base = append(q.base, query)
	q.keys[query.Key()] = struct{}{}
}

// Contains reports whether a query with this key is pending.
func (q *Queue) Contains(key string) bool {
	_, ok := q.keys[key]
	return ok
}

func (q *Queue) Len() int { return len(q.queries) }
func (q *Queue) BaseLen() int { return len(q.base) }
func (q *Queue) Dropped() int { return q.dropped }

// Queries returns the pending regular queries, oldest first.
func (q *Queue) Queries() []Query { return q.queries }

// Notify runs a fetch pass unless one ran less than minInterval ago.
// A zero interval never throttles. It returns the number of queries started.
func (q *Queue) Notify(dl Downloader, minInterval time.Duration) int {
	if minInterval > 0 {
		limit := rate.Every(minInterval)
		if q.limiter == nil {
			q.limiter = rate.NewLimiter(limit, 1)
		} else if q.limiter.Limit() != limit {
			q.limiter.SetLimitAt(q.now(), limit)
		}
		if !q.limiter.AllowN(q.now(), 1) {
			return 0
		}
	}
	return q.fetch(dl)
}

func (q *Queue) fetch(dl Downloader) int {
	started := 0

	pending := q.base[:0]
	for i, query := range q.base {
		if dl.IsRequested(query) {
			delete(q.keys, query.Key())
			continue
		}
		if !dl.Fetch(query) {
			pending = append(pending, q.base[i:]...)
			break
		}
		delete(q.keys, query.Key())
		started++
	}
	q.base = pending

	for sent := 0; sent < MaxNumTileFetching && len(q.queries) > 0; {
		last := len(q.queries) - 1
		query := q.queries[last]
		q.queries = q.queries[:last]
		if dl.IsRequested(query) {
			delete(q.keys, query.Key())
			continue
		}
		if !dl.Fetch(query) {
			q.queries = append(q.queries, query)
			break
		}
		delete(q.keys, query.Key())
		sent++
		started++
	}
	metrics.QueueLength.Set(float64(len(q.queries)))
	return started
}

// Clear forgets every pending query of a survey.
func (q *Queue) Clear(surveyID string) {
	keep := q.queries[:0]
	for _, query := range q.queries {
		if query.SurveyID == surveyID {
			delete(q.keys, query.Key())
			continue
		}
		keep = append(keep, query)
	}
	q.queries = keep
	base := q.base[:0]
	for _, query := range q.base {
		if query.SurveyID == surveyID {
			delete(q.keys, query.Key())
			continue
		}
		base = append(base, query)
	}
	q.base = base
}

// LaunchStartingHiPSRequests issues the start-up downloads of a survey: pixel
// metadata for FITS surveys, the MOC, then either the allsky mosaic or the
// 768 base tiles.
func (q *Queue) LaunchStartingHiPSRequests(cfg *hipsconfig.Config, dl Downloader) {
	now := q.now()
	first := []Query{MocQuery(cfg, now)}
	if cfg.Format.IsFITS() {
		first = append([]Query{MetadataQuery(cfg, now)}, first...)
	}
	useAllsky := cfg.TileSize <= 256 || cfg.MinDepth > hipsconfig.BaseDepth
	if useAllsky {
		first = append(first, AllskyQuery(cfg, now))
	}
	for _, query := range first {
		if !dl.Fetch(query) {
			q.AppendBaseTile(query)
		}
	}
	if !useAllsky {
		for _, cell := range healpix.AllCells(hipsconfig.BaseDepth) {
			q.AppendBaseTile(TileQuery(cfg, cell, now))
		}
	}
	q.log.Info().
		Str("survey", cfg.ID).
		Bool("allsky", useAllsky).
		Int("base_tiles", len(q.base)).
		Msg("starting requests launched")
}
