package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/download"
	"github.com/skyatlas/hipsview/internal/exec"
	"github.com/skyatlas/hipsview/internal/fetch"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/metrics"
	"github.com/skyatlas/hipsview/internal/texture"
)

var (
	// ErrUnknownSurvey is returned for survey ids the engine does not hold.
	ErrUnknownSurvey = errors.New("unknown survey")
	// ErrUnsupportedFormat is returned when a survey does not advertise a format.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Downloader is the download side of the frame loop.
type Downloader interface {
	fetch.Downloader
	Poll() []download.Pending
}

// EngineConfig contains the frame loop settings.
type EngineConfig struct {
	// UploadBudget bounds the time spent running tile uploads per frame.
	UploadBudget time.Duration
	// NotifyInterval throttles fetch passes; zero runs one every frame.
	NotifyInterval time.Duration
}

// FrameSummary describes one frame.
type FrameSummary struct {
	Frame        uint64         `json:"frame"`
	At           time.Time      `json:"at"`
	Duration     time.Duration  `json:"duration_ns"`
	Depths       map[string]int `json:"depths"`
	Visible      int            `json:"visible"`
	Queued       int            `json:"queued"`
	Started      int            `json:"started"`
	Received     int            `json:"received"`
	Uploads      int            `json:"uploads"`
	Deferred     int            `json:"deferred"`
	RedrawNeeded bool           `json:"redraw_needed"`
}

// Engine owns the camera, the fetch queue, the executor and the surveys. All
// state is touched by the frame goroutine under mu; HTTP handlers read
// snapshots through the accessor methods.
type Engine struct {
	mu      sync.Mutex
	cfg     EngineConfig
	camera  *camera.Camera
	queue   *fetch.Queue
	dl      Downloader
	exec    *exec.Executor
	surveys []*Survey
	byID    map[string]*Survey
	log     zerolog.Logger
	now     func() time.Time

	frame      uint64
	last       FrameSummary
	subsMu     sync.Mutex
	subs       map[chan FrameSummary]struct{}
	camChanged bool
}

func NewEngine(cfg EngineConfig, cam *camera.Camera, q *fetch.Queue, dl Downloader, ex *exec.Executor, log zerolog.Logger) *Engine {
	if cfg.UploadBudget <= 0 {
		cfg.UploadBudget = 8 * time.Millisecond
	}
	return &Engine{
		cfg:        cfg,
		camera:     cam,
		queue:      q,
		dl:         dl,
		exec:       ex,
		byID:       make(map[string]*Survey),
		log:        log.With().Str("component", "engine").Logger(),
		now:        time.Now,
		subs:       make(map[chan FrameSummary]struct{}),
		camChanged: true,
	}
}

// AddSurvey registers a survey and launches its start-up requests.
func (e *Engine) AddSurvey(s *Survey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[s.ID()]; ok {
		return fmt.Errorf("survey %s already registered", s.ID())
	}
	e.surveys = append(e.surveys, s)
	e.byID[s.ID()] = s
	s.Start(e.queue, e.dl)
	e.log.Info().Str("survey", s.ID()).Str("root", s.Config().RootURL).Msg("survey added")
	return nil
}

// Frame runs one iteration of the loop: update the views, start downloads,
// consume resolved requests, then upload tiles within the budget.
func (e *Engine) Frame() FrameSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	e.frame++
	sum := FrameSummary{Frame: e.frame, At: start, Depths: make(map[string]int, len(e.surveys))}

	for _, s := range e.surveys {
		sum.Queued += s.UpdateView(e.camera, e.queue, e.dl, start)
		sum.Depths[s.ID()] = int(s.View().Depth())
		sum.Visible += len(s.VisibleCells())
	}

	sum.Started = e.queue.Notify(e.dl, e.cfg.NotifyInterval)

	for _, p := range e.dl.Poll() {
		s, ok := e.byID[p.Query.SurveyID]
		if !ok {
			continue
		}
		s.Receive(p, e.queue)
		sum.Received++
	}

	sum.Uploads = e.exec.Run(e.cfg.UploadBudget)
	sum.Deferred = e.exec.Len()
	metrics.UploadsRun.Add(float64(sum.Uploads))
	metrics.UploadsDeferred.Set(float64(sum.Deferred))

	redraw := e.camChanged || sum.Deferred > 0
	for _, s := range e.surveys {
		if s.Buffer().TakeAvailable() {
			redraw = true
		}
	}
	e.camChanged = false
	sum.RedrawNeeded = redraw

	sum.Duration = e.now().Sub(start)
	metrics.FrameDuration.Observe(sum.Duration.Seconds())
	e.last = sum
	e.publish(sum)
	return sum
}

// Run ticks frames until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.log.Info().Dur("interval", interval).Msg("frame loop started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Uint64("frames", e.LastFrame().Frame).Msg("frame loop stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Frame()
		}
	}
}

// CameraCommand moves, zooms or resizes the camera. Nil fields are left
// unchanged; angles are in degrees.
type CameraCommand struct {
	Lon      *float64 `json:"lon,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Aperture *float64 `json:"fov,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
}

// CameraState is the camera as reported to clients, in degrees.
type CameraState struct {
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	Aperture   float64 `json:"fov"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	LastAction string  `json:"last_action"`
}

func deg(r float64) float64 { return r * 180 / math.Pi }
func rad(d float64) float64 { return d * math.Pi / 180 }

// ApplyCamera updates the camera; the next frame sees the change.
func (e *Engine) ApplyCamera(cmd CameraCommand) (CameraState, error) {
	if cmd.Aperture != nil && *cmd.Aperture <= 0 {
		return CameraState{}, fmt.Errorf("fov must be positive, got %g", *cmd.Aperture)
	}
	if (cmd.Width != nil && *cmd.Width <= 0) || (cmd.Height != nil && *cmd.Height <= 0) {
		return CameraState{}, errors.New("screen size must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cmd.Lon != nil || cmd.Lat != nil {
		lon, lat := e.camera.LonLat()
		if cmd.Lon != nil {
			lon = rad(*cmd.Lon)
		}
		if cmd.Lat != nil {
			lat = rad(*cmd.Lat)
		}
		e.camera.SetCenter(lon, lat)
	}
	if cmd.Aperture != nil {
		e.camera.SetAperture(rad(*cmd.Aperture))
	}
	if cmd.Width != nil || cmd.Height != nil {
		w, h := e.camera.ScreenSize()
		if cmd.Width != nil {
			w = *cmd.Width
		}
		if cmd.Height != nil {
			h = *cmd.Height
		}
		e.camera.SetScreenSize(w, h)
	}
	e.camChanged = true
	return e.cameraState(), nil
}

func (e *Engine) Camera() CameraState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cameraState()
}

func (e *Engine) cameraState() CameraState {
	lon, lat := e.camera.LonLat()
	w, h := e.camera.ScreenSize()
	return CameraState{
		Lon:        deg(lon),
		Lat:        deg(lat),
		Aperture:   deg(e.camera.Aperture()),
		Width:      w,
		Height:     h,
		LastAction: e.camera.LastAction().String(),
	}
}

// SurveyInfo describes a registered survey.
type SurveyInfo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	RootURL     string  `json:"root_url"`
	Format      string  `json:"format"`
	Frame       string  `json:"frame"`
	TileSize    int     `json:"tile_size"`
	TextureSize int     `json:"texture_size"`
	MinDepth    int     `json:"min_depth"`
	MaxDepth    int     `json:"max_depth"`
	Depth       int     `json:"depth"`
	Visible     int     `json:"visible"`
	Missing     int     `json:"missing"`
	HasMoc      bool    `json:"has_moc"`
	SkyFraction float64 `json:"sky_fraction"`
}

func (e *Engine) Surveys() []SurveyInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SurveyInfo, 0, len(e.surveys))
	for _, s := range e.surveys {
		out = append(out, surveyInfo(s))
	}
	return out
}

func surveyInfo(s *Survey) SurveyInfo {
	cfg := s.Config()
	info := SurveyInfo{
		ID:          cfg.ID,
		Title:       cfg.Title,
		RootURL:     cfg.RootURL,
		Format:      cfg.Format.String(),
		Frame:       cfg.Frame.String(),
		TileSize:    cfg.TileSize,
		TextureSize: cfg.TextureSize,
		MinDepth:    int(cfg.MinDepth),
		MaxDepth:    int(cfg.MaxDepth),
		Depth:       int(s.View().Depth()),
		Visible:     len(s.VisibleCells()),
		Missing:     s.Missing(),
		SkyFraction: 1,
	}
	if moc := s.Moc(); moc != nil {
		info.HasMoc = true
		info.SkyFraction = moc.SkyFraction()
	}
	return info
}

// SetFormat switches the tile format of a survey to the advertised format
// with extension ext ("jpeg", "png" or "fits").
func (e *Engine) SetFormat(id, ext string) (SurveyInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byID[id]
	if !ok {
		return SurveyInfo{}, ErrUnknownSurvey
	}
	f, ok := s.Config().FormatByExtension(ext)
	if !ok {
		return SurveyInfo{}, fmt.Errorf("%w: survey %s does not offer %q", ErrUnsupportedFormat, id, ext)
	}
	if err := s.SetFormat(f, e.queue, e.dl); err != nil {
		return SurveyInfo{}, err
	}
	e.camChanged = true
	return surveyInfo(s), nil
}

// Cells returns the visible cells of a survey.
func (e *Engine) Cells(id string) ([]healpix.Cell, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byID[id]
	if !ok {
		return nil, ErrUnknownSurvey
	}
	return append([]healpix.Cell(nil), s.VisibleCells()...), nil
}

// Textures returns the buffer statistics of a survey.
func (e *Engine) Textures(id string) (texture.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byID[id]
	if !ok {
		return texture.Stats{}, ErrUnknownSurvey
	}
	return s.Buffer().Stats(), nil
}

// Draws returns the draw list of a survey for the current view.
func (e *Engine) Draws(id string) ([]texture.Draw, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byID[id]
	if !ok {
		return nil, ErrUnknownSurvey
	}
	return s.DrawList(), nil
}

// Stats summarizes the engine.
type Stats struct {
	Frame      uint64       `json:"frame"`
	Queued     int          `json:"queued"`
	BaseQueued int          `json:"base_queued"`
	Dropped    int          `json:"dropped"`
	Tasks      int          `json:"tasks"`
	Last       FrameSummary `json:"last_frame"`
	Camera     CameraState  `json:"camera"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Frame:      e.frame,
		Queued:     e.queue.Len(),
		BaseQueued: e.queue.BaseLen(),
		Dropped:    e.queue.Dropped(),
		Tasks:      e.exec.Len(),
		Last:       e.last,
		Camera:     e.cameraState(),
	}
}

func (e *Engine) LastFrame() FrameSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Subscribe returns a channel receiving frame summaries. Slow subscribers
// miss frames. cancel releases the channel.
func (e *Engine) Subscribe() (<-chan FrameSummary, func()) {
	ch := make(chan FrameSummary, 4)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, ch)
			e.subsMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(sum FrameSummary) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- sum:
		default:
		}
	}
}
