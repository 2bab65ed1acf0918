// Package api provides the HTTP and WebSocket handlers of the hipsview engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skyatlas/hipsview/internal/cache"
	"github.com/skyatlas/hipsview/internal/render"
	"github.com/skyatlas/hipsview/internal/service"
	"github.com/skyatlas/hipsview/internal/texture"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Engine      *service.Engine
	Registry    *Registry
	Renderer    *render.Renderer
	Cache       *cache.Manager
	CORSOrigins []string
	Log         zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := &handlers{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		renderer: cfg.Renderer,
		cache:    cfg.Cache,
		log:      cfg.Log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.ws)

	r.Route("/api", func(r chi.Router) {
		r.Get("/surveys", h.surveys)
		r.Get("/stats", h.stats)
		r.Get("/camera", h.getCamera)
		r.Post("/camera", h.postCamera)

		r.Route("/surveys/{survey}", func(r chi.Router) {
			r.Use(surveyMiddleware(cfg.Registry))
			r.Get("/cells", h.cells)
			r.Get("/textures", h.textures)
			r.Get("/draws", h.draws)
			r.Post("/format", h.setFormat)
			r.Get("/atlas.png", h.atlas)
			// chi treats '.' as a param delimiter; strip ".png" in the handler.
			r.Get("/slots/{slot}", h.slot)
		})
	})

	return r
}

type handlers struct {
	engine   *service.Engine
	registry *Registry
	renderer *render.Renderer
	cache    *cache.Manager
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// Context key for the survey id
type ctxKey string

const surveyIDKey ctxKey = "surveyID"

// surveyMiddleware resolves the survey from the URL and injects its id into context.
func surveyMiddleware(registry *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			surveyID := chi.URLParam(r, "survey")
			if registry.Get(surveyID) == nil {
				http.Error(w, "survey not found: "+surveyID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), surveyIDKey, surveyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSurveyID(r *http.Request) string {
	id, _ := r.Context().Value(surveyIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownSurvey):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, service.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// surveys returns the registered surveys with their live state.
func (h *handlers) surveys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"title":   h.registry.Title(),
		"default": h.registry.DefaultSurveyID(),
		"surveys": h.engine.Surveys(),
	})
}

type cellJSON struct {
	Depth uint8  `json:"depth"`
	Index uint64 `json:"index"`
	Uniq  uint64 `json:"uniq"`
}

func (h *handlers) cells(w http.ResponseWriter, r *http.Request) {
	cells, err := h.engine.Cells(getSurveyID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]cellJSON, 0, len(cells))
	for _, c := range cells {
		out = append(out, cellJSON{Depth: c.Depth, Index: c.Index, Uniq: c.Uniq()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"survey": getSurveyID(r),
		"count":  len(out),
		"cells":  out,
	})
}

func (h *handlers) textures(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Textures(getSurveyID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type drawJSON struct {
	Cell      cellJSON   `json:"cell"`
	Tile      cellJSON   `json:"tile"`
	Slot      int        `json:"slot"`
	UV        texture.UV `json:"uv"`
	StartTime time.Time  `json:"start_time"`
	Ancestor  bool       `json:"ancestor"`
}

func (h *handlers) draws(w http.ResponseWriter, r *http.Request) {
	draws, err := h.engine.Draws(getSurveyID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]drawJSON, 0, len(draws))
	for _, d := range draws {
		out = append(out, drawJSON{
			Cell:      cellJSON{Depth: d.Cell.Depth, Index: d.Cell.Index, Uniq: d.Cell.Uniq()},
			Tile:      cellJSON{Depth: d.Tile.Depth, Index: d.Tile.Index, Uniq: d.Tile.Uniq()},
			Slot:      d.Slot,
			UV:        d.UV,
			StartTime: d.StartTime,
			Ancestor:  d.Ancestor,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) atlas(w http.ResponseWriter, r *http.Request) {
	cellPx := 16
	if v := r.URL.Query().Get("cell"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 || n > 128 {
			http.Error(w, "cell must be an integer in [2, 128]", http.StatusBadRequest)
			return
		}
		cellPx = n
	}
	stats, err := h.engine.Textures(getSurveyID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	data, err := h.renderer.AtlasOverview(stats, cellPx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writePNG(w, data)
}

func (h *handlers) slot(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSuffix(chi.URLParam(r, "slot"), ".png")
	slot, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, "invalid slot: "+raw, http.StatusBadRequest)
		return
	}
	size := 0
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 4096 {
			http.Error(w, "size must be an integer in [1, 4096]", http.StatusBadRequest)
			return
		}
		size = n
	}
	data, ok, err := h.renderer.SlotPNG(h.registry.Get(getSurveyID(r)), slot, size)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "slot not written", http.StatusNotFound)
		return
	}
	writePNG(w, data)
}

// setFormat switches the tile format, e.g. {"format": "png"}.
func (h *handlers) setFormat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format string `json:"format"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid format request: "+err.Error(), http.StatusBadRequest)
		return
	}
	info, err := h.engine.SetFormat(getSurveyID(r), req.Format)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.log.Info().Str("survey", info.ID).Str("format", info.Format).Msg("tile format switched")
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"engine": h.engine.Stats(),
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getCamera(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Camera())
}

func (h *handlers) postCamera(w http.ResponseWriter, r *http.Request) {
	var cmd service.CameraCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&cmd); err != nil {
		http.Error(w, "invalid camera command: "+err.Error(), http.StatusBadRequest)
		return
	}
	state, err := h.engine.ApplyCamera(cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
