package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skyatlas/hipsview/internal/api"
	"github.com/skyatlas/hipsview/internal/cache"
	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/config"
	"github.com/skyatlas/hipsview/internal/download"
	"github.com/skyatlas/hipsview/internal/exec"
	"github.com/skyatlas/hipsview/internal/fetch"
	"github.com/skyatlas/hipsview/internal/hipsconfig"
	"github.com/skyatlas/hipsview/internal/logging"
	"github.com/skyatlas/hipsview/internal/render"
	"github.com/skyatlas/hipsview/internal/service"
	"github.com/skyatlas/hipsview/internal/texture"
	"github.com/skyatlas/hipsview/internal/tilestore"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the frame loop and the HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/hipsview.yaml", "Path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Int("port", cfg.Server.Port).Int("surveys", len(cfg.Surveys)).Msg("starting hipsview")

	// Initialize cache manager (shared across all surveys)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB:    cfg.Cache.TileSizeMB,
		TileTTL:            cfg.Cache.TileTTL(),
		PropertiesCacheLen: cfg.Cache.PropertiesEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	var store *tilestore.Store
	if cfg.Store.Enabled {
		store, err = tilestore.NewStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open tile store: %w", err)
		}
		defer store.Close()
		if n, err := store.DeleteExpired(cfg.Store.Retention()); err != nil {
			log.Warn().Err(err).Msg("tile store cleanup failed")
		} else {
			log.Info().Str("path", cfg.Store.Path).Int64("expired", n).Msg("tile store opened")
		}
	}

	dl := download.New(ctx, download.Options{
		Capacity:       cfg.Fetch.MaxInFlight,
		RequestTimeout: cfg.Fetch.RequestTimeout(),
		UserAgent:      cfg.Fetch.UserAgent,
		Cache:          cacheManager,
		Store:          store,
	}, log)
	defer dl.Close()

	cam := camera.New(rad(cfg.Camera.Lon), rad(cfg.Camera.Lat), rad(cfg.Camera.FOV),
		float64(cfg.Camera.Width), float64(cfg.Camera.Height))
	ex := exec.New()
	engine := service.NewEngine(service.EngineConfig{
		UploadBudget:   cfg.Engine.UploadBudget(),
		NotifyInterval: cfg.Engine.NotifyInterval(),
	}, cam, fetch.NewQueue(cfg.Fetch.QueueCapacity, log), dl, ex, log)

	renderer := render.NewRenderer(render.Config{DefaultColormap: cfg.Render.DefaultColormap})
	registry := api.NewRegistry("hipsview")

	for _, sc := range cfg.Surveys {
		hc, err := surveyConfig(ctx, dl, sc, cfg.Engine.TextureSize, log)
		if err != nil {
			return err
		}
		arr := render.NewTextureArray(texture.Slots(hc, cfg.Engine.TexturesPerSurvey), hc.TextureSize, hc.TileSize, renderer.Colormap(sc.Colormap))
		survey := service.NewSurvey(hc, cfg.Engine.TexturesPerSurvey, ex, arr, log)
		if err := engine.AddSurvey(survey); err != nil {
			return err
		}
		registry.Register(hc.ID, hc.Title, arr)
		log.Info().
			Str("survey", hc.ID).
			Str("format", hc.Format.String()).
			Int("tile_size", hc.TileSize).
			Uint8("min_depth", hc.MinDepth).
			Uint8("max_depth", hc.MaxDepth).
			Str("frame", hc.Frame.String()).
			Msg("survey registered")
	}

	router := api.NewRouter(api.RouterConfig{
		Engine:      engine,
		Registry:    registry,
		Renderer:    renderer,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		Log:         log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		errc <- engine.Run(ctx, cfg.Engine.FrameInterval())
	}()
	go func() {
		log.Info().Msgf("listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("engine stopped")
		}
	}
	stop()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}

// surveyConfig reads the survey's properties file. When it cannot be read,
// the tile size, depth and frame declared in the configuration are used.
func surveyConfig(ctx context.Context, dl *download.Downloader, sc config.SurveyConfig, textureSize int, log zerolog.Logger) (*hipsconfig.Config, error) {
	props, err := dl.LoadProperties(ctx, sc.URL)
	if err == nil {
		hc, err := hipsconfig.FromProperties(sc.ID, sc.URL, props, textureSize, sc.Format)
		if err == nil {
			if sc.Title != "" {
				hc.Title = sc.Title
			}
			return hc, nil
		}
		log.Warn().Err(err).Str("survey", sc.ID).Msg("invalid properties, using configured values")
	} else {
		log.Warn().Err(err).Str("survey", sc.ID).Msg("properties unavailable, using configured values")
	}

	formats, err := hipsconfig.ParseTileFormats(sc.Format, 0)
	if err != nil {
		return nil, fmt.Errorf("survey %s: %w", sc.ID, err)
	}
	frame, err := camera.ParseFrame(sc.Frame)
	if err != nil {
		return nil, fmt.Errorf("survey %s: %w", sc.ID, err)
	}
	hc, err := hipsconfig.New(sc.ID, sc.URL, sc.TileSize, textureSize, uint8(sc.MaxDepth), formats[0], frame)
	if err != nil {
		return nil, err
	}
	hc.Title = sc.Title
	return hc, nil
}

func rad(d float64) float64 { return d * math.Pi / 180 }
