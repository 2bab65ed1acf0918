// Package config handles configuration loading for the hipsview engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Log     LogConfig      `yaml:"log"`
	Camera  CameraConfig   `yaml:"camera"`
	Engine  EngineConfig   `yaml:"engine"`
	Fetch   FetchConfig    `yaml:"fetch"`
	Cache   CacheConfig    `yaml:"cache"`
	Store   StoreConfig    `yaml:"store"`
	Render  RenderConfig   `yaml:"render"`
	Surveys []SurveyConfig `yaml:"surveys"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig selects the log level and output format (console, json or auto).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CameraConfig is the initial camera. Angles are in degrees.
type CameraConfig struct {
	Lon    float64 `yaml:"lon"`
	Lat    float64 `yaml:"lat"`
	FOV    float64 `yaml:"fov"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
}

// EngineConfig contains frame loop settings.
type EngineConfig struct {
	FrameIntervalMS  int `yaml:"frame_interval_ms"`
	UploadBudgetMS   int `yaml:"upload_budget_ms"`
	NotifyIntervalMS int `yaml:"notify_interval_ms"`
	TextureSize      int `yaml:"texture_size"`
	// TexturesPerSurvey is the evictable pool. The textures of the 768
	// base tiles are allocated on top of it.
	TexturesPerSurvey int `yaml:"textures_per_survey"`
}

// FetchConfig contains download settings. A zero request timeout leaves
// requests unbounded.
type FetchConfig struct {
	MaxInFlight     int    `yaml:"max_in_flight"`
	QueueCapacity   int    `yaml:"queue_capacity"`
	RequestTimeoutS int    `yaml:"request_timeout_s"`
	UserAgent       string `yaml:"user_agent"`
}

// CacheConfig contains in-memory caching settings.
type CacheConfig struct {
	TileSizeMB        int `yaml:"tile_size_mb"`
	TileTTLMinutes    int `yaml:"tile_ttl_minutes"`
	PropertiesEntries int `yaml:"properties_entries"`
}

// StoreConfig enables the on-disk tile store.
type StoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string `yaml:"default_colormap"`
}

// SurveyConfig declares one HiPS. TileSize, MaxDepth and Frame are only used
// when the properties file cannot be read.
type SurveyConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Title    string `yaml:"title"`
	Format   string `yaml:"format"`
	TileSize int    `yaml:"tile_size"`
	MaxDepth int    `yaml:"max_depth"`
	Frame    string `yaml:"frame"`
	Colormap string `yaml:"colormap"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Camera: CameraConfig{
			FOV:    180,
			Width:  1280,
			Height: 800,
		},
		Engine: EngineConfig{
			FrameIntervalMS:   16,
			UploadBudgetMS:    8,
			NotifyIntervalMS:  100,
			TextureSize:       512,
			TexturesPerSurvey: 256,
		},
		Fetch: FetchConfig{
			MaxInFlight:   32,
			QueueCapacity: 100,
			UserAgent:     "hipsview",
		},
		Cache: CacheConfig{
			TileSizeMB:        512,
			TileTTLMinutes:    10,
			PropertiesEntries: 64,
		},
		Store: StoreConfig{
			Path:          "./data/tiles.db",
			RetentionDays: 30,
		},
		Render: RenderConfig{
			DefaultColormap: "grayscale",
		},
		Surveys: []SurveyConfig{
			{ID: "dss2", URL: "https://alasky.cds.unistra.fr/DSS/DSSColor", Title: "DSS colored", Format: "jpeg", TileSize: 512, MaxDepth: 9, Frame: "equatorial"},
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Camera.FOV == 0 {
		cfg.Camera.FOV = defaults.Camera.FOV
	}
	if cfg.Camera.Width == 0 {
		cfg.Camera.Width = defaults.Camera.Width
	}
	if cfg.Camera.Height == 0 {
		cfg.Camera.Height = defaults.Camera.Height
	}
	if cfg.Engine.FrameIntervalMS == 0 {
		cfg.Engine.FrameIntervalMS = defaults.Engine.FrameIntervalMS
	}
	if cfg.Engine.UploadBudgetMS == 0 {
		cfg.Engine.UploadBudgetMS = defaults.Engine.UploadBudgetMS
	}
	if cfg.Engine.NotifyIntervalMS == 0 {
		cfg.Engine.NotifyIntervalMS = defaults.Engine.NotifyIntervalMS
	}
	if cfg.Engine.TextureSize == 0 {
		cfg.Engine.TextureSize = defaults.Engine.TextureSize
	}
	if cfg.Engine.TexturesPerSurvey == 0 {
		cfg.Engine.TexturesPerSurvey = defaults.Engine.TexturesPerSurvey
	}
	if cfg.Fetch.MaxInFlight == 0 {
		cfg.Fetch.MaxInFlight = defaults.Fetch.MaxInFlight
	}
	if cfg.Fetch.QueueCapacity == 0 {
		cfg.Fetch.QueueCapacity = defaults.Fetch.QueueCapacity
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = defaults.Fetch.UserAgent
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.PropertiesEntries == 0 {
		cfg.Cache.PropertiesEntries = defaults.Cache.PropertiesEntries
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if len(cfg.Surveys) == 0 {
		cfg.Surveys = defaults.Surveys
	}
	for i := range cfg.Surveys {
		s := &cfg.Surveys[i]
		if s.Frame == "" {
			s.Frame = "equatorial"
		}
		if s.Format == "" {
			s.Format = "jpeg"
		}
		if s.TileSize == 0 {
			s.TileSize = 512
		}
		if s.MaxDepth == 0 {
			s.MaxDepth = 9
		}
	}
}

// Validate rejects configurations the engine cannot run.
func (c *Config) Validate() error {
	if c.Camera.FOV <= 0 || c.Camera.FOV > 360 {
		return fmt.Errorf("camera fov must be in (0, 360], got %g", c.Camera.FOV)
	}
	if c.Engine.TextureSize&(c.Engine.TextureSize-1) != 0 || c.Engine.TextureSize < 0 {
		return fmt.Errorf("engine texture_size %d is not a power of two", c.Engine.TextureSize)
	}
	if c.Fetch.RequestTimeoutS < 0 {
		return fmt.Errorf("fetch request_timeout_s must not be negative")
	}
	seen := make(map[string]bool, len(c.Surveys))
	for i, s := range c.Surveys {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("survey %d: id and url are required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("survey %s declared twice", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// SurveyIDs returns survey ids in declaration order.
func (c *Config) SurveyIDs() []string {
	ids := make([]string, 0, len(c.Surveys))
	for _, s := range c.Surveys {
		ids = append(ids, s.ID)
	}
	return ids
}

func (e EngineConfig) FrameInterval() time.Duration {
	return time.Duration(e.FrameIntervalMS) * time.Millisecond
}

func (e EngineConfig) UploadBudget() time.Duration {
	return time.Duration(e.UploadBudgetMS) * time.Millisecond
}

func (e EngineConfig) NotifyInterval() time.Duration {
	return time.Duration(e.NotifyIntervalMS) * time.Millisecond
}

func (f FetchConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutS) * time.Second
}

func (c CacheConfig) TileTTL() time.Duration {
	return time.Duration(c.TileTTLMinutes) * time.Minute
}

func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}
