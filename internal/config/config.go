// Package config loads fieldsync configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the sync core.
type Config struct {
	// APIBaseURL is the REST backend root, e.g. "https://api.example.com/api".
	APIBaseURL string `yaml:"api_base_url"`

	// TileServerURL is the slippy-map tile template, e.g.
	// "https://a.tile.openstreetmap.org/%d/%d/%d.png" (zoom, x, y).
	TileServerURL string `yaml:"tile_server_url"`

	// DataDir holds the SQLite database and the tile cache directory.
	DataDir string `yaml:"data_dir"`

	// RequestTimeout bounds every data API call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ProbeTimeout bounds connectivity probes; kept short so the UI can
	// reflect state changes quickly.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// PollInterval is the connectivity monitor cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Response cache ages per resource class.
	ListCacheAge   time.Duration `yaml:"list_cache_age"`
	TreesCacheAge  time.Duration `yaml:"trees_cache_age"`
	DetailCacheAge time.Duration `yaml:"detail_cache_age"`

	// Tile cache bounds.
	TileCacheBudgetBytes int64         `yaml:"tile_cache_budget_bytes"`
	TileRetention        time.Duration `yaml:"tile_retention"`

	// PreloadPauseEvery inserts PreloadPause after this many downloads to
	// avoid hammering the tile source.
	PreloadPauseEvery int           `yaml:"preload_pause_every"`
	PreloadPause      time.Duration `yaml:"preload_pause"`

	// LogLevel is a zerolog level string ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the daemon's localhost WebSocket address.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:           "https://api.olivetrack.example/api",
		TileServerURL:        "https://a.tile.openstreetmap.org/%d/%d/%d.png",
		DataDir:              defaultDataDir(),
		RequestTimeout:       15 * time.Second,
		ProbeTimeout:         3 * time.Second,
		PollInterval:         10 * time.Second,
		ListCacheAge:         5 * time.Minute,
		TreesCacheAge:        30 * time.Minute,
		DetailCacheAge:       60 * time.Minute,
		TileCacheBudgetBytes: 100 * 1024 * 1024,
		TileRetention:        30 * 24 * time.Hour,
		PreloadPauseEvery:    10,
		PreloadPause:         500 * time.Millisecond,
		LogLevel:             "info",
		ListenAddr:           "localhost:8090",
	}
}

// Load reads a YAML config file and overlays it on the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must not be empty")
	}
	if c.TileServerURL == "" {
		return fmt.Errorf("tile_server_url must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	if c.TileCacheBudgetBytes <= 0 {
		return fmt.Errorf("tile_cache_budget_bytes must be positive")
	}
	if c.TileRetention <= 0 {
		return fmt.Errorf("tile_retention must be positive")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return home + "/.fieldsync"
}
