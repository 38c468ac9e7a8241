// Package tiles caches slippy-map tile images on disk for offline map use.
//
// Tiles are fetched lazily on first access and in bulk via region preloads.
// The on-disk footprint is bounded by a byte budget and an idle retention
// window; CleanCache enforces both. A tile that cannot be fetched is served
// as a neutral placeholder so the map never breaks offline.
package tiles

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/olivetrack/fieldsync/internal/connectivity"
	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/models"
	"github.com/olivetrack/fieldsync/internal/store"
)

const (
	placeholderName = "placeholder.png"

	// maxTileBytes caps a single tile download; raster tiles are a few
	// tens of KB, anything larger is a misbehaving server.
	maxTileBytes = 2 << 20
)

var fileNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Stats describes the current tile cache footprint.
type Stats struct {
	TileCount   int   `json:"tileCount"`
	TotalBytes  int64 `json:"totalBytes"`
	BudgetBytes int64 `json:"budgetBytes"`
}

// PreloadResult summarizes a region preload.
type PreloadResult struct {
	Requested  int  `json:"requested"`
	Downloaded int  `json:"downloaded"`
	Skipped    int  `json:"skipped"`
	Errors     int  `json:"errors"`
	Success    bool `json:"success"`
}

// PreloadProgressFunc observes preload progress. It is called after every
// tile is resolved (downloaded, skipped or failed).
type PreloadProgressFunc func(done, total int)

// Options configures a Manager.
type Options struct {
	// Dir is the tile cache directory; created if missing.
	Dir string

	// URLTemplate formats a tile URL from zoom, x, y.
	URLTemplate string

	Store   *store.DB
	Checker connectivity.Checker
	Logger  zerolog.Logger

	// BudgetBytes bounds the cache size; zero means 100 MiB.
	BudgetBytes int64

	// Retention evicts tiles idle longer than this; zero means 30 days.
	Retention time.Duration

	// PauseEvery / Pause throttle bulk downloads. Zero values mean a
	// 500 ms pause every 10 tiles.
	PauseEvery int
	Pause      time.Duration

	// HTTPClient overrides the download client, mainly for tests.
	HTTPClient *http.Client
}

// Manager owns the on-disk tile cache and its SQLite index.
type Manager struct {
	dir         string
	urlTemplate string
	db          *store.DB
	checker     connectivity.Checker
	client      *http.Client
	log         zerolog.Logger

	budget     int64
	retention  time.Duration
	pauseEvery int
	pause      time.Duration

	group singleflight.Group
	mu    sync.Mutex
	now   func() time.Time
}

// NewManager creates the cache directory and its placeholder tile.
func NewManager(opts Options) (*Manager, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create tile cache directory", err)
	}

	budget := opts.BudgetBytes
	if budget <= 0 {
		budget = 100 * 1024 * 1024
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	pauseEvery := opts.PauseEvery
	if pauseEvery <= 0 {
		pauseEvery = 10
	}
	pause := opts.Pause
	if pause <= 0 {
		pause = 500 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	m := &Manager{
		dir:         opts.Dir,
		urlTemplate: opts.URLTemplate,
		db:          opts.Store,
		checker:     opts.Checker,
		client:      client,
		log:         opts.Logger.With().Str("component", "tiles").Logger(),
		budget:      budget,
		retention:   retention,
		pauseEvery:  pauseEvery,
		pause:       pause,
		now:         time.Now,
	}

	if err := m.ensurePlaceholder(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetTile returns the local path for one tile, downloading it on a cache
// miss. It never returns an error for a failed fetch; the caller gets the
// placeholder path instead so map rendering continues offline.
func (m *Manager) GetTile(ctx context.Context, zoom, x, y int) string {
	url := m.tileURL(zoom, x, y)
	name := urlToFileName(url)
	path := filepath.Join(m.dir, name)

	if m.haveTile(name, path) {
		if err := m.db.TouchTile(name, m.now().Unix()); err != nil {
			m.log.Warn().Err(err).Str("tile", name).Msg("failed to touch tile")
		}
		return path
	}

	if m.checker != nil && !m.checker.Online(ctx) {
		return m.placeholderPath()
	}

	// Concurrent misses for the same tile share one download.
	_, err, _ := m.group.Do(name, func() (interface{}, error) {
		return nil, m.download(ctx, url, name, path)
	})
	if err != nil {
		m.log.Warn().Err(err).Str("tile", name).Msg("tile fetch failed")
		return m.placeholderPath()
	}
	return path
}

// PreloadRegion downloads every tile covering bounds across the zoom range
// so the map works offline there. Tiles already cached are skipped.
// Individual download failures are counted, not fatal; cancellation via ctx
// aborts the remainder.
func (m *Manager) PreloadRegion(ctx context.Context, b Bounds, minZoom, maxZoom int, onProgress PreloadProgressFunc) (*PreloadResult, error) {
	if minZoom > maxZoom {
		return nil, errors.New(errors.ErrInvalid, "minZoom must not exceed maxZoom")
	}
	if m.checker != nil && !m.checker.Online(ctx) {
		return nil, errors.New(errors.ErrOffline, "cannot preload tiles while offline")
	}

	res := &PreloadResult{Requested: EstimateTileCount(b, minZoom, maxZoom)}
	done := 0
	downloadsSincePause := 0

	for z := minZoom; z <= maxZoom; z++ {
		minX, maxX, minY, maxY := tileRange(b, z)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				if err := ctx.Err(); err != nil {
					res.Success = false
					return res, errors.Wrap(errors.ErrPreloadAbort, "preload cancelled", err)
				}

				url := m.tileURL(z, x, y)
				name := urlToFileName(url)
				path := filepath.Join(m.dir, name)

				if m.haveTile(name, path) {
					res.Skipped++
				} else if err := m.download(ctx, url, name, path); err != nil {
					res.Errors++
					m.log.Warn().Err(err).Int("zoom", z).Int("x", x).Int("y", y).
						Msg("tile preload failed")
				} else {
					res.Downloaded++
					downloadsSincePause++
				}

				done++
				if onProgress != nil {
					onProgress(done, res.Requested)
				}

				if downloadsSincePause >= m.pauseEvery {
					downloadsSincePause = 0
					select {
					case <-time.After(m.pause):
					case <-ctx.Done():
						res.Success = false
						return res, errors.Wrap(errors.ErrPreloadAbort, "preload cancelled", ctx.Err())
					}
				}
			}
		}
	}

	// The preload succeeded if anything useful happened; scattered
	// failures are tolerated and retried on demand later.
	res.Success = res.Errors < res.Requested || res.Requested == 0
	m.log.Info().Int("downloaded", res.Downloaded).Int("skipped", res.Skipped).
		Int("errors", res.Errors).Msg("region preload finished")
	return res, nil
}

// CleanCache evicts expired tiles, then least recently used tiles until the
// cache fits the byte budget. It returns the number of tiles removed.
func (m *Manager) CleanCache() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.db.ListTilesByAccess()
	if err != nil {
		return 0, err
	}

	now := m.now()
	removed := 0
	var total int64
	var kept []*models.TileIndexEntry

	for _, t := range entries {
		if t.IdleSince(now) >= m.retention {
			if err := m.remove(t.FileName); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		total += t.SizeBytes
		kept = append(kept, t)
	}

	// kept is still LRU-ordered; evict from the front until under budget.
	for _, t := range kept {
		if total <= m.budget {
			break
		}
		if err := m.remove(t.FileName); err != nil {
			return removed, err
		}
		total -= t.SizeBytes
		removed++
	}

	if removed > 0 {
		m.log.Info().Int("removed", removed).Int64("bytes", total).Msg("tile cache cleaned")
	}
	return removed, nil
}

// ClearCache removes every cached tile and its index entry.
func (m *Manager) ClearCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.db.ListTilesByAccess()
	if err != nil {
		return err
	}
	for _, t := range entries {
		if err := os.Remove(filepath.Join(m.dir, t.FileName)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(errors.ErrStorage, "failed to remove tile file", err)
		}
	}
	return m.db.ClearTiles()
}

// Stats returns the cache footprint for status displays.
func (m *Manager) Stats() (*Stats, error) {
	count, bytes, err := m.db.TileTotals()
	if err != nil {
		return nil, err
	}
	return &Stats{TileCount: count, TotalBytes: bytes, BudgetBytes: m.budget}, nil
}

func (m *Manager) tileURL(zoom, x, y int) string {
	return fmt.Sprintf(m.urlTemplate, zoom, x, y)
}

// urlToFileName flattens a tile URL into a stable file name, so the same
// tile always lands in the same file regardless of when it was fetched.
func urlToFileName(url string) string {
	return fileNameSanitizer.ReplaceAllString(url, "_") + ".png"
}

func (m *Manager) haveTile(name, path string) bool {
	entry, err := m.db.GetTile(name)
	if err != nil || entry == nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		// Index says yes, disk says no; drop the stale entry.
		if dbErr := m.db.DeleteTile(name); dbErr != nil {
			m.log.Warn().Err(dbErr).Str("tile", name).Msg("failed to drop stale tile entry")
		}
		return false
	}
	return true
}

func (m *Manager) download(ctx context.Context, url, name, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(errors.ErrTileDownload, "failed to build tile request", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrTileDownload, "tile request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrTileDownload, fmt.Sprintf("tile server returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return errors.Wrap(errors.ErrTileDownload, "failed to read tile body", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to write tile file", err)
	}

	now := m.now().Unix()
	return m.db.UpsertTile(&models.TileIndexEntry{
		FileName:     name,
		SourceURL:    url,
		SizeBytes:    int64(len(data)),
		CreatedAt:    now,
		LastAccessAt: now,
	})
}

func (m *Manager) remove(fileName string) error {
	if err := os.Remove(filepath.Join(m.dir, fileName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrStorage, "failed to remove tile file", err)
	}
	return m.db.DeleteTile(fileName)
}

func (m *Manager) placeholderPath() string {
	return filepath.Join(m.dir, placeholderName)
}

// ensurePlaceholder writes the neutral tile served when a fetch fails.
func (m *Manager) ensurePlaceholder() error {
	path := m.placeholderPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 0xEE, G: 0xEE, B: 0xEE, A: 0xFF})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode placeholder tile", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to write placeholder tile", err)
	}
	return nil
}
