package tiles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/olivetrack/fieldsync/internal/connectivity"
	"github.com/olivetrack/fieldsync/internal/logging"
	"github.com/olivetrack/fieldsync/internal/store"
)

// fakeTileServer serves a fixed PNG-ish body and can fail chosen paths.
func fakeTileServer(t *testing.T, failPaths map[string]bool, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		if failPaths[r.URL.Path] {
			http.Error(w, "tile storage unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("tile-bytes-" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, serverURL string, online bool) *Manager {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(Options{
		Dir:         filepath.Join(t.TempDir(), "tiles"),
		URLTemplate: serverURL + "/%d/%d/%d.png",
		Store:       db,
		Checker:     connectivity.Static{IsOnline: online},
		Logger:      logging.Nop(),
		PauseEvery:  1000,
		Pause:       time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return m
}

// TestGetTileDownloadsOnMiss verifies the lazy fetch and index write.
func TestGetTileDownloadsOnMiss(t *testing.T) {
	hits := 0
	srv := fakeTileServer(t, nil, &hits)
	m := newTestManager(t, srv.URL, true)

	path := m.GetTile(context.Background(), 12, 2092, 1495)
	if strings.HasSuffix(path, placeholderName) {
		t.Fatal("GetTile() returned the placeholder for a reachable tile")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("tile file missing: %v", err)
	}
	if string(data) != "tile-bytes-/12/2092/1495.png" {
		t.Errorf("tile content = %q", data)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.TileCount != 1 || stats.TotalBytes != int64(len(data)) {
		t.Errorf("Stats() = %+v, want 1 tile of %d bytes", stats, len(data))
	}
}

// TestGetTileServesCachedCopy verifies the second read skips the network.
func TestGetTileServesCachedCopy(t *testing.T) {
	hits := 0
	srv := fakeTileServer(t, nil, &hits)
	m := newTestManager(t, srv.URL, true)

	first := m.GetTile(context.Background(), 12, 2092, 1495)
	second := m.GetTile(context.Background(), 12, 2092, 1495)
	if first != second {
		t.Errorf("cached read returned a different path: %q vs %q", first, second)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

// TestGetTileOfflineReturnsPlaceholder verifies offline misses never error.
func TestGetTileOfflineReturnsPlaceholder(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, false)

	path := m.GetTile(context.Background(), 12, 2092, 1495)
	if !strings.HasSuffix(path, placeholderName) {
		t.Errorf("offline miss should serve the placeholder, got %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("placeholder file missing: %v", err)
	}
}

// TestGetTileFailureReturnsPlaceholder verifies a failed fetch degrades to
// the placeholder instead of an error.
func TestGetTileFailureReturnsPlaceholder(t *testing.T) {
	srv := fakeTileServer(t, map[string]bool{"/12/2092/1495.png": true}, nil)
	m := newTestManager(t, srv.URL, true)

	path := m.GetTile(context.Background(), 12, 2092, 1495)
	if !strings.HasSuffix(path, placeholderName) {
		t.Errorf("failed fetch should serve the placeholder, got %q", path)
	}
}

// TestPreloadRegionPartialFailure verifies one broken tile does not sink a
// preload: the rest downloads and the run still counts as a success.
func TestPreloadRegionPartialFailure(t *testing.T) {
	// A point at z10..z12 covers exactly 3 tiles; fail the middle one.
	srv := fakeTileServer(t, map[string]bool{"/11/1046/747.png": true}, nil)
	m := newTestManager(t, srv.URL, true)

	b := Bounds{MinLat: 43.6, MaxLat: 43.6, MinLon: 3.9, MaxLon: 3.9}
	var calls int
	res, err := m.PreloadRegion(context.Background(), b, 10, 12, func(done, total int) {
		calls++
		if total != 3 {
			t.Errorf("progress total = %d, want 3", total)
		}
	})
	if err != nil {
		t.Fatalf("PreloadRegion() failed: %v", err)
	}

	if res.Requested != 3 || res.Downloaded != 2 || res.Errors != 1 {
		t.Errorf("result = %+v, want 3 requested, 2 downloaded, 1 error", res)
	}
	if !res.Success {
		t.Error("a partially failed preload should still report success")
	}
	if calls != 3 {
		t.Errorf("progress called %d times, want 3", calls)
	}
}

// TestPreloadRegionSkipsCached verifies already cached tiles are not
// re-downloaded.
func TestPreloadRegionSkipsCached(t *testing.T) {
	hits := 0
	srv := fakeTileServer(t, nil, &hits)
	m := newTestManager(t, srv.URL, true)

	b := Bounds{MinLat: 43.6, MaxLat: 43.6, MinLon: 3.9, MaxLon: 3.9}
	if _, err := m.PreloadRegion(context.Background(), b, 12, 12, nil); err != nil {
		t.Fatalf("first PreloadRegion() failed: %v", err)
	}

	res, err := m.PreloadRegion(context.Background(), b, 12, 12, nil)
	if err != nil {
		t.Fatalf("second PreloadRegion() failed: %v", err)
	}
	if res.Skipped != 1 || res.Downloaded != 0 {
		t.Errorf("result = %+v, want 1 skipped, 0 downloaded", res)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

// TestPreloadRegionOffline verifies a preload refuses to start offline.
func TestPreloadRegionOffline(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, false)

	b := Bounds{MinLat: 43.6, MaxLat: 43.6, MinLon: 3.9, MaxLon: 3.9}
	if _, err := m.PreloadRegion(context.Background(), b, 12, 12, nil); err == nil {
		t.Fatal("PreloadRegion() offline should fail")
	}
}

// TestPreloadRegionCancellation verifies ctx aborts the remainder.
func TestPreloadRegionCancellation(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := Bounds{MinLat: 43.5, MaxLat: 43.7, MinLon: 3.8, MaxLon: 4.0}
	res, err := m.PreloadRegion(ctx, b, 12, 13, nil)
	if err == nil {
		t.Fatal("cancelled PreloadRegion() should return an error")
	}
	if res.Success {
		t.Error("cancelled preload must not report success")
	}
}

// TestCleanCacheEvictsExpired verifies the retention pass.
func TestCleanCacheEvictsExpired(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, true)
	m.retention = 30 * 24 * time.Hour

	m.GetTile(context.Background(), 12, 2092, 1495)
	m.GetTile(context.Background(), 12, 2092, 1496)

	// Jump a month ahead; both tiles are now idle past retention.
	m.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	removed, err := m.CleanCache()
	if err != nil {
		t.Fatalf("CleanCache() failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("CleanCache() removed %d tiles, want 2", removed)
	}

	stats, _ := m.Stats()
	if stats.TileCount != 0 {
		t.Errorf("TileCount = %d after eviction, want 0", stats.TileCount)
	}
}

// TestCleanCacheEnforcesBudget verifies LRU eviction down to the budget.
func TestCleanCacheEnforcesBudget(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, true)

	m.GetTile(context.Background(), 12, 2092, 1495)
	time.Sleep(1100 * time.Millisecond) // distinct unix-second access stamps
	m.GetTile(context.Background(), 12, 2092, 1496)

	stats, _ := m.Stats()
	// Budget fits exactly one of the two equally sized tiles.
	m.budget = stats.TotalBytes/2 + 1

	removed, err := m.CleanCache()
	if err != nil {
		t.Fatalf("CleanCache() failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("CleanCache() removed %d tiles, want 1", removed)
	}

	// The older tile goes; the newer one survives.
	entries, _ := m.db.ListTilesByAccess()
	if len(entries) != 1 {
		t.Fatalf("%d tiles left in index, want 1", len(entries))
	}
	if !strings.Contains(entries[0].SourceURL, "1496") {
		t.Errorf("least recently used tile should have been evicted, kept %q", entries[0].SourceURL)
	}

	after, _ := m.Stats()
	if after.TotalBytes > m.budget {
		t.Errorf("cache still over budget: %d > %d", after.TotalBytes, m.budget)
	}
}

// TestClearCache verifies the full reset removes files and index rows.
func TestClearCache(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, true)

	path := m.GetTile(context.Background(), 12, 2092, 1495)
	if err := m.ClearCache(); err != nil {
		t.Fatalf("ClearCache() failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("tile file should be gone after ClearCache()")
	}
	stats, _ := m.Stats()
	if stats.TileCount != 0 {
		t.Errorf("TileCount = %d after ClearCache(), want 0", stats.TileCount)
	}
}

// TestHaveTileHealsStaleIndex verifies an index row without its file is
// dropped and refetched.
func TestHaveTileHealsStaleIndex(t *testing.T) {
	srv := fakeTileServer(t, nil, nil)
	m := newTestManager(t, srv.URL, true)

	path := m.GetTile(context.Background(), 12, 2092, 1495)
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove tile file: %v", err)
	}

	again := m.GetTile(context.Background(), 12, 2092, 1495)
	if strings.HasSuffix(again, placeholderName) {
		t.Fatal("stale index entry should trigger a refetch, not the placeholder")
	}
	if _, err := os.Stat(again); err != nil {
		t.Errorf("refetched tile file missing: %v", err)
	}
}

// TestURLToFileName verifies deterministic flattening.
func TestURLToFileName(t *testing.T) {
	a := urlToFileName("https://tiles.example/12/2092/1495.png")
	b := urlToFileName("https://tiles.example/12/2092/1495.png")
	if a != b {
		t.Errorf("file name not deterministic: %q vs %q", a, b)
	}
	if strings.ContainsAny(a, "/:?") {
		t.Errorf("file name contains path characters: %q", a)
	}
}
