package store

import (
	"encoding/json"
	"testing"

	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOpenAppliesMigrations verifies the schema lands at the latest version.
func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("SchemaVersion() = %d, want %d", version, len(migrations))
	}

	for _, table := range []string{"offline_queue", "response_cache", "tile_index", "local_entities", "sync_meta"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing after migration: %v", table, err)
		}
	}
}

// TestReopenIsIdempotent verifies migrations do not re-run on reopen.
func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer db2.Close()

	version, _ := db2.SchemaVersion()
	if version != len(migrations) {
		t.Errorf("SchemaVersion() after reopen = %d, want %d", version, len(migrations))
	}
}

// TestLocalEntityRoundTrip verifies save, read, list and delete.
func TestLocalEntityRoundTrip(t *testing.T) {
	db := openTestDB(t)

	e := &models.LocalEntity{
		TempID:   "local-abc",
		Kind:     models.KindTree,
		ParentID: "p1",
		Payload:  json.RawMessage(`{"name":"Picholine"}`),
	}
	if err := db.SaveLocalEntity(e); err != nil {
		t.Fatalf("SaveLocalEntity() failed: %v", err)
	}
	if e.CreatedAt == 0 {
		t.Error("SaveLocalEntity() should stamp CreatedAt")
	}

	got, err := db.GetLocalEntity("local-abc")
	if err != nil {
		t.Fatalf("GetLocalEntity() failed: %v", err)
	}
	if got.Kind != models.KindTree || got.ParentID != "p1" {
		t.Errorf("GetLocalEntity() = %+v", got)
	}
	if string(got.Payload) != `{"name":"Picholine"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	listed, err := db.ListLocalEntities(models.KindTree, "p1")
	if err != nil {
		t.Fatalf("ListLocalEntities() failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("ListLocalEntities() returned %d, want 1", len(listed))
	}

	// Other parent scope sees nothing.
	other, _ := db.ListLocalEntities(models.KindTree, "p2")
	if len(other) != 0 {
		t.Errorf("ListLocalEntities(p2) returned %d, want 0", len(other))
	}

	if err := db.DeleteLocalEntity("local-abc"); err != nil {
		t.Fatalf("DeleteLocalEntity() failed: %v", err)
	}
	if _, err := db.GetLocalEntity("local-abc"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetLocalEntity() after delete = %v, want ErrNotFound", err)
	}
	if err := db.DeleteLocalEntity("local-abc"); err != nil {
		t.Errorf("second DeleteLocalEntity() should be a no-op, got %v", err)
	}
}

// TestSaveLocalEntityUpserts verifies saving twice overwrites the payload.
func TestSaveLocalEntityUpserts(t *testing.T) {
	db := openTestDB(t)

	first := &models.LocalEntity{TempID: "local-x", Kind: models.KindProject, Payload: json.RawMessage(`{"v":1}`)}
	db.SaveLocalEntity(first)
	second := &models.LocalEntity{TempID: "local-x", Kind: models.KindProject, Payload: json.RawMessage(`{"v":2}`)}
	if err := db.SaveLocalEntity(second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, _ := db.GetLocalEntity("local-x")
	if string(got.Payload) != `{"v":2}` {
		t.Errorf("payload = %s, want {\"v\":2}", got.Payload)
	}
}

// TestSaveLocalEntityRequiresTempID verifies the invariant.
func TestSaveLocalEntityRequiresTempID(t *testing.T) {
	db := openTestDB(t)

	err := db.SaveLocalEntity(&models.LocalEntity{Kind: models.KindProject, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("SaveLocalEntity() without temp id = %v, want ErrInvalid", err)
	}
}

// TestMetaRoundTrip verifies the sync metadata KV.
func TestMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if v, err := db.GetMeta("last_sync"); err != nil || v != "" {
		t.Errorf("GetMeta() of missing key = (%q, %v), want empty", v, err)
	}

	if err := db.SetMeta("last_sync", "1756700000"); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}
	if err := db.SetMeta("last_sync", "1756700123"); err != nil {
		t.Fatalf("SetMeta() overwrite failed: %v", err)
	}

	v, err := db.GetMeta("last_sync")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if v != "1756700123" {
		t.Errorf("GetMeta() = %q, want the latest value", v)
	}
}

// TestTileIndexRoundTrip verifies the tile repository.
func TestTileIndexRoundTrip(t *testing.T) {
	db := openTestDB(t)

	entries := []*models.TileIndexEntry{
		{FileName: "a.png", SourceURL: "https://tiles/1", SizeBytes: 100, CreatedAt: 10, LastAccessAt: 30},
		{FileName: "b.png", SourceURL: "https://tiles/2", SizeBytes: 200, CreatedAt: 10, LastAccessAt: 10},
		{FileName: "c.png", SourceURL: "https://tiles/3", SizeBytes: 300, CreatedAt: 10, LastAccessAt: 20},
	}
	for _, e := range entries {
		if err := db.UpsertTile(e); err != nil {
			t.Fatalf("UpsertTile() failed: %v", err)
		}
	}

	got, err := db.GetTile("b.png")
	if err != nil {
		t.Fatalf("GetTile() failed: %v", err)
	}
	if got == nil || got.SizeBytes != 200 {
		t.Errorf("GetTile(b.png) = %+v", got)
	}
	if missing, _ := db.GetTile("nope.png"); missing != nil {
		t.Errorf("GetTile() of unknown file = %+v, want nil", missing)
	}

	// LRU order: b (10), c (20), a (30).
	byAccess, err := db.ListTilesByAccess()
	if err != nil {
		t.Fatalf("ListTilesByAccess() failed: %v", err)
	}
	wantOrder := []string{"b.png", "c.png", "a.png"}
	for i, name := range wantOrder {
		if byAccess[i].FileName != name {
			t.Errorf("LRU position %d = %q, want %q", i, byAccess[i].FileName, name)
		}
	}

	if err := db.TouchTile("b.png", 99); err != nil {
		t.Fatalf("TouchTile() failed: %v", err)
	}
	byAccess, _ = db.ListTilesByAccess()
	if byAccess[len(byAccess)-1].FileName != "b.png" {
		t.Error("touched tile should move to the most recent position")
	}

	count, bytes, err := db.TileTotals()
	if err != nil {
		t.Fatalf("TileTotals() failed: %v", err)
	}
	if count != 3 || bytes != 600 {
		t.Errorf("TileTotals() = (%d, %d), want (3, 600)", count, bytes)
	}

	if err := db.DeleteTile("a.png"); err != nil {
		t.Fatalf("DeleteTile() failed: %v", err)
	}
	count, _, _ = db.TileTotals()
	if count != 2 {
		t.Errorf("count after delete = %d, want 2", count)
	}

	if err := db.ClearTiles(); err != nil {
		t.Fatalf("ClearTiles() failed: %v", err)
	}
	count, bytes, _ = db.TileTotals()
	if count != 0 || bytes != 0 {
		t.Errorf("TileTotals() after clear = (%d, %d), want (0, 0)", count, bytes)
	}
}
