package store

import (
	"database/sql"

	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/models"
)

// UpsertTile records a downloaded tile file in the index.
func (db *DB) UpsertTile(t *models.TileIndexEntry) error {
	_, err := db.Exec(`
	INSERT INTO tile_index (file_name, source_url, size_bytes, created_at, last_access_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(file_name) DO UPDATE SET
		source_url = excluded.source_url,
		size_bytes = excluded.size_bytes,
		last_access_at = excluded.last_access_at
	`, t.FileName, t.SourceURL, t.SizeBytes, t.CreatedAt, t.LastAccessAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to index tile", err)
	}
	return nil
}

// GetTile returns the index entry for one tile file, or nil when unknown.
func (db *DB) GetTile(fileName string) (*models.TileIndexEntry, error) {
	row := db.QueryRow(`
	SELECT file_name, source_url, size_bytes, created_at, last_access_at
	FROM tile_index WHERE file_name = ?
	`, fileName)

	var t models.TileIndexEntry
	err := row.Scan(&t.FileName, &t.SourceURL, &t.SizeBytes, &t.CreatedAt, &t.LastAccessAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read tile index", err)
	}
	return &t, nil
}

// TouchTile bumps a tile's last access timestamp for LRU accounting.
func (db *DB) TouchTile(fileName string, at int64) error {
	_, err := db.Exec(
		"UPDATE tile_index SET last_access_at = ? WHERE file_name = ?",
		at, fileName,
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to touch tile", err)
	}
	return nil
}

// ListTilesByAccess returns every indexed tile, least recently used first.
func (db *DB) ListTilesByAccess() ([]*models.TileIndexEntry, error) {
	rows, err := db.Query(`
	SELECT file_name, source_url, size_bytes, created_at, last_access_at
	FROM tile_index ORDER BY last_access_at, file_name
	`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list tiles", err)
	}
	defer rows.Close()

	var out []*models.TileIndexEntry
	for rows.Next() {
		var t models.TileIndexEntry
		if err := rows.Scan(&t.FileName, &t.SourceURL, &t.SizeBytes, &t.CreatedAt, &t.LastAccessAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan tile", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTile removes a tile from the index. Unknown files are a no-op.
func (db *DB) DeleteTile(fileName string) error {
	if _, err := db.Exec("DELETE FROM tile_index WHERE file_name = ?", fileName); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete tile index entry", err)
	}
	return nil
}

// ClearTiles empties the tile index.
func (db *DB) ClearTiles() error {
	if _, err := db.Exec("DELETE FROM tile_index"); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear tile index", err)
	}
	return nil
}

// TileTotals returns the number of indexed tiles and their combined size.
func (db *DB) TileTotals() (count int, bytes int64, err error) {
	row := db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM tile_index")
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, errors.Wrap(errors.ErrStorage, "failed to read tile totals", err)
	}
	return count, bytes, nil
}
