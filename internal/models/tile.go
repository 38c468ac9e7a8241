package models

import "time"

// TileIndexEntry is the metadata for one cached map tile image.
type TileIndexEntry struct {
	FileName     string `db:"file_name" json:"file_name"`
	SourceURL    string `db:"source_url" json:"source_url"`
	SizeBytes    int64  `db:"size_bytes" json:"size_bytes"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
	LastAccessAt int64  `db:"last_access_at" json:"last_access_at"`
}

// TableName returns the table name for TileIndexEntry.
func (TileIndexEntry) TableName() string {
	return "tile_index"
}

// IdleSince returns the time since the tile was last served.
func (t *TileIndexEntry) IdleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(t.LastAccessAt, 0))
}
