package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is the last-known-good response for one read endpoint.
type CacheEntry struct {
	ResourceKey string          `db:"resource_key" json:"resource_key"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	FetchedAt   int64           `db:"fetched_at" json:"fetched_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "response_cache"
}

// Age returns how long ago the entry was fetched.
func (c *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(c.FetchedAt, 0))
}
