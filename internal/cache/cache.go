// Package cache provides the time-bounded response cache for read endpoints.
//
// Entries are written on every successful network read and served when the
// network is unavailable. Each resource class has its own max age; an
// expired entry is purged on the miss path so stale rows do not accumulate.
package cache

import (
	"database/sql"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/models"
	"github.com/olivetrack/fieldsync/internal/store"
)

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Key normalizes an endpoint (plus query params) into a cache key.
func Key(endpoint string) string {
	return keySanitizer.ReplaceAllString(endpoint, "_")
}

// Cache is the response cache over the shared store.
type Cache struct {
	db  *store.DB
	mu  sync.Mutex
	log zerolog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a Cache over db.
func New(db *store.DB, log zerolog.Logger) *Cache {
	return &Cache{db: db, log: log, now: time.Now}
}

// Put stores payload under resourceKey, overwriting any previous entry and
// stamping the current time.
func (c *Cache) Put(resourceKey string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
	INSERT INTO response_cache (resource_key, payload, fetched_at)
	VALUES (?, ?, ?)
	ON CONFLICT(resource_key) DO UPDATE SET
		payload = excluded.payload,
		fetched_at = excluded.fetched_at
	`, resourceKey, []byte(payload), c.now().Unix())
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to cache response", err)
	}
	return nil
}

// Get returns the cached payload if it is younger than maxAge. An entry at
// or past maxAge is treated as a miss and purged. A maxAge of zero never
// hits.
func (c *Cache) Get(resourceKey string, maxAge time.Duration) (json.RawMessage, bool, error) {
	entry, err := c.fetch(resourceKey)
	if err != nil || entry == nil {
		return nil, false, err
	}

	if entry.Age(c.now()) >= maxAge {
		c.mu.Lock()
		_, delErr := c.db.Exec("DELETE FROM response_cache WHERE resource_key = ?", resourceKey)
		c.mu.Unlock()
		if delErr != nil {
			c.log.Warn().Err(delErr).Str("key", resourceKey).Msg("failed to purge expired cache entry")
		}
		return nil, false, nil
	}

	return entry.Payload, true, nil
}

// GetStale returns the cached payload regardless of age. This is the
// explicit "stale is acceptable" read used when the network is unavailable;
// callers must tag the result as served from cache.
func (c *Cache) GetStale(resourceKey string) (json.RawMessage, bool, error) {
	entry, err := c.fetch(resourceKey)
	if err != nil || entry == nil {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

// Invalidate removes an entry after a confirmed write changed the resource.
// Invalidating a missing key is a no-op.
func (c *Cache) Invalidate(resourceKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM response_cache WHERE resource_key = ?", resourceKey); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to invalidate cache entry", err)
	}
	return nil
}

// Clear empties the whole cache; used by destructive reset flows.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM response_cache"); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear response cache", err)
	}
	return nil
}

func (c *Cache) fetch(resourceKey string) (*models.CacheEntry, error) {
	row := c.db.QueryRow(`
	SELECT resource_key, payload, fetched_at FROM response_cache WHERE resource_key = ?
	`, resourceKey)

	var entry models.CacheEntry
	var payload []byte
	if err := row.Scan(&entry.ResourceKey, &payload, &entry.FetchedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrStorage, "failed to read cache entry", err)
	}
	entry.Payload = json.RawMessage(payload)
	return &entry, nil
}
