package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/models"
)

// SaveLocalEntity persists a provisional record until the server confirms it.
// Saving an existing temp id overwrites the payload.
func (db *DB) SaveLocalEntity(e *models.LocalEntity) error {
	if e.TempID == "" {
		return errors.New(errors.ErrInvalid, "local entity requires a temp id")
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}

	_, err := db.Exec(`
	INSERT INTO local_entities (temp_id, kind, parent_id, payload, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(temp_id) DO UPDATE SET payload = excluded.payload
	`, e.TempID, e.Kind, e.ParentID, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save local entity", err)
	}
	return nil
}

// GetLocalEntity returns one provisional record by temp id.
func (db *DB) GetLocalEntity(tempID string) (*models.LocalEntity, error) {
	row := db.QueryRow(`
	SELECT temp_id, kind, parent_id, payload, created_at
	FROM local_entities WHERE temp_id = ?
	`, tempID)

	var e models.LocalEntity
	var payload []byte
	if err := row.Scan(&e.TempID, &e.Kind, &e.ParentID, &payload, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("local entity %s not found", tempID))
		}
		return nil, errors.Wrap(errors.ErrStorage, "failed to read local entity", err)
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// ListLocalEntities returns provisional records of one kind scoped to a
// parent, in creation order. An empty parentID matches top-level records.
func (db *DB) ListLocalEntities(kind models.EntityKind, parentID string) ([]*models.LocalEntity, error) {
	rows, err := db.Query(`
	SELECT temp_id, kind, parent_id, payload, created_at
	FROM local_entities
	WHERE kind = ? AND parent_id = ?
	ORDER BY created_at, temp_id
	`, kind, parentID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list local entities", err)
	}
	defer rows.Close()

	var out []*models.LocalEntity
	for rows.Next() {
		var e models.LocalEntity
		var payload []byte
		if err := rows.Scan(&e.TempID, &e.Kind, &e.ParentID, &payload, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan local entity", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteLocalEntity removes a provisional record once it is confirmed or the
// user discards it. Deleting an unknown temp id is a no-op.
func (db *DB) DeleteLocalEntity(tempID string) error {
	if _, err := db.Exec("DELETE FROM local_entities WHERE temp_id = ?", tempID); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete local entity", err)
	}
	return nil
}

// SetMeta stores one sync metadata value (e.g. the last sync timestamp).
func (db *DB) SetMeta(key, value string) error {
	_, err := db.Exec(`
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to write sync metadata", err)
	}
	return nil
}

// GetMeta reads one sync metadata value; missing keys return "".
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to read sync metadata", err)
	}
	return value, nil
}
