// Package queue provides the durable offline request queue.
//
// Every mutating call attempted while offline (or failing while online) is
// appended here and replayed later by the sync engine. Rows live in SQLite
// so a queued write survives process restarts; insertion order is fixed by a
// monotonic sequence and replay is strictly FIFO per logical entity.
package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/models"
	"github.com/olivetrack/fieldsync/internal/store"
	"github.com/olivetrack/fieldsync/internal/uuid"
)

// Queue manages pending offline requests on top of the shared store.
type Queue struct {
	db  *store.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// New creates a Queue over db.
func New(db *store.DB, log zerolog.Logger) *Queue {
	return &Queue{db: db, log: log}
}

// Enqueue appends a request, assigning its unique id and timestamp.
// A storage failure propagates to the caller: the UI must be able to warn
// that the write may be lost.
func (q *Queue) Enqueue(entityID string, method models.Method, resourcePath string, payload json.RawMessage) (*models.QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req := &models.QueuedRequest{
		ID:           uuid.New(),
		EntityID:     entityID,
		Method:       method,
		ResourcePath: resourcePath,
		Payload:      payload,
		EnqueuedAt:   time.Now().Unix(),
	}

	res, err := q.db.Exec(`
	INSERT INTO offline_queue (id, entity_id, method, resource_path, payload, enqueued_at, attempt_count)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	`, req.ID, req.EntityID, req.Method, req.ResourcePath, []byte(req.Payload), req.EnqueuedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to enqueue request", err)
	}

	req.Seq, _ = res.LastInsertId()

	q.log.Info().
		Str("id", req.ID).
		Str("entity_id", entityID).
		Str("method", string(method)).
		Str("path", resourcePath).
		Msg("request queued")

	return req, nil
}

// PeekAll returns every pending request in insertion order without side
// effects. Requests whose last replay failed are not returned; see Failed.
func (q *Queue) PeekAll() ([]*models.QueuedRequest, error) {
	return q.selectWhere("failed_at = 0")
}

// Failed returns every request whose last replay failed, in insertion order.
// Failed rows stay in the queue at their original position so later requests
// for the same entity never overtake them.
func (q *Queue) Failed() ([]*models.QueuedRequest, error) {
	return q.selectWhere("failed_at != 0")
}

func (q *Queue) selectWhere(cond string) ([]*models.QueuedRequest, error) {
	rows, err := q.db.Query(`
	SELECT seq, id, entity_id, method, resource_path, payload, enqueued_at,
	       attempt_count, failed_at, fail_reason, fail_permanent
	FROM offline_queue WHERE ` + cond + ` ORDER BY seq
	`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read queue", err)
	}
	defer rows.Close()

	var out []*models.QueuedRequest
	for rows.Next() {
		var r models.QueuedRequest
		var payload []byte
		if err := rows.Scan(&r.Seq, &r.ID, &r.EntityID, &r.Method, &r.ResourcePath, &payload,
			&r.EnqueuedAt, &r.AttemptCount, &r.FailedAt, &r.FailReason, &r.FailPermanent); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan queue row", err)
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Remove deletes every request correlated to entityID. Removing an unknown
// id is a no-op, not an error.
func (q *Queue) Remove(entityID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec("DELETE FROM offline_queue WHERE entity_id = ?", entityID); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove from queue", err)
	}
	return nil
}

// RemoveByID deletes one request by its queue id; unknown ids are a no-op.
func (q *Queue) RemoveByID(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec("DELETE FROM offline_queue WHERE id = ?", id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove from queue", err)
	}
	return nil
}

// MarkFailed flags a request as failed in place, bumping its attempt count.
// The row keeps its seq so a later retry replays it before any request queued
// behind it for the same entity.
func (q *Queue) MarkFailed(id, reason string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(`
	UPDATE offline_queue
	SET failed_at = ?, fail_reason = ?, fail_permanent = ?, attempt_count = attempt_count + 1
	WHERE id = ?
	`, time.Now().Unix(), reason, permanent, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark request failed", err)
	}
	return nil
}

// ClearFailure returns a failed request to the pending set, in place.
func (q *Queue) ClearFailure(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(`
	UPDATE offline_queue SET failed_at = 0, fail_reason = '', fail_permanent = 0 WHERE id = ?
	`, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear failure", err)
	}
	return nil
}

// Size returns the number of pending requests, excluding failed ones.
func (q *Queue) Size() (int, error) {
	return q.countWhere("failed_at = 0")
}

// FailedSize returns the number of failed requests.
func (q *Queue) FailedSize() (int, error) {
	return q.countWhere("failed_at != 0")
}

func (q *Queue) countWhere(cond string) (int, error) {
	var n int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM offline_queue WHERE " + cond).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count queue", err)
	}
	return n, nil
}

// Clear empties the queue. Used only by destructive cache-reset flows.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec("DELETE FROM offline_queue"); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear queue", err)
	}
	q.log.Info().Msg("offline queue cleared")
	return nil
}
