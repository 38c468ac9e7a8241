// Package models provides data model definitions for the fieldsync core.
package models

import (
	"encoding/json"
	"time"
)

// Method is the kind of deferred mutation a queued request carries.
type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

// HTTPVerb maps a Method to its HTTP verb for replay.
func (m Method) HTTPVerb() string {
	switch m {
	case MethodCreate:
		return "POST"
	case MethodUpdate:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	}
	return "POST"
}

// QueuedRequest represents one deferred mutating network call.
//
// Seq is assigned by the store and fixes replay order; EntityID correlates
// every operation touching the same logical record so per-entity FIFO can be
// preserved even when unrelated items fail.
type QueuedRequest struct {
	ID           string          `db:"id" json:"id"`
	Seq          int64           `db:"seq" json:"seq"`
	EntityID     string          `db:"entity_id" json:"entity_id"`
	Method       Method          `db:"method" json:"method"`
	ResourcePath string          `db:"resource_path" json:"resource_path"`
	Payload      json.RawMessage `db:"payload" json:"payload,omitempty"`
	EnqueuedAt   int64           `db:"enqueued_at" json:"enqueued_at"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`

	// Failure state persists with the row so a failed request keeps its
	// place in line and survives a restart.
	FailedAt      int64  `db:"failed_at" json:"failed_at,omitempty"`
	FailReason    string `db:"fail_reason" json:"fail_reason,omitempty"`
	FailPermanent bool   `db:"fail_permanent" json:"fail_permanent,omitempty"`
}

// Failed reports whether the last replay of this request failed.
func (r *QueuedRequest) Failed() bool {
	return r.FailedAt != 0
}

// TableName returns the table name for QueuedRequest.
func (QueuedRequest) TableName() string {
	return "offline_queue"
}

// EnqueuedTime returns EnqueuedAt as time.Time.
func (r *QueuedRequest) EnqueuedTime() time.Time {
	return time.Unix(r.EnqueuedAt, 0)
}
