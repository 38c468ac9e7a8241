package models

import "encoding/json"

// Project is a collection of trees with collaborative membership.
type Project struct {
	ID            string  `json:"_id,omitempty"`
	TempID        string  `json:"tempId,omitempty"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	Location      string  `json:"location,omitempty"`
	Status        string  `json:"status,omitempty"`
	MemberIDs     []string `json:"members,omitempty"`
	IsPendingSync bool    `json:"isPendingSync,omitempty"`
}

// Identity returns the authoritative identifier: the server id once
// confirmed, the provisional id until then.
func (p *Project) Identity() string {
	if p.ID != "" {
		return p.ID
	}
	return p.TempID
}

// Tree is one tracked tree belonging to exactly one project.
type Tree struct {
	ID            string  `json:"_id,omitempty"`
	TempID        string  `json:"tempId,omitempty"`
	ProjectID     string  `json:"projectId"`
	Name          string  `json:"name"`
	Variety       string  `json:"variety,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Health        string  `json:"health,omitempty"`
	PlantedYear   int     `json:"plantedYear,omitempty"`
	IsPendingSync bool    `json:"isPendingSync,omitempty"`
}

// Identity returns the authoritative identifier for the tree.
func (t *Tree) Identity() string {
	if t.ID != "" {
		return t.ID
	}
	return t.TempID
}

// HistoryEntry is one dated observation of a tree, partitioned by the
// calendar year of its Date.
type HistoryEntry struct {
	ID            string   `json:"id,omitempty"`
	TempID        string   `json:"tempId,omitempty"`
	TreeID        string   `json:"treeId"`
	Date          string   `json:"date"`
	Height        float64  `json:"height,omitempty"`
	Diameter      float64  `json:"diameter,omitempty"`
	Health        string   `json:"health,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	OliveQuantity float64  `json:"oliveQuantity,omitempty"`
	OilQuantity   float64  `json:"oilQuantity,omitempty"`
	Observations  []string `json:"observations,omitempty"`
	RecordedBy    string   `json:"recordedBy,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	IsPendingSync bool     `json:"isPendingSync,omitempty"`
}

// Identity returns the authoritative identifier for the entry.
func (h *HistoryEntry) Identity() string {
	if h.ID != "" {
		return h.ID
	}
	return h.TempID
}

// EntityKind discriminates locally stored provisional records.
type EntityKind string

const (
	KindProject EntityKind = "project"
	KindTree    EntityKind = "tree"
	KindHistory EntityKind = "history"
)

// LocalEntity is a provisional record persisted until server confirmation.
// ParentID scopes the record: the project for a tree, the tree for a
// history entry, empty for a project.
type LocalEntity struct {
	TempID    string          `db:"temp_id" json:"temp_id"`
	Kind      EntityKind      `db:"kind" json:"kind"`
	ParentID  string          `db:"parent_id" json:"parent_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for LocalEntity.
func (LocalEntity) TableName() string {
	return "local_entities"
}
