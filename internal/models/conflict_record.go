// Package models provides data model definitions for the Roamlog sync core.
package models

import (
	"encoding/json"
	"time"
)

// ConflictWinner names the side a resolution kept.
type ConflictWinner string

const (
	WinnerLocal  ConflictWinner = "local"
	WinnerRemote ConflictWinner = "remote"
	WinnerMerged ConflictWinner = "merged"
)

// ConflictStatus tracks a conflict record's lifecycle.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictRecord is the persisted evidence and outcome of a detected
// conflict. Immutable once resolved except for the ResolvedAt audit stamp.
type ConflictRecord struct {
	ID             string          `db:"id" json:"id"`
	EntityType     EntityType      `db:"entity_type" json:"entity_type"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	DeviceID       string          `db:"device_id" json:"device_id"`
	Strategy       string          `db:"strategy" json:"strategy"`
	LocalVersion   json.RawMessage `db:"local_version" json:"local_version"`
	RemoteVersion  json.RawMessage `db:"remote_version" json:"remote_version"`
	Winner         ConflictWinner  `db:"winner" json:"winner,omitempty"`
	ChangedFields  []string        `db:"changed_fields" json:"changed_fields,omitempty"`
	Status         ConflictStatus  `db:"status" json:"status"`
	DetectedAt     int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt     int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// DetectedTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
