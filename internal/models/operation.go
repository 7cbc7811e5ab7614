// Package models provides data model definitions for the Roamlog sync core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind classifies a queued local mutation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// OperationStatus tracks an operation through the log's lifecycle.
// Succeeded operations are removed, not marked.
type OperationStatus string

const (
	// OpStatusPending means the operation is awaiting dispatch (possibly
	// backing off after a transient failure).
	OpStatusPending OperationStatus = "pending"
	// OpStatusFailed means a permanent remote rejection; the operation is
	// kept queryable and never retried automatically.
	OpStatusFailed OperationStatus = "failed"
	// OpStatusDeferred means a user_choice conflict is awaiting external
	// arbitration; the operation is held out of the retry rotation.
	OpStatusDeferred OperationStatus = "deferred"
)

// Operation is one pending local mutation awaiting remote application.
type Operation struct {
	ID           string          `db:"id" json:"id"`
	EntityType   EntityType      `db:"entity_type" json:"entity_type"`
	EntityID     string          `db:"entity_id" json:"entity_id"`
	Kind         OperationKind   `db:"kind" json:"kind"`
	Payload      *Payload        `db:"payload" json:"payload,omitempty"` // absent for deletes
	Dependencies []string        `db:"dependencies" json:"dependencies,omitempty"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	Attempts     int             `db:"attempts" json:"attempts"`
	NextRetryAt  int64           `db:"next_retry_at" json:"next_retry_at"`
	Status       OperationStatus `db:"status" json:"status"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "sync_operations"
}

// Time returns CreatedAt as time.Time.
func (o *Operation) Time() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// Due reports whether the operation's backoff window has elapsed at now.
func (o *Operation) Due(now int64) bool {
	return o.Status == OpStatusPending && o.NextRetryAt <= now
}

// MarshalPayload serializes the payload for durable storage. Delete
// operations carry no payload and serialize to the empty string.
func (o *Operation) MarshalPayload() (string, error) {
	if o.Payload == nil {
		return "", nil
	}
	data, err := json.Marshal(o.Payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MarshalDependencies serializes the dependency set as a JSON array.
func (o *Operation) MarshalDependencies() (string, error) {
	if len(o.Dependencies) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(o.Dependencies)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
