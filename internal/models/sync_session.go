// Package models provides data model definitions for the Roamlog sync core.
package models

// SyncPhase names the coordinator's current activity.
type SyncPhase string

const (
	PhaseIdle       SyncPhase = "idle"
	PhaseQueueDrain SyncPhase = "queue_drain"
	PhaseUpload     SyncPhase = "upload"
	PhaseDownload   SyncPhase = "download"
)

// SyncSession is the ephemeral state of one full-sync pass. Owned solely
// by the Sync Coordinator; not persisted beyond process lifetime.
type SyncSession struct {
	StartedAt int64     `json:"started_at"`
	Phase     SyncPhase `json:"phase"`
	Progress  float64   `json:"progress"` // [0,1]
	LastError string    `json:"last_error,omitempty"`
}
