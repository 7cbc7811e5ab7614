// Package models provides data model definitions for the Roamlog sync core.
package models

import "time"

// EntityVersion is a snapshot of one entity's synchronized state as seen
// by either side of a sync. The conflict detector compares a local and a
// remote EntityVersion for the same entity.
type EntityVersion struct {
	Type     EntityType `json:"type"`
	ID       string     `json:"id"`
	ServerID string     `json:"server_id,omitempty"`
	DeviceID string     `json:"device_id,omitempty"`
	Payload  *Payload   `json:"payload,omitempty"`
	Deleted  bool       `json:"deleted,omitempty"`

	// ModifiedAt is the entity's last modification time on this side.
	ModifiedAt int64 `json:"modified_at"`

	// SyncedAt is the last state both sides agreed on. Zero means the
	// entity has never completed a sync from this side's point of view.
	SyncedAt int64 `json:"synced_at"`

	// FieldTimes carries per-field modification times when the local
	// store tracks them. The field_level strategy falls back to
	// ModifiedAt for fields without an entry.
	FieldTimes map[string]int64 `json:"field_times,omitempty"`
}

// ModifiedTime returns ModifiedAt as time.Time.
func (v *EntityVersion) ModifiedTime() time.Time {
	return time.Unix(v.ModifiedAt, 0)
}

// Dirty reports whether this side has unsynced changes.
func (v *EntityVersion) Dirty() bool {
	return v.ModifiedAt > v.SyncedAt
}

// FieldTime returns the modification time recorded for a field, falling
// back to the snapshot's ModifiedAt when no per-field stamp exists.
func (v *EntityVersion) FieldTime(name string) int64 {
	if t, ok := v.FieldTimes[name]; ok {
		return t
	}
	return v.ModifiedAt
}

// Clone returns a deep copy of the snapshot.
func (v *EntityVersion) Clone() *EntityVersion {
	if v == nil {
		return nil
	}
	out := *v
	out.Payload = v.Payload.Clone()
	if v.FieldTimes != nil {
		out.FieldTimes = make(map[string]int64, len(v.FieldTimes))
		for k, t := range v.FieldTimes {
			out.FieldTimes[k] = t
		}
	}
	return &out
}
