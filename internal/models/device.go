// Package models provides data model definitions for the Roamlog sync core.
package models

import "time"

// DeviceInfo describes a device known to the sync core. Priority is an
// integer weight; higher wins conflict tie-breaks.
type DeviceInfo struct {
	ID          string `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"display_name"`
	Platform    string `db:"platform" json:"platform"` // ios, android, web, desktop
	Priority    int    `db:"priority" json:"priority"`
	LastSeenAt  int64  `db:"last_seen_at" json:"last_seen_at"`
	OwnerUserID string `db:"owner_user_id" json:"owner_user_id"`
}

// TableName returns the table name for DeviceInfo.
func (DeviceInfo) TableName() string {
	return "devices"
}

// LastSeenTime returns LastSeenAt as time.Time.
func (d *DeviceInfo) LastSeenTime() time.Time {
	return time.Unix(d.LastSeenAt, 0)
}
