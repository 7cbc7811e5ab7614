// Package devices tracks known devices and their conflict priorities.
package devices

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
)

// DefaultPriority is returned for devices the registry has never seen, so
// conflict resolution never blocks on a missing entry.
const DefaultPriority = 0

// Registry is the persistent store of DeviceInfo records.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a Registry over an opened, migrated database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// RegisterOrUpdate upserts a device by id, refreshing lastSeenAt. The
// stored record is returned.
func (r *Registry) RegisterOrUpdate(info *models.DeviceInfo) (*models.DeviceInfo, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	info.LastSeenAt = time.Now().Unix()

	_, err := r.db.Exec(`
	INSERT INTO devices (id, display_name, platform, priority, last_seen_at, owner_user_id)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		platform = excluded.platform,
		priority = excluded.priority,
		last_seen_at = excluded.last_seen_at,
		owner_user_id = excluded.owner_user_id`,
		info.ID, info.DisplayName, info.Platform, info.Priority,
		info.LastSeenAt, info.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	logging.Debug("Device registered", map[string]interface{}{
		"device_id": info.ID,
		"platform":  info.Platform,
		"priority":  info.Priority,
	})
	return r.Get(info.ID)
}

// Get returns one device by id, or nil if unknown.
func (r *Registry) Get(id string) (*models.DeviceInfo, error) {
	row := r.db.QueryRow(`
	SELECT id, display_name, platform, priority, last_seen_at, owner_user_id
	FROM devices WHERE id = ?`, id)

	var d models.DeviceInfo
	err := row.Scan(&d.ID, &d.DisplayName, &d.Platform, &d.Priority,
		&d.LastSeenAt, &d.OwnerUserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &d, nil
}

// GetPriority returns the device's configured priority. Unknown devices
// map to DefaultPriority rather than an error.
func (r *Registry) GetPriority(deviceID string) (int, error) {
	d, err := r.Get(deviceID)
	if err != nil {
		return 0, err
	}
	if d == nil {
		return DefaultPriority, nil
	}
	return d.Priority, nil
}

// SetPriority adjusts one device's conflict weight.
func (r *Registry) SetPriority(deviceID string, priority int) error {
	res, err := r.db.Exec("UPDATE devices SET priority = ? WHERE id = ?", priority, deviceID)
	if err != nil {
		return fmt.Errorf("failed to set priority: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	return nil
}

// ListForUser returns all devices owned by a user, most recently seen
// first.
func (r *Registry) ListForUser(userID string) ([]*models.DeviceInfo, error) {
	rows, err := r.db.Query(`
	SELECT id, display_name, platform, priority, last_seen_at, owner_user_id
	FROM devices WHERE owner_user_id = ?
	ORDER BY last_seen_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceInfo
	for rows.Next() {
		var d models.DeviceInfo
		if err := rows.Scan(&d.ID, &d.DisplayName, &d.Platform, &d.Priority,
			&d.LastSeenAt, &d.OwnerUserID); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Touch refreshes a device's lastSeenAt without changing anything else.
// Called whenever the device performs a sync.
func (r *Registry) Touch(deviceID string) error {
	_, err := r.db.Exec("UPDATE devices SET last_seen_at = ? WHERE id = ?",
		time.Now().Unix(), deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}
