// Package conflict provides conflict detection and resolution for
// multi-device synchronization.
package conflict

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roamlog/roamlog/internal/models"
)

// Store persists ConflictRecord rows for audit and for pending
// user-choice arbitration. Records are never silently dropped.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts or replaces a conflict record.
func (s *Store) Save(rec *models.ConflictRecord) error {
	fields, err := json.Marshal(rec.ChangedFields)
	if err != nil {
		return fmt.Errorf("failed to serialize changed fields: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO conflict_records
		(id, entity_type, entity_id, device_id, strategy, local_version,
		 remote_version, winner, changed_fields, status, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.DeviceID, rec.Strategy,
		string(rec.LocalVersion), string(rec.RemoteVersion), rec.Winner,
		string(fields), rec.Status, rec.DetectedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save conflict record: %w", err)
	}
	return nil
}

// Get returns one record by id, or nil if absent.
func (s *Store) Get(id string) (*models.ConflictRecord, error) {
	recs, err := s.query(selectRecord+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Pending returns unresolved records awaiting external arbitration,
// oldest first.
func (s *Store) Pending() ([]*models.ConflictRecord, error) {
	return s.query(selectRecord + " WHERE status = 'pending' ORDER BY detected_at")
}

// ListForEntity returns all records for one entity, newest first.
func (s *Store) ListForEntity(t models.EntityType, entityID string) ([]*models.ConflictRecord, error) {
	return s.query(selectRecord+`
	WHERE entity_type = ? AND entity_id = ?
	ORDER BY detected_at DESC`, t, entityID)
}

// MarkResolved completes arbitration on a pending record. The record
// becomes immutable except for the resolvedAt audit stamp set here.
func (s *Store) MarkResolved(id string, winner models.ConflictWinner) error {
	res, err := s.db.Exec(`
	UPDATE conflict_records
	SET status = 'resolved', winner = ?, resolved_at = ?
	WHERE id = ? AND status = 'pending'`,
		winner, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no pending conflict record %q", id)
	}
	return nil
}

const selectRecord = `
	SELECT id, entity_type, entity_id, device_id, strategy, local_version,
		remote_version, winner, changed_fields, status, detected_at, resolved_at
	FROM conflict_records`

func (s *Store) query(q string, args ...interface{}) ([]*models.ConflictRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict records: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		var (
			rec           models.ConflictRecord
			local, remote string
			fields        string
		)
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.DeviceID,
			&rec.Strategy, &local, &remote, &rec.Winner, &fields, &rec.Status,
			&rec.DetectedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		rec.LocalVersion = json.RawMessage(local)
		rec.RemoteVersion = json.RawMessage(remote)
		if err := json.Unmarshal([]byte(fields), &rec.ChangedFields); err != nil {
			return nil, fmt.Errorf("failed to decode changed fields: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
