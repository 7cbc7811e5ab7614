// Package entities provides the SQLite-backed entity version store:
// the journal's local source of truth as the sync core sees it.
package entities

import (
	"database/sql"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
	"github.com/roamlog/roamlog/internal/sync"
)

// Write is one entity mutation inside an application transaction.
type Write struct {
	Kind    sync.CommitKind
	Type    models.EntityType
	ID      string
	Version *models.EntityVersion
}

// Store implements sync.LocalStore over the entity_versions table and
// feeds committed writes to subscribers in commit order.
type Store struct {
	db *sql.DB

	mu     gosync.Mutex
	nextID int
	subs   map[int]func([]sync.CommitEvent)

	// now is swappable in tests.
	now func() int64
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:   db,
		subs: make(map[int]func([]sync.CommitEvent)),
		now:  func() int64 { return time.Now().Unix() },
	}
}

const selectVersion = `
	SELECT entity_type, entity_id, server_id, device_id, payload,
		deleted, modified_at, synced_at, field_times
	FROM entity_versions`

// Get returns the current version of an entity, or nil when absent.
func (s *Store) Get(t models.EntityType, entityID string) (*models.EntityVersion, error) {
	row := s.db.QueryRow(selectVersion+` WHERE entity_type = ? AND entity_id = ?`, t, entityID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// GetByServerID returns the version carrying a server-assigned id, or
// nil when no local row holds it.
func (s *Store) GetByServerID(t models.EntityType, serverID string) (*models.EntityVersion, error) {
	if serverID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(selectVersion+` WHERE entity_type = ? AND server_id = ?`, t, serverID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// Dirty returns every entity modified since its last synchronization.
func (s *Store) Dirty() ([]*models.EntityVersion, error) {
	rows, err := s.db.Query(selectVersion + ` WHERE modified_at > synced_at ORDER BY modified_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty entities: %w", err)
	}
	defer rows.Close()

	var out []*models.EntityVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Upsert applies a downloaded remote version wholesale. The entity is
// clean afterwards; no commit event is emitted, downloads never feed
// back into the operation log.
func (s *Store) Upsert(v *models.EntityVersion) error {
	c := v.Clone()
	c.SyncedAt = c.ModifiedAt
	return s.write(c)
}

// ApplyResolved writes a resolver outcome and clears the dirty marker.
func (s *Store) ApplyResolved(v *models.EntityVersion) error {
	c := v.Clone()
	c.SyncedAt = c.ModifiedAt
	return s.write(c)
}

// AssignServerID records the server's identifier for a locally created
// entity and marks it synced up to the assignment time.
func (s *Store) AssignServerID(t models.EntityType, localID, serverID string, syncedAt int64) error {
	res, err := s.db.Exec(`
	UPDATE entity_versions SET server_id = ?, synced_at = ?
	WHERE entity_type = ? AND entity_id = ?`,
		serverID, syncedAt, t, localID)
	if err != nil {
		return fmt.Errorf("failed to assign server id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s/%s not found", t, localID)
	}
	return nil
}

// Delete removes an entity row. Used by the sync side after a server-
// confirmed deletion; emits no commit event.
func (s *Store) Delete(t models.EntityType, entityID string) error {
	_, err := s.db.Exec(`DELETE FROM entity_versions WHERE entity_type = ? AND entity_id = ?`, t, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

// Subscribe registers a commit listener. The returned function cancels
// the subscription.
func (s *Store) Subscribe(fn func([]sync.CommitEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Commit applies one application transaction: every write lands
// atomically, then subscribers observe the events in write order.
func (s *Store) Commit(writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	events := make([]sync.CommitEvent, 0, len(writes))
	for _, w := range writes {
		ev, err := s.applyWrite(tx, w, now)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}

	s.mu.Lock()
	subs := make([]func([]sync.CommitEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(events)
	}
	return nil
}

func (s *Store) applyWrite(tx *sql.Tx, w Write, now int64) (sync.CommitEvent, error) {
	switch w.Kind {
	case sync.CommitCreate, sync.CommitUpdate:
		if w.Version == nil {
			return sync.CommitEvent{}, fmt.Errorf("%s of %s/%s without a version", w.Kind, w.Type, w.ID)
		}
		v := w.Version.Clone()
		v.Type = w.Type
		v.ID = w.ID
		if v.ModifiedAt == 0 {
			v.ModifiedAt = now
		}
		// An application update rarely carries the sync bookkeeping
		// forward; keep the stored server identity instead of wiping it.
		if w.Kind == sync.CommitUpdate && (v.ServerID == "" || v.SyncedAt == 0) {
			row := tx.QueryRow(selectVersion+` WHERE entity_type = ? AND entity_id = ?`, w.Type, w.ID)
			prior, err := scanVersion(row)
			if err != nil && err != sql.ErrNoRows {
				return sync.CommitEvent{}, err
			}
			if prior != nil {
				if v.ServerID == "" {
					v.ServerID = prior.ServerID
				}
				if v.SyncedAt == 0 {
					v.SyncedAt = prior.SyncedAt
				}
			}
		}
		if err := writeVersionTx(tx, v); err != nil {
			return sync.CommitEvent{}, err
		}
		return sync.CommitEvent{Kind: w.Kind, Type: w.Type, EntityID: w.ID, Version: v}, nil

	case sync.CommitDelete:
		// Carry the pre-delete snapshot so capture can address the
		// server id.
		row := tx.QueryRow(selectVersion+` WHERE entity_type = ? AND entity_id = ?`, w.Type, w.ID)
		prior, err := scanVersion(row)
		if err == sql.ErrNoRows {
			prior = nil
		} else if err != nil {
			return sync.CommitEvent{}, err
		}
		if _, err := tx.Exec(`DELETE FROM entity_versions WHERE entity_type = ? AND entity_id = ?`, w.Type, w.ID); err != nil {
			return sync.CommitEvent{}, fmt.Errorf("failed to delete entity: %w", err)
		}
		return sync.CommitEvent{Kind: sync.CommitDelete, Type: w.Type, EntityID: w.ID, Version: prior}, nil

	default:
		return sync.CommitEvent{}, fmt.Errorf("unknown write kind %q", w.Kind)
	}
}

func (s *Store) write(v *models.EntityVersion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}
	defer tx.Rollback()
	if err := writeVersionTx(tx, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	logging.Debug("Entity version written", map[string]interface{}{
		"entity_type": string(v.Type),
		"entity_id":   v.ID,
	})
	return nil
}

func writeVersionTx(tx *sql.Tx, v *models.EntityVersion) error {
	payload := ""
	if v.Payload != nil {
		raw, err := json.Marshal(v.Payload)
		if err != nil {
			return fmt.Errorf("failed to serialize payload: %w", err)
		}
		payload = string(raw)
	}
	fieldTimes := "{}"
	if len(v.FieldTimes) > 0 {
		raw, err := json.Marshal(v.FieldTimes)
		if err != nil {
			return fmt.Errorf("failed to serialize field stamps: %w", err)
		}
		fieldTimes = string(raw)
	}
	deleted := 0
	if v.Deleted {
		deleted = 1
	}
	_, err := tx.Exec(`
	INSERT INTO entity_versions (entity_type, entity_id, server_id, device_id,
		payload, deleted, modified_at, synced_at, field_times)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		server_id = excluded.server_id,
		device_id = excluded.device_id,
		payload = excluded.payload,
		deleted = excluded.deleted,
		modified_at = excluded.modified_at,
		synced_at = excluded.synced_at,
		field_times = excluded.field_times`,
		v.Type, v.ID, v.ServerID, v.DeviceID, payload, deleted,
		v.ModifiedAt, v.SyncedAt, fieldTimes)
	if err != nil {
		return fmt.Errorf("failed to write entity version: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*models.EntityVersion, error) {
	var v models.EntityVersion
	var payload, fieldTimes string
	var deleted int
	if err := row.Scan(&v.Type, &v.ID, &v.ServerID, &v.DeviceID, &payload,
		&deleted, &v.ModifiedAt, &v.SyncedAt, &fieldTimes); err != nil {
		return nil, err
	}
	v.Deleted = deleted != 0
	if payload != "" {
		var p models.Payload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("failed to parse payload for %s/%s: %w", v.Type, v.ID, err)
		}
		v.Payload = &p
	}
	if fieldTimes != "" && fieldTimes != "{}" {
		if err := json.Unmarshal([]byte(fieldTimes), &v.FieldTimes); err != nil {
			return nil, fmt.Errorf("failed to parse field stamps for %s/%s: %w", v.Type, v.ID, err)
		}
	}
	return &v, nil
}
