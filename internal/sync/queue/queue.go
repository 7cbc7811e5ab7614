// Package queue provides the durable operation log for offline mutations.
// Every mutating call persists before returning, so a crash after a
// successful Enqueue still retains the operation on next launch.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
)

// Log is the durable, ordered queue of pending local mutations. Backed by
// the sync_operations table; insertion order is preserved via rowid.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// NewLog creates a Log over an opened, migrated database.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// newOperationID returns a time-ordered identifier (UUIDv7: generation
// time + random), so freshly minted ids sort roughly by creation.
func newOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		return uuid.New().String()
	}
	return id.String()
}

// Enqueue appends an operation to the log. An UPDATE for an entity that
// still has a pending unsent CREATE or UPDATE is coalesced into the
// existing operation (payload replaced, dependencies unioned) instead of
// queued separately. The whole call is transactional: on I/O failure
// nothing is persisted and the in-memory view never diverges from disk.
func (l *Log) Enqueue(op *models.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !op.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	if op.ID == "" {
		op.ID = newOperationID()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().Unix()
	}
	if op.Status == "" {
		op.Status = models.OpStatusPending
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if op.Kind == models.OpUpdate {
		existing, err := pendingUpsertTx(tx, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := coalesceTx(tx, existing, op); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit coalesce: %w", err)
			}
			logging.Debug("Coalesced update into pending operation", map[string]interface{}{
				"entity_type": op.EntityType,
				"entity_id":   op.EntityID,
				"into":        existing.ID,
			})
			// Caller observes the surviving operation.
			*op = *existing
			return nil
		}
	}

	payload, err := op.MarshalPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}
	deps, err := op.MarshalDependencies()
	if err != nil {
		return fmt.Errorf("failed to serialize dependencies: %w", err)
	}

	_, err = tx.Exec(`
	INSERT INTO sync_operations (id, entity_type, entity_id, kind, payload,
		dependencies, created_at, attempts, next_retry_at, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntityType, op.EntityID, op.Kind, nullable(payload),
		deps, op.CreatedAt, op.Attempts, op.NextRetryAt, op.Status, op.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	logging.Debug("Enqueued operation", map[string]interface{}{
		"op_id":       op.ID,
		"kind":        op.Kind,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
	})
	return nil
}

// pendingUpsertTx finds a pending CREATE or UPDATE for the entity.
func pendingUpsertTx(tx *sql.Tx, t models.EntityType, entityID string) (*models.Operation, error) {
	rows, err := tx.Query(selectColumns+`
	FROM sync_operations
	WHERE entity_type = ? AND entity_id = ? AND status = 'pending'
		AND kind IN ('create','update')
	ORDER BY rowid LIMIT 1`, t, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operation: %w", err)
	}
	defer rows.Close()

	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// coalesceTx replaces the existing operation's payload with the newer one
// and unions the dependency sets. Kind, id and created_at are retained so
// a CREATE stays a CREATE and keeps its place in the log.
func coalesceTx(tx *sql.Tx, existing, incoming *models.Operation) error {
	existing.Payload = incoming.Payload.Clone()

	seen := make(map[string]bool, len(existing.Dependencies))
	for _, d := range existing.Dependencies {
		seen[d] = true
	}
	for _, d := range incoming.Dependencies {
		if !seen[d] {
			existing.Dependencies = append(existing.Dependencies, d)
			seen[d] = true
		}
	}

	payload, err := existing.MarshalPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize coalesced payload: %w", err)
	}
	deps, err := existing.MarshalDependencies()
	if err != nil {
		return fmt.Errorf("failed to serialize coalesced dependencies: %w", err)
	}

	_, err = tx.Exec(
		"UPDATE sync_operations SET payload = ?, dependencies = ? WHERE id = ?",
		nullable(payload), deps, existing.ID)
	if err != nil {
		return fmt.Errorf("failed to coalesce operation: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, entity_type, entity_id, kind, payload, dependencies,
		created_at, attempts, next_retry_at, status, last_error`

// DequeueAll returns all pending operations in insertion order without
// removing them.
func (l *Log) DequeueAll() ([]*models.Operation, error) {
	return l.query(selectColumns + `
	FROM sync_operations WHERE status = 'pending' ORDER BY rowid`)
}

// Due returns pending operations whose backoff window has elapsed at now,
// in insertion order.
func (l *Log) Due(now int64) ([]*models.Operation, error) {
	return l.query(selectColumns+`
	FROM sync_operations WHERE status = 'pending' AND next_retry_at <= ?
	ORDER BY rowid`, now)
}

// Failed returns permanently failed operations. They stay queryable until
// removed or reinstated by an external actor.
func (l *Log) Failed() ([]*models.Operation, error) {
	return l.query(selectColumns + `
	FROM sync_operations WHERE status = 'failed' ORDER BY rowid`)
}

// Deferred returns operations held for external conflict arbitration.
func (l *Log) Deferred() ([]*models.Operation, error) {
	return l.query(selectColumns + `
	FROM sync_operations WHERE status = 'deferred' ORDER BY rowid`)
}

// Get returns one operation by id, or nil if absent.
func (l *Log) Get(id string) (*models.Operation, error) {
	ops, err := l.query(selectColumns+`
	FROM sync_operations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// PendingCreate returns the pending unsent CREATE for an entity, or nil.
// Change Capture uses this to drop deletes for never-synced entities.
func (l *Log) PendingCreate(t models.EntityType, entityID string) (*models.Operation, error) {
	ops, err := l.query(selectColumns+`
	FROM sync_operations
	WHERE entity_type = ? AND entity_id = ? AND kind = 'create' AND status = 'pending'
	LIMIT 1`, t, entityID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// Remove deletes one operation. Removing a missing id is not an error.
func (l *Log) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec("DELETE FROM sync_operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove operation: %w", err)
	}
	return nil
}

// Clear empties the log. Used for full reset / logout.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec("DELETE FROM sync_operations"); err != nil {
		return fmt.Errorf("failed to clear operation log: %w", err)
	}
	logging.Info("Operation log cleared", nil)
	return nil
}

// Size returns the number of operations in the log, any status.
func (l *Log) Size() (int, error) {
	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM sync_operations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

// RecordAttempt increments the attempt counter after a transient failure
// and schedules the next retry. The operation stays pending.
func (l *Log) RecordAttempt(id string, lastError string, nextRetryAt int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
	UPDATE sync_operations
	SET attempts = attempts + 1, last_error = ?, next_retry_at = ?, status = 'pending'
	WHERE id = ?`, lastError, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ReplacePayload swaps an operation's payload, used when a conflict
// resolution leaves a delta that must still be pushed.
func (l *Log) ReplacePayload(id string, p *models.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}
	_, err = l.db.Exec(
		"UPDATE sync_operations SET payload = ?, status = 'pending' WHERE id = ?",
		string(data), id)
	if err != nil {
		return fmt.Errorf("failed to replace payload: %w", err)
	}
	return nil
}

// RewriteEntity persists a server-id substitution: the operation's
// entity id and payload are replaced together, so a crash between
// rewrite and dispatch cannot lose the resolved references.
func (l *Log) RewriteEntity(id, entityID string, p *models.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload := ""
	if p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to serialize payload: %w", err)
		}
		payload = string(data)
	}
	_, err := l.db.Exec(
		"UPDATE sync_operations SET entity_id = ?, payload = ? WHERE id = ?",
		entityID, nullable(payload), id)
	if err != nil {
		return fmt.Errorf("failed to persist id rewrite: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure. The operation leaves the retry
// rotation but remains queryable via Failed().
func (l *Log) MarkFailed(id, reason string) error {
	return l.setStatus(id, models.OpStatusFailed, reason)
}

// MarkDeferred holds an operation pending external conflict arbitration.
func (l *Log) MarkDeferred(id, reason string) error {
	return l.setStatus(id, models.OpStatusDeferred, reason)
}

// Reinstate returns a failed or deferred operation to the pending state
// with a fresh retry schedule.
func (l *Log) Reinstate(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
	UPDATE sync_operations
	SET status = 'pending', attempts = 0, next_retry_at = 0, last_error = ''
	WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reinstate operation: %w", err)
	}
	return nil
}

func (l *Log) setStatus(id string, status models.OperationStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		"UPDATE sync_operations SET status = ?, last_error = ? WHERE id = ?",
		status, reason, id)
	if err != nil {
		return fmt.Errorf("failed to set operation status: %w", err)
	}
	return nil
}

// Backoff calculates the exponential backoff delay before the next retry.
// Doubles per attempt from one minute, capped at one hour.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		attempts = 6 // 2^6 * 60s already exceeds the cap
	}
	backoff := time.Duration(1<<uint(attempts)) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

func (l *Log) query(q string, args ...interface{}) ([]*models.Operation, error) {
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]*models.Operation, error) {
	var ops []*models.Operation
	for rows.Next() {
		var (
			op      models.Operation
			payload sql.NullString
			deps    string
		)
		if err := rows.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Kind,
			&payload, &deps, &op.CreatedAt, &op.Attempts, &op.NextRetryAt,
			&op.Status, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if payload.Valid && payload.String != "" {
			op.Payload = &models.Payload{}
			if err := json.Unmarshal([]byte(payload.String), op.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for %s: %w", op.ID, err)
			}
		}
		if err := json.Unmarshal([]byte(deps), &op.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies for %s: %w", op.ID, err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// nullable maps the empty string to SQL NULL so delete operations store
// no payload at all.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
