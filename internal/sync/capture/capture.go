// Package capture turns committed application writes into journal
// operations.
package capture

import (
	"fmt"

	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
	"github.com/roamlog/roamlog/internal/sync"
	"github.com/roamlog/roamlog/internal/sync/queue"
)

// Capturer subscribes to local store commits and enqueues one
// operation per entity write. It never blocks the application's write
// path beyond the enqueue itself.
type Capturer struct {
	log    *queue.Log
	store  sync.LocalStore
	cancel func()
}

// NewCapturer creates a Capturer. Call Start to begin capturing.
func NewCapturer(log *queue.Log, store sync.LocalStore) *Capturer {
	return &Capturer{log: log, store: store}
}

// Start subscribes to the store's commit feed.
func (c *Capturer) Start() {
	c.cancel = c.store.Subscribe(c.HandleCommit)
}

// Stop cancels the subscription. Already-enqueued operations remain in
// the log.
func (c *Capturer) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// HandleCommit enqueues operations for one committed transaction, in
// commit order. A failure on one entity is logged and does not abort
// the rest of the batch.
func (c *Capturer) HandleCommit(events []sync.CommitEvent) {
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case sync.CommitCreate:
			err = c.captureCreate(ev)
		case sync.CommitUpdate:
			err = c.captureUpdate(ev)
		case sync.CommitDelete:
			err = c.captureDelete(ev)
		default:
			logging.Warn("Unknown commit kind ignored", map[string]interface{}{
				"kind":      string(ev.Kind),
				"entity_id": ev.EntityID,
			})
		}
		if err != nil {
			logging.Error("Failed to capture change", err, map[string]interface{}{
				"kind":        string(ev.Kind),
				"entity_type": string(ev.Type),
				"entity_id":   ev.EntityID,
			})
		}
	}
}

func (c *Capturer) captureCreate(ev sync.CommitEvent) error {
	if ev.Version == nil || ev.Version.Payload == nil {
		return fmt.Errorf("create event for %s/%s carries no snapshot", ev.Type, ev.EntityID)
	}
	op := &models.Operation{
		EntityType: ev.Type,
		EntityID:   ev.EntityID,
		Kind:       models.OpCreate,
		Payload:    ev.Version.Payload.Clone(),
	}
	deps, err := c.resolveParent(op.Payload)
	if err != nil {
		return err
	}
	op.Dependencies = deps
	return c.log.Enqueue(op)
}

func (c *Capturer) captureUpdate(ev sync.CommitEvent) error {
	if ev.Version == nil || ev.Version.Payload == nil {
		return fmt.Errorf("update event for %s/%s carries no snapshot", ev.Type, ev.EntityID)
	}
	// A synced entity is addressed by its server id from here on.
	entityID := ev.EntityID
	if ev.Version.ServerID != "" {
		entityID = ev.Version.ServerID
	}
	op := &models.Operation{
		EntityType: ev.Type,
		EntityID:   entityID,
		Kind:       models.OpUpdate,
		Payload:    ev.Version.Payload.Clone(),
	}
	// An update still references the parent; if the parent has not
	// reached the server, this operation must wait for it too.
	deps, err := c.resolveParent(op.Payload)
	if err != nil {
		return err
	}
	op.Dependencies = deps
	return c.log.Enqueue(op)
}

// captureDelete drops an unsent creation outright: the server never
// saw the entity, so there is nothing to delete remotely and no
// tombstone is kept.
func (c *Capturer) captureDelete(ev sync.CommitEvent) error {
	pending, err := c.log.PendingCreate(ev.Type, ev.EntityID)
	if err != nil {
		return err
	}
	if pending != nil {
		logging.Debug("Dropping unsent creation on delete", map[string]interface{}{
			"entity_type": string(ev.Type),
			"entity_id":   ev.EntityID,
		})
		return c.log.Remove(pending.ID)
	}

	entityID := ev.EntityID
	if ev.Version != nil && ev.Version.ServerID != "" {
		entityID = ev.Version.ServerID
	}
	return c.log.Enqueue(&models.Operation{
		EntityType: ev.Type,
		EntityID:   entityID,
		Kind:       models.OpDelete,
	})
}

// resolveParent fixes up the payload's parent reference: a parent that
// already has a server id is rewritten into the payload, one that is
// still awaiting its creation yields a dependency edge on that pending
// operation.
func (c *Capturer) resolveParent(p *models.Payload) ([]string, error) {
	if p == nil {
		return nil, nil
	}
	parentType, parentID, ok := p.ParentRef()
	if !ok || parentID == "" {
		return nil, nil
	}
	parent, err := c.store.Get(parentType, parentID)
	if err != nil {
		return nil, err
	}
	if parent != nil && parent.ServerID != "" {
		p.RewriteRef(parentType, parentID, parent.ServerID)
		return nil, nil
	}
	pending, err := c.log.PendingCreate(parentType, parentID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}
	return []string{pending.ID}, nil
}
