package sync

import (
	"github.com/roamlog/roamlog/internal/models"
)

// CommitKind labels what a committed application write did to an
// entity.
type CommitKind string

const (
	CommitCreate CommitKind = "create"
	CommitUpdate CommitKind = "update"
	CommitDelete CommitKind = "delete"
)

// CommitEvent describes one entity write inside a committed
// application transaction. Change capture turns these into log
// operations.
type CommitEvent struct {
	Kind     CommitKind
	Type     models.EntityType
	EntityID string
	// Version is the post-write snapshot. For deletes it is the last
	// snapshot before removal, so consumers can read the server id.
	Version *models.EntityVersion
	// ChangedFields names the fields the write touched; empty means
	// all of them.
	ChangedFields []string
}

// LocalStore is the application's entity storage as the sync core sees
// it. The engine reads versions to detect divergence and writes back
// resolver outcomes and server identity.
type LocalStore interface {
	// Get returns the current local version of an entity, or nil when
	// it does not exist locally.
	Get(t models.EntityType, entityID string) (*models.EntityVersion, error)

	// GetByServerID returns the local version holding a server-assigned
	// identifier, or nil. Needed because operations on synced entities
	// travel under the server id while locally created rows stay keyed
	// by their original id.
	GetByServerID(t models.EntityType, serverID string) (*models.EntityVersion, error)

	// Upsert applies a downloaded remote version wholesale, overwriting
	// whatever is stored. SyncedAt is advanced to the version's
	// ModifiedAt so the entity is clean afterwards.
	Upsert(v *models.EntityVersion) error

	// ApplyResolved writes a resolver outcome: the resolved snapshot
	// replaces the stored one and the entity becomes clean.
	ApplyResolved(v *models.EntityVersion) error

	// AssignServerID records the server's authoritative identifier for
	// a locally created entity and marks it synced.
	AssignServerID(t models.EntityType, localID, serverID string, syncedAt int64) error

	// Delete removes an entity after the server confirmed its
	// deletion.
	Delete(t models.EntityType, entityID string) error

	// Subscribe registers a callback invoked with the events of each
	// committed transaction, in commit order. The returned function
	// cancels the subscription.
	Subscribe(fn func([]CommitEvent)) (cancel func())
}
