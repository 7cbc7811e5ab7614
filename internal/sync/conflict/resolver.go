// Package conflict provides conflict detection and resolution for
// multi-device synchronization.
package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/roamlog/roamlog/internal/errors"
	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	StrategyLastWriteWins  Strategy = "last_write_wins"
	StrategyFieldLevel     Strategy = "field_level"
	StrategyDevicePriority Strategy = "device_priority"
	StrategyUserChoice     Strategy = "user_choice"
)

// DefaultStrategy is applied when no strategy is named. Documented
// default; unknown names are still rejected, never defaulted.
const DefaultStrategy = StrategyLastWriteWins

// Valid reports whether s names a supported strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyFieldLevel, StrategyDevicePriority, StrategyUserChoice:
		return true
	}
	return false
}

// PriorityLookup resolves a device id to its conflict weight. Implemented
// by the device registry.
type PriorityLookup interface {
	GetPriority(deviceID string) (int, error)
}

// Resolver decides conflicts between local and remote entity versions.
type Resolver struct {
	devices PriorityLookup
	store   *Store
}

// NewResolver creates a Resolver. The store may be nil in tests that do
// not care about the audit trail.
func NewResolver(devices PriorityLookup, store *Store) *Resolver {
	return &Resolver{devices: devices, store: store}
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	// Winner tags which side the resolution kept.
	Winner models.ConflictWinner

	// Resolved is the snapshot to apply locally (and, for local or
	// merged winners, still push remotely). Nil while Pending.
	Resolved *models.EntityVersion

	// ChangedFields are the field names that differed between the sides.
	ChangedFields []string

	// Pending is true for user_choice: neither side may be applied until
	// external arbitration completes.
	Pending bool

	// Record is the persisted audit record.
	Record *models.ConflictRecord
}

// Detect reports whether local and remote are in conflict: both sides
// carry changes since the last common synchronized state. The rule is
// deterministic: local is dirty when ModifiedAt > SyncedAt, remote is
// divergent when its ModifiedAt postdates the same SyncedAt baseline.
func Detect(local, remote *models.EntityVersion) bool {
	if local == nil || remote == nil {
		return false
	}
	return local.ModifiedAt > local.SyncedAt && remote.ModifiedAt > local.SyncedAt
}

// Resolve applies the named strategy to a local/remote pair. An empty
// strategy name selects DefaultStrategy; an unknown name is a
// configuration error and fails fast.
func (r *Resolver) Resolve(local, remote *models.EntityVersion, strategy Strategy) (*Resolution, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("both versions must be non-nil")
	}
	if strategy == "" {
		strategy = DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, apperrors.New(apperrors.ErrUnknownStrategy,
			fmt.Sprintf("unsupported conflict strategy %q", strategy))
	}

	changed := diffFields(local.Payload, remote.Payload)

	logging.Info("Resolving conflict", map[string]interface{}{
		"entity_type":    local.Type,
		"entity_id":      local.ID,
		"strategy":       strategy,
		"changed_fields": changed,
	})

	var res *Resolution
	var err error
	switch strategy {
	case StrategyLastWriteWins:
		res, err = r.resolveLastWriteWins(local, remote, changed)
	case StrategyFieldLevel:
		res, err = r.resolveFieldLevel(local, remote, changed)
	case StrategyDevicePriority:
		res, err = r.resolveDevicePriority(local, remote, changed)
	case StrategyUserChoice:
		res, err = r.resolveUserChoice(local, remote, changed)
	}
	if err != nil {
		return nil, err
	}

	rec, err := buildRecord(local, remote, strategy, res)
	if err != nil {
		return nil, err
	}
	res.Record = rec
	if r.store != nil {
		if err := r.store.Save(rec); err != nil {
			return nil, fmt.Errorf("failed to persist conflict record: %w", err)
		}
	}
	return res, nil
}

// resolveLastWriteWins keeps the side with the later modification time
// wholesale; ties fall to device priority, and a full tie keeps the
// remote side as the authoritative store.
func (r *Resolver) resolveLastWriteWins(local, remote *models.EntityVersion, changed []string) (*Resolution, error) {
	switch {
	case local.ModifiedAt > remote.ModifiedAt:
		return &Resolution{Winner: models.WinnerLocal, Resolved: local.Clone(), ChangedFields: changed}, nil
	case remote.ModifiedAt > local.ModifiedAt:
		return &Resolution{Winner: models.WinnerRemote, Resolved: remote.Clone(), ChangedFields: changed}, nil
	}
	return r.breakTieByPriority(local, remote, changed)
}

// resolveDevicePriority keeps the side whose originating device has the
// higher priority, regardless of timestamps.
func (r *Resolver) resolveDevicePriority(local, remote *models.EntityVersion, changed []string) (*Resolution, error) {
	return r.breakTieByPriority(local, remote, changed)
}

func (r *Resolver) breakTieByPriority(local, remote *models.EntityVersion, changed []string) (*Resolution, error) {
	localPri, err := r.devices.GetPriority(local.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up local device priority: %w", err)
	}
	remotePri, err := r.devices.GetPriority(remote.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up remote device priority: %w", err)
	}

	if localPri > remotePri {
		return &Resolution{Winner: models.WinnerLocal, Resolved: local.Clone(), ChangedFields: changed}, nil
	}
	// Equal priorities keep the remote side: the authoritative store.
	return &Resolution{Winner: models.WinnerRemote, Resolved: remote.Clone(), ChangedFields: changed}, nil
}

// resolveFieldLevel merges per field: each differing field goes to the
// side that modified it later, per-field ties fall to device priority.
func (r *Resolver) resolveFieldLevel(local, remote *models.EntityVersion, changed []string) (*Resolution, error) {
	if local.Payload == nil || remote.Payload == nil {
		// A deleted side carries no fields; fall back to wholesale.
		return r.resolveLastWriteWins(local, remote, changed)
	}

	localFields, err := local.Payload.FieldMap()
	if err != nil {
		return nil, fmt.Errorf("failed to project local payload: %w", err)
	}
	remoteFields, err := remote.Payload.FieldMap()
	if err != nil {
		return nil, fmt.Errorf("failed to project remote payload: %w", err)
	}

	localPri, err := r.devices.GetPriority(local.DeviceID)
	if err != nil {
		return nil, err
	}
	remotePri, err := r.devices.GetPriority(remote.DeviceID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(remoteFields))
	for k, v := range remoteFields {
		merged[k] = v
	}

	localWon := false
	remoteWon := false
	for _, name := range changed {
		lt := local.FieldTime(name)
		rt := remote.FieldTime(name)

		keepLocal := lt > rt || (lt == rt && localPri > remotePri)
		if keepLocal {
			if v, ok := localFields[name]; ok {
				merged[name] = v
			} else {
				delete(merged, name)
			}
			localWon = true
		} else {
			remoteWon = true
		}
	}

	winner := models.WinnerMerged
	switch {
	case localWon && !remoteWon:
		winner = models.WinnerLocal
	case remoteWon && !localWon:
		winner = models.WinnerRemote
	}

	resolved := local.Clone()
	resolved.Payload = &models.Payload{Type: local.Payload.Type}
	if err := resolved.Payload.ApplyFieldMap(merged); err != nil {
		return nil, fmt.Errorf("failed to rebuild merged payload: %w", err)
	}
	if remote.ModifiedAt > resolved.ModifiedAt {
		resolved.ModifiedAt = remote.ModifiedAt
	}
	resolved.FieldTimes = mergeFieldTimes(local, remote, changed)

	return &Resolution{Winner: winner, Resolved: resolved, ChangedFields: changed}, nil
}

// resolveUserChoice defers: both versions are surfaced through the audit
// record and nothing is applied until arbitration completes.
func (r *Resolver) resolveUserChoice(local, remote *models.EntityVersion, changed []string) (*Resolution, error) {
	logging.Warn("Conflict queued for user arbitration", map[string]interface{}{
		"entity_type": local.Type,
		"entity_id":   local.ID,
	})
	return &Resolution{Pending: true, ChangedFields: changed}, nil
}

func mergeFieldTimes(local, remote *models.EntityVersion, fields []string) map[string]int64 {
	out := make(map[string]int64, len(fields))
	for k, t := range local.FieldTimes {
		out[k] = t
	}
	for _, name := range fields {
		if rt := remote.FieldTime(name); rt > out[name] {
			out[name] = rt
		}
	}
	return out
}

// diffFields returns the sorted names of fields whose values differ
// between the two payloads. A nil payload (delete) diffs as empty.
func diffFields(local, remote *models.Payload) []string {
	localFields := map[string]interface{}{}
	remoteFields := map[string]interface{}{}
	if local != nil {
		if m, err := local.FieldMap(); err == nil {
			localFields = m
		}
	}
	if remote != nil {
		if m, err := remote.FieldMap(); err == nil {
			remoteFields = m
		}
	}

	names := map[string]bool{}
	for k := range localFields {
		names[k] = true
	}
	for k := range remoteFields {
		names[k] = true
	}

	var changed []string
	for name := range names {
		if !reflect.DeepEqual(localFields[name], remoteFields[name]) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func buildRecord(local, remote *models.EntityVersion, strategy Strategy, res *Resolution) (*models.ConflictRecord, error) {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot local version: %w", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot remote version: %w", err)
	}

	rec := &models.ConflictRecord{
		ID:            uuid.New().String(),
		EntityType:    local.Type,
		EntityID:      local.ID,
		DeviceID:      local.DeviceID,
		Strategy:      string(strategy),
		LocalVersion:  localJSON,
		RemoteVersion: remoteJSON,
		ChangedFields: res.ChangedFields,
		DetectedAt:    time.Now().Unix(),
	}
	if res.Pending {
		rec.Status = models.ConflictPending
	} else {
		rec.Status = models.ConflictResolved
		rec.Winner = res.Winner
		rec.ResolvedAt = time.Now().Unix()
	}
	return rec, nil
}
