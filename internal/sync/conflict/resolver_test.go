// Package conflict provides unit tests for detection and resolution.
package conflict

import (
	"testing"

	"github.com/roamlog/roamlog/internal/db"
	apperrors "github.com/roamlog/roamlog/internal/errors"
	"github.com/roamlog/roamlog/internal/models"
)

// fixedPriorities is a PriorityLookup backed by a map; unknown devices
// get the registry's default minimum.
type fixedPriorities map[string]int

func (f fixedPriorities) GetPriority(deviceID string) (int, error) {
	return f[deviceID], nil
}

func tripVersion(id, device, name string, modified, synced int64) *models.EntityVersion {
	return &models.EntityVersion{
		Type:       models.EntityTrip,
		ID:         id,
		DeviceID:   device,
		Payload:    &models.Payload{Type: models.EntityTrip, Trip: &models.TripFields{Name: name}},
		ModifiedAt: modified,
		SyncedAt:   synced,
	}
}

// TestDetect tests the divergence rule against the last-synced baseline.
func TestDetect(t *testing.T) {
	// Both sides changed after the baseline: conflict.
	local := tripVersion("t1", "dev-a", "Alps", 200, 100)
	remote := tripVersion("t1", "dev-b", "Alps!", 150, 0)
	if !Detect(local, remote) {
		t.Error("Expected conflict when both sides diverged")
	}

	// Only remote changed: no conflict, plain download.
	clean := tripVersion("t1", "dev-a", "Alps", 100, 100)
	if Detect(clean, remote) {
		t.Error("No conflict when local is clean")
	}

	// Only local changed: no conflict, plain upload.
	stale := tripVersion("t1", "dev-b", "Alps", 90, 100)
	if Detect(local, stale) {
		t.Error("No conflict when remote predates the baseline")
	}

	if Detect(nil, remote) || Detect(local, nil) {
		t.Error("Missing side never conflicts")
	}
}

// TestLastWriteWins tests wholesale timestamp resolution and the
// device-priority tie-break.
func TestLastWriteWins(t *testing.T) {
	r := NewResolver(fixedPriorities{"dev-a": 5, "dev-b": 10}, nil)

	t.Run("LocalNewer", func(t *testing.T) {
		res, err := r.Resolve(
			tripVersion("t1", "dev-a", "local", 200, 50),
			tripVersion("t1", "dev-b", "remote", 100, 0),
			StrategyLastWriteWins)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Winner != models.WinnerLocal {
			t.Errorf("Expected local winner, got %s", res.Winner)
		}
		if res.Resolved.Payload.Trip.Name != "local" {
			t.Errorf("Expected local snapshot kept")
		}
	})

	t.Run("SwappedTimestampsFlipWinner", func(t *testing.T) {
		res, err := r.Resolve(
			tripVersion("t1", "dev-a", "local", 100, 50),
			tripVersion("t1", "dev-b", "remote", 200, 0),
			StrategyLastWriteWins)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Winner != models.WinnerRemote {
			t.Errorf("Expected remote winner, got %s", res.Winner)
		}
	})

	t.Run("EqualTimestampsUsePriority", func(t *testing.T) {
		res, err := r.Resolve(
			tripVersion("t1", "dev-a", "local", 150, 50),
			tripVersion("t1", "dev-b", "remote", 150, 0),
			StrategyLastWriteWins)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		// dev-b has priority 10 > dev-a's 5
		if res.Winner != models.WinnerRemote {
			t.Errorf("Expected higher-priority device to win, got %s", res.Winner)
		}
	})
}

// TestDevicePriority tests wholesale priority resolution regardless of
// timestamps.
func TestDevicePriority(t *testing.T) {
	r := NewResolver(fixedPriorities{"dev-a": 5, "dev-b": 10}, nil)

	// Local is newer but has the lower-priority device; remote wins.
	res, err := r.Resolve(
		tripVersion("m2", "dev-a", "local", 999, 50),
		tripVersion("m2", "dev-b", "remote", 100, 0),
		StrategyDevicePriority)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner != models.WinnerRemote {
		t.Errorf("Expected remote (priority 10), got %s", res.Winner)
	}

	// Flip the priorities.
	r2 := NewResolver(fixedPriorities{"dev-a": 10, "dev-b": 5}, nil)
	res, err = r2.Resolve(
		tripVersion("m2", "dev-a", "local", 100, 50),
		tripVersion("m2", "dev-b", "remote", 999, 0),
		StrategyDevicePriority)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner != models.WinnerLocal {
		t.Errorf("Expected local (priority 10), got %s", res.Winner)
	}
}

// TestFieldLevel tests per-field merging with per-field timestamps.
func TestFieldLevel(t *testing.T) {
	r := NewResolver(fixedPriorities{"dev-a": 5, "dev-b": 10}, nil)

	local := &models.EntityVersion{
		Type: models.EntityTrip, ID: "t1", DeviceID: "dev-a",
		Payload: &models.Payload{Type: models.EntityTrip,
			Trip: &models.TripFields{Name: "Alps by bike", Description: "old description"}},
		ModifiedAt: 300, SyncedAt: 100,
		FieldTimes: map[string]int64{"name": 300, "description": 100},
	}
	remote := &models.EntityVersion{
		Type: models.EntityTrip, ID: "t1", DeviceID: "dev-b",
		Payload: &models.Payload{Type: models.EntityTrip,
			Trip: &models.TripFields{Name: "Alps", Description: "new description"}},
		ModifiedAt: 250, SyncedAt: 0,
		FieldTimes: map[string]int64{"name": 90, "description": 250},
	}

	res, err := r.Resolve(local, remote, StrategyFieldLevel)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner != models.WinnerMerged {
		t.Errorf("Expected merged winner, got %s", res.Winner)
	}
	got := res.Resolved.Payload.Trip
	if got.Name != "Alps by bike" {
		t.Errorf("Local edited name later; expected 'Alps by bike', got %q", got.Name)
	}
	if got.Description != "new description" {
		t.Errorf("Remote edited description later; expected remote value, got %q", got.Description)
	}
	if len(res.ChangedFields) != 2 {
		t.Errorf("Expected 2 changed fields, got %v", res.ChangedFields)
	}
}

// TestFieldLevelTieFallsToPriority tests the per-field tie-break.
func TestFieldLevelTieFallsToPriority(t *testing.T) {
	local := &models.EntityVersion{
		Type: models.EntityTrip, ID: "t1", DeviceID: "dev-a",
		Payload:    &models.Payload{Type: models.EntityTrip, Trip: &models.TripFields{Name: "local name"}},
		ModifiedAt: 200, SyncedAt: 100,
		FieldTimes: map[string]int64{"name": 200},
	}
	remote := &models.EntityVersion{
		Type: models.EntityTrip, ID: "t1", DeviceID: "dev-b",
		Payload:    &models.Payload{Type: models.EntityTrip, Trip: &models.TripFields{Name: "remote name"}},
		ModifiedAt: 200, SyncedAt: 0,
		FieldTimes: map[string]int64{"name": 200},
	}

	// Local device has the higher priority: its field value survives.
	r := NewResolver(fixedPriorities{"dev-a": 10, "dev-b": 5}, nil)
	res, err := r.Resolve(local, remote, StrategyFieldLevel)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Resolved.Payload.Trip.Name != "local name" {
		t.Errorf("Expected local field on tie with higher priority, got %q",
			res.Resolved.Payload.Trip.Name)
	}
}

// TestUserChoiceDefers tests that user_choice applies nothing.
func TestUserChoiceDefers(t *testing.T) {
	r := NewResolver(fixedPriorities{}, nil)

	res, err := r.Resolve(
		tripVersion("t1", "dev-a", "local", 200, 50),
		tripVersion("t1", "dev-b", "remote", 150, 0),
		StrategyUserChoice)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Pending {
		t.Error("Expected pending resolution")
	}
	if res.Resolved != nil {
		t.Error("Nothing may be applied before arbitration")
	}
	if res.Record.Status != models.ConflictPending {
		t.Errorf("Expected pending record, got %s", res.Record.Status)
	}
}

// TestUnknownStrategyFailsFast tests the configuration error path.
func TestUnknownStrategyFailsFast(t *testing.T) {
	r := NewResolver(fixedPriorities{}, nil)

	_, err := r.Resolve(
		tripVersion("t1", "a", "x", 1, 0),
		tripVersion("t1", "b", "y", 1, 0),
		Strategy("newest_device_wins"))
	if err == nil {
		t.Fatal("Expected error for unknown strategy")
	}
	if !apperrors.Is(err, apperrors.ErrUnknownStrategy) {
		t.Errorf("Expected UNKNOWN_STRATEGY code, got %v", err)
	}
}

// TestRecordPersistence tests the audit trail through the store.
func TestRecordPersistence(t *testing.T) {
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	store := NewStore(database.DB)
	r := NewResolver(fixedPriorities{"dev-a": 1}, store)

	res, err := r.Resolve(
		tripVersion("t1", "dev-a", "local", 200, 50),
		tripVersion("t1", "dev-b", "remote", 100, 0),
		StrategyUserChoice)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	pending, err := store.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending record, got %d", len(pending))
	}
	if pending[0].ID != res.Record.ID {
		t.Errorf("Record id mismatch")
	}

	// External arbitration completes.
	if err := store.MarkResolved(res.Record.ID, models.WinnerLocal); err != nil {
		t.Fatalf("MarkResolved failed: %v", err)
	}
	got, _ := store.Get(res.Record.ID)
	if got.Status != models.ConflictResolved || got.Winner != models.WinnerLocal {
		t.Errorf("Expected resolved/local, got %s/%s", got.Status, got.Winner)
	}
	if got.ResolvedAt == 0 {
		t.Error("Expected resolvedAt audit stamp")
	}

	// Resolving twice is an error (immutable once resolved).
	if err := store.MarkResolved(res.Record.ID, models.WinnerRemote); err == nil {
		t.Error("Expected error resolving an already-resolved record")
	}
}
