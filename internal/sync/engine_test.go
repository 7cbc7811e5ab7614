// Package sync provides unit tests for the batch engine.
package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/roamlog/roamlog/internal/db"
	apperrors "github.com/roamlog/roamlog/internal/errors"
	"github.com/roamlog/roamlog/internal/models"
	"github.com/roamlog/roamlog/internal/sync/conflict"
	"github.com/roamlog/roamlog/internal/sync/queue"
)

// =====================================================
// Test doubles
// =====================================================

type staticPriorities map[string]int

func (p staticPriorities) GetPriority(deviceID string) (int, error) {
	return p[deviceID], nil
}

// fakeRemote scripts Send responses and records dispatch order.
type fakeRemote struct {
	mu    gosync.Mutex
	send  func(op *models.Operation) (*ServerEntity, error)
	pull  func(since int64) ([]*models.EntityVersion, error)
	up    bool
	calls []*models.Operation
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{up: true}
}

func (r *fakeRemote) Name() string { return "fake" }

func (r *fakeRemote) Reachable(ctx context.Context) bool { return r.up }

func (r *fakeRemote) Send(ctx context.Context, op *models.Operation) (*ServerEntity, error) {
	r.mu.Lock()
	clone := *op
	if op.Payload != nil {
		clone.Payload = op.Payload.Clone()
	}
	r.calls = append(r.calls, &clone)
	fn := r.send
	r.mu.Unlock()
	if fn != nil {
		return fn(op)
	}
	return &ServerEntity{ServerID: "srv-" + op.EntityID}, nil
}

func (r *fakeRemote) Pull(ctx context.Context, since int64) ([]*models.EntityVersion, error) {
	if r.pull != nil {
		return r.pull(since)
	}
	return nil, nil
}

func (r *fakeRemote) sent() []*models.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Operation, len(r.calls))
	copy(out, r.calls)
	return out
}

// fakeLocal is an in-memory LocalStore.
type fakeLocal struct {
	mu       gosync.Mutex
	versions map[string]*models.EntityVersion
	assigned map[string]string
	applied  []*models.EntityVersion
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		versions: make(map[string]*models.EntityVersion),
		assigned: make(map[string]string),
	}
}

func lkey(t models.EntityType, id string) string { return string(t) + "/" + id }

func (l *fakeLocal) Get(t models.EntityType, id string) (*models.EntityVersion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.versions[lkey(t, id)]
	if !ok {
		return nil, nil
	}
	return v.Clone(), nil
}

func (l *fakeLocal) GetByServerID(t models.EntityType, serverID string) (*models.EntityVersion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.versions {
		if v.Type == t && v.ServerID == serverID && serverID != "" {
			return v.Clone(), nil
		}
	}
	return nil, nil
}

func (l *fakeLocal) put(v *models.EntityVersion) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions[lkey(v.Type, v.ID)] = v
}

func (l *fakeLocal) Upsert(v *models.EntityVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := v.Clone()
	c.SyncedAt = c.ModifiedAt
	l.versions[lkey(v.Type, v.ID)] = c
	return nil
}

func (l *fakeLocal) ApplyResolved(v *models.EntityVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := v.Clone()
	c.SyncedAt = c.ModifiedAt
	l.versions[lkey(v.Type, v.ID)] = c
	l.applied = append(l.applied, c)
	return nil
}

func (l *fakeLocal) AssignServerID(t models.EntityType, localID, serverID string, syncedAt int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assigned[localID] = serverID
	if v, ok := l.versions[lkey(t, localID)]; ok {
		v.ServerID = serverID
		v.SyncedAt = syncedAt
	}
	return nil
}

func (l *fakeLocal) Delete(t models.EntityType, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.versions, lkey(t, id))
	return nil
}

func (l *fakeLocal) Subscribe(fn func([]CommitEvent)) func() {
	return func() {}
}

// =====================================================
// Fixtures
// =====================================================

func testEngine(t *testing.T) (*Engine, *queue.Log, *fakeLocal, *fakeRemote) {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	log := queue.NewLog(database.DB)
	local := newFakeLocal()
	remote := newFakeRemote()
	resolver := conflict.NewResolver(staticPriorities{"this-device": 5, "other-device": 10}, nil)
	engine := NewEngine(log, local, remote, resolver, conflict.StrategyDevicePriority)
	return engine, log, local, remote
}

func tripPayload(name string) *models.Payload {
	return &models.Payload{Type: models.EntityTrip, Trip: &models.TripFields{Name: name}}
}

func memoryPayload(tripID, title string) *models.Payload {
	return &models.Payload{Type: models.EntityMemory, Memory: &models.MemoryFields{TripID: tripID, Title: title}}
}

func enqueue(t *testing.T, log *queue.Log, op *models.Operation) *models.Operation {
	t.Helper()
	if err := log.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return op
}

// =====================================================
// Tests
// =====================================================

// TestProcessQueueCreate tests the happy path: a creation is confirmed,
// the server id is recorded and the log entry removed.
func TestProcessQueueCreate(t *testing.T) {
	engine, log, local, _ := testEngine(t)

	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpCreate,
		Payload:    tripPayload("Alps"),
	})

	result, err := engine.ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Resolved != 1 || result.TotalProcessed != 1 {
		t.Errorf("Expected 1 resolved, got %+v", result)
	}
	if local.assigned["trip-1"] != "srv-trip-1" {
		t.Errorf("Expected server id recorded, got %q", local.assigned["trip-1"])
	}
	if n, _ := log.Size(); n != 0 {
		t.Errorf("Expected empty log, got %d entries", n)
	}
}

// TestDependencyOrderAndRewrite tests that a child creation waits for
// its parent and dispatches with the parent's server id substituted.
func TestDependencyOrderAndRewrite(t *testing.T) {
	engine, log, _, remote := testEngine(t)

	tripOp := enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpCreate,
		Payload:    tripPayload("Coast road"),
	})
	enqueue(t, log, &models.Operation{
		EntityType:   models.EntityMemory,
		EntityID:     "mem-1",
		Kind:         models.OpCreate,
		Payload:      memoryPayload("trip-1", "Lighthouse"),
		Dependencies: []string{tripOp.ID},
	})

	result, err := engine.ProcessQueue(context.Background(), 4)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Resolved != 2 {
		t.Fatalf("Expected 2 resolved, got %+v", result)
	}

	sent := remote.sent()
	if len(sent) != 2 {
		t.Fatalf("Expected 2 dispatches, got %d", len(sent))
	}
	if sent[0].EntityID != "trip-1" {
		t.Errorf("Parent must dispatch first, got %s", sent[0].EntityID)
	}
	if got := sent[1].Payload.Memory.TripID; got != "srv-trip-1" {
		t.Errorf("Expected rewritten parent reference, got %q", got)
	}
}

// TestConflictRemoteWins tests device_priority routing: the remote
// device outranks ours, so its version is applied and the operation
// dropped.
func TestConflictRemoteWins(t *testing.T) {
	engine, log, local, remote := testEngine(t)

	local.put(&models.EntityVersion{
		Type: models.EntityTrip, ID: "trip-1", DeviceID: "this-device",
		Payload:    tripPayload("mine"),
		ModifiedAt: 300, SyncedAt: 100,
	})
	remoteVersion := &models.EntityVersion{
		Type: models.EntityTrip, ID: "trip-1", DeviceID: "other-device",
		Payload:    tripPayload("theirs"),
		ModifiedAt: 200, SyncedAt: 0,
	}
	remote.send = func(op *models.Operation) (*ServerEntity, error) {
		return nil, &RemoteError{Kind: RemoteConflict, Message: "version mismatch", Remote: remoteVersion}
	}

	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpUpdate,
		Payload:    tripPayload("mine"),
	})

	result, err := engine.ProcessQueue(context.Background(), 1)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("Expected 1 conflict, got %+v", result)
	}
	got, _ := local.Get(models.EntityTrip, "trip-1")
	if got.Payload.Trip.Name != "theirs" {
		t.Errorf("Expected remote version applied, got %q", got.Payload.Trip.Name)
	}
	if n, _ := log.Size(); n != 0 {
		t.Errorf("Superseded operation must be removed, %d left", n)
	}
}

// TestTransientFailureRetries tests attempt accounting and backoff
// gating across three failing batches.
func TestTransientFailureRetries(t *testing.T) {
	engine, log, _, remote := testEngine(t)
	remote.send = func(op *models.Operation) (*ServerEntity, error) {
		return nil, &RemoteError{Kind: RemoteNetwork, Message: "host unreachable"}
	}

	op := enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpCreate,
		Payload:    tripPayload("Alps"),
	})

	// Advance the clock past each backoff window so every batch picks
	// the operation up again.
	clock := time.Now().Unix()
	engine.now = func() int64 { return clock }

	for i := 0; i < 3; i++ {
		result, err := engine.ProcessQueue(context.Background(), 1)
		if err != nil {
			t.Fatalf("ProcessQueue failed: %v", err)
		}
		if result.Retried != 1 {
			t.Fatalf("Batch %d: expected 1 retried, got %+v", i, result)
		}
		clock += int64(2 * time.Hour / time.Second)
	}

	got, err := log.Get(op.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Operation must survive transient failures")
	}
	if got.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", got.Attempts)
	}
	if got.Status != models.OpStatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
}

// TestPermanentFailureBlocksDependents tests that a validation
// rejection marks the operation failed and keeps its dependents
// pending, untouched.
func TestPermanentFailureBlocksDependents(t *testing.T) {
	engine, log, _, remote := testEngine(t)
	remote.send = func(op *models.Operation) (*ServerEntity, error) {
		if op.EntityID == "trip-1" {
			return nil, &RemoteError{Kind: RemoteValidation, Message: "name too long"}
		}
		return &ServerEntity{ServerID: "srv-" + op.EntityID}, nil
	}

	tripOp := enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpCreate,
		Payload:    tripPayload("Alps"),
	})
	memOp := enqueue(t, log, &models.Operation{
		EntityType:   models.EntityMemory,
		EntityID:     "mem-1",
		Kind:         models.OpCreate,
		Payload:      memoryPayload("trip-1", "Pass summit"),
		Dependencies: []string{tripOp.ID},
	})

	result, err := engine.ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Expected 1 failed, got %+v", result)
	}
	if result.Statuses[memOp.ID] != OutcomeBlocked {
		t.Errorf("Expected dependent blocked, got %s", result.Statuses[memOp.ID])
	}

	failed, _ := log.Failed()
	if len(failed) != 1 || failed[0].ID != tripOp.ID {
		t.Errorf("Expected the parent queryable as failed")
	}
	mem, _ := log.Get(memOp.ID)
	if mem == nil || mem.Status != models.OpStatusPending || mem.Attempts != 0 {
		t.Errorf("Dependent must stay pending untouched, got %+v", mem)
	}
}

// TestDependencyCycleIsolation tests that cycle members fail while
// independent operations still dispatch.
func TestDependencyCycleIsolation(t *testing.T) {
	engine, log, _, _ := testEngine(t)

	// The log accepts caller-assigned ids, so the loop a -> b -> a can
	// be declared up front.
	a := enqueue(t, log, &models.Operation{
		ID:         "op-cycle-a",
		EntityType: models.EntityTrip, EntityID: "trip-a",
		Kind: models.OpCreate, Payload: tripPayload("a"),
		Dependencies: []string{"op-cycle-b"},
	})
	enqueue(t, log, &models.Operation{
		ID:         "op-cycle-b",
		EntityType: models.EntityTrip, EntityID: "trip-b",
		Kind: models.OpCreate, Payload: tripPayload("b"),
		Dependencies: []string{a.ID},
	})
	c := enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip, EntityID: "trip-c",
		Kind: models.OpCreate, Payload: tripPayload("c"),
	})

	result, err := engine.ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Failed != 2 {
		t.Errorf("Expected both cycle members failed, got %+v", result)
	}
	if result.Statuses[c.ID] != OutcomeResolved {
		t.Errorf("Independent operation must still resolve, got %s", result.Statuses[c.ID])
	}
	failed, _ := log.Failed()
	if len(failed) != 2 {
		t.Errorf("Expected 2 failed operations queryable, got %d", len(failed))
	}
}

// TestSameEntityOrder tests the implicit enqueue-order edge between
// operations on one entity even with a wide worker pool.
func TestSameEntityOrder(t *testing.T) {
	engine, log, _, remote := testEngine(t)

	// Deletes never coalesce, giving two live operations on the same
	// entity.
	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTag, EntityID: "tag-1",
		Kind: models.OpUpdate,
		Payload: &models.Payload{Type: models.EntityTag,
			Tag: &models.TagFields{Name: "beach"}},
	})
	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTag, EntityID: "tag-1",
		Kind: models.OpDelete,
	})

	if _, err := engine.ProcessQueue(context.Background(), 8); err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	sent := remote.sent()
	if len(sent) != 2 || sent[0].Kind != models.OpUpdate || sent[1].Kind != models.OpDelete {
		t.Fatalf("Expected update then delete in order, got %d dispatches", len(sent))
	}
}

// TestUserChoiceDefersOperation tests routing for strategy
// user_choice.
func TestUserChoiceDefersOperation(t *testing.T) {
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	log := queue.NewLog(database.DB)
	local := newFakeLocal()
	remote := newFakeRemote()
	resolver := conflict.NewResolver(staticPriorities{}, conflict.NewStore(database.DB))
	engine := NewEngine(log, local, remote, resolver, conflict.StrategyUserChoice)

	local.put(&models.EntityVersion{
		Type: models.EntityTrip, ID: "trip-1", DeviceID: "a",
		Payload: tripPayload("mine"), ModifiedAt: 300, SyncedAt: 100,
	})
	remote.send = func(op *models.Operation) (*ServerEntity, error) {
		return nil, &RemoteError{Kind: RemoteConflict, Remote: &models.EntityVersion{
			Type: models.EntityTrip, ID: "trip-1", DeviceID: "b",
			Payload: tripPayload("theirs"), ModifiedAt: 200,
		}}
	}

	op := &models.Operation{
		EntityType: models.EntityTrip, EntityID: "trip-1",
		Kind: models.OpUpdate, Payload: tripPayload("mine"),
	}
	if err := log.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := engine.ProcessQueue(context.Background(), 1)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Deferred != 1 {
		t.Errorf("Expected 1 deferred, got %+v", result)
	}
	deferred, _ := log.Deferred()
	if len(deferred) != 1 {
		t.Errorf("Expected the operation queryable as deferred")
	}
	if len(local.applied) != 0 {
		t.Error("Nothing may be applied while the user decides")
	}
}

// TestUnknownStrategyAborts tests the fail-fast configuration check.
func TestUnknownStrategyAborts(t *testing.T) {
	engine, log, _, _ := testEngine(t)
	engine.strategy = conflict.Strategy("bogus")

	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip, EntityID: "trip-1",
		Kind: models.OpCreate, Payload: tripPayload("x"),
	})

	_, err := engine.ProcessQueue(context.Background(), 1)
	if err == nil {
		t.Fatal("Expected configuration error")
	}
	if !apperrors.Is(err, apperrors.ErrUnknownStrategy) {
		t.Errorf("Expected UNKNOWN_STRATEGY, got %v", err)
	}
}

// TestCancelledContextLeavesLogIntact tests that cancellation before
// dispatch touches nothing.
func TestCancelledContextLeavesLogIntact(t *testing.T) {
	engine, log, _, remote := testEngine(t)

	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip, EntityID: "trip-1",
		Kind: models.OpCreate, Payload: tripPayload("x"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := engine.ProcessQueue(ctx, 2)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.TotalProcessed != 0 {
		t.Errorf("Expected nothing processed, got %+v", result)
	}
	if len(remote.sent()) != 0 {
		t.Error("No dispatch may happen after cancellation")
	}
	if n, _ := log.Size(); n != 1 {
		t.Errorf("Operation must remain pending, log size %d", n)
	}
}

// TestServerIDResolvesAcrossBatches tests that operations enqueued
// after an earlier batch confirmed a creation still dispatch under the
// stored server id, both for the entity itself and for parent
// references in child payloads.
func TestServerIDResolvesAcrossBatches(t *testing.T) {
	engine, log, local, remote := testEngine(t)

	local.put(&models.EntityVersion{
		Type: models.EntityTrip, ID: "trip-1",
		Payload: tripPayload("Alps"), ModifiedAt: 100,
	})
	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpCreate,
		Payload:    tripPayload("Alps"),
	})
	if _, err := engine.ProcessQueue(context.Background(), 2); err != nil {
		t.Fatalf("First batch failed: %v", err)
	}
	if v, _ := local.Get(models.EntityTrip, "trip-1"); v.ServerID != "srv-trip-1" {
		t.Fatalf("Expected server id recorded, got %q", v.ServerID)
	}

	// New work arrives after the batch ended, still under local ids.
	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpUpdate,
		Payload:    tripPayload("Alps by bike"),
	})
	enqueue(t, log, &models.Operation{
		EntityType: models.EntityMemory,
		EntityID:   "mem-1",
		Kind:       models.OpCreate,
		Payload:    memoryPayload("trip-1", "Col du Galibier"),
	})

	result, err := engine.ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("Second batch failed: %v", err)
	}
	if result.Resolved != 2 {
		t.Fatalf("Expected 2 resolved, got %+v", result)
	}

	for _, op := range remote.sent()[1:] {
		switch op.Kind {
		case models.OpUpdate:
			if op.EntityID != "srv-trip-1" {
				t.Errorf("Update dispatched under %q, want srv-trip-1", op.EntityID)
			}
		case models.OpCreate:
			if got := op.Payload.Memory.TripID; got != "srv-trip-1" {
				t.Errorf("Child dispatched with parent ref %q, want srv-trip-1", got)
			}
		}
	}
}

// TestRewriteSurvivesTransientFailure tests that a server-id
// substitution is persisted with the operation, so a retry (or a
// restart) does not fall back to the local id.
func TestRewriteSurvivesTransientFailure(t *testing.T) {
	engine, log, local, remote := testEngine(t)

	local.put(&models.EntityVersion{
		Type: models.EntityTrip, ID: "trip-1", ServerID: "srv-trip-1",
		Payload: tripPayload("Alps"), ModifiedAt: 100, SyncedAt: 100,
	})
	remote.send = func(op *models.Operation) (*ServerEntity, error) {
		return nil, &RemoteError{Kind: RemoteNetwork, Message: "connection refused"}
	}

	op := enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "trip-1",
		Kind:       models.OpUpdate,
		Payload:    tripPayload("Alps by bike"),
	})
	if _, err := engine.ProcessQueue(context.Background(), 1); err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}

	stored, err := log.Get(op.ID)
	if err != nil || stored == nil {
		t.Fatalf("Expected operation retained: %v", err)
	}
	if stored.EntityID != "srv-trip-1" {
		t.Errorf("Expected persisted entity id srv-trip-1, got %q", stored.EntityID)
	}
	if stored.Status != models.OpStatusPending || stored.Attempts != 1 {
		t.Errorf("Expected pending with one attempt, got %+v", stored)
	}
}

// TestConflictOnServerIDFindsLocalRow tests that conflict resolution
// locates the local version even when the operation travels under the
// server-assigned id.
func TestConflictOnServerIDFindsLocalRow(t *testing.T) {
	engine, log, local, remote := testEngine(t)

	local.put(&models.EntityVersion{
		Type: models.EntityTrip, ID: "trip-1", ServerID: "srv-trip-1",
		DeviceID: "this-device", Payload: tripPayload("mine"),
		ModifiedAt: 300, SyncedAt: 100,
	})
	remoteVersion := &models.EntityVersion{
		Type: models.EntityTrip, ID: "srv-trip-1", DeviceID: "other-device",
		Payload: tripPayload("theirs"), ModifiedAt: 200,
	}
	remote.send = func(op *models.Operation) (*ServerEntity, error) {
		return nil, &RemoteError{Kind: RemoteConflict, Message: "version mismatch", Remote: remoteVersion}
	}

	enqueue(t, log, &models.Operation{
		EntityType: models.EntityTrip,
		EntityID:   "srv-trip-1",
		Kind:       models.OpUpdate,
		Payload:    tripPayload("mine"),
	})

	result, err := engine.ProcessQueue(context.Background(), 1)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("Expected 1 conflict, got %+v", result)
	}
	// device_priority: the remote device outranks ours, its version
	// lands on the local row.
	if len(local.applied) != 1 || local.applied[0].Payload.Trip.Name != "theirs" {
		t.Errorf("Expected the remote version applied, got %+v", local.applied)
	}
}
