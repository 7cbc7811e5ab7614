// Package scheduler tests for the background sync scheduler.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncpkg "github.com/roamlog/roamlog/internal/sync"
)

// fakeCoordinator counts invocations.
type fakeCoordinator struct {
	fullSyncs int32
	drains    int32
	mu        sync.Mutex
	err       error
}

func (f *fakeCoordinator) StartFullSync(ctx context.Context) error {
	atomic.AddInt32(&f.fullSyncs, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCoordinator) DrainQueue(ctx context.Context) (*syncpkg.BatchResult, error) {
	atomic.AddInt32(&f.drains, 1)
	return &syncpkg.BatchResult{Statuses: map[string]syncpkg.OpOutcome{}}, nil
}

func testConfig() *Config {
	return &Config{
		SyncInterval:  20 * time.Millisecond,
		DrainInterval: 10 * time.Millisecond,
		SyncTimeout:   time.Second,
	}
}

// TestDefaultConfig verifies the default cadence.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", cfg.SyncInterval)
	}
	if cfg.DrainInterval != time.Minute {
		t.Errorf("DrainInterval = %v, want 1m", cfg.DrainInterval)
	}
}

// TestStartStop verifies lifecycle and idempotency.
func TestStartStop(t *testing.T) {
	c := &fakeCoordinator{}
	s := New(c, testConfig())

	if s.IsRunning() {
		t.Error("New scheduler must not be running")
	}

	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("Expected running after Start")
	}
	// Second Start is a no-op.
	s.Start(context.Background())

	s.Stop()
	if s.IsRunning() {
		t.Error("Expected stopped after Stop")
	}
	// Second Stop is a no-op.
	s.Stop()
}

// TestPeriodicLoopsFire verifies both loops tick while online.
func TestPeriodicLoopsFire(t *testing.T) {
	c := &fakeCoordinator{}
	s := New(c, testConfig())

	s.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt32(&c.fullSyncs) == 0 {
		t.Error("Expected at least one full sync")
	}
	if atomic.LoadInt32(&c.drains) == 0 {
		t.Error("Expected at least one queue drain")
	}
}

// TestOfflineSuppressesFullSync verifies the online toggle: no full
// passes, drains keep ticking.
func TestOfflineSuppressesFullSync(t *testing.T) {
	c := &fakeCoordinator{}
	s := New(c, testConfig())
	s.SetOnline(false)

	s.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if n := atomic.LoadInt32(&c.fullSyncs); n != 0 {
		t.Errorf("Expected no full syncs while offline, got %d", n)
	}
	if atomic.LoadInt32(&c.drains) == 0 {
		t.Error("Drains must keep running while offline")
	}
}

// TestSyncNow verifies the immediate pass and last-sync bookkeeping.
func TestSyncNow(t *testing.T) {
	c := &fakeCoordinator{}
	s := New(c, testConfig())

	if !s.LastSyncTime().IsZero() {
		t.Error("Expected zero last-sync time initially")
	}
	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if atomic.LoadInt32(&c.fullSyncs) != 1 {
		t.Errorf("Expected 1 full sync, got %d", c.fullSyncs)
	}
	if s.LastSyncTime().IsZero() {
		t.Error("Expected last-sync time recorded")
	}
}

// TestFailedSyncDoesNotAdvanceLastSync verifies error handling.
func TestFailedSyncDoesNotAdvanceLastSync(t *testing.T) {
	c := &fakeCoordinator{err: context.DeadlineExceeded}
	s := New(c, testConfig())

	if err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("Expected error from failing coordinator")
	}
	if !s.LastSyncTime().IsZero() {
		t.Error("Failed pass must not advance last-sync time")
	}
}
