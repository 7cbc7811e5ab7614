// Package scheduler drives the sync coordinator in the background:
// full passes on a long interval while online, queue drains on a short
// one.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/roamlog/roamlog/internal/logging"
	syncpkg "github.com/roamlog/roamlog/internal/sync"
)

// Coordinator is the surface the scheduler drives.
type Coordinator interface {
	StartFullSync(ctx context.Context) error
	DrainQueue(ctx context.Context) (*syncpkg.BatchResult, error)
}

// Config holds scheduler intervals.
type Config struct {
	SyncInterval  time.Duration // full pass cadence while online
	DrainInterval time.Duration // queue drain cadence
	SyncTimeout   time.Duration // per-pass deadline
}

// DefaultConfig returns the default cadence.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  15 * time.Minute,
		DrainInterval: 1 * time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// Scheduler runs the coordinator periodically until stopped.
type Scheduler struct {
	coordinator Coordinator
	cfg         Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.RWMutex
	running      bool
	online       bool
	lastSyncTime time.Time
}

// New creates a Scheduler. A nil config uses DefaultConfig.
func New(coordinator Coordinator, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		coordinator: coordinator,
		cfg:         *cfg,
		stopCh:      make(chan struct{}),
		online:      true,
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.fullSyncLoop(ctx)
	go s.drainLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.cfg.SyncInterval.String(),
		"drain_interval": s.cfg.DrainInterval.String(),
	})
}

// Stop halts the loops and waits for them to exit. A pass already in
// flight finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnline toggles network availability. While offline no full passes
// are attempted; drains still tick so work resumes the moment the
// target answers again.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online != online {
		logging.Info("Online status changed", map[string]interface{}{
			"online": online,
		})
	}
	s.online = online
}

// IsOnline reports the current online flag.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// IsRunning reports whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastSyncTime returns the completion time of the last successful full
// pass, zero if none succeeded yet.
func (s *Scheduler) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncTime
}

// SyncNow runs one full pass immediately and waits for it. The
// coordinator's own mutual exclusion applies.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	return s.runFullSync(ctx)
}

func (s *Scheduler) fullSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if err := s.runFullSync(ctx); err != nil {
				logging.Error("Periodic sync failed", err, nil)
			}
		}
	}
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.coordinator.DrainQueue(ctx); err != nil {
				logging.Debug("Queue drain failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Scheduler) runFullSync(ctx context.Context) error {
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	if err := s.coordinator.StartFullSync(syncCtx); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
	return nil
}
