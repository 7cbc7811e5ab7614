package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	apperrors "github.com/roamlog/roamlog/internal/errors"
	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
	"github.com/roamlog/roamlog/internal/sync/conflict"
	"github.com/roamlog/roamlog/internal/sync/queue"
)

// EventSink receives coordinator checkpoints. Implementations must not
// block; the coordinator calls them inline.
type EventSink interface {
	SyncStarted(session models.SyncSession)
	SyncProgress(session models.SyncSession)
	SyncCompleted(session models.SyncSession, result *BatchResult)
	SyncFailed(session models.SyncSession, err error)
	ConflictDetected(record *models.ConflictRecord)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) SyncStarted(models.SyncSession)                   {}
func (NopSink) SyncProgress(models.SyncSession)                  {}
func (NopSink) SyncCompleted(models.SyncSession, *BatchResult)   {}
func (NopSink) SyncFailed(models.SyncSession, error)             {}
func (NopSink) ConflictDetected(*models.ConflictRecord)          {}

// Coordinator orchestrates full synchronization passes: queue drain
// against the primary target, then a bidirectional pass over every
// configured target. At most one pass runs at a time.
type Coordinator struct {
	log      *queue.Log
	local    LocalStore
	resolver *conflict.Resolver
	strategy conflict.Strategy
	targets  []RemoteStore
	engine   *Engine
	sink     EventSink

	// MaxConcurrency bounds the engine's worker pool.
	MaxConcurrency int

	now func() int64

	mu           gosync.Mutex
	active       bool
	session      models.SyncSession
	lastFullSync int64
}

// NewCoordinator creates a Coordinator. The first target is the
// primary: it receives the queue drain. A nil sink discards events.
func NewCoordinator(log *queue.Log, local LocalStore, resolver *conflict.Resolver, strategy conflict.Strategy, targets []RemoteStore, sink EventSink) *Coordinator {
	if sink == nil {
		sink = NopSink{}
	}
	c := &Coordinator{
		log:            log,
		local:          local,
		resolver:       resolver,
		strategy:       strategy,
		targets:        targets,
		sink:           sink,
		MaxConcurrency: 4,
		now:            func() int64 { return time.Now().Unix() },
	}
	if len(targets) > 0 {
		c.engine = NewEngine(log, local, targets[0], resolver, strategy)
	}
	return c
}

// Status returns a copy of the current session state.
func (c *Coordinator) Status() models.SyncSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Active reports whether a full sync pass is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// DrainQueue runs only the upload phase against the primary target,
// when it is reachable. Safe to call between full syncs; a running
// full sync makes it a no-op.
func (c *Coordinator) DrainQueue(ctx context.Context) (*BatchResult, error) {
	c.mu.Lock()
	if c.active || c.engine == nil {
		c.mu.Unlock()
		return &BatchResult{Statuses: map[string]OpOutcome{}}, nil
	}
	c.active = true
	c.mu.Unlock()
	defer c.setIdle()

	if !c.targets[0].Reachable(ctx) {
		return &BatchResult{Statuses: map[string]OpOutcome{}}, nil
	}
	return c.engine.ProcessQueue(ctx, c.MaxConcurrency)
}

// StartFullSync runs one complete pass. A pass already in progress
// makes this call a no-op.
func (c *Coordinator) StartFullSync(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		logging.Debug("Full sync already in progress, skipping", nil)
		return nil
	}
	c.active = true
	since := c.lastFullSync
	c.session = models.SyncSession{
		StartedAt: c.now(),
		Phase:     models.PhaseQueueDrain,
		Progress:  0,
	}
	session := c.session
	c.mu.Unlock()

	c.sink.SyncStarted(session)
	logging.Info("Full sync started", map[string]interface{}{
		"targets": len(c.targets),
	})

	result, firstErr := c.run(ctx, since)

	c.mu.Lock()
	c.active = false
	if firstErr != nil {
		c.session.LastError = firstErr.Error()
	} else {
		c.lastFullSync = c.session.StartedAt
	}
	c.session.Phase = models.PhaseIdle
	c.session.Progress = 1
	session = c.session
	c.mu.Unlock()

	if firstErr != nil {
		c.sink.SyncFailed(session, firstErr)
		logging.Error("Full sync failed", firstErr, nil)
		return firstErr
	}
	c.sink.SyncCompleted(session, result)
	logging.Info("Full sync completed", map[string]interface{}{
		"processed": result.TotalProcessed,
		"conflicts": result.Conflicts,
	})
	return nil
}

func (c *Coordinator) run(ctx context.Context, since int64) (*BatchResult, error) {
	result := &BatchResult{Statuses: map[string]OpOutcome{}}
	var firstErr error

	// Phase 1: drain pending operations to the primary target, if
	// there is one and it is reachable.
	if c.engine != nil && c.targets[0].Reachable(ctx) {
		r, err := c.engine.ProcessQueue(ctx, c.MaxConcurrency)
		if err != nil {
			firstErr = err
		} else {
			result = r
		}
	}
	c.checkpoint(models.PhaseDownload, 0.25)

	// Phase 2: bidirectional pass per target, sequential. One target
	// failing does not stop the rest.
	for i, target := range c.targets {
		if ctx.Err() != nil {
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break
		}
		if err := c.pullTarget(ctx, target, since, result); err != nil {
			logging.Warn("Target pass failed", map[string]interface{}{
				"target": target.Name(),
				"error":  err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
		c.checkpoint(models.PhaseDownload, 0.25+0.75*float64(i+1)/float64(len(c.targets)))
	}

	return result, firstErr
}

// pullTarget downloads every change the target saw since the last full
// sync and reconciles it with the local state.
func (c *Coordinator) pullTarget(ctx context.Context, target RemoteStore, since int64, result *BatchResult) error {
	if !target.Reachable(ctx) {
		return apperrors.New(apperrors.ErrRemoteNetwork,
			fmt.Sprintf("target %s unreachable", target.Name()))
	}
	versions, err := target.Pull(ctx, since)
	if err != nil {
		return err
	}
	for _, remote := range versions {
		if err := c.reconcile(remote, result); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) reconcile(remote *models.EntityVersion, result *BatchResult) error {
	local, err := c.local.Get(remote.Type, remote.ID)
	if err != nil {
		return err
	}

	if !conflict.Detect(local, remote) {
		// Plain download: local is either absent or clean.
		if local == nil || remote.ModifiedAt > local.ModifiedAt {
			return c.local.Upsert(remote)
		}
		return nil
	}

	res, err := c.resolver.Resolve(local, remote, c.strategy)
	if err != nil {
		return err
	}
	result.Conflicts++
	if res.Record != nil {
		c.sink.ConflictDetected(res.Record)
	}
	if res.Pending {
		// Nothing is applied until the user decides.
		return nil
	}
	return c.local.ApplyResolved(res.Resolved)
}

func (c *Coordinator) checkpoint(phase models.SyncPhase, progress float64) {
	c.mu.Lock()
	c.session.Phase = phase
	c.session.Progress = progress
	session := c.session
	c.mu.Unlock()
	c.sink.SyncProgress(session)
}

func (c *Coordinator) setIdle() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}
