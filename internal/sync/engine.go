// Package sync provides the batch engine and coordinator that move
// pending operations between the local journal store and remote
// targets.
package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	gosync "sync"
	"time"

	apperrors "github.com/roamlog/roamlog/internal/errors"
	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
	"github.com/roamlog/roamlog/internal/sync/conflict"
	"github.com/roamlog/roamlog/internal/sync/queue"
)

// OpOutcome is the per-operation result of one ProcessQueue batch.
type OpOutcome string

const (
	// OutcomeResolved means the server confirmed the operation and it
	// was removed from the log.
	OutcomeResolved OpOutcome = "resolved"
	// OutcomeConflict means the server reported divergence and the
	// resolver handled it (any winner).
	OutcomeConflict OpOutcome = "conflict"
	// OutcomeFailed means a permanent failure; the operation stays in
	// the log with status failed and is never retried automatically.
	OutcomeFailed OpOutcome = "failed"
	// OutcomeRetried means a transient failure; the operation stays
	// pending with an advanced retry window.
	OutcomeRetried OpOutcome = "retried"
	// OutcomeDeferred means a user_choice conflict is awaiting
	// arbitration.
	OutcomeDeferred OpOutcome = "deferred"
	// OutcomeBlocked means a dependency did not succeed this batch, so
	// the operation was not dispatched. It stays pending untouched.
	OutcomeBlocked OpOutcome = "blocked"
)

// BatchResult summarizes one ProcessQueue run.
type BatchResult struct {
	TotalProcessed int
	Resolved       int
	Conflicts      int
	Failed         int
	Retried        int
	Deferred       int
	// Statuses maps operation id to its outcome. Blocked operations
	// appear here but are not counted in TotalProcessed.
	Statuses map[string]OpOutcome
}

func (r *BatchResult) count(id string, o OpOutcome) {
	r.Statuses[id] = o
	if o == OutcomeBlocked {
		return
	}
	r.TotalProcessed++
	switch o {
	case OutcomeResolved:
		r.Resolved++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRetried:
		r.Retried++
	case OutcomeDeferred:
		r.Deferred++
	}
}

// DefaultSendTimeout bounds each individual dispatch to the remote.
const DefaultSendTimeout = 30 * time.Second

// Engine drains the operation log against one remote target, honoring
// dependency order and resolving conflicts as they surface.
type Engine struct {
	log      *queue.Log
	local    LocalStore
	remote   RemoteStore
	resolver *conflict.Resolver
	strategy conflict.Strategy

	// SendTimeout bounds each Send call. Zero means
	// DefaultSendTimeout.
	SendTimeout time.Duration

	// now is swappable in tests.
	now func() int64

	entityMu gosync.Mutex
	entities map[string]*gosync.Mutex

	// idMap collects server ids assigned during the batch so dependent
	// payloads can be rewritten before dispatch.
	idMu  gosync.RWMutex
	idMap map[string]string
}

// NewEngine creates an Engine. The strategy applies to every conflict
// the batch surfaces.
func NewEngine(log *queue.Log, local LocalStore, remote RemoteStore, resolver *conflict.Resolver, strategy conflict.Strategy) *Engine {
	return &Engine{
		log:      log,
		local:    local,
		remote:   remote,
		resolver: resolver,
		strategy: strategy,
		now:      func() int64 { return time.Now().Unix() },
		entities: make(map[string]*gosync.Mutex),
	}
}

// node is one operation inside the dependency graph of a batch.
type node struct {
	op         *models.Operation
	dependents []*node
	// indegree counts unmet in-batch dependencies.
	indegree int
	// blocked is set when any dependency finished without success.
	blocked bool
}

// ProcessQueue dispatches every due pending operation in dependency
// order using at most maxConcurrency concurrent sends. Operations whose
// dependencies fail are left pending for a later batch; members of
// dependency cycles are marked failed.
func (e *Engine) ProcessQueue(ctx context.Context, maxConcurrency int) (*BatchResult, error) {
	if !e.strategy.Valid() {
		return nil, apperrors.New(apperrors.ErrUnknownStrategy,
			fmt.Sprintf("unknown conflict strategy %q", e.strategy))
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	ops, err := e.log.Due(e.now())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read due operations", err)
	}

	result := &BatchResult{Statuses: make(map[string]OpOutcome)}
	if len(ops) == 0 {
		return result, nil
	}

	e.idMu.Lock()
	e.idMap = make(map[string]string)
	e.idMu.Unlock()

	nodes, ready, err := e.buildGraph(ops, result)
	if err != nil {
		return nil, err
	}

	logging.Info("Processing sync batch", map[string]interface{}{
		"target":  e.remote.Name(),
		"due":     len(ops),
		"workers": maxConcurrency,
	})

	e.runBatch(ctx, nodes, ready, maxConcurrency, result)
	return result, nil
}

// buildGraph wires declared dependencies and implicit same-entity
// ordering edges, marks cycle members failed, and returns the initial
// ready set.
func (e *Engine) buildGraph(ops []*models.Operation, result *BatchResult) (map[string]*node, []*node, error) {
	nodes := make(map[string]*node, len(ops))
	for _, op := range ops {
		nodes[op.ID] = &node{op: op}
	}

	addEdge := func(from, to *node) {
		from.dependents = append(from.dependents, to)
		to.indegree++
	}

	// Implicit edges: operations on the same entity run in enqueue
	// order. ops arrive in rowid order.
	lastForEntity := make(map[string]*node)
	for _, op := range ops {
		key := string(op.EntityType) + "/" + op.EntityID
		if prev, ok := lastForEntity[key]; ok {
			addEdge(prev, nodes[op.ID])
		}
		lastForEntity[key] = nodes[op.ID]
	}

	// Declared edges. A dependency outside the batch blocks the
	// dependent if the dependency operation still exists in the log;
	// a removed dependency already succeeded.
	for _, op := range ops {
		n := nodes[op.ID]
		for _, depID := range op.Dependencies {
			if dep, ok := nodes[depID]; ok {
				addEdge(dep, n)
				continue
			}
			exists, err := e.log.Get(depID)
			if err != nil {
				return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to check dependency", err)
			}
			if exists != nil {
				n.blocked = true
			}
		}
	}

	// Structural Kahn pass to find cycle members: nodes that can never
	// reach indegree zero regardless of dispatch outcomes.
	indeg := make(map[*node]int, len(nodes))
	var frontier []*node
	for _, n := range nodes {
		indeg[n] = n.indegree
		if n.indegree == 0 {
			frontier = append(frontier, n)
		}
	}
	seen := 0
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		seen++
		for _, d := range n.dependents {
			indeg[d]--
			if indeg[d] == 0 {
				frontier = append(frontier, d)
			}
		}
	}
	if seen < len(nodes) {
		cycleIDs := make(map[string]bool)
		for id, n := range nodes {
			if indeg[n] > 0 {
				cycleIDs[id] = true
				logging.Warn("Operation is part of a dependency cycle", map[string]interface{}{
					"operation_id": id,
					"entity_type":  string(n.op.EntityType),
					"entity_id":    n.op.EntityID,
				})
				if err := e.log.MarkFailed(id, "dependency cycle"); err != nil {
					return nil, nil, err
				}
				result.count(id, OutcomeFailed)
				delete(nodes, id)
			}
		}
		// Rebuild edges among the survivors; cycle members took their
		// dependents' indegree contributions with them.
		survivors := make([]*models.Operation, 0, len(nodes))
		for _, op := range ops {
			if _, ok := nodes[op.ID]; ok {
				survivors = append(survivors, op)
			}
		}
		return e.rebuildAcyclic(survivors, nodes, cycleIDs)
	}

	var initial []*node
	for _, n := range nodes {
		if n.indegree == 0 {
			initial = append(initial, n)
		}
	}
	return nodes, initial, nil
}

// rebuildAcyclic rewires the graph after cycle members were dropped.
func (e *Engine) rebuildAcyclic(ops []*models.Operation, old map[string]*node, cycleIDs map[string]bool) (map[string]*node, []*node, error) {
	nodes := make(map[string]*node, len(ops))
	for _, op := range ops {
		nodes[op.ID] = &node{op: op, blocked: old[op.ID].blocked}
	}
	lastForEntity := make(map[string]*node)
	for _, op := range ops {
		key := string(op.EntityType) + "/" + op.EntityID
		n := nodes[op.ID]
		if prev, ok := lastForEntity[key]; ok {
			prev.dependents = append(prev.dependents, n)
			n.indegree++
		}
		lastForEntity[key] = n
	}
	for _, op := range ops {
		n := nodes[op.ID]
		for _, depID := range op.Dependencies {
			if dep, ok := nodes[depID]; ok {
				dep.dependents = append(dep.dependents, n)
				n.indegree++
			} else if cycleIDs[depID] {
				// The dependency just got marked failed as a cycle
				// member, so this operation cannot run.
				n.blocked = true
			}
		}
	}
	var initial []*node
	for _, n := range nodes {
		if n.indegree == 0 {
			initial = append(initial, n)
		}
	}
	return nodes, initial, nil
}

type dispatchResult struct {
	n       *node
	outcome OpOutcome
}

// runBatch drives the worker pool. The scheduler loop owns the graph;
// workers only dispatch.
func (e *Engine) runBatch(ctx context.Context, nodes map[string]*node, initial []*node, maxConcurrency int, result *BatchResult) {
	work := make(chan *node)
	done := make(chan dispatchResult)

	var wg gosync.WaitGroup
	for i := 0; i < maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range work {
				done <- dispatchResult{n: n, outcome: e.dispatch(ctx, n.op)}
			}
		}()
	}

	ready := append([]*node(nil), initial...)
	inFlight := 0
	remaining := len(nodes)
	cancelled := false

	// settle records an outcome and releases dependents. Anything but
	// outright success keeps the dependents out of this batch; they
	// propagate as blocked when they settle themselves.
	settle := func(n *node, o OpOutcome) {
		result.count(n.op.ID, o)
		remaining--
		for _, d := range n.dependents {
			if o != OutcomeResolved {
				d.blocked = true
			}
			d.indegree--
			if d.indegree == 0 {
				ready = append(ready, d)
			}
		}
	}

	for remaining > 0 {
		if ctx.Err() != nil {
			cancelled = true
		}

		// Settle blocked (or cancelled) ready nodes without
		// dispatching; settling can release more, so rescan.
		for i := 0; i < len(ready); {
			n := ready[i]
			if cancelled || n.blocked {
				ready = append(ready[:i], ready[i+1:]...)
				settle(n, OutcomeBlocked)
				i = 0
				continue
			}
			i++
		}

		for len(ready) > 0 && inFlight < maxConcurrency && !cancelled {
			n := ready[0]
			ready = ready[1:]
			work <- n
			inFlight++
		}

		if inFlight == 0 {
			if len(ready) == 0 {
				break
			}
			continue
		}

		r := <-done
		inFlight--
		settle(r.n, r.outcome)
	}

	close(work)
	wg.Wait()
}

// dispatch sends one operation and routes its outcome. Per-entity
// mutual exclusion guards the local row against a concurrent download
// pass.
func (e *Engine) dispatch(ctx context.Context, op *models.Operation) OpOutcome {
	unlock := e.lockEntity(op.EntityType, op.EntityID)
	defer unlock()

	e.rewriteIDs(op)

	timeout := e.SendTimeout
	if timeout == 0 {
		timeout = DefaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.remote.Send(sendCtx, op)
	cancel()

	if err == nil {
		return e.applySuccess(op, resp)
	}
	// A deadline on the per-send context is a transient network
	// condition, not a batch abort.
	if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return e.applyTransient(op, "send timed out")
	}
	re := AsRemoteError(err)
	switch {
	case re.Kind == RemoteConflict:
		return e.applyConflict(op, re)
	case re.Transient():
		return e.applyTransient(op, re.Error())
	default:
		if ferr := e.log.MarkFailed(op.ID, re.Error()); ferr != nil {
			logging.Error("Failed to mark operation failed", ferr, map[string]interface{}{
				"operation_id": op.ID,
			})
		}
		logging.Warn("Operation permanently failed", map[string]interface{}{
			"operation_id": op.ID,
			"entity_id":    op.EntityID,
			"reason":       re.Message,
		})
		return OutcomeFailed
	}
}

func (e *Engine) applySuccess(op *models.Operation, resp *ServerEntity) OpOutcome {
	now := e.now()
	if op.Kind == models.OpCreate && resp != nil && resp.ServerID != "" {
		if err := e.local.AssignServerID(op.EntityType, op.EntityID, resp.ServerID, now); err != nil {
			logging.Error("Failed to record server id", err, map[string]interface{}{
				"operation_id": op.ID,
				"entity_id":    op.EntityID,
			})
		}
		e.idMu.Lock()
		e.idMap[op.EntityID] = resp.ServerID
		e.idMu.Unlock()
	}
	if err := e.log.Remove(op.ID); err != nil {
		logging.Error("Failed to remove confirmed operation", err, map[string]interface{}{
			"operation_id": op.ID,
		})
		return OutcomeFailed
	}
	return OutcomeResolved
}

func (e *Engine) applyTransient(op *models.Operation, reason string) OpOutcome {
	next := e.now() + int64(queue.Backoff(op.Attempts+1).Seconds())
	if err := e.log.RecordAttempt(op.ID, reason, next); err != nil {
		logging.Error("Failed to record attempt", err, map[string]interface{}{
			"operation_id": op.ID,
		})
	}
	logging.Debug("Operation will retry", map[string]interface{}{
		"operation_id": op.ID,
		"attempts":     op.Attempts + 1,
		"next_retry":   next,
	})
	return OutcomeRetried
}

// applyConflict resolves server-reported divergence. A remote win is
// applied locally and the operation is dropped; a local or merged win
// is applied locally and the operation's payload becomes the resolved
// snapshot, re-dispatched on a later batch.
func (e *Engine) applyConflict(op *models.Operation, re *RemoteError) OpOutcome {
	local, err := e.local.Get(op.EntityType, op.EntityID)
	if err == nil && local == nil {
		// An operation on a synced entity travels under the server id
		// while the local row keeps its original key.
		local, err = e.local.GetByServerID(op.EntityType, op.EntityID)
	}
	if err != nil {
		logging.Error("Failed to load local version for conflict", err, map[string]interface{}{
			"operation_id": op.ID,
		})
		return e.applyTransient(op, "local read failed during conflict")
	}

	res, err := e.resolver.Resolve(local, re.Remote, e.strategy)
	if err != nil {
		if rerr := e.log.MarkFailed(op.ID, err.Error()); rerr != nil {
			logging.Error("Failed to mark operation failed", rerr, nil)
		}
		return OutcomeFailed
	}

	if res.Pending {
		if err := e.log.MarkDeferred(op.ID, "awaiting user choice"); err != nil {
			logging.Error("Failed to defer operation", err, nil)
		}
		return OutcomeDeferred
	}

	switch res.Winner {
	case models.WinnerRemote:
		if err := e.local.ApplyResolved(res.Resolved); err != nil {
			logging.Error("Failed to apply remote version", err, nil)
			return e.applyTransient(op, "local apply failed")
		}
		if err := e.log.Remove(op.ID); err != nil {
			logging.Error("Failed to remove superseded operation", err, nil)
		}
	default: // local or merged
		if err := e.local.ApplyResolved(res.Resolved); err != nil {
			logging.Error("Failed to apply merged version", err, nil)
			return e.applyTransient(op, "local apply failed")
		}
		if err := e.log.ReplacePayload(op.ID, res.Resolved.Payload); err != nil {
			logging.Error("Failed to requeue resolved payload", err, nil)
		}
	}
	logging.Info("Conflict resolved", map[string]interface{}{
		"operation_id": op.ID,
		"entity_id":    op.EntityID,
		"winner":       string(res.Winner),
	})
	return OutcomeConflict
}

// rewriteIDs substitutes server ids into the operation before dispatch:
// assignments from this batch come from idMap, assignments from earlier
// batches from the stored versions.
func (e *Engine) rewriteIDs(op *models.Operation) {
	changed := false
	if op.Payload != nil {
		if parentType, parentID, ok := op.Payload.ParentRef(); ok {
			if serverID := e.serverIDFor(parentType, parentID); serverID != "" && serverID != parentID {
				changed = op.Payload.RewriteRef(parentType, parentID, serverID) || changed
			}
		}
	}
	if op.Kind != models.OpCreate {
		if serverID := e.serverIDFor(op.EntityType, op.EntityID); serverID != "" && serverID != op.EntityID {
			op.EntityID = serverID
			changed = true
		}
	}
	if changed {
		// Persist so a crash between rewrite and send does not lose
		// the substitution.
		if err := e.log.RewriteEntity(op.ID, op.EntityID, op.Payload); err != nil {
			logging.Error("Failed to persist id rewrite", err, map[string]interface{}{
				"operation_id": op.ID,
			})
		}
	}
}

// serverIDFor resolves a local entity id to its server id, or "" when
// the entity has none yet.
func (e *Engine) serverIDFor(t models.EntityType, localID string) string {
	e.idMu.RLock()
	serverID, ok := e.idMap[localID]
	e.idMu.RUnlock()
	if ok {
		return serverID
	}
	v, err := e.local.Get(t, localID)
	if err != nil {
		logging.Error("Failed to look up server id", err, map[string]interface{}{
			"entity_type": string(t),
			"entity_id":   localID,
		})
		return ""
	}
	if v == nil {
		return ""
	}
	return v.ServerID
}

func (e *Engine) lockEntity(t models.EntityType, id string) func() {
	key := string(t) + "/" + id
	e.entityMu.Lock()
	mu, ok := e.entities[key]
	if !ok {
		mu = &gosync.Mutex{}
		e.entities[key] = mu
	}
	e.entityMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
