// Package authority implements the authoritative-process components:
// StateManager, ActionScheduler, ThunkManager, ActionExecutor,
// SubscriptionManager, the authoritative-side IpcHandler, and
// MainThunkProcessor.
//
// ThunkManager is grounded on gomind's async-task system
// (core.Task/core.TaskStatus/core.TaskStore/core.ProgressReporter):
// the same pending/completed/failed lifecycle and progress-reporting
// shape, generalised from a flat task store to a thunk *tree* with
// parent/child links and two additional drain conditions
// (pendingActions, pendingUpdates) before a node is garbage collected.
package authority

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

// ThunkManager owns the thunk graph and drives the root-completion
// signal the scheduler uses to release its lock.
type ThunkManager struct {
	mu     sync.Mutex
	thunks map[string]*action.Thunk

	// updateOwner maps an update id to the thunk tracking it, so
	// AcknowledgeUpdate can find the right record without a linear scan.
	updateOwner map[string]string

	// doneWaiters lets a caller (MainThunkProcessor, the view-thunk
	// completion path) block until a specific thunk id is garbage
	// collected, without coupling to the root-completed signal the
	// scheduler uses for lock release.
	doneWaiters map[string][]chan struct{}

	logger core.Logger

	// OnRootCompleted is invoked exactly once per root thunk tree, after
	// the root and every descendant has been garbage collected. The
	// scheduler wires this to release its lock. Like every callback
	// below, it is invoked with no ThunkManager lock held, so it may
	// call back into this manager (the scheduler's re-scan does).
	OnRootCompleted func(rootID string)

	// OnStateChanged is invoked whenever a thunk's state or progress
	// changes, used by the authoritative IpcHandler to broadcast
	// thunk-state messages.
	OnStateChanged func(t *action.Thunk)

	// OnFullyComplete is invoked exactly once per thunk, the instant it
	// is garbage collected (action.Thunk.FullyComplete() became true and
	// every child had already been collected). This is distinct from
	// OnStateChanged("completed"/"failed"): a thunk can reach a terminal
	// state while actions or state updates it produced are still in
	// flight, and spec.md §4.1 requires the registering caller's
	// complete-thunk wait to resolve only once the tree has actually
	// drained, not merely transitioned.
	OnFullyComplete func(t *action.Thunk)
}

// NewThunkManager constructs an empty ThunkManager.
func NewThunkManager(logger core.Logger) *ThunkManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ThunkManager{
		thunks:      make(map[string]*action.Thunk),
		updateOwner: make(map[string]string),
		doneWaiters: make(map[string][]chan struct{}),
		logger:      logger,
	}
}

// NotifyOnDone returns a channel closed once thunkID has been garbage
// collected. If thunkID is already gone (or was never registered), the
// channel is returned already closed.
func (m *ThunkManager) NotifyOnDone(thunkID string) <-chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	if _, live := m.thunks[thunkID]; !live {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.doneWaiters[thunkID] = append(m.doneWaiters[thunkID], ch)
	m.mu.Unlock()
	return ch
}

// Register wires a new thunk into the graph, transitioning it from
// Pending to Executing. Returns core.ErrThunkRegistrationFailed if the
// thunk's parent does not exist (a thunk may only point to an
// already-registered ancestor).
func (m *ThunkManager) Register(t *action.Thunk) (err error) {
	ctx := withRemoteTrace(context.Background(), t.TraceID, t.ParentSpanID)
	_, span := core.GetGlobalTelemetry().StartSpan(ctx, "ThunkManager.register")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	m.mu.Lock()
	if t.ParentID != "" {
		parent, ok := m.thunks[t.ParentID]
		if !ok {
			m.mu.Unlock()
			t.State = action.ThunkFailed
			return core.NewEngineError(core.KindThunkExecution, "ThunkManager.Register",
				"parent thunk not found", core.ErrThunkRegistrationFailed,
				core.ErrorContext{ThunkID: t.ID})
		}
		parent.Children[t.ID] = struct{}{}
	}

	t.State = action.ThunkExecuting
	m.thunks[t.ID] = t
	m.mu.Unlock()

	m.logger.InfoWithContext(ctx, "thunk registered", map[string]interface{}{
		"thunk_id": t.ID, "root_id": t.RootID, "parent_id": t.ParentID,
	})

	if m.OnStateChanged != nil {
		m.OnStateChanged(t)
	}
	return nil
}

// Get returns the thunk for id, if it is still live.
func (m *ThunkManager) Get(id string) (*action.Thunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thunks[id]
	return t, ok
}

// ResolveRoot returns the root id for thunkID, or ok=false if the thunk
// is unknown (already garbage collected, or never registered).
func (m *ThunkManager) ResolveRoot(thunkID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thunks[thunkID]
	if !ok {
		return "", false
	}
	return t.RootID, true
}

// RecordAction adds actionID to thunkID's pendingActions as the action
// is handed to the executor.
func (m *ThunkManager) RecordAction(thunkID, actionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.thunks[thunkID]; ok {
		t.PendingActions[actionID] = struct{}{}
	}
}

// CompleteAction removes actionID from thunkID's pendingActions and
// attempts garbage collection if the thunk's user function has already
// resolved.
func (m *ThunkManager) CompleteAction(thunkID, actionID string) {
	var n thunkNotices
	m.mu.Lock()
	if t, ok := m.thunks[thunkID]; ok {
		delete(t.PendingActions, actionID)
		m.collectLocked(t, &n)
	}
	m.mu.Unlock()
	m.fire(&n)
}

// TrackStateUpdate records that thunkID is awaiting acknowledgement of
// updateID from every view in expectedAckers.
func (m *ThunkManager) TrackStateUpdate(thunkID, updateID string, expectedAckers map[int64]struct{}) {
	if thunkID == "" || len(expectedAckers) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thunks[thunkID]
	if !ok {
		return
	}
	ackers := make(map[int64]struct{}, len(expectedAckers))
	for v := range expectedAckers {
		ackers[v] = struct{}{}
	}
	t.PendingUpdates[updateID] = ackers
	m.updateOwner[updateID] = thunkID
}

// AcknowledgeUpdate removes viewID from updateID's acker set. Returns
// true when the last acker has removed, at which point the update
// record is dropped and garbage collection is retried.
func (m *ThunkManager) AcknowledgeUpdate(updateID string, viewID int64) bool {
	var n thunkNotices
	m.mu.Lock()
	thunkID, ok := m.updateOwner[updateID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	t, ok := m.thunks[thunkID]
	if !ok {
		delete(m.updateOwner, updateID)
		m.mu.Unlock()
		return false
	}
	ackers, ok := t.PendingUpdates[updateID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(ackers, viewID)
	if len(ackers) > 0 {
		m.mu.Unlock()
		return false
	}
	delete(t.PendingUpdates, updateID)
	delete(m.updateOwner, updateID)
	m.collectLocked(t, &n)
	m.mu.Unlock()
	m.fire(&n)
	return true
}

// ReportProgress stores the latest progress snapshot for a thunk
// (SPEC_FULL.md §C); the authoritative IpcHandler piggybacks it on the
// next thunk-state broadcast.
func (m *ThunkManager) ReportProgress(thunkID string, progress *action.ThunkProgress) {
	m.mu.Lock()
	t, ok := m.thunks[thunkID]
	if ok {
		t.Progress = progress
	}
	m.mu.Unlock()
	if ok && m.OnStateChanged != nil {
		m.OnStateChanged(t)
	}
}

// Complete records the user function's successful outcome. The thunk
// only becomes fully complete once pendingActions/pendingUpdates drain
// and every descendant is fully complete.
func (m *ThunkManager) Complete(thunkID string, result interface{}) {
	var n thunkNotices
	m.mu.Lock()
	t, ok := m.thunks[thunkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.State = action.ThunkCompleted
	t.Result = result
	now := time.Now()
	t.CompletedAt = &now
	n.stateChanged = append(n.stateChanged, t)
	m.collectLocked(t, &n)
	m.mu.Unlock()

	ctx := withRemoteTrace(context.Background(), t.TraceID, t.ParentSpanID)
	_, span := core.GetGlobalTelemetry().StartSpan(ctx, "ThunkManager.complete")
	span.SetAttribute("outcome", "completed")
	span.End()

	m.fire(&n)
}

// Fail records the user function's failure, or a protocol violation.
func (m *ThunkManager) Fail(thunkID string, thunkErr *action.ThunkError) {
	var n thunkNotices
	m.mu.Lock()
	t, ok := m.thunks[thunkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.State = action.ThunkFailed
	t.Error = thunkErr
	now := time.Now()
	t.CompletedAt = &now
	n.stateChanged = append(n.stateChanged, t)
	m.collectLocked(t, &n)
	m.mu.Unlock()

	ctx := withRemoteTrace(context.Background(), t.TraceID, t.ParentSpanID)
	_, span := core.GetGlobalTelemetry().StartSpan(ctx, "ThunkManager.complete")
	span.SetAttribute("outcome", "failed")
	if thunkErr != nil {
		span.RecordError(thunkErr)
	}
	span.End()

	m.fire(&n)
}

// CleanupDeadView treats viewID as having acknowledged every update it
// was an expected acker for, then retries garbage collection on every
// affected thunk.
func (m *ThunkManager) CleanupDeadView(viewID int64) {
	var n thunkNotices
	m.mu.Lock()
	for updateID, thunkID := range m.updateOwner {
		t, ok := m.thunks[thunkID]
		if !ok {
			continue
		}
		ackers, ok := t.PendingUpdates[updateID]
		if !ok {
			continue
		}
		delete(ackers, viewID)
		if len(ackers) == 0 {
			delete(t.PendingUpdates, updateID)
			delete(m.updateOwner, updateID)
			m.collectLocked(t, &n)
		}
	}
	m.mu.Unlock()
	m.fire(&n)
}

// CleanupExpiredUpdates removes the given update ids, as returned by the
// update store's own expiry pass (UpdateStore.ExpireOlderThan), from the
// thunks waiting on them, and re-runs the completion check on each such
// thunk. Update records don't carry their own CreatedAt on the Thunk
// side, so the age test happens in the update store; ids with no owning
// thunk are skipped.
func (m *ThunkManager) CleanupExpiredUpdates(expiredUpdateIDs []string) {
	var n thunkNotices
	m.mu.Lock()
	for _, updateID := range expiredUpdateIDs {
		thunkID, ok := m.updateOwner[updateID]
		if !ok {
			continue
		}
		t, ok := m.thunks[thunkID]
		if !ok {
			delete(m.updateOwner, updateID)
			continue
		}
		delete(t.PendingUpdates, updateID)
		delete(m.updateOwner, updateID)
		m.collectLocked(t, &n)
	}
	m.mu.Unlock()
	m.fire(&n)
}

// thunkNotices accumulates the callbacks a mutation decided to fire
// while m.mu was held. They are invoked by fire only after the lock is
// released: OnRootCompleted re-enters the scheduler's scan loop, and
// that scan calls straight back into ThunkManager (ResolveRoot,
// CompleteAction), so firing under the lock would self-deadlock.
type thunkNotices struct {
	stateChanged  []*action.Thunk
	fullyComplete []*action.Thunk
	doneWaiters   []chan struct{}
	rootCompleted []string
}

// fire invokes the collected callbacks. Must be called with m.mu
// released. State changes go first, then fully-complete signals
// (post-order, children before parents), then done-waiters, and
// root-completed last so the scheduler re-scan sees a fully drained
// tree.
func (m *ThunkManager) fire(n *thunkNotices) {
	for _, t := range n.stateChanged {
		if m.OnStateChanged != nil {
			m.OnStateChanged(t)
		}
	}
	for _, t := range n.fullyComplete {
		if m.OnFullyComplete != nil {
			m.OnFullyComplete(t)
		}
	}
	for _, ch := range n.doneWaiters {
		close(ch)
	}
	for _, rootID := range n.rootCompleted {
		if m.OnRootCompleted != nil {
			m.OnRootCompleted(rootID)
		}
	}
}

// collectLocked garbage collects t if it is fully complete and every
// child has already been collected, then cascades to its parent,
// appending the callbacks to fire to n instead of invoking them. Must
// be called with m.mu held. This is the post-order walk design notes
// §9 describes: parentage is fixed at register time, so there is never
// a cycle to detect.
func (m *ThunkManager) collectLocked(t *action.Thunk, n *thunkNotices) {
	if _, live := m.thunks[t.ID]; !live {
		return // already collected earlier in this same sweep
	}
	if !t.FullyComplete() {
		return
	}
	for childID := range t.Children {
		if _, stillLive := m.thunks[childID]; stillLive {
			return // a child is still around; not post-order-eligible yet
		}
	}

	delete(m.thunks, t.ID)
	ctx := withRemoteTrace(context.Background(), t.TraceID, t.ParentSpanID)
	m.logger.DebugWithContext(ctx, "thunk garbage collected", map[string]interface{}{
		"thunk_id": t.ID, "root_id": t.RootID, "state": string(t.State),
	})

	n.fullyComplete = append(n.fullyComplete, t)
	n.doneWaiters = append(n.doneWaiters, m.doneWaiters[t.ID]...)
	delete(m.doneWaiters, t.ID)

	if t.ParentID == "" {
		n.rootCompleted = append(n.rootCompleted, t.RootID)
		return
	}

	parent, ok := m.thunks[t.ParentID]
	if !ok {
		return
	}
	delete(parent.Children, t.ID)
	m.collectLocked(parent, n)
}
