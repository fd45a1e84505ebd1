// ActionScheduler has no direct teacher analogue: gomind's request
// handling is stateless per-call and never needed cross-request
// exclusivity. It is grounded instead on the cooperative, single-
// threaded run-loop shape gomind's core.CircuitBreaker and
// core.RetryExecutor use internally (a mutex-guarded state machine
// advanced by the calling goroutine, never a background worker),
// applied here to a FIFO queue with a single root-level exclusivity
// lock instead of a failure counter.
package authority

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/telemetry"
)

// errLogInterval bounds how often executeOne will log a failure for the
// same action type, so an action type stuck in a fast requeue/retry loop
// upstream can't flood the log at one line per execution.
const errLogInterval = time.Second

// Executor runs a single action to completion against the
// authoritative state.
type Executor interface {
	Execute(ctx context.Context, qa *action.QueuedAction) (version int64, err error)
}

// ActionScheduler is the single point of admission for every action,
// from any source, into the authoritative state. It holds a FIFO queue
// and enforces thunk-tree exclusivity: once an action belonging to some
// thunk root R starts executing, no action belonging to a different
// thunk root may run until R's entire tree has drained, unless the
// action explicitly bypasses the lock or its declared keys provably
// don't overlap with R's.
type ActionScheduler struct {
	queue        []*action.QueuedAction
	maxQueueSize int

	// lockedRoot is the thunk root currently holding exclusivity, or ""
	// if no thunk tree is in flight.
	lockedRoot string
	// lockedKeys accumulates the declared Keys of every action admitted
	// under lockedRoot, used by the fast-path overlap check. Cleared
	// whenever the lock is released.
	lockedKeys map[string]struct{}

	// scanning is the re-entrancy guard: the scan loop is never run by
	// more than one goroutine at a time, and Enqueue calls arriving
	// while a scan is already in progress just append to the queue and
	// return, trusting the in-progress scan to pick them up.
	scanning bool

	mu       sync.Mutex
	thunkMgr *ThunkManager
	executor Executor
	subMgr   *SubscriptionManager
	ctx      context.Context
	logger   core.Logger

	errLimiterMu sync.Mutex
	errLimiters  map[string]*telemetry.RateLimiter
}

// NewActionScheduler wires a scheduler against its dependencies. subMgr
// gates admission: an action whose declared Keys fall outside its
// source view's subscription is rejected by Enqueue itself, before it
// ever occupies a queue slot or participates in thunk-lock key
// accounting. subMgr may be nil in tests that only exercise FIFO/lock
// ordering.
//
// ctx bounds the lifetime of every action this scheduler ever executes;
// callers that need per-action timeouts apply them in the Executor.
func NewActionScheduler(ctx context.Context, maxQueueSize int, thunkMgr *ThunkManager, executor Executor, subMgr *SubscriptionManager, logger core.Logger) *ActionScheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &ActionScheduler{
		maxQueueSize: maxQueueSize,
		thunkMgr:     thunkMgr,
		executor:     executor,
		subMgr:       subMgr,
		ctx:          ctx,
		logger:       logger,
		errLimiters:  make(map[string]*telemetry.RateLimiter),
	}
	thunkMgr.OnRootCompleted = s.releaseLock
	return s
}

// Enqueue admits qa to the back of the FIFO queue, rejecting it with
// core.ErrQueueFull if the queue is already at capacity, or with
// core.ErrAccessDenied if it declares keys outside its source view's
// subscription - access control is an admission-time gate, not an
// execution-time one, so a rejected action never consumes a queue slot
// or touches thunk-lock key accounting. If no scan is currently in
// progress, Enqueue drives one inline (the cooperative, single-threaded
// model: there is no background worker goroutine).
func (s *ActionScheduler) Enqueue(qa *action.QueuedAction) error {
	a := qa.Action
	if s.subMgr != nil && !a.BypassAccessControl && a.SourceViewID != 0 && !s.subMgr.CheckAccess(a.SourceViewID, a.Keys, a.BypassAccessControl) {
		return core.NewEngineError(core.KindSubscription, "ActionScheduler.Enqueue",
			"action declares keys outside the source view's subscription", core.ErrAccessDenied,
			core.ErrorContext{ActionID: a.ID, ViewID: a.SourceViewID})
	}

	s.mu.Lock()
	if s.maxQueueSize > 0 && len(s.queue) >= s.maxQueueSize {
		s.mu.Unlock()
		return core.NewEngineError(core.KindResourceManagement, "ActionScheduler.Enqueue",
			"action queue is full", core.ErrQueueFull, core.ErrorContext{ActionID: qa.Action.ID})
	}
	s.queue = append(s.queue, qa)
	if qa.Action.ParentThunkID != "" {
		s.thunkMgr.RecordAction(qa.Action.ParentThunkID, qa.Action.ID)
	}
	needsScan := !s.scanning
	if needsScan {
		s.scanning = true
	}
	s.mu.Unlock()

	if needsScan {
		s.runScanLoop()
	}
	return nil
}

// releaseLock is wired as ThunkManager.OnRootCompleted: once every
// action and descendant thunk belonging to rootID has drained, the
// tree's exclusivity lock is released and the queue is re-scanned for
// work it had been blocking. ThunkManager fires OnRootCompleted only
// after releasing its own lock, so the synchronous re-scan here may
// safely call back into it (ResolveRoot, CompleteAction); when the
// release happens on a stack already inside runScanLoop (an executed
// action drained the tree), the scanning guard keeps this from nesting
// and the in-progress loop picks up the now-runnable entries instead.
func (s *ActionScheduler) releaseLock(rootID string) {
	s.mu.Lock()
	if s.lockedRoot != rootID {
		s.mu.Unlock()
		return
	}
	s.lockedRoot = ""
	s.lockedKeys = nil
	needsScan := !s.scanning
	if needsScan {
		s.scanning = true
	}
	s.mu.Unlock()

	if needsScan {
		s.runScanLoop()
	}
}

// runScanLoop is the re-entrancy-guarded core loop: Scanning picks the
// next runnable action (if any), transitions to Executing for the
// duration of that one action, then returns to Scanning. It exits (and
// clears the guard) only once a full pass finds nothing runnable.
func (s *ActionScheduler) runScanLoop() {
	for {
		s.mu.Lock()
		idx := s.pickRunnableLocked()
		if idx < 0 {
			s.scanning = false
			s.mu.Unlock()
			return
		}
		qa := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)

		if qa.Action.ParentThunkID != "" {
			if root, ok := s.thunkMgr.ResolveRoot(qa.Action.ParentThunkID); ok {
				if s.lockedRoot == "" {
					s.lockedRoot = root
					s.lockedKeys = make(map[string]struct{})
				}
				for _, k := range qa.Action.Keys {
					s.lockedKeys[k] = struct{}{}
				}
			}
		}
		s.mu.Unlock()

		s.executeOne(qa)
	}
}

// pickRunnableLocked returns the queue index of the next action to run,
// or -1 if none is runnable. Must be called with s.mu held.
//
// Tie-break: an action belonging to the currently locked root is always
// preferred over one that isn't, so a thunk's own chain of actions
// drains before unrelated FIFO-eligible work gets a turn; within each
// group, earliest-enqueued wins.
func (s *ActionScheduler) pickRunnableLocked() int {
	if s.lockedRoot != "" {
		for i, qa := range s.queue {
			if s.belongsToLockedRootLocked(qa.Action) && s.isRunnableLocked(qa.Action) {
				return i
			}
		}
	}
	for i, qa := range s.queue {
		if s.isRunnableLocked(qa.Action) {
			return i
		}
	}
	return -1
}

func (s *ActionScheduler) belongsToLockedRootLocked(a *action.Action) bool {
	if a.ParentThunkID == "" {
		return false
	}
	root, ok := s.thunkMgr.ResolveRoot(a.ParentThunkID)
	return ok && root == s.lockedRoot
}

// isRunnableLocked implements the four admission rules: an action may
// run if (1) no thunk tree currently holds the lock, (2) it belongs to
// the locked root, (3) it explicitly bypasses the lock, or (4) it
// declares keys that provably don't overlap anything the locked root
// has touched so far.
func (s *ActionScheduler) isRunnableLocked(a *action.Action) bool {
	if s.lockedRoot == "" {
		return true
	}
	if a.BypassThunkLock {
		return true
	}
	if s.belongsToLockedRootLocked(a) {
		return true
	}
	if len(a.Keys) == 0 || len(s.lockedKeys) == 0 {
		return false
	}
	for _, k := range a.Keys {
		if _, overlap := s.lockedKeys[k]; overlap {
			return false
		}
	}
	return true
}

// executeOne runs a single action through the Executor, recovering from
// a panicking executor so one bad action can't wedge the scan loop, and
// notifies the action's thunk (if any) and its own completion callback
// regardless of outcome.
func (s *ActionScheduler) executeOne(qa *action.QueuedAction) {
	version, err := s.safeExecute(qa)

	if qa.Action.ParentThunkID != "" {
		s.thunkMgr.CompleteAction(qa.Action.ParentThunkID, qa.Action.ID)
	}
	if err != nil && s.allowErrLog(qa.Action.Type) {
		ctx := withRemoteTrace(context.Background(), qa.Action.TraceID, qa.Action.ParentSpanID)
		s.logger.ErrorWithContext(ctx, "action execution failed", map[string]interface{}{
			"action_id": qa.Action.ID, "action_type": qa.Action.Type, "error": err.Error(),
		})
	}
	if qa.OnComplete != nil {
		qa.OnComplete(version, err)
	}
}

// allowErrLog reports whether executeOne may log another failure for
// actionType right now, rate-limited per type so one action type failing
// in a tight loop produces at most one log line per errLogInterval
// instead of flooding the log.
func (s *ActionScheduler) allowErrLog(actionType string) bool {
	s.errLimiterMu.Lock()
	rl, ok := s.errLimiters[actionType]
	if !ok {
		rl = telemetry.NewRateLimiter(errLogInterval)
		s.errLimiters[actionType] = rl
	}
	s.errLimiterMu.Unlock()
	return rl.Allow()
}

func (s *ActionScheduler) safeExecute(qa *action.QueuedAction) (version int64, err error) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = withRemoteTrace(ctx, qa.Action.TraceID, qa.Action.ParentSpanID)
	ctx, span := core.GetGlobalTelemetry().StartSpan(ctx, "ActionScheduler.scan")
	defer func() {
		if r := recover(); r != nil {
			err = core.NewEngineError(core.KindActionProcessing, "ActionScheduler.safeExecute",
				"executor panicked", core.ErrActionHandlerError, core.ErrorContext{ActionID: qa.Action.ID})
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	return s.executor.Execute(ctx, qa)
}

// QueueDepth reports the current backlog, for health/metrics reporting.
func (s *ActionScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
