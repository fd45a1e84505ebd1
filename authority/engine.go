package authority

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/ipc"
)

// Engine is the assembled authoritative side: a user store wrapped in a
// StateManager, the scheduler/executor/thunk-manager pipeline behind
// it, and the IpcHandler views connect to. It is the factory surface a
// host process uses; the individual component constructors remain
// exported for callers that need a non-standard wiring.
type Engine struct {
	cfg core.Config

	StateManager  *StateManager
	Subscriptions *SubscriptionManager
	Updates       *UpdateStore
	ThunkManager  *ThunkManager
	Scheduler     *ActionScheduler
	Executor      *ActionExecutor
	Handler       *IpcHandler
	Processor     *MainThunkProcessor

	logger core.Logger
	ctx    context.Context
	cancel context.CancelFunc

	janitorDone chan struct{}

	destroyOnce sync.Once
}

// NewEngine assembles the full authoritative stack around store. The
// returned Engine owns a background sweep that expires state-update
// records older than cfg.UpdateMaxAgeMs; Destroy stops it and severs
// every connected view.
func NewEngine(store Store, cfg core.Config, logger core.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		janitorDone: make(chan struct{}),
	}

	e.StateManager = NewStateManager(store, logger)
	e.Subscriptions = NewSubscriptionManager()
	e.Updates = NewUpdateStore()
	e.ThunkManager = NewThunkManager(logger)

	// ActionExecutor needs a Sender before IpcHandler exists; route
	// through the Engine so the wiring order stays acyclic.
	send := func(viewID int64, u *action.StateUpdate) { e.Handler.SendStateUpdate(viewID, u) }
	e.Executor = NewActionExecutor(e.StateManager, e.Subscriptions, e.Updates, e.ThunkManager, send, logger)
	e.Scheduler = NewActionScheduler(ctx, cfg.MaxQueueSize, e.ThunkManager, e.Executor, e.Subscriptions, logger)
	e.Handler = NewIpcHandlerWithConfig(e.Scheduler, e.ThunkManager, e.Subscriptions, e.Updates, e.StateManager, logger, cfg)
	e.Processor = NewMainThunkProcessor(e.ThunkManager, e.Scheduler, e.StateManager, logger)

	go e.sweepExpiredUpdates(ctx, time.Duration(cfg.UpdateMaxAgeMs)*time.Millisecond)

	return e, nil
}

// Connect hands a view's transport to the IpcHandler and blocks until
// ctx is cancelled, the transport closes, or the engine is destroyed.
func (e *Engine) Connect(ctx context.Context, viewID int64, t ipc.Transport) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.ctx.Done():
			cancel()
		case <-cctx.Done():
		}
	}()
	e.Handler.Connect(cctx, viewID, t)
}

// ExecuteThunk runs fn as an authoritative-origin root thunk under the
// same lock and completion discipline a view-origin thunk gets.
func (e *Engine) ExecuteThunk(ctx context.Context, fn action.ThunkFunc, opts ExecuteThunkOptions) (interface{}, error) {
	return e.Processor.ExecuteThunk(ctx, fn, opts)
}

// GetState returns the current authoritative state snapshot and its
// version.
func (e *Engine) GetState() (map[string]interface{}, int64) {
	return e.StateManager.GetState()
}

// Destroy shuts the engine down: the expiry sweep stops, every
// connected view's receive loop unwinds, and in-flight thunks are
// abandoned. Callers' own dispatch contexts are not cancelled; a caller
// still waiting settles through its own context or deadline. Safe to
// call more than once.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.cancel()
		<-e.janitorDone
		e.logger.Info("Engine destroyed", map[string]interface{}{
			"queue_depth": e.Scheduler.QueueDepth(),
		})
	})
}

// sweepExpiredUpdates periodically drops state-update records older
// than maxAge and re-evaluates the thunks that were waiting on them, so
// a view that stops acking without disconnecting cannot pin a thunk
// tree open forever.
func (e *Engine) sweepExpiredUpdates(ctx context.Context, maxAge time.Duration) {
	defer close(e.janitorDone)

	interval := maxAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := e.Updates.ExpireOlderThan(maxAge)
			if len(expired) == 0 {
				continue
			}
			e.logger.Warn("Expiring unacknowledged state updates", map[string]interface{}{
				"count":      len(expired),
				"max_age_ms": maxAge.Milliseconds(),
			})
			e.ThunkManager.CleanupExpiredUpdates(expired)
		}
	}
}
