package authority

import (
	"context"
	"fmt"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

// Sender delivers a state update to a specific view. The authoritative
// IpcHandler supplies this over whichever ipc.Transport connects to
// that view.
type Sender func(viewID int64, update *action.StateUpdate)

// ActionExecutor is the Executor the ActionScheduler drives: it applies
// one action to the StateManager, and if that changed anything, slices
// the result per-view through the SubscriptionManager and hands off a
// StateUpdate per recipient to both the UpdateStore (for ack tracking)
// and the Sender (for wire delivery).
type ActionExecutor struct {
	stateMgr *StateManager
	subMgr   *SubscriptionManager
	updates  *UpdateStore
	thunkMgr *ThunkManager
	send     Sender
	logger   core.Logger
}

// NewActionExecutor wires an executor against its dependencies. send
// may be nil in tests (or view-less embeddings) that only care about
// state transitions; with no send there is no recipient, so no update
// is produced, tracked, or awaited.
func NewActionExecutor(stateMgr *StateManager, subMgr *SubscriptionManager, updates *UpdateStore, thunkMgr *ThunkManager, send Sender, logger core.Logger) *ActionExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ActionExecutor{stateMgr: stateMgr, subMgr: subMgr, updates: updates, thunkMgr: thunkMgr, send: send, logger: logger}
}

// Execute applies qa.Action to the authoritative state. A panic inside
// the user-supplied Store.ProcessAction is converted into an
// ActionProcessing error rather than crashing the scheduler's scan
// loop.
func (e *ActionExecutor) Execute(ctx context.Context, qa *action.QueuedAction) (version int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewEngineError(core.KindActionProcessing, "ActionExecutor.Execute",
				fmt.Sprintf("action handler panicked: %v", r), core.ErrActionHandlerError,
				core.ErrorContext{ActionID: qa.Action.ID, ThunkID: qa.Action.ParentThunkID})
		}
	}()

	// Access control is enforced by ActionScheduler.Enqueue at admission
	// time (a rejected action never reaches the queue, let alone the
	// executor); by the time Execute runs, a has already passed that gate.
	a := qa.Action
	state, changed, v, procErr := e.stateMgr.ProcessAction(a)
	if procErr != nil {
		return 0, procErr
	}
	if !changed {
		return v, nil
	}
	if e.send == nil {
		// No delivery path means no view will ever acknowledge: tracking
		// the updates would leave their thunks' pendingUpdates undrainable.
		return v, nil
	}

	for viewID, slice := range e.subMgr.SliceForAll(state) {
		update := action.NewStateUpdate(viewID, v, slice, a.ParentThunkID)
		update.ExpectedAckers = map[int64]struct{}{viewID: {}}
		if e.updates != nil {
			e.updates.Track(update)
		}
		if a.ParentThunkID != "" {
			e.thunkMgr.TrackStateUpdate(a.ParentThunkID, update.UpdateID, update.ExpectedAckers)
		}
		if e.send != nil {
			e.send(viewID, update)
		}
	}
	return v, nil
}
