// Grounded on gomind's HTTP handler registration pattern
// (core.Component routing named operations to methods): here the
// "routes" are ipc.Kind values instead of HTTP paths, and the transport
// is ipc.Transport instead of net/http, but the shape -- one handler per
// named operation, wrapped in a shared logging middleware -- is the
// same.
package authority

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/ipc"
	"github.com/itsneelabh/bridge/resilience"
)

// ViewConn is one connected view's transport plus its own sequencer and
// subscription identity.
type ViewConn struct {
	ViewID    int64
	Transport ipc.Transport
	Out       ipc.Sequencer
	Breaker   core.CircuitBreaker
}

// IpcHandler is the authoritative process's single demultiplexing point
// for every message arriving from any connected view.
type IpcHandler struct {
	scheduler *ActionScheduler
	thunkMgr  *ThunkManager
	subMgr    *SubscriptionManager
	updates   *UpdateStore
	stateMgr  *StateManager
	logger    core.Logger
	cfg       core.Config

	mu    sync.RWMutex
	views map[int64]*ViewConn
	in    ipc.Sequencer
}

// NewIpcHandler wires a handler against the rest of the authoritative
// components.
func NewIpcHandler(scheduler *ActionScheduler, thunkMgr *ThunkManager, subMgr *SubscriptionManager, updates *UpdateStore, stateMgr *StateManager, logger core.Logger) *IpcHandler {
	return NewIpcHandlerWithConfig(scheduler, thunkMgr, subMgr, updates, stateMgr, logger, *core.DefaultConfig())
}

// NewIpcHandlerWithConfig is NewIpcHandler with an explicit Config, so
// the per-ViewConn circuit breaker and retry policy picked up by send
// can be tuned the same way view.ViewDispatcher's are.
func NewIpcHandlerWithConfig(scheduler *ActionScheduler, thunkMgr *ThunkManager, subMgr *SubscriptionManager, updates *UpdateStore, stateMgr *StateManager, logger core.Logger, cfg core.Config) *IpcHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	h := &IpcHandler{
		scheduler: scheduler,
		thunkMgr:  thunkMgr,
		subMgr:    subMgr,
		updates:   updates,
		stateMgr:  stateMgr,
		logger:    logger,
		cfg:       cfg,
		views:     make(map[int64]*ViewConn),
	}
	thunkMgr.OnStateChanged = h.broadcastThunkState
	thunkMgr.OnFullyComplete = h.broadcastThunkFullyComplete
	return h
}

// Connect registers a view's transport and starts its receive loop.
// Callers are expected to run Connect in its own goroutine (it blocks
// until the transport's Receive returns an error, typically on Close).
func (h *IpcHandler) Connect(ctx context.Context, viewID int64, t ipc.Transport) {
	conn := &ViewConn{
		ViewID:    viewID,
		Transport: t,
		Breaker:   resilience.NewCircuitBreaker("authority-ipc-send", h.cfg.CircuitBreaker, h.logger),
	}
	h.mu.Lock()
	h.views[viewID] = conn
	h.mu.Unlock()

	h.subMgr.RemoveView(viewID)
	h.subMgr.Subscribe(viewID, nil) // spec.md §3: the default subscription on connection is the wildcard

	for {
		env, err := t.Receive(ctx)
		if err != nil {
			h.disconnect(viewID)
			return
		}
		if !h.in.ValidateInbound(env) {
			h.logger.Warn("sequence gap from view", map[string]interface{}{"view_id": viewID, "seq": env.Seq})
		}
		handled := ipc.LoggingMiddleware(h.logger, false, 50*time.Millisecond)(h.dispatch(conn))
		if err := handled(ctx, env); err != nil {
			h.logger.Error("failed handling inbound message", map[string]interface{}{
				"view_id": viewID, "kind": string(env.Kind), "error": err.Error(),
			})
		}
	}
}

func (h *IpcHandler) disconnect(viewID int64) {
	h.mu.Lock()
	delete(h.views, viewID)
	h.mu.Unlock()
	h.subMgr.RemoveView(viewID)
	h.thunkMgr.CleanupDeadView(viewID)
	if h.updates != nil {
		for _, updateID := range h.updates.DropView(viewID) {
			h.thunkMgr.AcknowledgeUpdate(updateID, viewID)
		}
	}
}

func (h *IpcHandler) dispatch(conn *ViewConn) ipc.HandlerFunc {
	return func(ctx context.Context, env ipc.Envelope) error {
		switch env.Kind {
		case ipc.KindDispatch:
			return h.handleDispatch(ctx, conn, env)
		case ipc.KindDispatchBatch:
			return h.handleDispatchBatch(ctx, conn, env)
		case ipc.KindRegisterThunk:
			return h.handleRegisterThunk(ctx, conn, env)
		case ipc.KindCompleteThunk:
			return h.handleCompleteThunk(ctx, conn, env)
		case ipc.KindStateUpdateAck:
			return h.handleStateUpdateAck(ctx, conn, env)
		case ipc.KindGetState:
			return h.handleGetState(ctx, conn, env)
		case ipc.KindGetWindowSubscriptions:
			return h.handleGetWindowSubscriptions(ctx, conn, env)
		case ipc.KindGetThunkState:
			return h.handleGetThunkState(ctx, conn, env)
		default:
			return core.NewEngineError(core.KindIpcCommunication, "IpcHandler.dispatch",
				"unrecognised message kind", core.ErrSendFailed, core.ErrorContext{ViewID: conn.ViewID})
		}
	}
}

func (h *IpcHandler) handleDispatch(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	var body ipc.DispatchBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	for i := range body.Actions {
		h.enqueueWireAction(conn, &body.Actions[i])
	}
	return nil
}

func (h *IpcHandler) handleDispatchBatch(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	return h.handleDispatch(ctx, conn, env)
}

func (h *IpcHandler) enqueueWireAction(conn *ViewConn, wa *ipc.DispatchAction) {
	if h.handleControlAction(conn, wa) {
		return
	}
	a := &action.Action{
		Type: wa.Type, Payload: wa.Payload, ID: wa.ID, SourceViewID: conn.ViewID,
		ParentThunkID: wa.ParentThunkID, BypassThunkLock: wa.BypassThunkLock,
		BypassAccessControl: wa.BypassAccessControl, Keys: wa.Keys, Priority: wa.Priority,
		TraceID: wa.TraceID, ParentSpanID: wa.ParentSpanID,
	}
	if a.ID == "" {
		a.ID = action.NewAction(a.Type, a.Payload).ID
	}
	qa := &action.QueuedAction{Action: a, ReceivedAt: time.Now(), OnComplete: func(version int64, err error) {
		h.sendDispatchAck(conn, a.ID, version, err)
	}}
	if err := h.scheduler.Enqueue(qa); err != nil {
		h.sendDispatchAck(conn, a.ID, 0, err)
	}
}

// handleControlAction intercepts subscription-change control actions
// before they would occupy a scheduler slot: they never mutate state,
// so they are applied directly against the SubscriptionManager and
// acknowledged with the current state version, atomically with respect
// to the inbound message sequence (spec.md §3, §4.5).
func (h *IpcHandler) handleControlAction(conn *ViewConn, wa *ipc.DispatchAction) bool {
	var payload action.SubscriptionPayload
	switch wa.Type {
	case action.ControlSubscribeType:
		decodePayload(wa.Payload, &payload)
		if payload.Wildcard {
			h.subMgr.Subscribe(conn.ViewID, nil)
		} else {
			h.subMgr.Subscribe(conn.ViewID, payload.Keys)
		}
	case action.ControlUnsubscribeType:
		decodePayload(wa.Payload, &payload)
		h.subMgr.Unsubscribe(conn.ViewID, payload.Keys)
	default:
		return false
	}
	_, version := h.stateMgr.GetState()
	h.sendDispatchAck(conn, wa.ID, version, nil)
	return true
}

// decodePayload recovers a typed payload from the generic
// interface{} a wire DispatchAction carries after an envelope's
// marshal/unmarshal round trip (a map[string]interface{}, in practice).
func decodePayload(payload interface{}, dst interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

func (h *IpcHandler) sendDispatchAck(conn *ViewConn, actionID string, version int64, err error) {
	ackErr := toWireError(err)
	body := ipc.DispatchAckBody{ActionID: actionID, Version: version, Error: ackErr}
	h.send(conn, ipc.KindDispatchAck, body)
}

func (h *IpcHandler) handleRegisterThunk(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	var body ipc.RegisterThunkBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	var parent *action.Thunk
	if body.ParentID != "" {
		p, ok := h.thunkMgr.Get(body.ParentID)
		if !ok {
			h.send(conn, ipc.KindRegisterThunkAck, ipc.RegisterThunkAckBody{
				ThunkID: body.ThunkID, Error: toWireError(core.NewEngineError(core.KindThunkExecution,
					"IpcHandler.handleRegisterThunk", "parent thunk not found", core.ErrThunkRegistrationFailed,
					core.ErrorContext{ThunkID: body.ThunkID, ViewID: conn.ViewID}))})
			return nil
		}
		parent = p
	}
	t := action.NewThunk(nil, action.SourceView, conn.ViewID, parent)
	t.ID = body.ThunkID
	t.BypassThunkLock = body.BypassThunkLock
	t.BypassAccessControl = body.BypassAccessControl
	t.TraceID = body.TraceID
	t.ParentSpanID = body.ParentSpanID
	err := h.thunkMgr.Register(t)
	h.send(conn, ipc.KindRegisterThunkAck, ipc.RegisterThunkAckBody{ThunkID: t.ID, RootID: t.RootID, Error: toWireError(err)})
	return nil
}

func (h *IpcHandler) handleCompleteThunk(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	var body ipc.CompleteThunkBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	if body.Error != nil {
		h.thunkMgr.Fail(body.ThunkID, action.NewThunkError(action.ThunkErrorExecutionError, body.Error.Message, nil))
		return nil
	}
	h.thunkMgr.Complete(body.ThunkID, body.Result)
	return nil
}

func (h *IpcHandler) handleStateUpdateAck(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	var body ipc.StateUpdateAckBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	if h.updates != nil {
		h.updates.Acknowledge(body.UpdateID, body.ViewID)
	}
	h.thunkMgr.AcknowledgeUpdate(body.UpdateID, body.ViewID)
	return nil
}

func (h *IpcHandler) handleGetState(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	state, version := h.stateMgr.GetState()
	slice, ok := h.subMgr.Slice(conn.ViewID, state)
	if !ok {
		slice = state
	}
	h.send(conn, ipc.KindGetStateReply, ipc.GetStateReplyBody{Slice: slice, Version: version})
	return nil
}

func (h *IpcHandler) handleGetWindowSubscriptions(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	wildcard, keys := h.subMgr.GetCurrentKeys(conn.ViewID)
	h.send(conn, ipc.KindGetWindowSubscriptionsReply, ipc.GetWindowSubscriptionsReplyBody{Wildcard: wildcard, Keys: keys})
	return nil
}

func (h *IpcHandler) handleGetThunkState(ctx context.Context, conn *ViewConn, env ipc.Envelope) error {
	var body ipc.GetThunkStateBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	t, ok := h.thunkMgr.Get(body.ThunkID)
	reply := ipc.GetThunkStateReplyBody{ThunkID: body.ThunkID}
	if ok {
		reply.State = string(t.State)
		reply.RootID = t.RootID
	} else {
		reply.State = string(action.ThunkCompleted) // already collected: treat as settled
	}
	h.send(conn, ipc.KindGetThunkStateReply, reply)
	return nil
}

// broadcastThunkState is wired as ThunkManager.OnStateChanged; it
// notifies the thunk's originating view (and, for a view-sourced thunk,
// only that view - nested authoritative thunks have no view to notify).
func (h *IpcHandler) broadcastThunkState(t *action.Thunk) {
	if t.Source != action.SourceView {
		return
	}
	h.mu.RLock()
	conn, ok := h.views[t.SourceViewID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	body := ipc.ThunkStateBody{ThunkID: t.ID, RootID: t.RootID, ParentID: t.ParentID, State: string(t.State)}
	if t.Progress != nil {
		body.Progress = &ipc.ThunkProgressBody{
			CurrentStep: t.Progress.CurrentStep, TotalSteps: t.Progress.TotalSteps,
			StepName: t.Progress.StepName, Message: t.Progress.Message,
		}
	}
	if t.Error != nil {
		body.Error = &ipc.WireError{Message: t.Error.Message}
	}
	h.send(conn, ipc.KindThunkState, body)
}

// broadcastThunkFullyComplete is wired as ThunkManager.OnFullyComplete:
// it fires exactly once per thunk, once the thunk and every descendant
// has drained and been garbage collected, which is the signal
// ViewDispatcher.Dispatch (thunk path) actually waits on.
func (h *IpcHandler) broadcastThunkFullyComplete(t *action.Thunk) {
	if t.Source != action.SourceView {
		return
	}
	h.mu.RLock()
	conn, ok := h.views[t.SourceViewID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	body := ipc.ThunkStateBody{ThunkID: t.ID, RootID: t.RootID, ParentID: t.ParentID, State: string(t.State), FullyComplete: true}
	if t.Error != nil {
		body.Error = &ipc.WireError{Message: t.Error.Message}
	}
	h.send(conn, ipc.KindThunkState, body)
}

// SendStateUpdate has the Sender signature and is the handler's half of
// the ActionExecutor wiring: NewActionExecutor(..., handler.SendStateUpdate, ...)
// routes every broadcast slice produced by an executed action to the
// named view's transport, if it is still connected.
func (h *IpcHandler) SendStateUpdate(viewID int64, u *action.StateUpdate) {
	h.mu.RLock()
	conn, ok := h.views[viewID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.send(conn, ipc.KindStateUpdate, ipc.StateUpdateBody{
		UpdateID: u.UpdateID, OriginatingThunkID: u.OriginatingThunkID,
		Version: u.Version, Slice: u.Slice,
	})
}

func (h *IpcHandler) send(conn *ViewConn, kind ipc.Kind, body interface{}) {
	env, err := ipc.NewEnvelope(kind, body)
	if err != nil {
		h.logger.Error("failed to encode outbound envelope", map[string]interface{}{"kind": string(kind), "error": err.Error()})
		return
	}
	env = conn.Out.NextOutbound(env)
	ctx := context.Background()
	sendErr := resilience.Retry(ctx, h.cfg.Retry, func() error {
		return conn.Breaker.Execute(ctx, func() error {
			return conn.Transport.Send(ctx, env)
		})
	})
	if sendErr != nil {
		h.logger.Error("failed to send to view", map[string]interface{}{"view_id": conn.ViewID, "kind": string(kind), "error": sendErr.Error()})
	}
}

func toWireError(err error) *ipc.WireError {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*core.EngineError); ok {
		return &ipc.WireError{Kind: string(ee.Kind), Message: ee.Message, Timestamp: ee.Timestamp}
	}
	return &ipc.WireError{Message: err.Error()}
}
