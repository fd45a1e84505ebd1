// ViewDispatcher is the view-side mirror image of
// authority/ipc_handler.go: the same demultiplex-by-Kind receive loop
// wrapped in ipc.LoggingMiddleware, but routing the other four message
// families (acks and pushes, not requests) and driving LocalMirror /
// PendingActionRegistry / ActionBatcher instead of the scheduler/thunk
// graph.
package view

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/ipc"
	"github.com/itsneelabh/bridge/resilience"
	"github.com/itsneelabh/bridge/telemetry"
)

// ViewDispatcher is the public entry point for a view process: it
// normalises dispatch input, assigns identities, runs local thunks, and
// forwards to the authoritative side via ActionBatcher (spec.md §4.1).
type ViewDispatcher struct {
	viewID    int64
	transport ipc.Transport
	out       ipc.Sequencer
	in        ipc.Sequencer
	cfg       core.Config
	logger    core.Logger
	telemetry core.Telemetry

	mirror   *LocalMirror
	pending  *PendingActionRegistry
	batcher  *ActionBatcher
	breaker  core.CircuitBreaker

	mu       sync.Mutex
	closed   bool
	doneCh   chan struct{}

	// Administrative query replies. These three kinds are request/reply
	// with no wire-level correlation id (spec.md §4.8); this engine's
	// view processes are single-threaded cooperative, so one
	// outstanding request per kind at a time is sufficient and each
	// gets its own single-slot channel.
	getStateCh    chan ipc.GetStateReplyBody
	windowSubsCh  chan ipc.GetWindowSubscriptionsReplyBody
	thunkStateCh  chan ipc.GetThunkStateReplyBody
}

// NewViewDispatcher wires a dispatcher against a connected transport.
// Callers are expected to run Run in its own goroutine and Close it on
// shutdown.
func NewViewDispatcher(viewID int64, t ipc.Transport, cfg core.Config, logger core.Logger, telemetry core.Telemetry) *ViewDispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	d := &ViewDispatcher{
		viewID:    viewID,
		transport: t,
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
		mirror:    NewLocalMirror(),
		pending:   NewPendingActionRegistry(cfg.MaxQueueSize),
		breaker:   resilience.NewCircuitBreaker("view-ipc-send", cfg.CircuitBreaker, logger),
		doneCh:    make(chan struct{}),
		getStateCh:   make(chan ipc.GetStateReplyBody, 1),
		windowSubsCh: make(chan ipc.GetWindowSubscriptionsReplyBody, 1),
		thunkStateCh: make(chan ipc.GetThunkStateReplyBody, 1),
	}
	d.batcher = NewActionBatcher(cfg.Batching.WindowMs, cfg.Batching.MaxBatchSize, d.sendBatch, logger)
	return d
}

// Mirror exposes the dispatcher's LocalMirror for read-only inspection
// (e.g. rendering) outside of a thunk's getState binding.
func (d *ViewDispatcher) Mirror() *LocalMirror { return d.mirror }

// Run starts the receive loop; it blocks until the transport closes or
// ctx is cancelled.
func (d *ViewDispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)
	handle := ipc.LoggingMiddleware(d.logger, d.cfg.Development.DebugLogging, 50*time.Millisecond)(d.handle)
	for {
		env, err := d.transport.Receive(ctx)
		if err != nil {
			d.pending.Abandon()
			return
		}
		if !d.in.ValidateInbound(env) {
			d.logger.Warn("sequence gap from authority", map[string]interface{}{"view_id": d.viewID, "seq": env.Seq})
		}
		if err := handle(ctx, env); err != nil {
			d.logger.Error("failed handling inbound message", map[string]interface{}{
				"view_id": d.viewID, "kind": string(env.Kind), "error": err.Error(),
			})
		}
	}
}

// Close flushes any buffered batch and releases resources. Dispatch
// calls still in flight resolve with core.ErrViewGone once the
// transport's Receive unblocks with an error.
func (d *ViewDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.batcher.Stop(ctx)
	return d.transport.Close()
}

func (d *ViewDispatcher) handle(ctx context.Context, env ipc.Envelope) error {
	switch env.Kind {
	case ipc.KindDispatchAck:
		return d.handleDispatchAck(env)
	case ipc.KindRegisterThunkAck:
		return d.handleRegisterThunkAck(env)
	case ipc.KindThunkState:
		return d.handleThunkState(env)
	case ipc.KindStateUpdate:
		return d.handleStateUpdate(ctx, env)
	case ipc.KindGetStateReply:
		return d.handleGetStateReply(env)
	case ipc.KindGetWindowSubscriptionsReply:
		return d.handleGetWindowSubscriptionsReply(env)
	case ipc.KindGetThunkStateReply:
		return d.handleGetThunkStateReply(env)
	default:
		return core.NewEngineError(core.KindIpcCommunication, "ViewDispatcher.handle",
			"unrecognised message kind", core.ErrSendFailed, core.ErrorContext{ViewID: d.viewID})
	}
}

func (d *ViewDispatcher) handleDispatchAck(env ipc.Envelope) error {
	var body ipc.DispatchAckBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	d.pending.ResolveAction(body.ActionID, body.Version, fromWireError(body.Error))
	return nil
}

func (d *ViewDispatcher) handleRegisterThunkAck(env ipc.Envelope) error {
	var body ipc.RegisterThunkAckBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	d.pending.ResolveThunkAck(body.ThunkID, 0, fromWireError(body.Error))
	return nil
}

func (d *ViewDispatcher) handleThunkState(env ipc.Envelope) error {
	var body ipc.ThunkStateBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	if body.FullyComplete {
		d.pending.ResolveThunkDone(body.ThunkID, fromWireError(body.Error))
	}
	return nil
}

func (d *ViewDispatcher) handleStateUpdate(ctx context.Context, env ipc.Envelope) error {
	var body ipc.StateUpdateBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	slice, _ := body.Slice.(map[string]interface{})
	if slice == nil {
		slice = map[string]interface{}{}
	}
	d.mirror.Apply(body.Version, slice)
	d.sendControl(ctx, ipc.KindStateUpdateAck, ipc.StateUpdateAckBody{UpdateID: body.UpdateID, ViewID: d.viewID})
	return nil
}

func (d *ViewDispatcher) handleGetStateReply(env ipc.Envelope) error {
	var body ipc.GetStateReplyBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	slice, _ := body.Slice.(map[string]interface{})
	d.mirror.Reset(slice, body.Version)
	select {
	case d.getStateCh <- body:
	default:
	}
	return nil
}

func (d *ViewDispatcher) handleGetWindowSubscriptionsReply(env ipc.Envelope) error {
	var body ipc.GetWindowSubscriptionsReplyBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	select {
	case d.windowSubsCh <- body:
	default:
	}
	return nil
}

func (d *ViewDispatcher) handleGetThunkStateReply(env ipc.Envelope) error {
	var body ipc.GetThunkStateReplyBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	select {
	case d.thunkStateCh <- body:
	default:
	}
	return nil
}

// GetState requests a fresh authoritative snapshot, applies it to the
// mirror (Reset, not Apply - a get-state reply is a full snapshot, not
// an incremental slice), and returns it. Used on (re)connect instead of
// waiting to converge via incremental state-update messages.
func (d *ViewDispatcher) GetState(ctx context.Context) (map[string]interface{}, int64, error) {
	d.sendControl(ctx, ipc.KindGetState, ipc.GetStateBody{})
	select {
	case body := <-d.getStateCh:
		slice, _ := body.Slice.(map[string]interface{})
		return slice, body.Version, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// GetWindowSubscriptions reports this view's current subscription.
func (d *ViewDispatcher) GetWindowSubscriptions(ctx context.Context) (wildcard bool, keys []string, err error) {
	d.sendControl(ctx, ipc.KindGetWindowSubscriptions, struct{}{})
	select {
	case body := <-d.windowSubsCh:
		return body.Wildcard, body.Keys, nil
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

// GetThunkState queries the authoritative side for a thunk's current
// lifecycle state, mainly useful for debugging/diagnostics tooling.
func (d *ViewDispatcher) GetThunkState(ctx context.Context, thunkID string) (state, rootID string, err error) {
	d.sendControl(ctx, ipc.KindGetThunkState, ipc.GetThunkStateBody{ThunkID: thunkID})
	select {
	case body := <-d.thunkStateCh:
		return body.State, body.RootID, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// Dispatch is the single entry point described in spec.md §4.1: input
// is a zero-payload action type name, an *action.Action envelope
// (Payload already set by the caller), or a ThunkFunc.
func (d *ViewDispatcher) Dispatch(ctx context.Context, input interface{}) (interface{}, error) {
	ctx, span := d.telemetry.StartSpan(ctx, "ViewDispatcher.Dispatch")
	defer span.End()
	ctx = telemetry.WithBaggage(ctx, "view_id", strconv.FormatInt(d.viewID, 10))

	start := time.Now()
	result, err := d.dispatch(ctx, input, "")
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		span.RecordError(err)
	} else {
		telemetry.AddSpanEvent(ctx, "dispatch.resolved")
	}
	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.EmitWithContext(ctx, "view.dispatch.duration_ms", float64(time.Since(start).Milliseconds()))
	}
	return result, err
}

func (d *ViewDispatcher) dispatch(ctx context.Context, input interface{}, parentThunkID string) (interface{}, error) {
	switch v := input.(type) {
	case string:
		return d.dispatchAction(ctx, action.NewAction(v, nil), parentThunkID)
	case *action.Action:
		return d.dispatchAction(ctx, v, parentThunkID)
	case action.ThunkFunc:
		return d.dispatchThunk(ctx, v, parentThunkID)
	default:
		return nil, core.NewEngineError(core.KindActionProcessing, "ViewDispatcher.Dispatch",
			"input must be a string action type, *action.Action, or action.ThunkFunc",
			core.ErrInvalidDispatchInput, core.ErrorContext{ViewID: d.viewID})
	}
}

func (d *ViewDispatcher) dispatchAction(ctx context.Context, a *action.Action, parentThunkID string) (interface{}, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.SourceViewID = d.viewID
	a.ParentThunkID = parentThunkID
	if telemetry.HasTraceContext(ctx) {
		tc := telemetry.GetTraceContext(ctx)
		a.TraceID = tc.TraceID
		a.ParentSpanID = tc.SpanID
	}
	telemetry.SetSpanAttributes(ctx,
		attribute.String("action_id", a.ID),
		attribute.String("action_type", a.Type),
	)

	if err := d.pending.RegisterAction(a.ID); err != nil {
		return nil, err
	}

	maxDepth := d.cfg.Serialization.MaxDepth
	wa := ipc.DispatchAction{
		Type: a.Type, Payload: action.Sanitize(a.Payload, maxDepth), ID: a.ID,
		SourceViewID: a.SourceViewID, ParentThunkID: a.ParentThunkID,
		BypassThunkLock: a.BypassThunkLock, BypassAccessControl: a.BypassAccessControl,
		Keys: a.Keys, Priority: a.Priority, TraceID: a.TraceID, ParentSpanID: a.ParentSpanID,
	}
	d.batcher.Enqueue(wa)

	wctx, cancel := d.ackDeadline(ctx)
	defer cancel()
	version, err := d.pending.WaitAction(wctx, a.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = core.NewEngineError(core.KindIpcCommunication, "ViewDispatcher.dispatchAction",
				"acknowledgement deadline expired", core.ErrActionTimeout,
				core.ErrorContext{ActionID: a.ID, ViewID: d.viewID})
		}
		telemetry.SetSpanStatus(ctx, codes.Error, err.Error())
		d.logger.ErrorWithContext(ctx, "dispatch did not resolve", map[string]interface{}{
			"action_id": a.ID, "action_type": a.Type, "error": err.Error(),
			"baggage": telemetry.GetBaggage(ctx),
		})
		return nil, err
	}

	waitCh := d.mirror.subscribe(version)
	select {
	case <-waitCh:
	case <-wctx.Done():
		d.mirror.unsubscribe(waitCh)
		if errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, core.NewEngineError(core.KindIpcCommunication, "ViewDispatcher.dispatchAction",
				"state update did not reach the mirror before the deadline", core.ErrActionTimeout,
				core.ErrorContext{ActionID: a.ID, ViewID: d.viewID})
		}
		return nil, wctx.Err()
	}

	state, _ := d.mirror.Snapshot()
	return state, nil
}

func (d *ViewDispatcher) dispatchThunk(ctx context.Context, fn action.ThunkFunc, parentThunkID string) (interface{}, error) {
	thunkID := uuid.NewString()
	if err := d.pending.RegisterThunkAck(thunkID); err != nil {
		return nil, err
	}
	body := ipc.RegisterThunkBody{ThunkID: thunkID, SourceViewID: d.viewID, ParentID: parentThunkID}
	if telemetry.HasTraceContext(ctx) {
		tc := telemetry.GetTraceContext(ctx)
		body.TraceID = tc.TraceID
		body.ParentSpanID = tc.SpanID
	}
	d.sendControl(ctx, ipc.KindRegisterThunk, body)
	if _, err := d.pending.WaitThunkAck(ctx, thunkID); err != nil {
		return nil, err
	}

	if err := d.pending.RegisterThunkDone(thunkID); err != nil {
		return nil, err
	}

	getState := func() interface{} {
		state, _ := d.mirror.Snapshot()
		return state
	}
	var resolved atomic.Bool
	innerDispatch := func(ctx context.Context, input interface{}) (interface{}, error) {
		if resolved.Load() {
			return nil, core.NewEngineError(core.KindThunkExecution, "ViewDispatcher.dispatchThunk",
				action.ThunkErrorProtocolViolation+": dispatch called after thunk function returned",
				core.ErrDispatchAfterResolve, core.ErrorContext{ThunkID: thunkID, ViewID: d.viewID})
		}
		return d.dispatch(ctx, input, thunkID)
	}

	result, fnErr := runThunkSafely(ctx, fn, getState, innerDispatch)
	resolved.Store(true)

	completeBody := ipc.CompleteThunkBody{ThunkID: thunkID, Result: action.Sanitize(result, d.cfg.Serialization.MaxDepth)}
	if fnErr != nil {
		completeBody.Error = &ipc.WireError{Message: fnErr.Error()}
	}
	d.sendControl(ctx, ipc.KindCompleteThunk, completeBody)

	wctx, cancel := d.ackDeadline(ctx)
	defer cancel()
	if err := d.pending.WaitThunkDone(wctx, thunkID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = core.NewEngineError(core.KindThunkExecution, "ViewDispatcher.dispatchThunk",
				"thunk did not reach fully complete before the deadline", core.ErrThunkTimeout,
				core.ErrorContext{ThunkID: thunkID, ViewID: d.viewID})
		}
		return result, err
	}
	return result, fnErr
}

// ackDeadline bounds a settlement wait by the configured per-action
// acknowledgement deadline (spec.md §5), composed with whatever
// deadline the caller's ctx already carries.
func (d *ViewDispatcher) ackDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(d.cfg.ActionCompletionTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// runThunkSafely recovers a panicking thunk function, converting it into
// a ThunkError the way authority's ActionExecutor recovers a panicking
// action handler (spec.md §7: THUNK_PANIC).
func runThunkSafely(ctx context.Context, fn action.ThunkFunc, getState action.GetStateFunc, dispatch action.DispatchFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = action.NewThunkError(action.ThunkErrorPanic, "thunk function panicked", core.ErrThunkPanicked)
		}
	}()
	return fn(ctx, getState, dispatch)
}

// Subscribe requests the authoritative side change this view's
// subscription to keys (or wildcard, when keys is empty), mediated as a
// control action per spec.md §3.
func (d *ViewDispatcher) Subscribe(ctx context.Context, keys ...string) (interface{}, error) {
	payload := action.SubscriptionPayload{Wildcard: len(keys) == 0, Keys: keys}
	return d.dispatchAction(ctx, action.NewAction(action.ControlSubscribeType, payload), "")
}

// Unsubscribe requests removal of keys from this view's subscription.
func (d *ViewDispatcher) Unsubscribe(ctx context.Context, keys ...string) (interface{}, error) {
	payload := action.SubscriptionPayload{Keys: keys}
	return d.dispatchAction(ctx, action.NewAction(action.ControlUnsubscribeType, payload), "")
}

// sendBatch is the ActionBatcher's send callback: it wraps the buffered
// actions in a single dispatch-batch envelope (or dispatch, for a
// solitary action) and pushes it through the circuit-breaker-guarded
// send path.
func (d *ViewDispatcher) sendBatch(actions []ipc.DispatchAction) {
	if len(actions) == 0 {
		return
	}
	kind := ipc.KindDispatchBatch
	if len(actions) == 1 {
		kind = ipc.KindDispatch
	}
	d.send(context.Background(), kind, ipc.DispatchBody{Actions: actions})
}

// sendControl sends a thunk-control or ack message directly, bypassing
// the batcher entirely (spec.md §4.6: "not thunk control messages").
func (d *ViewDispatcher) sendControl(ctx context.Context, kind ipc.Kind, body interface{}) {
	d.send(ctx, kind, body)
}

func (d *ViewDispatcher) send(ctx context.Context, kind ipc.Kind, body interface{}) {
	env, err := ipc.NewEnvelope(kind, body)
	if err != nil {
		d.logger.Error("failed to encode outbound envelope", map[string]interface{}{"kind": string(kind), "error": err.Error()})
		return
	}
	env = d.out.NextOutbound(env)

	sendErr := resilience.Retry(ctx, d.cfg.Retry, func() error {
		return d.breaker.Execute(ctx, func() error {
			return d.transport.Send(ctx, env)
		})
	})
	if sendErr != nil {
		d.logger.Error("failed to send to authority", map[string]interface{}{"view_id": d.viewID, "kind": string(kind), "error": sendErr.Error()})
	}
}

func fromWireError(we *ipc.WireError) error {
	if we == nil {
		return nil
	}
	return core.NewEngineError(core.ErrorKind(we.Kind), "", we.Message, core.ErrActionHandlerError, core.ErrorContext{})
}
