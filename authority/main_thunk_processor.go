package authority

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

// ExecuteThunkOptions configures a root-level or nested thunk run.
type ExecuteThunkOptions struct {
	// Parent is set when this thunk is being spawned from inside
	// another thunk's user function (a nested dispatch of a
	// action.ThunkFunc rather than a plain action).
	Parent *action.Thunk
}

// MainThunkProcessor runs thunk functions originating on the
// authoritative side itself (as opposed to thunks requested by a view).
// It gives the user function the same getState/dispatch contract a
// view-originated thunk gets, so application code cannot tell which
// side initiated it.
type MainThunkProcessor struct {
	thunkMgr  *ThunkManager
	scheduler *ActionScheduler
	stateMgr  *StateManager
	logger    core.Logger
}

// NewMainThunkProcessor wires a processor against its dependencies.
func NewMainThunkProcessor(thunkMgr *ThunkManager, scheduler *ActionScheduler, stateMgr *StateManager, logger core.Logger) *MainThunkProcessor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MainThunkProcessor{thunkMgr: thunkMgr, scheduler: scheduler, stateMgr: stateMgr, logger: logger}
}

type actionOutcome struct {
	version int64
	err     error
}

// ExecuteThunk registers fn as a new thunk, runs it in its own
// goroutine, and blocks until it (and every action and sub-thunk it
// spawned) has fully drained and been garbage collected. The returned
// value is the user function's result, or its error.
func (p *MainThunkProcessor) ExecuteThunk(ctx context.Context, fn action.ThunkFunc, opts ExecuteThunkOptions) (interface{}, error) {
	t := action.NewThunk(fn, action.SourceAuthoritative, 0, opts.Parent)
	if opts.Parent != nil {
		t.TraceID = opts.Parent.TraceID
		t.ParentSpanID = opts.Parent.ParentSpanID
	}
	if err := p.thunkMgr.Register(t); err != nil {
		return nil, err
	}

	getState := func() interface{} {
		state, _ := p.stateMgr.GetState()
		return state
	}
	var resolved atomic.Bool
	dispatch := p.dispatchFor(t, &resolved)

	done := p.thunkMgr.NotifyOnDone(t.ID)
	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)

	go func() {
		result, err := p.runFn(ctx, t, fn, getState, dispatch)
		resolved.Store(true)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
		if err != nil {
			p.thunkMgr.Fail(t.ID, toThunkError(err))
		} else {
			p.thunkMgr.Complete(t.ID, result)
		}
	}()

	select {
	case <-done:
		outcome := <-resultCh
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *MainThunkProcessor) runFn(ctx context.Context, t *action.Thunk, fn action.ThunkFunc, getState action.GetStateFunc, dispatch action.DispatchFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thunk panicked: %v", r)
		}
	}()
	return fn(ctx, getState, dispatch)
}

// dispatchFor returns the dispatch closure bound to thunk t, accepting
// a string action type, a *action.Action, or a nested action.ThunkFunc
// (SPEC_FULL.md §9's string/envelope/thunk tagged union). resolved is
// flipped once t's user function has returned (SPEC_FULL.md §D.1): any
// dispatch reaching the closure afterwards - typically from a goroutine
// the user function spawned and didn't wait on - is refused before it
// can reach the scheduler.
func (p *MainThunkProcessor) dispatchFor(t *action.Thunk, resolved *atomic.Bool) action.DispatchFunc {
	return func(ctx context.Context, input interface{}) (interface{}, error) {
		if resolved.Load() {
			return nil, core.NewEngineError(core.KindThunkExecution, "MainThunkProcessor.dispatch",
				action.ThunkErrorProtocolViolation+": dispatch called after thunk function returned",
				core.ErrDispatchAfterResolve, core.ErrorContext{ThunkID: t.ID})
		}
		switch v := input.(type) {
		case action.ThunkFunc:
			return p.ExecuteThunk(ctx, v, ExecuteThunkOptions{Parent: t})
		case *action.Action:
			return p.dispatchAction(ctx, t, v)
		case string:
			return p.dispatchAction(ctx, t, action.NewAction(v, nil))
		default:
			return nil, core.NewEngineError(core.KindActionProcessing, "MainThunkProcessor.dispatch",
				"unrecognised dispatch input", core.ErrInvalidDispatchInput, core.ErrorContext{ThunkID: t.ID})
		}
	}
}

func (p *MainThunkProcessor) dispatchAction(ctx context.Context, t *action.Thunk, a *action.Action) (interface{}, error) {
	a.ParentThunkID = t.ID
	a.SourceViewID = 0
	if a.TraceID == "" {
		a.TraceID = t.TraceID
		a.ParentSpanID = t.ParentSpanID
	}

	ch := make(chan actionOutcome, 1)
	qa := &action.QueuedAction{
		Action: a,
		OnComplete: func(version int64, err error) {
			ch <- actionOutcome{version: version, err: err}
		},
	}
	if err := p.scheduler.Enqueue(qa); err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		state, _ := p.stateMgr.GetState()
		return state, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func toThunkError(err error) *action.ThunkError {
	if ee, ok := err.(*core.EngineError); ok {
		return action.NewThunkError(action.ThunkErrorExecutionError, ee.Message, ee)
	}
	return action.NewThunkError(action.ThunkErrorExecutionError, err.Error(), err)
}
