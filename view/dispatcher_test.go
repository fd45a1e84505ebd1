package view

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/ipc"
)

// fakeAuthority plays the authoritative side of the protocol against an
// InMemoryTransport, acking every dispatch at version 1 and completing
// every thunk immediately - enough surface to exercise ViewDispatcher's
// wire handling without pulling in the whole authority package.
func fakeAuthority(t *testing.T, transport *ipc.InMemoryTransport) {
	t.Helper()
	go func() {
		var out ipc.Sequencer
		ctx := context.Background()
		send := func(kind ipc.Kind, body interface{}) {
			env, err := ipc.NewEnvelope(kind, body)
			require.NoError(t, err)
			env = out.NextOutbound(env)
			_ = transport.Send(ctx, env)
		}
		for {
			env, err := transport.Receive(ctx)
			if err != nil {
				return
			}
			switch env.Kind {
			case ipc.KindDispatch, ipc.KindDispatchBatch:
				var body ipc.DispatchBody
				require.NoError(t, env.Decode(&body))
				for _, a := range body.Actions {
					send(ipc.KindDispatchAck, ipc.DispatchAckBody{ActionID: a.ID, Version: 1})
					send(ipc.KindStateUpdate, ipc.StateUpdateBody{
						UpdateID: "u-" + a.ID, Version: 1,
						Slice: map[string]interface{}{"counter": 1},
					})
				}
			case ipc.KindStateUpdateAck:
				// no-op
			case ipc.KindRegisterThunk:
				var body ipc.RegisterThunkBody
				require.NoError(t, env.Decode(&body))
				send(ipc.KindRegisterThunkAck, ipc.RegisterThunkAckBody{ThunkID: body.ThunkID, RootID: body.ThunkID})
			case ipc.KindCompleteThunk:
				var body ipc.CompleteThunkBody
				require.NoError(t, env.Decode(&body))
				send(ipc.KindThunkState, ipc.ThunkStateBody{ThunkID: body.ThunkID, State: "completed", FullyComplete: true})
			case ipc.KindGetState:
				send(ipc.KindGetStateReply, ipc.GetStateReplyBody{Slice: map[string]interface{}{"counter": 0}, Version: 0})
			}
		}
	}()
}

func testConfig() core.Config {
	cfg := *core.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func TestViewDispatcher_DispatchActionResolvesWithMirrorState(t *testing.T) {
	viewSide, authSide := ipc.NewInMemoryLink(16)
	fakeAuthority(t, authSide)

	d := NewViewDispatcher(1, viewSide, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	result, err := d.Dispatch(context.Background(), "COUNTER:INCREMENT")
	require.NoError(t, err)

	state, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(1), state["counter"])
	require.Equal(t, int64(1), d.Mirror().Version())
}

func TestViewDispatcher_DispatchThunkRunsAndCompletes(t *testing.T) {
	viewSide, authSide := ipc.NewInMemoryLink(16)
	fakeAuthority(t, authSide)

	d := NewViewDispatcher(2, viewSide, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var sawState interface{}
	fn := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		sawState = getState()
		return "done", nil
	})

	result, err := d.Dispatch(context.Background(), fn)
	require.NoError(t, err)
	require.Equal(t, "done", result)
	require.NotNil(t, sawState)
}

func TestViewDispatcher_DispatchAfterThunkResolvedIsRejected(t *testing.T) {
	viewSide, authSide := ipc.NewInMemoryLink(16)
	fakeAuthority(t, authSide)

	d := NewViewDispatcher(4, viewSide, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var lateDispatch action.DispatchFunc
	fn := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		lateDispatch = dispatch
		return "done", nil
	})

	result, err := d.Dispatch(context.Background(), fn)
	require.NoError(t, err)
	require.Equal(t, "done", result)

	// fn has already returned by the time Dispatch resolves; a dispatch
	// reaching this closure now (e.g. from a goroutine fn spawned and
	// didn't wait on) must be refused before touching the wire.
	_, err = lateDispatch(context.Background(), "COUNTER:INCREMENT")
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrDispatchAfterResolve)
	require.True(t, core.IsStateError(err))
}

func TestViewDispatcher_GetStateResetsMirror(t *testing.T) {
	viewSide, authSide := ipc.NewInMemoryLink(16)
	fakeAuthority(t, authSide)

	d := NewViewDispatcher(3, viewSide, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	queryCtx, queryCancel := context.WithTimeout(context.Background(), time.Second)
	defer queryCancel()
	state, version, err := d.GetState(queryCtx)
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
	require.Equal(t, float64(0), state["counter"])
}

// A silent authoritative side (connected, never acking) must reject the
// dispatch with the configured acknowledgement deadline, not hang.
func TestViewDispatcher_DispatchTimesOutWithoutAck(t *testing.T) {
	viewSide, _ := ipc.NewInMemoryLink(16)

	cfg := testConfig()
	cfg.ActionCompletionTimeoutMs = 50
	d := NewViewDispatcher(4, viewSide, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), "COUNTER:INCREMENT")
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrActionTimeout)
	require.Less(t, time.Since(start), time.Second)
}
