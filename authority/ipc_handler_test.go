package authority

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/ipc"
	"github.com/itsneelabh/bridge/view"
)

// wireEngine assembles a full authoritative stack (state/subscription/
// thunk/scheduler/executor/IpcHandler) the way a host process would,
// with the one indirection the constructors force: ActionExecutor needs
// a Sender before IpcHandler exists to provide SendStateUpdate, and
// IpcHandler needs the scheduler the executor feeds.
func wireEngine(store Store) *IpcHandler {
	stateMgr := NewStateManager(store, nil)
	subMgr := NewSubscriptionManager()
	updates := NewUpdateStore()
	thunkMgr := NewThunkManager(nil)

	var handler *IpcHandler
	send := func(viewID int64, u *action.StateUpdate) { handler.SendStateUpdate(viewID, u) }
	exec := NewActionExecutor(stateMgr, subMgr, updates, thunkMgr, send, nil)
	sched := NewActionScheduler(context.Background(), 100, thunkMgr, exec, nil, nil)
	handler = NewIpcHandler(sched, thunkMgr, subMgr, updates, stateMgr, nil)
	return handler
}

// TestIpcHandler_EndToEndDispatchOverWire exercises the real wire
// boundary: an authority.IpcHandler on one end of an in-memory link, a
// view.ViewDispatcher on the other, exactly as they run across a real
// process boundary (spec.md §4.1-§4.5).
func TestIpcHandler_EndToEndDispatchOverWire(t *testing.T) {
	handler := wireEngine(counterStore{})

	viewSide, authSide := ipc.NewInMemoryLink(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handler.Connect(ctx, 1, authSide)

	cfg := *core.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	d := view.NewViewDispatcher(1, viewSide, cfg, nil, nil)
	go d.Run(ctx)
	defer d.Close(context.Background())

	result, err := d.Dispatch(context.Background(), "COUNTER:DOUBLE")
	require.NoError(t, err)
	state, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 4, state["counter"])

	result, err = d.Dispatch(context.Background(), "COUNTER:INCREMENT")
	require.NoError(t, err)
	state = result.(map[string]interface{})
	require.EqualValues(t, 5, state["counter"])
}

// TestIpcHandler_EndToEndThunkOverWire drives a view-sourced thunk across
// the wire: RegisterThunk/ack, nested dispatch-and-wait, CompleteThunk,
// and the ThunkState(FullyComplete) push that Dispatch's thunk path
// actually blocks on.
func TestIpcHandler_EndToEndThunkOverWire(t *testing.T) {
	handler := wireEngine(counterStore{})

	viewSide, authSide := ipc.NewInMemoryLink(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handler.Connect(ctx, 1, authSide)

	cfg := *core.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	d := view.NewViewDispatcher(1, viewSide, cfg, nil, nil)
	go d.Run(ctx)
	defer d.Close(context.Background())

	thunk := func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		if _, err := dispatch(ctx, "COUNTER:DOUBLE"); err != nil {
			return nil, err
		}
		if _, err := dispatch(ctx, "COUNTER:DOUBLE"); err != nil {
			return nil, err
		}
		state := getState()
		return state.(map[string]interface{})["counter"], nil
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	result, err := d.Dispatch(dctx, action.ThunkFunc(thunk))
	require.NoError(t, err)
	require.EqualValues(t, 8, result)
}

// countingTransport wraps an ipc.Transport, counting inbound envelopes by
// Kind, for asserting on wire traffic the production types otherwise
// hide (spec.md §4.1's batching reduction is only observable on the
// wire - both sides, by design, only ever see individual actions).
type countingTransport struct {
	ipc.Transport
	mu     sync.Mutex
	counts map[ipc.Kind]int
}

func newCountingTransport(t ipc.Transport) *countingTransport {
	return &countingTransport{Transport: t, counts: make(map[ipc.Kind]int)}
}

func (c *countingTransport) Receive(ctx context.Context) (ipc.Envelope, error) {
	env, err := c.Transport.Receive(ctx)
	if err == nil {
		c.mu.Lock()
		c.counts[env.Kind]++
		c.mu.Unlock()
	}
	return env, err
}

func (c *countingTransport) count(k ipc.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[k]
}

// TestIpcHandler_BatchingReductionOverWire is spec.md §8 scenario 6:
// twenty synchronous dispatches within one view-side thunk arrive at
// the authoritative side as at most five batches (16ms window,
// maxBatchSize 10), and the final counter value reflects all twenty.
func TestIpcHandler_BatchingReductionOverWire(t *testing.T) {
	handler := wireEngine(counterStore{})

	viewSide, authSide := ipc.NewInMemoryLink(64)
	counting := newCountingTransport(authSide)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handler.Connect(ctx, 1, counting)

	cfg := *core.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	require.Equal(t, 16, cfg.Batching.WindowMs)
	require.Equal(t, 10, cfg.Batching.MaxBatchSize)
	d := view.NewViewDispatcher(1, viewSide, cfg, nil, nil)
	go d.Run(ctx)
	defer d.Close(context.Background())

	thunk := func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = dispatch(ctx, "COUNTER:INCREMENT")
			}()
		}
		wg.Wait()
		state := getState()
		return state.(map[string]interface{})["counter"], nil
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	result, err := d.Dispatch(dctx, action.ThunkFunc(thunk))
	require.NoError(t, err)
	require.EqualValues(t, 22, result, "counter starts at 2; twenty increments land exactly once each")

	batches := counting.count(ipc.KindDispatchBatch) + counting.count(ipc.KindDispatch)
	require.LessOrEqual(t, batches, 5, "twenty dispatches must coalesce into at most five wire messages")
}
