package authority

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

// testEngine wires the full authoritative-side stack (StateManager,
// SubscriptionManager, ThunkManager, ActionScheduler, ActionExecutor,
// MainThunkProcessor) with no ipc/IpcHandler layer, enough surface to
// exercise the end-to-end ordering scenarios spec.md §8 seeds the suite
// with.
type testEngine struct {
	stateMgr  *StateManager
	subMgr    *SubscriptionManager
	thunkMgr  *ThunkManager
	sched     *ActionScheduler
	mainProc  *MainThunkProcessor
}

func newTestEngine(send Sender) *testEngine {
	return buildTestEngine(counterStore{}, []int64{1}, send)
}

// buildTestEngine assembles the stack with a Sender that, after
// invoking the test's own spy, immediately acknowledges the update on
// behalf of the recipient view - the ack a connected ViewDispatcher
// would send back over ipc (ipc_handler_test.go drives that real
// path). Without the ack, a thunk's pendingUpdates would never drain
// and ExecuteThunk would block forever.
func buildTestEngine(store Store, viewIDs []int64, send Sender) *testEngine {
	stateMgr := NewStateManager(store, nil)
	subMgr := NewSubscriptionManager()
	for _, id := range viewIDs {
		subMgr.Subscribe(id, nil)
	}
	updates := NewUpdateStore()
	thunkMgr := NewThunkManager(nil)
	ack := func(viewID int64, u *action.StateUpdate) {
		if send != nil {
			send(viewID, u)
		}
		updates.Acknowledge(u.UpdateID, viewID)
		thunkMgr.AcknowledgeUpdate(u.UpdateID, viewID)
	}
	exec := NewActionExecutor(stateMgr, subMgr, updates, thunkMgr, ack, nil)
	sched := NewActionScheduler(context.Background(), 100, thunkMgr, exec, nil, nil)
	mainProc := NewMainThunkProcessor(thunkMgr, sched, stateMgr, nil)
	return &testEngine{stateMgr: stateMgr, subMgr: subMgr, thunkMgr: thunkMgr, sched: sched, mainProc: mainProc}
}

// TestEngine_SequentialDoublingThunk is spec.md §8 scenario 1: a thunk
// doing set counter*2, set counter*2, set counter/2 against an initial
// counter of 2 must produce the observed version sequence 4, 8, 4 and
// resolve with {counter: 4}.
func TestEngine_SequentialDoublingThunk(t *testing.T) {
	var mu sync.Mutex
	var seen []interface{}
	send := func(viewID int64, u *action.StateUpdate) {
		mu.Lock()
		seen = append(seen, u.Slice.(map[string]interface{})["counter"])
		mu.Unlock()
	}
	e := newTestEngine(send)

	fn := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		if _, err := dispatch(ctx, action.NewAction("COUNTER:DOUBLE", nil)); err != nil {
			return nil, err
		}
		if _, err := dispatch(ctx, action.NewAction("COUNTER:DOUBLE", nil)); err != nil {
			return nil, err
		}
		return dispatch(ctx, action.NewAction("COUNTER:HALVE", nil))
	})

	result, err := e.mainProc.ExecuteThunk(context.Background(), fn, ExecuteThunkOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"counter": 4}, result)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []interface{}{4, 8, 4}, seen)
}

// TestEngine_SameWindowInterleave is spec.md §8 scenario 2: a bare
// INCREMENT dispatched mid-thunk (after counter=4 is first observed,
// i.e. right after the thunk's first action) must not interleave with
// the thunk's own remaining actions - it only runs once the thunk's
// root has drained - and the final sequence is 4, 8, 4, 5.
func TestEngine_SameWindowInterleave(t *testing.T) {
	var mu sync.Mutex
	var seen []interface{}
	var once sync.Once
	incDone := make(chan struct{})
	e := &testEngine{}
	*e = *newTestEngine(func(viewID int64, u *action.StateUpdate) {
		mu.Lock()
		counter := u.Slice.(map[string]interface{})["counter"]
		seen = append(seen, counter)
		mu.Unlock()
		if counter == 4 {
			once.Do(func() {
				qa := &action.QueuedAction{
					Action: &action.Action{ID: "inc1", Type: "COUNTER:INCREMENT", SourceViewID: 1},
					OnComplete: func(version int64, err error) {
						close(incDone)
					},
				}
				_ = e.sched.Enqueue(qa)
			})
		}
	})

	fn := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		if _, err := dispatch(ctx, action.NewAction("COUNTER:DOUBLE", nil)); err != nil {
			return nil, err
		}
		if _, err := dispatch(ctx, action.NewAction("COUNTER:DOUBLE", nil)); err != nil {
			return nil, err
		}
		return dispatch(ctx, action.NewAction("COUNTER:HALVE", nil))
	})

	result, err := e.mainProc.ExecuteThunk(context.Background(), fn, ExecuteThunkOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"counter": 4}, result)

	select {
	case <-incDone:
	case <-time.After(time.Second):
		t.Fatal("increment never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []interface{}{4, 8, 4, 5}, seen)
}

// TestEngine_CrossTreeLockDefersUnrelatedThunk is spec.md §8 scenario 3:
// a second thunk tree with no key declarations must not run any of its
// actions until the first thunk's root has fully completed.
func TestEngine_CrossTreeLockDefersUnrelatedThunk(t *testing.T) {
	store := &orderingStore{}
	e := newTestEngineWithStore(store, nil)

	thunkA := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		if _, err := dispatch(ctx, action.NewAction("A:STEP1", nil)); err != nil {
			return nil, err
		}
		time.Sleep(40 * time.Millisecond)
		if _, err := dispatch(ctx, action.NewAction("A:STEP2", nil)); err != nil {
			return nil, err
		}
		return "done-A", nil
	})
	thunkB := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		_, err := dispatch(ctx, action.NewAction("B:STEP1", nil))
		return "done-B", err
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.mainProc.ExecuteThunk(context.Background(), thunkA, ExecuteThunkOptions{})
		require.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond) // thunk A has started and dispatched STEP1, is now sleeping
	go func() {
		defer wg.Done()
		_, err := e.mainProc.ExecuteThunk(context.Background(), thunkB, ExecuteThunkOptions{})
		require.NoError(t, err)
	}()

	wg.Wait()
	require.Equal(t, []string{"A:STEP1", "A:STEP2", "B:STEP1"}, store.order())
}

// TestEngine_NonOverlappingKeysFastPath is spec.md §8 scenario 4: a
// view dispatching an action whose declared keys don't overlap a
// currently-executing thunk's declared keys is not deferred behind it.
func TestEngine_NonOverlappingKeysFastPath(t *testing.T) {
	store := &orderingStore{}
	e := newTestEngineWithStore(store, nil)

	keyedAction := func(actionType string) *action.Action {
		a := action.NewAction(actionType, nil)
		a.Keys = []string{"counter"}
		return a
	}
	counterThunk := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		if _, err := dispatch(ctx, keyedAction("COUNTER:STEP1")); err != nil {
			return nil, err
		}
		time.Sleep(40 * time.Millisecond) // still "in flight": the root lock stays held
		if _, err := dispatch(ctx, keyedAction("COUNTER:STEP2")); err != nil {
			return nil, err
		}
		return "done", nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.mainProc.ExecuteThunk(context.Background(), counterThunk, ExecuteThunkOptions{})
		require.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond) // the counter thunk is mid-sleep, lock still held
	themeDone := make(chan struct{})
	themeAction := &action.Action{ID: "theme1", Type: "THEME:TOGGLE", Keys: []string{"theme"}, SourceViewID: 2}
	require.NoError(t, e.sched.Enqueue(&action.QueuedAction{
		Action: themeAction,
		OnComplete: func(version int64, err error) {
			require.NoError(t, err)
			close(themeDone)
		},
	}))

	select {
	case <-themeDone:
	case <-time.After(time.Second):
		t.Fatal("non-overlapping-key action should not wait for the thunk to complete")
	}

	wg.Wait()
	order := store.order()
	require.Contains(t, order, "THEME:TOGGLE")
	require.Less(t, indexOf(order, "COUNTER:STEP1"), indexOf(order, "THEME:TOGGLE"),
		"theme toggle runs after the lock-seeding action")
	require.Less(t, indexOf(order, "THEME:TOGGLE"), indexOf(order, "COUNTER:STEP2"),
		"theme toggle interleaves before the thunk's second action completes its sleep")
}

// TestEngine_NestedThunks is spec.md §8 scenario 5: an inner thunk
// dispatched from within an outer thunk's user function is registered
// with parentId = outer, shares outer's root, and the outer thunk's
// promise only resolves once the inner thunk is fully complete.
func TestEngine_NestedThunks(t *testing.T) {
	store := &orderingStore{}
	e := newTestEngineWithStore(store, nil)

	var mu sync.Mutex
	var snapshots []struct{ id, parentID, rootID string }
	e.thunkMgr.OnStateChanged = func(t *action.Thunk) {
		mu.Lock()
		snapshots = append(snapshots, struct{ id, parentID, rootID string }{t.ID, t.ParentID, t.RootID})
		mu.Unlock()
	}

	outer := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		if _, err := dispatch(ctx, action.NewAction("OUTER:STEP1", nil)); err != nil {
			return nil, err
		}
		inner := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
			_, err := dispatch(ctx, action.NewAction("INNER:STEP1", nil))
			return "inner-done", err
		})
		innerResult, err := dispatch(ctx, inner)
		if err != nil {
			return nil, err
		}
		if _, err := dispatch(ctx, action.NewAction("OUTER:STEP2", nil)); err != nil {
			return nil, err
		}
		return innerResult, nil
	})

	result, err := e.mainProc.ExecuteThunk(context.Background(), outer, ExecuteThunkOptions{})
	require.NoError(t, err)
	require.Equal(t, "inner-done", result)
	require.Equal(t, []string{"OUTER:STEP1", "INNER:STEP1", "OUTER:STEP2"}, store.order())

	mu.Lock()
	defer mu.Unlock()
	var outerID string
	var innerSeen bool
	for _, s := range snapshots {
		if s.parentID == "" {
			outerID = s.id
		}
	}
	require.NotEmpty(t, outerID)
	for _, s := range snapshots {
		if s.parentID == outerID {
			innerSeen = true
			require.Equal(t, outerID, s.rootID, "inner thunk's root must equal outer's id")
		}
	}
	require.True(t, innerSeen, "expected to observe the inner thunk registered as outer's child")
}

// orderingStore records the type of every action applied to it, in
// application order, and otherwise leaves state untouched beyond a
// monotonically bumped counter key (so every action counts as a change
// and produces a broadcast).
type orderingStore struct {
	mu  sync.Mutex
	seq []string
}

func (s *orderingStore) InitialState() map[string]interface{} {
	return map[string]interface{}{"n": 0}
}

func (s *orderingStore) ProcessAction(current map[string]interface{}, a *action.Action) (map[string]interface{}, error) {
	s.mu.Lock()
	s.seq = append(s.seq, a.Type)
	s.mu.Unlock()
	next := make(map[string]interface{}, len(current))
	for k, v := range current {
		next[k] = v
	}
	next["n"] = current["n"].(int) + 1
	return next, nil
}

func (s *orderingStore) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.seq))
	copy(out, s.seq)
	return out
}

func newTestEngineWithStore(store Store, send Sender) *testEngine {
	return buildTestEngine(store, []int64{1, 2}, send)
}

// TestMainThunkProcessor_DispatchAfterResolveIsRejected exercises
// SPEC_FULL.md §D.1: once an authoritative-origin thunk's user function
// has returned, a dispatch still reaching its bound closure (e.g. from a
// goroutine the function spawned and didn't wait on) must fail with
// THUNK_PROTOCOL_VIOLATION instead of reaching the scheduler.
func TestMainThunkProcessor_DispatchAfterResolveIsRejected(t *testing.T) {
	e := newTestEngine(nil)

	var lateDispatch action.DispatchFunc
	fn := action.ThunkFunc(func(ctx context.Context, getState action.GetStateFunc, dispatch action.DispatchFunc) (interface{}, error) {
		lateDispatch = dispatch
		return "done", nil
	})

	result, err := e.mainProc.ExecuteThunk(context.Background(), fn, ExecuteThunkOptions{})
	require.NoError(t, err)
	require.Equal(t, "done", result)

	_, err = lateDispatch(context.Background(), "COUNTER:INCREMENT")
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrDispatchAfterResolve)
	require.True(t, core.IsStateError(err))
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}
