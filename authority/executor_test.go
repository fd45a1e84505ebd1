package authority

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

// counterStore is a minimal Store: "counter" starts at 2 and responds to
// COUNTER:DOUBLE / COUNTER:HALVE / COUNTER:INCREMENT; THEME:TOGGLE flips a
// "theme" key; PANIC unconditionally panics, for exercising the recovery
// path; anything else is a no-op (returns the same map, so the executor
// must not emit a state update for it).
type counterStore struct{}

func (counterStore) InitialState() map[string]interface{} {
	return map[string]interface{}{"counter": 2}
}

func (counterStore) ProcessAction(current map[string]interface{}, a *action.Action) (map[string]interface{}, error) {
	next := make(map[string]interface{}, len(current))
	for k, v := range current {
		next[k] = v
	}
	switch a.Type {
	case "COUNTER:DOUBLE":
		next["counter"] = current["counter"].(int) * 2
	case "COUNTER:HALVE":
		next["counter"] = current["counter"].(int) / 2
	case "COUNTER:INCREMENT":
		next["counter"] = current["counter"].(int) + 1
	case "THEME:TOGGLE":
		theme, _ := current["theme"].(string)
		if theme == "dark" {
			next["theme"] = "light"
		} else {
			next["theme"] = "dark"
		}
	case "PANIC":
		panic("store exploded")
	}
	return next, nil
}

func TestActionExecutor_AppliesActionAndBroadcastsSlice(t *testing.T) {
	stateMgr := NewStateManager(counterStore{}, nil)
	subMgr := NewSubscriptionManager()
	subMgr.Subscribe(1, nil)
	updates := NewUpdateStore()
	thunkMgr := NewThunkManager(nil)

	var sent []struct {
		viewID int64
		slice  map[string]interface{}
	}
	send := func(viewID int64, u *action.StateUpdate) {
		sent = append(sent, struct {
			viewID int64
			slice  map[string]interface{}
		}{viewID, u.Slice.(map[string]interface{})})
	}

	exec := NewActionExecutor(stateMgr, subMgr, updates, thunkMgr, send, nil)
	a := &action.Action{ID: "a1", Type: "COUNTER:DOUBLE"}
	version, err := exec.Execute(context.Background(), &action.QueuedAction{Action: a})
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	require.Len(t, sent, 1)
	require.Equal(t, int64(1), sent[0].viewID)
	require.Equal(t, 4, sent[0].slice["counter"])
}

func TestActionExecutor_NoOpSkipsBroadcast(t *testing.T) {
	stateMgr := NewStateManager(counterStore{}, nil)
	subMgr := NewSubscriptionManager()
	subMgr.Subscribe(1, nil)

	var sendCount int
	send := func(viewID int64, u *action.StateUpdate) { sendCount++ }

	exec := NewActionExecutor(stateMgr, subMgr, NewUpdateStore(), NewThunkManager(nil), send, nil)
	a := &action.Action{ID: "a1", Type: "UNKNOWN_TYPE"}
	version, err := exec.Execute(context.Background(), &action.QueuedAction{Action: a})
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
	require.Zero(t, sendCount)
}

func TestActionExecutor_RecoversFromStorePanic(t *testing.T) {
	stateMgr := NewStateManager(counterStore{}, nil)
	subMgr := NewSubscriptionManager()
	exec := NewActionExecutor(stateMgr, subMgr, NewUpdateStore(), NewThunkManager(nil), nil, nil)

	a := &action.Action{ID: "a1", Type: "PANIC"}
	_, err := exec.Execute(context.Background(), &action.QueuedAction{Action: a})
	require.Error(t, err)

	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, core.KindActionProcessing, ee.Kind)
}

// Access control is enforced at admission time by ActionScheduler.Enqueue,
// not by ActionExecutor.Execute - see
// TestActionScheduler_EnqueueRejectsAtAdmissionTime in scheduler_test.go.
// By the time an action reaches Execute, it has already passed that gate.
