package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dummyThunkFn(ctx context.Context, getState GetStateFunc, dispatch DispatchFunc) (interface{}, error) {
	return getState(), nil
}

func TestNewThunk_RootHasOwnID(t *testing.T) {
	th := NewThunk(dummyThunkFn, SourceView, 1, nil)
	assert.True(t, th.IsRoot())
	assert.Equal(t, th.ID, th.RootID)
	assert.Equal(t, ThunkPending, th.State)
}

func TestNewThunk_ChildInheritsRoot(t *testing.T) {
	root := NewThunk(dummyThunkFn, SourceView, 1, nil)
	root.RootID = root.ID
	child := NewThunk(dummyThunkFn, SourceView, 1, root)
	require.False(t, child.IsRoot())
	assert.Equal(t, root.ID, child.RootID)
	assert.Equal(t, root.ID, child.ParentID)
}

func TestThunk_FullyComplete(t *testing.T) {
	th := NewThunk(dummyThunkFn, SourceView, 1, nil)
	th.State = ThunkExecuting
	assert.False(t, th.FullyComplete())

	th.State = ThunkCompleted
	assert.True(t, th.FullyComplete())

	th.PendingActions["a1"] = struct{}{}
	assert.False(t, th.FullyComplete())
	delete(th.PendingActions, "a1")

	th.PendingUpdates["u1"] = map[int64]struct{}{1: {}}
	assert.False(t, th.FullyComplete())
}

func TestThunkState_IsTerminal(t *testing.T) {
	assert.False(t, ThunkPending.IsTerminal())
	assert.False(t, ThunkExecuting.IsTerminal())
	assert.True(t, ThunkCompleted.IsTerminal())
	assert.True(t, ThunkFailed.IsTerminal())
}

func TestThunkError_Error(t *testing.T) {
	e := NewThunkError(ThunkErrorTimeout, "deadline exceeded", nil)
	assert.Equal(t, "THUNK_TIMEOUT: deadline exceeded", e.Error())
}
