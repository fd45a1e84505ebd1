package authority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

func TestThunkManager_RegisterRefusesUnknownParent(t *testing.T) {
	m := NewThunkManager(nil)
	t1 := action.NewThunk(nil, action.SourceView, 1, nil)
	t1.ParentID = "does-not-exist"

	err := m.Register(t1)
	require.ErrorIs(t, err, core.ErrThunkRegistrationFailed)
	require.Equal(t, action.ThunkFailed, t1.State)
}

func TestThunkManager_ChildRootInheritsParent(t *testing.T) {
	m := NewThunkManager(nil)
	parent := action.NewThunk(nil, action.SourceView, 1, nil)
	require.NoError(t, m.Register(parent))

	child := action.NewThunk(nil, action.SourceView, 1, parent)
	require.NoError(t, m.Register(child))

	require.Equal(t, parent.ID, child.RootID)
	root, ok := m.ResolveRoot(child.ID)
	require.True(t, ok)
	require.Equal(t, parent.ID, root)

	got, ok := m.Get(parent.ID)
	require.True(t, ok)
	_, isChild := got.Children[child.ID]
	require.True(t, isChild)
}

func TestThunkManager_NotFullyCompleteUntilActionsAndUpdatesDrain(t *testing.T) {
	m := NewThunkManager(nil)
	var rootCompleted []string
	m.OnRootCompleted = func(rootID string) { rootCompleted = append(rootCompleted, rootID) }

	root := action.NewThunk(nil, action.SourceView, 1, nil)
	require.NoError(t, m.Register(root))

	m.RecordAction(root.ID, "a1")
	m.TrackStateUpdate(root.ID, "u1", map[int64]struct{}{1: {}, 2: {}})

	// User function resolves before its action/update traffic has drained:
	// the thunk must not be collected yet.
	m.Complete(root.ID, "done")
	_, stillLive := m.Get(root.ID)
	require.True(t, stillLive)
	require.Empty(t, rootCompleted)

	m.CompleteAction(root.ID, "a1")
	_, stillLive = m.Get(root.ID)
	require.True(t, stillLive, "pendingUpdates still outstanding")

	require.False(t, m.AcknowledgeUpdate("u1", 1))
	_, stillLive = m.Get(root.ID)
	require.True(t, stillLive, "one acker remains")

	require.True(t, m.AcknowledgeUpdate("u1", 2))
	_, stillLive = m.Get(root.ID)
	require.False(t, stillLive, "thunk should be garbage collected once everything drains")
	require.Equal(t, []string{root.ID}, rootCompleted)
}

func TestThunkManager_PostOrderCollectionOfChildBeforeParent(t *testing.T) {
	m := NewThunkManager(nil)
	var fullyComplete []string
	m.OnFullyComplete = func(t *action.Thunk) { fullyComplete = append(fullyComplete, t.ID) }

	parent := action.NewThunk(nil, action.SourceView, 1, nil)
	require.NoError(t, m.Register(parent))
	child := action.NewThunk(nil, action.SourceView, 1, parent)
	require.NoError(t, m.Register(child))

	// Completing the parent first must not collect it: its child is
	// still live.
	m.Complete(parent.ID, "parent-done")
	_, parentLive := m.Get(parent.ID)
	require.True(t, parentLive)

	m.Complete(child.ID, "child-done")
	_, childLive := m.Get(child.ID)
	require.False(t, childLive)
	_, parentLive = m.Get(parent.ID)
	require.False(t, parentLive)

	require.Equal(t, []string{child.ID, parent.ID}, fullyComplete)
}

func TestThunkManager_CleanupDeadViewActsAsUniversalAck(t *testing.T) {
	m := NewThunkManager(nil)
	var rootCompleted []string
	m.OnRootCompleted = func(rootID string) { rootCompleted = append(rootCompleted, rootID) }

	root := action.NewThunk(nil, action.SourceView, 1, nil)
	require.NoError(t, m.Register(root))
	m.TrackStateUpdate(root.ID, "u1", map[int64]struct{}{1: {}, 2: {}})
	m.Complete(root.ID, "done")

	m.CleanupDeadView(1)
	_, stillLive := m.Get(root.ID)
	require.True(t, stillLive, "view 2 hasn't acked yet")

	m.CleanupDeadView(2)
	_, stillLive = m.Get(root.ID)
	require.False(t, stillLive)
	require.Equal(t, []string{root.ID}, rootCompleted)
}

func TestThunkManager_NotifyOnDoneAlreadyGoneClosesImmediately(t *testing.T) {
	m := NewThunkManager(nil)
	ch := m.NotifyOnDone("unknown-thunk")
	select {
	case <-ch:
	default:
		t.Fatal("expected channel for unknown thunk to already be closed")
	}
}

func TestThunkManager_FailTransitionsTerminalAndCollectible(t *testing.T) {
	m := NewThunkManager(nil)
	root := action.NewThunk(nil, action.SourceView, 1, nil)
	require.NoError(t, m.Register(root))

	m.Fail(root.ID, action.NewThunkError(action.ThunkErrorExecutionError, "boom", nil))
	_, stillLive := m.Get(root.ID)
	require.False(t, stillLive)
}
