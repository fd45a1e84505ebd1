package view

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/core"
)

func TestPendingActionRegistry_ActionRoundTrip(t *testing.T) {
	r := NewPendingActionRegistry(0)
	require.NoError(t, r.RegisterAction("a1"))

	go r.ResolveAction("a1", 7, nil)

	version, err := r.WaitAction(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), version)
}

func TestPendingActionRegistry_WaitTimesOut(t *testing.T) {
	r := NewPendingActionRegistry(0)
	require.NoError(t, r.RegisterAction("a1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.WaitAction(ctx, "a1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingActionRegistry_WaitUnknownID(t *testing.T) {
	r := NewPendingActionRegistry(0)
	_, err := r.WaitAction(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPendingActionRegistry_SaturationRefused(t *testing.T) {
	r := NewPendingActionRegistry(1)
	require.NoError(t, r.RegisterAction("a1"))
	err := r.RegisterAction("a2")
	assert.ErrorIs(t, err, core.ErrRegistrySaturated)
}

func TestPendingActionRegistry_ThunkAckAndDone(t *testing.T) {
	r := NewPendingActionRegistry(0)
	require.NoError(t, r.RegisterThunkAck("t1"))
	require.NoError(t, r.RegisterThunkDone("t1"))

	r.ResolveThunkAck("t1", 0, nil)
	_, err := r.WaitThunkAck(context.Background(), "t1")
	require.NoError(t, err)

	r.ResolveThunkDone("t1", nil)
	require.NoError(t, r.WaitThunkDone(context.Background(), "t1"))
}

func TestPendingActionRegistry_AbandonSettlesWithViewGone(t *testing.T) {
	r := NewPendingActionRegistry(0)
	require.NoError(t, r.RegisterAction("a1"))
	require.NoError(t, r.RegisterThunkAck("t1"))
	require.NoError(t, r.RegisterThunkDone("t2"))

	r.Abandon()

	_, err := r.WaitAction(context.Background(), "a1")
	assert.ErrorIs(t, err, core.ErrViewGone)
	_, err = r.WaitThunkAck(context.Background(), "t1")
	assert.ErrorIs(t, err, core.ErrViewGone)
	err = r.WaitThunkDone(context.Background(), "t2")
	assert.ErrorIs(t, err, core.ErrViewGone)
}
