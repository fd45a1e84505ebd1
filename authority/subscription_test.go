package authority

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionManager_DefaultIsUnknownUntilSubscribed(t *testing.T) {
	m := NewSubscriptionManager()
	_, ok := m.Slice(1, map[string]interface{}{"counter": 1})
	require.False(t, ok)
}

func TestSubscriptionManager_WildcardReturnsFullState(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, nil)

	state := map[string]interface{}{"counter": 1, "theme": "dark"}
	slice, ok := m.Slice(1, state)
	require.True(t, ok)
	require.Equal(t, state, slice)

	wildcard, keys := m.GetCurrentKeys(1)
	require.True(t, wildcard)
	require.Empty(t, keys)
}

func TestSubscriptionManager_SliceRestrictsToSubscribedKeys(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, []string{"counter"})

	state := map[string]interface{}{"counter": 1, "theme": "dark"}
	slice, ok := m.Slice(1, state)
	require.True(t, ok)
	require.Equal(t, map[string]interface{}{"counter": 1}, slice)
}

func TestSubscriptionManager_UnsubscribeThenSubscribeRestoresKeySet(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, []string{"counter", "theme"})
	m.Unsubscribe(1, []string{"counter", "theme"})
	m.Subscribe(1, []string{"counter", "theme"})

	_, keys := m.GetCurrentKeys(1)
	require.ElementsMatch(t, []string{"counter", "theme"}, keys)
}

func TestSubscriptionManager_UnsubscribeIndividualKeyFromWildcardIsNoOp(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, nil)
	m.Unsubscribe(1, []string{"counter"})

	wildcard, _ := m.GetCurrentKeys(1)
	require.True(t, wildcard)
}

func TestSubscriptionManager_CheckAccess(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, []string{"counter"})

	require.True(t, m.CheckAccess(1, nil, false), "undeclared keys are always permitted")
	require.True(t, m.CheckAccess(1, []string{"counter"}, false))
	require.False(t, m.CheckAccess(1, []string{"theme"}, false))
	require.True(t, m.CheckAccess(1, []string{"theme"}, true), "bypass always permitted")
	require.False(t, m.CheckAccess(2, []string{"counter"}, false), "unknown view has no subscription")
}

func TestSubscriptionManager_RemoveViewDropsSubscription(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, nil)
	m.RemoveView(1)

	_, ok := m.Slice(1, map[string]interface{}{})
	require.False(t, ok)
}

func TestSubscriptionManager_SliceForAllOnlyIncludesSubscribedViews(t *testing.T) {
	m := NewSubscriptionManager()
	m.Subscribe(1, nil)
	m.Subscribe(2, []string{"counter"})

	state := map[string]interface{}{"counter": 1, "theme": "dark"}
	slices := m.SliceForAll(state)
	require.Len(t, slices, 2)
	require.Equal(t, state, slices[1])
	require.Equal(t, map[string]interface{}{"counter": 1}, slices[2])
}
