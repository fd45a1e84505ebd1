package authority

import (
	"sync"

	"github.com/itsneelabh/bridge/core"
)

type subscription struct {
	wildcard bool
	keys     map[string]struct{}
}

// SubscriptionManager tracks which top-level state keys each connected
// view cares about, and slices the authoritative state down to exactly
// those keys before it crosses the process boundary.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[int64]*subscription
}

// NewSubscriptionManager returns an empty manager; views must Subscribe
// before they receive any state updates.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{subs: make(map[int64]*subscription)}
}

// Subscribe records that viewID wants exactly keys. An empty keys slice
// means wildcard: the full state.
func (m *SubscriptionManager) Subscribe(viewID int64, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 {
		m.subs[viewID] = &subscription{wildcard: true}
		return
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	m.subs[viewID] = &subscription{keys: set}
}

// Unsubscribe removes keys from viewID's subscription. Passing no keys
// clears the subscription entirely.
func (m *SubscriptionManager) Unsubscribe(viewID int64, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[viewID]
	if !ok {
		return
	}
	if len(keys) == 0 {
		delete(m.subs, viewID)
		return
	}
	if sub.wildcard {
		return // unsubscribing individual keys from a wildcard subscription is a no-op
	}
	for _, k := range keys {
		delete(sub.keys, k)
	}
}

// RemoveView drops all subscription state for a view that has
// disconnected.
func (m *SubscriptionManager) RemoveView(viewID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, viewID)
}

// GetCurrentKeys reports viewID's subscription: wildcard=true means
// "everything", otherwise keys lists the subscribed top-level keys.
func (m *SubscriptionManager) GetCurrentKeys(viewID int64) (wildcard bool, keys []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[viewID]
	if !ok {
		return false, nil
	}
	if sub.wildcard {
		return true, nil
	}
	keys = make([]string, 0, len(sub.keys))
	for k := range sub.keys {
		keys = append(keys, k)
	}
	return false, keys
}

// Slice returns the portion of state viewID is subscribed to. known is
// false if viewID has no subscription registered.
func (m *SubscriptionManager) Slice(viewID int64, state map[string]interface{}) (slice map[string]interface{}, known bool) {
	m.mu.RLock()
	sub, ok := m.subs[viewID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if sub.wildcard {
		if reg := core.GetGlobalMetricsRegistry(); reg != nil {
			reg.Histogram("subscription.slice.key_count", float64(len(state)))
		}
		return state, true
	}
	out := make(map[string]interface{}, len(sub.keys))
	for k := range sub.keys {
		if v, present := state[k]; present {
			out[k] = v
		}
	}
	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.Histogram("subscription.slice.key_count", float64(len(out)))
	}
	return out, true
}

// SliceForAll slices state for every currently subscribed view.
func (m *SubscriptionManager) SliceForAll(state map[string]interface{}) map[int64]map[string]interface{} {
	m.mu.RLock()
	viewIDs := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		viewIDs = append(viewIDs, id)
	}
	m.mu.RUnlock()

	out := make(map[int64]map[string]interface{}, len(viewIDs))
	for _, id := range viewIDs {
		slice, ok := m.Slice(id, state)
		if ok {
			out[id] = slice
		}
	}
	return out
}

// CheckAccess reports whether a declares only keys within viewID's
// subscription (or bypass is set). An action that omits Keys entirely
// is assumed to touch only top-level state the view already owns and
// is always permitted; declaring Keys is how a thunk opts into the
// stricter check.
func (m *SubscriptionManager) CheckAccess(viewID int64, declaredKeys []string, bypass bool) bool {
	if bypass || len(declaredKeys) == 0 {
		return true
	}
	m.mu.RLock()
	sub, ok := m.subs[viewID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if sub.wildcard {
		return true
	}
	for _, k := range declaredKeys {
		if _, present := sub.keys[k]; !present {
			return false
		}
	}
	return true
}
