// Grounded on authority/state_manager.go: the same
// version-stamped-snapshot-behind-a-mutex shape, but passive. LocalMirror
// never runs a Store.ProcessAction; it only ever absorbs a slice the
// authoritative side already computed (spec.md §4 ownership rule: "the
// view process exclusively owns its LocalMirror... every piece of shared
// data crosses the boundary by value").
package view

import "sync"

// LocalMirror is a view process's read-only projection of authoritative
// state. It is populated exclusively by state-update messages; dispatch
// never mutates it directly.
type LocalMirror struct {
	mu      sync.RWMutex
	state   map[string]interface{}
	version int64

	// waiters are woken whenever version advances, so a dispatcher
	// waiting on "mirror has reached version >= N" doesn't have to poll.
	waiters map[chan struct{}]int64
}

// NewLocalMirror returns an empty mirror at version 0.
func NewLocalMirror() *LocalMirror {
	return &LocalMirror{
		state:   make(map[string]interface{}),
		waiters: make(map[chan struct{}]int64),
	}
}

// Snapshot returns the current state and its version. The returned map
// must be treated as read-only by the caller; getState bindings handed
// to thunk user functions read through this.
func (m *LocalMirror) Snapshot() (map[string]interface{}, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.version
}

// Version reports the mirror's current version without copying state.
func (m *LocalMirror) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Apply merges slice's top-level keys into the mirror and advances its
// version. A stale update (version <= current) is dropped; the
// authoritative side can redeliver on reconnect without the mirror
// regressing. Reports whether the update was applied.
func (m *LocalMirror) Apply(version int64, slice map[string]interface{}) bool {
	m.mu.Lock()
	if version <= m.version {
		m.mu.Unlock()
		return false
	}
	next := make(map[string]interface{}, len(m.state)+len(slice))
	for k, v := range m.state {
		next[k] = v
	}
	for k, v := range slice {
		next[k] = v
	}
	m.state = next
	m.version = version
	m.notifyLocked()
	m.mu.Unlock()
	return true
}

// Reset replaces the mirror wholesale, used when a view (re)connects and
// pulls a fresh get-state snapshot instead of waiting to converge via
// incremental updates.
func (m *LocalMirror) Reset(state map[string]interface{}, version int64) {
	m.mu.Lock()
	if state == nil {
		state = map[string]interface{}{}
	}
	m.state = state
	m.version = version
	m.notifyLocked()
	m.mu.Unlock()
}

// notifyLocked closes every waiter channel whose target version has now
// been reached. Must be called with mu held for writing.
func (m *LocalMirror) notifyLocked() {
	for ch, target := range m.waiters {
		if m.version >= target {
			close(ch)
			delete(m.waiters, ch)
		}
	}
}

// subscribe registers a channel that closes once the mirror reaches
// target. If the mirror has already reached target, the channel is
// returned already closed.
func (m *LocalMirror) subscribe(target int64) chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	if m.version >= target {
		close(ch)
	} else {
		m.waiters[ch] = target
	}
	m.mu.Unlock()
	return ch
}

// unsubscribe removes ch from the waiter set without closing it, used
// when a wait is abandoned (context cancelled) before its target was
// reached.
func (m *LocalMirror) unsubscribe(ch chan struct{}) {
	m.mu.Lock()
	delete(m.waiters, ch)
	m.mu.Unlock()
}
