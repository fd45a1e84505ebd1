// Grounded on gomind's component/tool registry pattern of wrapping a
// user-supplied implementation behind a narrow interface
// (core.Capability / core.Discovery): StateManager does not know how
// actions mutate state, only how to serialize access to whatever Store
// the host application provides and how to version the result.
package authority

import (
	"reflect"
	"sync"

	"github.com/itsneelabh/bridge/action"
	"github.com/itsneelabh/bridge/core"
)

// Store is implemented by the host application. ProcessAction receives
// the current state and an action, and returns the state that should
// result from applying it. Returning the same value (by
// reflect.DeepEqual) signals "no-op" so the executor skips producing a
// state update for an action that didn't change anything.
type Store interface {
	InitialState() map[string]interface{}
	ProcessAction(current map[string]interface{}, a *action.Action) (map[string]interface{}, error)
}

// StateManager serializes all reads and writes of the authoritative
// state behind a single mutex, and stamps every write with a monotonic
// version number views use to detect staleness in their local mirror.
type StateManager struct {
	mu      sync.RWMutex
	store   Store
	state   map[string]interface{}
	version int64
	logger  core.Logger
}

// NewStateManager seeds the manager from store.InitialState() at
// version 0.
func NewStateManager(store Store, logger core.Logger) *StateManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	initial := store.InitialState()
	if initial == nil {
		initial = map[string]interface{}{}
	}
	return &StateManager{store: store, state: initial, logger: logger}
}

// GetState returns the current state snapshot and its version.
func (s *StateManager) GetState() (map[string]interface{}, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.version
}

// ProcessAction runs a under the write lock. changed reports whether
// the resulting state differs from the prior snapshot; the executor
// only produces state-update messages when changed is true.
func (s *StateManager) ProcessAction(a *action.Action) (state map[string]interface{}, changed bool, version int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, procErr := s.store.ProcessAction(s.state, a)
	if procErr != nil {
		return nil, false, s.version, core.NewEngineError(core.KindActionProcessing, "StateManager.ProcessAction",
			"store rejected action", procErr, core.ErrorContext{ActionID: a.ID, ThunkID: a.ParentThunkID})
	}
	if next == nil {
		next = map[string]interface{}{}
	}

	changed = !reflect.DeepEqual(next, s.state)
	if changed {
		s.version++
		s.state = next
	}
	return s.state, changed, s.version, nil
}
